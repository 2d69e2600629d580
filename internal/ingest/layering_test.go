package ingest

import (
	"testing"

	"pulsewatch/internal/testutil"
)

func TestNoTransportOrDriverImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".",
		testutil.AnyOf(testutil.TransportImportForbidden, testutil.DriverImportForbidden),
		"ingest must depend on blob.Store and catalog.Catalog only")
}
