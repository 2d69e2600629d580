package logger

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(opts Options) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return FromZap(zap.New(core), opts), logs
}

func TestRedactionHashesPatientAndDropsSecrets(t *testing.T) {
	log, logs := observed(Options{Redact: true, Salt: "pepper"})
	log.Info("stored", "patient_id", "patient_001", "session_id", "s1", "secret_access_key", "abc")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	hashed, _ := fields["patient_id"].(string)
	if !strings.HasPrefix(hashed, "hash:") || strings.Contains(hashed, "patient_001") {
		t.Fatalf("patient id not hashed: %q", hashed)
	}
	if fields["session_id"] != "s1" {
		t.Fatalf("session id should pass through, got %v", fields["session_id"])
	}
	if fields["secret_access_key"] != "[REDACTED]" {
		t.Fatalf("secret not redacted: %v", fields["secret_access_key"])
	}
}

func TestHashIsStableAndSalted(t *testing.T) {
	a := &Logger{salt: "a"}
	b := &Logger{salt: "b"}
	if a.hash("p1") != a.hash("p1") {
		t.Fatalf("hash not stable")
	}
	if a.hash("p1") == b.hash("p1") {
		t.Fatalf("salt ignored")
	}
	if a.hash("") != "" {
		t.Fatalf("empty value should stay empty")
	}
}

func TestRedactionDisabled(t *testing.T) {
	log, logs := observed(Options{})
	log.With("patient", "p1").Warn("busy")
	fields := logs.All()[0].ContextMap()
	if fields["patient"] != "p1" {
		t.Fatalf("expected clear value, got %v", fields["patient"])
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected level error")
	}
	l, err := New(Options{Mode: "production", Level: "warn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Debug("dropped")
	Nop().Error("ignored")
}
