package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pulsewatch/internal/errs"
)

func TestTableExclusive(t *testing.T) {
	tbl := NewTable(time.Second)
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := tbl.Acquire(context.Background(), "p/s")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()
	if maxInside.Load() != 1 {
		t.Fatalf("max concurrent holders = %d", maxInside.Load())
	}
	if tbl.Active() != 0 {
		t.Fatalf("entries leaked: %d", tbl.Active())
	}
}

func TestTableTimeout(t *testing.T) {
	tbl := NewTable(20 * time.Millisecond)
	release, err := tbl.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	_, err = tbl.Acquire(context.Background(), "k")
	if !errors.Is(err, ErrBusy) || errs.KindOf(err) != errs.KindBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if tbl.Active() != 1 {
		t.Fatalf("active = %d", tbl.Active())
	}
}

func TestTableContextCancel(t *testing.T) {
	tbl := NewTable(time.Minute)
	release, err := tbl.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := tbl.Acquire(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTableIndependentKeys(t *testing.T) {
	tbl := NewTable(20 * time.Millisecond)
	r1, err := tbl.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	r2, err := tbl.Acquire(context.Background(), "b")
	if err != nil {
		t.Fatalf("acquire b while a held: %v", err)
	}
	if tbl.Active() != 2 {
		t.Fatalf("active = %d", tbl.Active())
	}
	r1()
	r2()
	if tbl.Active() != 0 {
		t.Fatalf("active after release = %d", tbl.Active())
	}
}

func TestTableReleaseIsIdempotent(t *testing.T) {
	tbl := NewTable(20 * time.Millisecond)
	release, err := tbl.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release()
	again, err := tbl.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again()
}

func TestNewTableDefaultTimeout(t *testing.T) {
	if NewTable(0).timeout != DefaultTimeout {
		t.Fatalf("expected default timeout")
	}
}
