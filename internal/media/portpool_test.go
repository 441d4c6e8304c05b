package media

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPortPoolAllocateRelease(t *testing.T) {
	pool, err := NewPortPool(42000, 42007, testLogger())
	if err != nil {
		t.Fatalf("NewPortPool: %v", err)
	}

	socks := make([]*Socket, 0, 4)
	for i := 0; i < 4; i++ {
		s, err := pool.Allocate()
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		if s.Port%2 != 0 {
			t.Errorf("allocated odd rtp port %d", s.Port)
		}
		if s.Port < 42000 || s.Port > 42007 {
			t.Errorf("port %d outside range", s.Port)
		}
		socks = append(socks, s)
	}
	if got := pool.InUse(); got != 4 {
		t.Errorf("InUse = %d, want 4", got)
	}

	// Range exhausted.
	if _, err := pool.Allocate(); err == nil {
		t.Error("Allocate succeeded with no free ports")
	}

	pool.Release(socks[0])
	if got := pool.InUse(); got != 3 {
		t.Errorf("InUse after release = %d, want 3", got)
	}
	s, err := pool.Allocate()
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if s.Port != socks[0].Port {
		t.Errorf("reallocated port %d, want released port %d", s.Port, socks[0].Port)
	}

	pool.Release(s)
	for _, s := range socks[1:] {
		pool.Release(s)
	}
	if got := pool.InUse(); got != 0 {
		t.Errorf("InUse after full release = %d, want 0", got)
	}
}

func TestPortPoolValidation(t *testing.T) {
	if _, err := NewPortPool(42001, 42010, testLogger()); err == nil {
		t.Error("NewPortPool accepted odd portMin")
	}
	if _, err := NewPortPool(42000, 42000, testLogger()); err == nil {
		t.Error("NewPortPool accepted empty range")
	}
}
