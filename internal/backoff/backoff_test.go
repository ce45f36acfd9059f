package backoff

import (
	"testing"
	"time"
)

func TestNextDoublesUntilCap(t *testing.T) {
	s := New(100*time.Millisecond, 2, 5*time.Second)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, w := range want {
		if got := s.Next(); got != w {
			t.Fatalf("step %d: expected %v, got %v", i, w, got)
		}
	}
}

func TestNextRespectsCap(t *testing.T) {
	s := New(1*time.Second, 2, 3*time.Second)
	s.Next() // 1s
	s.Next() // 2s
	if got := s.Next(); got != 3*time.Second {
		t.Fatalf("expected capped at 3s, got %v", got)
	}
	if got := s.Next(); got != 3*time.Second {
		t.Fatalf("expected to stay capped at 3s, got %v", got)
	}
}
