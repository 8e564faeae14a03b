package retry

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestRun(t *testing.T) {
	errBoom := errors.New("boom")

	t.Run("stops on success", func(t *testing.T) {
		calls := 0
		err := Default().Run(func(int) error {
			calls++
			if calls < 3 {
				return Transient(errBoom)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if calls != 3 {
			t.Fatalf("calls = %d, want 3", calls)
		}
	})

	t.Run("non transient error is returned as is", func(t *testing.T) {
		calls := 0
		err := Default().Run(func(int) error {
			calls++
			return errBoom
		})
		if err != errBoom {
			t.Fatalf("err = %v, want %v", err, errBoom)
		}
		if calls != 1 {
			t.Fatalf("calls = %d, want 1", calls)
		}
	})

	t.Run("budget exhaustion keeps the last error", func(t *testing.T) {
		p := Policy{MaxDuration: 20 * time.Millisecond, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
		err := p.Run(func(int) error { return Transient(errBoom) })
		if !errors.Is(err, ErrBudgetExhausted) {
			t.Fatalf("err = %v, want ErrBudgetExhausted", err)
		}
		if !errors.Is(err, errBoom) {
			t.Fatalf("err = %v, want it to wrap errBoom", err)
		}
	})

	t.Run("attempt counter increments", func(t *testing.T) {
		var seen []int
		p := Default()
		p.sleep = func(time.Duration) {}
		_ = p.Run(func(attempt int) error {
			seen = append(seen, attempt)
			if attempt < 2 {
				return Transient(errBoom)
			}
			return nil
		})
		if len(seen) != 3 || seen[0] != 0 || seen[2] != 2 {
			t.Fatalf("attempts = %v, want [0 1 2]", seen)
		}
	})
}

func TestGrow(t *testing.T) {
	t.Run("grows until the buffer fits", func(t *testing.T) {
		var sizes []int
		p := Default()
		p.sleep = func(time.Duration) {}
		n, err := p.Grow(4, func(n int) (int, error) {
			sizes = append(sizes, n)
			return 37, nil
		})
		if err != nil {
			t.Fatalf("Grow: %v", err)
		}
		if n != 37 {
			t.Fatalf("n = %d, want 37", n)
		}
		if len(sizes) != 2 || sizes[1] != 37 {
			t.Fatalf("sizes = %v, want [4 37]", sizes)
		}
	})

	t.Run("at least doubles", func(t *testing.T) {
		var sizes []int
		p := Default()
		p.sleep = func(time.Duration) {}
		needed := 10
		_, err := p.Grow(8, func(n int) (int, error) {
			sizes = append(sizes, n)
			return needed, nil
		})
		if err != nil {
			t.Fatalf("Grow: %v", err)
		}
		if sizes[1] != 16 {
			t.Fatalf("second size = %d, want 16", sizes[1])
		}
	})

	t.Run("fill error stops growth", func(t *testing.T) {
		errFill := errors.New("fill")
		_, err := Default().Grow(8, func(int) (int, error) { return 0, errFill })
		if err != errFill {
			t.Fatalf("err = %v, want %v", err, errFill)
		}
	})
}

func TestNextBackoff(t *testing.T) {
	p := Policy{Backoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 50 * time.Millisecond},
		{10, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.NextBackoff(tt.attempt); got != tt.want {
			t.Errorf("NextBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
