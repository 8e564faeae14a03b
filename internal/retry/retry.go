// Package retry holds the bounded retry policy shared by every
// "transient race, try again" and "buffer too small, grow and try again" loop.
package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
)

// ErrBudgetExhausted is wrapped around the last error once a policy ran out of time.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Policy bounds a retry loop by wall-clock time.
type Policy struct {
	MaxDuration time.Duration
	Backoff     time.Duration
	MaxBackoff  time.Duration

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// Default is used by the module enumerator and the image path lookups.
func Default() Policy {
	return Policy{
		MaxDuration: time.Second,
		Backoff:     10 * time.Millisecond,
		MaxBackoff:  200 * time.Millisecond,
	}
}

type transient struct{ err error }

func (t transient) Error() string { return t.err.Error() }
func (t transient) Unwrap() error { return t.err }

// Transient marks err as worth another attempt.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transient{err: err}
}

type exhausted struct {
	last     error
	attempts int
}

func (e *exhausted) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrBudgetExhausted, e.attempts, e.last)
}

func (e *exhausted) Unwrap() error { return e.last }

func (e *exhausted) Is(target error) bool { return target == ErrBudgetExhausted }

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t transient
	return errors.As(err, &t)
}

// Run calls op until it returns nil or a non-transient error, or the budget
// runs out. The attempt number starts at 0.
func (p Policy) Run(op func(attempt int) error) error {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		err := op(attempt)
		if err == nil {
			return nil
		}
		var t transient
		if !errors.As(err, &t) {
			return err
		}
		if time.Since(start) >= p.MaxDuration {
			return &exhausted{last: t.err, attempts: attempt + 1}
		}
		p.pause(p.NextBackoff(attempt))
	}
}

// Grow drives the Win32 "query size" pattern. fill is called with a buffer
// length and returns the length it actually needs; when that exceeds the
// supplied length the buffer grows (at least doubling) and fill runs again.
// The final length is returned.
func (p Policy) Grow(initial int, fill func(n int) (needed int, err error)) (int, error) {
	if initial <= 0 {
		initial = 1
	}
	n := initial
	err := p.Run(func(int) error {
		needed, err := fill(n)
		if err != nil {
			return err
		}
		if needed > n {
			n = growTo(n, needed)
			return Transient(errors.Errorf("buffer of %d too small, need %d", n, needed))
		}
		n = needed
		return nil
	})
	return n, err
}

func growTo(n, needed int) int {
	if needed < 2*n {
		return 2 * n
	}
	return needed
}

// NextBackoff is Backoff * 2^attempt capped at MaxBackoff.
func (p Policy) NextBackoff(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	d := float64(p.Backoff) * math.Pow(2, float64(attempt))
	if p.MaxBackoff > 0 {
		d = math.Min(d, float64(p.MaxBackoff))
	}
	return time.Duration(d)
}

func (p Policy) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	if p.sleep != nil {
		p.sleep(d)
		return
	}
	time.Sleep(d)
}
