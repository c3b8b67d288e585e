package backoff

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5
	// MaxDelay is where NextDelay saturates instead of overflowing.
	MaxDelay = time.Duration(math.MaxInt64)
)

// ErrExhausted is returned once the attempt count reaches MaxAttempts.
var ErrExhausted = errors.New("reconnect attempts exhausted")

// Scheduler computes reconnect delays as BaseDelay * 2^attempt. It holds no
// mutable state and does no I/O.
type Scheduler struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

func NewScheduler(base time.Duration, maxAttempts int) Scheduler {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Scheduler{BaseDelay: base, MaxAttempts: maxAttempts}
}

// NextDelay returns the delay before reconnect attempt number attempt
// (zero based), or ErrExhausted when attempt >= MaxAttempts. Delays that do
// not fit a time.Duration are MaxDelay.
func (s Scheduler) NextDelay(attempt int) (time.Duration, error) {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= s.MaxAttempts {
		return 0, errors.Wrapf(ErrExhausted, "after %d attempts", attempt)
	}
	if attempt > 62 || s.BaseDelay > MaxDelay>>uint(attempt) {
		return MaxDelay, nil
	}
	return s.BaseDelay << uint(attempt), nil
}

// State is the attempt counter fed to a Scheduler. It is not safe for
// concurrent use; the session controller guards it with its own lock.
type State struct {
	Scheduler Scheduler
	Attempt   int
}

func NewState(s Scheduler) *State {
	return &State{Scheduler: s}
}

// Next returns the delay for the current attempt and increments the counter.
// When exhausted the counter is left untouched.
func (st *State) Next() (time.Duration, error) {
	d, err := st.Scheduler.NextDelay(st.Attempt)
	if err != nil {
		return 0, err
	}
	st.Attempt++
	return d, nil
}

func (st *State) Reset() {
	st.Attempt = 0
}
