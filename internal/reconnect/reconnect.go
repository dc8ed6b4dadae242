// Package reconnect retries a recovery action with exponential backoff. The
// client CLI uses it to re-run server discovery after its session is lost.
package reconnect

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config contains configuration for retry behavior.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // 0 means unlimited
	Jitter       float64
}

// DefaultConfig returns sensible defaults for retrying.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  0,
		Jitter:       0.2,
	}
}

// Delay returns the un-jittered delay before attempt (0-indexed).
func (c Config) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialDelay
	}

	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

type state struct {
	attempts int
	timer    *time.Timer
}

// Reconnector schedules retries per key. The callback runs on a timer
// goroutine; returning nil ends the retries for that key.
type Reconnector struct {
	cfg      Config
	callback func(key string) error

	mu     sync.Mutex
	states map[string]*state
	closed bool
}

// New creates a new reconnector.
func New(cfg Config, callback func(key string) error) *Reconnector {
	return &Reconnector{
		cfg:      cfg,
		callback: callback,
		states:   make(map[string]*state),
	}
}

// Schedule starts retrying key unless retries for it are already pending.
func (r *Reconnector) Schedule(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if _, pending := r.states[key]; pending {
		return
	}

	st := &state{}
	r.states[key] = st
	st.timer = time.AfterFunc(r.jitter(r.cfg.Delay(0)), func() {
		r.attempt(key, st)
	})
}

func (r *Reconnector) attempt(key string, st *state) {
	r.mu.Lock()
	if r.closed || r.states[key] != st {
		r.mu.Unlock()
		return
	}
	st.attempts++
	r.mu.Unlock()

	err := r.callback(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.states[key] != st {
		return
	}
	if err == nil || (r.cfg.MaxAttempts > 0 && st.attempts >= r.cfg.MaxAttempts) {
		delete(r.states, key)
		return
	}

	st.timer = time.AfterFunc(r.jitter(r.cfg.Delay(st.attempts)), func() {
		r.attempt(key, st)
	})
}

// jitter spreads d by up to ±Jitter of its length.
func (r *Reconnector) jitter(d time.Duration) time.Duration {
	if r.cfg.Jitter <= 0 {
		return d
	}

	spread := float64(d) * r.cfg.Jitter
	result := time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	if result < 0 {
		return d
	}
	return result
}

// Cancel stops pending retries for key.
func (r *Reconnector) Cancel(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[key]; ok {
		st.timer.Stop()
		delete(r.states, key)
	}
}

// Attempts returns the number of attempts made for key so far.
func (r *Reconnector) Attempts(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[key]; ok {
		return st.attempts
	}
	return 0
}

// IsPending returns true if retries are scheduled for key.
func (r *Reconnector) IsPending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.states[key]
	return ok
}

// Stop cancels every pending retry. Later calls to Schedule are ignored.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for key, st := range r.states {
		st.timer.Stop()
		delete(r.states, key)
	}
}
