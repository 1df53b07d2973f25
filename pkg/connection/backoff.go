package connection

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Defaults for reconnecting to usbmuxd.
const (
	InitialBackoff    = 500 * time.Millisecond
	MaxBackoff        = 10 * time.Second
	BackoffMultiplier = 2.0

	// JitterFactor bounds the positive jitter as a fraction of the base delay.
	JitterFactor = 0.25
)

// BackoffConfig customizes a Backoff. Zero fields take the defaults; a
// multiplier of 1 or less is treated as unset.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Backoff paces reconnect attempts. The base delay grows geometrically from
// Initial up to Max and is reset once a connection is established.
type Backoff struct {
	cfg BackoffConfig

	mu       sync.Mutex
	attempts int
	rng      *rand.Rand
}

// NewBackoff returns a Backoff with the usbmuxd defaults.
func NewBackoff() *Backoff {
	return NewBackoffWithConfig(BackoffConfig{Jitter: JitterFactor})
}

// NewBackoffWithConfig returns a Backoff for cfg.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxBackoff
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = BackoffMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// base returns the un-jittered delay after n attempts.
func (c BackoffConfig) base(n int) time.Duration {
	d := float64(c.Initial)
	for i := 0; i < n; i++ {
		d *= c.Multiplier
		if d >= float64(c.Max) {
			return c.Max
		}
	}
	return time.Duration(d)
}

func (b *Backoff) jittered(d time.Duration) time.Duration {
	if b.cfg.Jitter == 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.cfg.Jitter*b.rng.Float64())
}

// Next returns the delay before the next attempt and counts the attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.jittered(b.cfg.base(b.attempts))
	b.attempts++
	return d
}

// Peek is Next without counting an attempt.
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jittered(b.cfg.base(b.attempts))
}

// Reset returns to the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}

// Attempts is the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current is the base delay the next call to Next will jitter.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.base(b.attempts)
}

// Wait sleeps for the next delay, or until ctx ends.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BackoffSequence lists the default base delays, ending with the first
// delay that reaches MaxBackoff.
func BackoffSequence() []time.Duration {
	cfg := NewBackoff().cfg
	var seq []time.Duration
	for n := 0; ; n++ {
		d := cfg.base(n)
		seq = append(seq, d)
		if d == cfg.Max {
			return seq
		}
	}
}
