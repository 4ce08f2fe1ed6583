package backoff

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Exponential yields growing delays capped at Config.Max. Safe for concurrent use.
type Exponential struct {
	mu       sync.Mutex
	current  time.Duration
	attempts int
	config   Config
}

func New(cfg Config) *Exponential {
	if cfg.Initial <= 0 {
		cfg.Initial = 200 * time.Millisecond
	}
	if cfg.Max <= 0 {
		cfg.Max = 30 * time.Second
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	return &Exponential{config: cfg}
}

func (e *Exponential) Next() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts++
	if e.current <= 0 {
		e.current = e.config.Initial
	} else {
		e.current = time.Duration(float64(e.current) * e.config.Multiplier)
		if e.current > e.config.Max {
			e.current = e.config.Max
		}
	}
	interval := e.current
	if e.config.Jitter > 0 {
		span := float64(interval) * e.config.Jitter
		interval += time.Duration((rand.Float64()*2 - 1) * span)
		if interval <= 0 {
			interval = e.config.Initial
		}
	}
	return interval
}

// Attempts returns how many delays have been handed out since the last Reset.
func (e *Exponential) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

func (e *Exponential) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = 0
	e.attempts = 0
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
