// Package throttle implements the adaptive delay oracle that spaces out
// uploads and deletes against the chat service: jittered base waits,
// error-driven backoff, and explicit rate-limit recovery pauses.
//
// The exact multiplier arithmetic here is a tested invariant of the system
// (see the package tests), so it is hand-rolled rather than delegated to a
// generic backoff library — no off-the-shelf backoff package exposes the
// asymmetric 429-vs-generic-error ceilings and the gradual 0.9x recovery
// this component requires.
package throttle

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	minMultiplier = 1.0
	maxMultiplier = 20.0

	// errorCeiling bounds the multiplier reached via generic (non-429) errors.
	errorCeiling = 10.0

	// rateLimitCeiling bounds the multiplier reached via HTTP 429.
	rateLimitCeiling = 20.0

	// rateLimitPauseFloor is the multiplier floor restored after a rate-limit pause.
	rateLimitPauseFloor = 2.0

	minWait = 500 * time.Millisecond
)

// Config holds the tunable parameters of a Throttler.
type Config struct {
	MinDelay          time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		MinDelay:          1500 * time.Millisecond,
		MaxDelay:          4200 * time.Millisecond,
		BackoffMultiplier: 1.5,
	}
}

// Throttler is the adaptive delay oracle. All mutable state is protected by
// a single mutex, as specified.
type Throttler struct {
	cfg Config

	mu                sync.Mutex
	currentMultiplier float64
	consecutiveErrors int
}

// New creates a Throttler at baseline (multiplier 1.0, no errors).
func New(cfg Config) *Throttler {
	return &Throttler{cfg: cfg, currentMultiplier: minMultiplier}
}

// NextDelay computes the next wait duration: a uniform base in
// [MinDelay, MaxDelay], scaled by the current multiplier, plus up to
// ±200ms of jitter, floored at 500ms.
func (t *Throttler) NextDelay() time.Duration {
	t.mu.Lock()
	multiplier := t.currentMultiplier
	t.mu.Unlock()

	base := randDuration(t.cfg.MinDelay, t.cfg.MaxDelay)
	micro := randSignedDuration(200 * time.Millisecond)
	delay := time.Duration(float64(base)*multiplier) + micro
	if delay < minWait {
		delay = minWait
	}
	return delay
}

// Wait sleeps for NextDelay(), honoring ctx cancellation.
func (t *Throttler) Wait(ctx context.Context) error {
	return sleep(ctx, t.NextDelay())
}

// RegisterError records a failed attempt. status is the HTTP status code of
// the failure, or 0 if none applies. A 429 raises the multiplier faster
// (x3) and to a higher ceiling than any other error (x BackoffMultiplier,
// capped lower).
func (t *Throttler) RegisterError(status int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveErrors++
	if status == 429 {
		t.currentMultiplier = min(t.currentMultiplier*3.0, rateLimitCeiling)
		return
	}
	t.currentMultiplier = min(t.currentMultiplier*t.cfg.BackoffMultiplier, errorCeiling)
}

// RegisterSuccess resets the error streak and relaxes the multiplier
// gradually (never instantly) back toward baseline.
func (t *Throttler) RegisterSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveErrors = 0
	if t.currentMultiplier > minMultiplier {
		t.currentMultiplier = max(t.currentMultiplier*0.9, minMultiplier)
	}
}

// RateLimitPause sleeps unconditionally for pause (default 60s when pause
// is zero), then relaxes the multiplier to half its current value, floored
// at 2.0 — deliberately keeping the pipeline cautious even after the pause.
func (t *Throttler) RateLimitPause(ctx context.Context, pause time.Duration) error {
	if pause <= 0 {
		pause = 60 * time.Second
	}
	if err := sleep(ctx, pause); err != nil {
		return err
	}

	t.mu.Lock()
	t.currentMultiplier = max(t.currentMultiplier/2, rateLimitPauseFloor)
	t.mu.Unlock()
	return nil
}

// CurrentMultiplier returns the current backoff multiplier, mainly for
// diagnostics and tests.
func (t *Throttler) CurrentMultiplier() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentMultiplier
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func randDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := int64(hi - lo)
	return lo + time.Duration(rand.Int63n(span+1))
}

func randSignedDuration(bound time.Duration) time.Duration {
	span := int64(2*bound + 1)
	return time.Duration(rand.Int63n(span)) - bound
}
