package connio

import (
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// BackoffConfig parameterizes the reconnect FSM's exponential backoff.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	MaxAttempts int // 0 means unbounded
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Initial <= 0 {
		c.Initial = 50 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 10 * time.Second
	}
	return c
}

// Backoff computes successive reconnect delays. Besides the
// exponential-with-jitter delay spec requires, it also caps the
// *rate* of reconnect attempts with a token-bucket limiter: a flapping
// server (accept-then-immediately-reset) can otherwise make the
// exponential sequence restart every time a connect briefly succeeds,
// producing a tighter retry storm than the backoff alone intends.
// Grounded on golang.org/x/time/rate usage for retry-loop pacing
// (nishisan-dev-n-backup, df2redis).
type Backoff struct {
	cfg     BackoffConfig
	limiter *rate.Limiter
	attempt int
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg = cfg.withDefaults()
	// Allow bursts of 1 (no artificial delay on the very first retry
	// after a long healthy run) but never exceed 1 attempt per Initial
	// interval in steady state.
	limiter := rate.NewLimiter(rate.Every(cfg.Initial), 1)
	return &Backoff{cfg: cfg, limiter: limiter}
}

// Exhausted reports whether the configured attempt budget is spent.
func (b *Backoff) Exhausted() bool {
	return b.cfg.MaxAttempts > 0 && b.attempt >= b.cfg.MaxAttempts
}

// Next returns the delay before the next reconnect attempt and
// advances internal state. Call Reset after a successful connect.
func (b *Backoff) Next() time.Duration {
	reserve := b.limiter.Reserve()
	pacing := reserve.Delay()

	exp := float64(b.cfg.Initial) * pow2(b.attempt)
	if exp > float64(b.cfg.Max) {
		exp = float64(b.cfg.Max)
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	delay := time.Duration(exp)/2 + jitter

	b.attempt++
	if pacing > delay {
		return pacing
	}
	return delay
}

func (b *Backoff) Reset() {
	b.attempt = 0
}

func pow2(n int) float64 {
	if n > 30 {
		n = 30
	}
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}
