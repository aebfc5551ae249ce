package rabbit

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectBackOff implements backoff.BackOff with a non-decreasing schedule.
//
// The nominal delay of attempt n is min(MaxDelay, BaseDelay*Factor^n). Without
// jitter that is the delay. With jitter the delay is drawn uniformly from
// [nominal(n-1), nominal(n)], so consecutive delays never shrink and always stay
// within [BaseDelay, MaxDelay].
type reconnectBackOff struct {
	cfg     Backoff
	attempt int
	prev    time.Duration
	random  func(n int64) int64
}

var _ backoff.BackOff = (*reconnectBackOff)(nil)

func newReconnectBackOff(cfg Backoff) *reconnectBackOff {
	return &reconnectBackOff{
		cfg:    cfg,
		random: rand.Int64N,
	}
}

func (b *reconnectBackOff) nominal(n int) time.Duration {
	d := float64(b.cfg.BaseDelay) * math.Pow(b.cfg.Factor, float64(n))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(b.cfg.MaxDelay) {
		return b.cfg.MaxDelay
	}
	return time.Duration(d)
}

// NextBackOff returns the next delay. It never returns backoff.Stop; the retry
// budget is applied by backoff.WithMaxRetries.
func (b *reconnectBackOff) NextBackOff() time.Duration {
	hi := b.nominal(b.attempt)
	lo := b.cfg.BaseDelay
	if b.attempt > 0 {
		lo = b.nominal(b.attempt - 1)
	}
	if lo < b.prev {
		lo = b.prev
	}

	d := hi
	if b.cfg.Jitter && hi > lo {
		d = lo + time.Duration(b.random(int64(hi-lo)+1))
	}

	// nominal is capped, so stop counting once the cap is reached.
	if hi < b.cfg.MaxDelay {
		b.attempt++
	}
	b.prev = d
	return d
}

// Reset restarts the schedule from BaseDelay.
func (b *reconnectBackOff) Reset() {
	b.attempt = 0
	b.prev = 0
}

// newRetryPolicy combines the schedule with the retry budget and ctx.
func newRetryPolicy(ctx context.Context, cfg Backoff) backoff.BackOffContext {
	var policy backoff.BackOff = newReconnectBackOff(cfg)
	if cfg.MaxRetries >= 0 {
		policy = backoff.WithMaxRetries(policy, uint64(cfg.MaxRetries))
	}
	return backoff.WithContext(policy, ctx)
}
