// Package hhthrottle implements the per-session token-bucket rate limiter
// described in spec §4.3, built on golang.org/x/time/rate.
package hhthrottle

import (
	"context"

	"golang.org/x/time/rate"
)

// maxMutationBytes bounds the rate limiter's burst size so a single
// large mutation is never rejected by WaitN for exceeding the bucket.
const maxMutationBytes = 16 << 20

// Limiter wraps rate.Limiter with the bytes/second semantics the
// delivery session acquires against before each dispatch.
type Limiter struct {
	rl *rate.Limiter
}

// EffectiveRate computes the per-session byte rate from the cluster-wide
// throttle setting: globalThrottleKB * 1024 / max(1, clusterSize - 1).
// A clusterSize <= 1 is the single-node case and is treated as no
// throttling required, per §9's underflow guard — clusterSize-1 would
// otherwise be zero or negative.
func EffectiveRate(globalThrottleKB int, clusterSize int) (bytesPerSec float64, unlimited bool) {
	if globalThrottleKB <= 0 {
		return 0, true
	}
	divisor := clusterSize - 1
	if divisor < 1 {
		return 0, true
	}
	return float64(globalThrottleKB*1024) / float64(divisor), false
}

// New builds a fresh Limiter for one delivery session. Sessions are
// expected to construct a new Limiter at preflight time so its budget
// reflects the cluster size observed at that moment, per §4.3/§5.
func New(globalThrottleKB int, clusterSize int) *Limiter {
	rateVal, unlimited := EffectiveRate(globalThrottleKB, clusterSize)
	if unlimited {
		return &Limiter{rl: rate.NewLimiter(rate.Inf, 0)}
	}
	// Burst must be large enough that WaitN never rejects a single
	// mutation outright (rate.Limiter errors if n exceeds its burst), so
	// it is sized to the largest mutation this cluster allows rather
	// than to one second of throughput; the rate itself still throttles
	// average bytes/sec regardless of burst size.
	return &Limiter{rl: rate.NewLimiter(rate.Limit(rateVal), maxMutationBytes)}
}

// Acquire blocks until n bytes' worth of budget is available, sized by
// the mutation's serialized wire size and performed before dispatch, per
// §4.3's "acquisition is done before dispatch" rule.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	return l.rl.WaitN(ctx, n)
}
