package dispatcher

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/fdcore/dispatcher/internal/model"
)

// RateLimiters hands out per-host rate.Limiters and rebuilds one on
// Recalculate, the recomputation the trl_calc fifo (C4, §4.4) names.
// Nothing in this module reads trl_calc; Recalculate is called directly.
type RateLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiters builds one limiter per host from its configured
// RateLimitBytesSec (0 means unlimited).
func NewRateLimiters(hosts map[string]*model.HostStatusEntry) *RateLimiters {
	rl := &RateLimiters{limiters: make(map[string]*rate.Limiter, len(hosts))}
	for alias, h := range hosts {
		rl.limiters[alias] = limiterFor(h.RateLimitBytesSec, h.BlockSize)
	}
	return rl
}

func limiterFor(bytesPerSec int64, blockSize int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := blockSize
	if burst <= 0 {
		burst = 4096
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// Recalculate replaces alias's limiter with one built from the current
// HSE fields, the trl_calc consumer's effect (§4.4/§4.7 step 1's "On
// trl_calc: recompute rate limits").
func (rl *RateLimiters) Recalculate(alias string, h *model.HostStatusEntry) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiters[alias] = limiterFor(h.RateLimitBytesSec, h.BlockSize)
}

// For returns the limiter for alias, or an always-allow limiter if none
// is configured yet.
func (rl *RateLimiters) For(alias string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.limiters[alias]; ok {
		return l
	}
	return rate.NewLimiter(rate.Inf, 0)
}
