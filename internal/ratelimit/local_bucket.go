package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/smallbiznis/clinicpay/internal/clock"
)

const localBucketMaxKeys = 10000

// Bucket answers whether one more request under key fits rate/burst.
type Bucket interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (*Result, error)
}

// LocalBucket keeps token buckets in process memory. Limits are per replica,
// so it only stands in when no Redis is configured.
type LocalBucket struct {
	mu       sync.Mutex
	clock    clock.Clock
	limiters map[string]*rate.Limiter
}

func NewLocalBucket(clk clock.Clock) *LocalBucket {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &LocalBucket{
		clock:    clk,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (b *LocalBucket) Allow(_ context.Context, key string, limit float64, burst int) (*Result, error) {
	if key == "" {
		return nil, errors.New("rate limiter key is empty")
	}
	if limit <= 0 || burst <= 0 {
		return nil, errors.New("rate limiter rate and burst must be positive")
	}

	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	lim, ok := b.limiters[key]
	if !ok {
		if len(b.limiters) >= localBucketMaxKeys {
			b.evictFull(now)
		}
		lim = rate.NewLimiter(rate.Limit(limit), burst)
		b.limiters[key] = lim
	}

	allowed := lim.AllowN(now, 1)
	tokens := lim.TokensAt(now)

	var retryAfter time.Duration
	if !allowed {
		if needed := 1 - tokens; needed > 0 {
			retryAfter = time.Duration(needed / limit * float64(time.Second))
		}
	}
	return &Result{
		Allowed:    allowed,
		Limit:      burst,
		Remaining:  int(math.Max(0, math.Floor(tokens))),
		RetryAfter: retryAfter,
	}, nil
}

// evictFull drops buckets that have refilled completely; they carry no state
// a fresh bucket would not.
func (b *LocalBucket) evictFull(now time.Time) {
	for key, lim := range b.limiters {
		if lim.TokensAt(now) >= float64(lim.Burst()) {
			delete(b.limiters, key)
		}
	}
}

func (b *LocalBucket) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.limiters)
}
