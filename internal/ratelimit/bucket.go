// bucket.go: Token bucket state and refill arithmetic
package ratelimit

import "math"

// BucketConfig sets the budget for one action type: Capacity tokens refill
// over every SecsToRefill seconds.
type BucketConfig struct {
	Capacity     int32
	SecsToRefill int32
}

// multiplyCapacity widens the token budget for a shared prefix tier. The
// refill interval stays untouched: a wider prefix earns more tokens, not
// faster ones. Saturates instead of overflowing.
func (c BucketConfig) multiplyCapacity(n int32) BucketConfig {
	prod := int64(c.Capacity) * int64(n)
	if prod > math.MaxInt32 {
		prod = math.MaxInt32
	}
	c.Capacity = int32(prod)
	return c
}

// bucket records how many tokens were available the last time it was
// consulted. Tokens regrow linearly with elapsed time up to capacity; each
// allowed action burns one. Tokens are signed so intermediate arithmetic can
// dip without wrapping.
type bucket struct {
	lastChecked InstantSecs
	tokens      int32
}

// fullBucket returns a bucket seeded at capacity, stamped now.
func fullBucket(now InstantSecs, capacity int32) bucket {
	return bucket{lastChecked: now, tokens: capacity}
}

// update returns the bucket as it stands at now under cfg. Elapsed seconds
// earn elapsed*Capacity/SecsToRefill whole tokens, clamped at capacity. The
// product is computed in 64 bits so large capacities or long idle gaps
// cannot overflow. The receiver is never mutated.
func (b bucket) update(now InstantSecs, cfg BucketConfig) bucket {
	elapsed := now.secondsSince(b.lastChecked)

	added := int64(elapsed) * int64(cfg.Capacity) / int64(cfg.SecsToRefill)
	tokens := min(int64(b.tokens)+added, int64(cfg.Capacity))

	return bucket{lastChecked: now, tokens: int32(tokens)}
}
