// Package ratelimiter admits or rejects calls per caller id using sliding
// window logs. Rejections carry a retry-after hint so callers can back off
// instead of hammering.
package ratelimiter

// RateLimiter decides whether a caller may proceed right now.
type RateLimiter interface {
	// Check admits or rejects one call attributed to callerID. When
	// rejected, retryAfter is the whole number of seconds until the
	// violated window frees a slot.
	Check(callerID string) (allowed bool, retryAfter int)
}
