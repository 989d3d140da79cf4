// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package limiter provides per-source rate limiters for untrusted network input.
package limiter

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// IPRateLimiter applies the same limits to a group of source IP addresses.
type IPRateLimiter struct {
	ips        map[netip.Addr]*rate.Limiter
	mu         sync.Mutex
	rateLimit  rate.Limit
	bucketSize int
}

// NewIPRateLimiter returns a new IPRateLimiter.
func NewIPRateLimiter(rateLimit rate.Limit, bucketSize int) *IPRateLimiter {
	return &IPRateLimiter{
		ips:        make(map[netip.Addr]*rate.Limiter),
		rateLimit:  rateLimit,
		bucketSize: bucketSize,
	}
}

// Get returns the rate limiter for the provided IP address if it exists or creates a new one.
func (iPRL *IPRateLimiter) Get(ip netip.Addr) *rate.Limiter {
	iPRL.mu.Lock()
	defer iPRL.mu.Unlock()

	limiter, exists := iPRL.ips[ip]

	if !exists {
		limiter = rate.NewLimiter(iPRL.rateLimit, iPRL.bucketSize)
		iPRL.ips[ip] = limiter
	}

	return limiter
}

// Allow reports whether one more datagram from the IP address may be processed at the given time.
func (iPRL *IPRateLimiter) Allow(ip netip.Addr, now time.Time) bool {
	return iPRL.Get(ip).AllowN(now, 1)
}

// Len returns the number of limiters.
func (iPRL *IPRateLimiter) Len() int {
	iPRL.mu.Lock()
	defer iPRL.mu.Unlock()

	return len(iPRL.ips)
}

// RunGC periodically clears IPs.
func (iPRL *IPRateLimiter) RunGC(ctx context.Context, clock clockwork.Clock, interval time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			iPRL.DoGC(clock.Now())
		case <-ctx.Done():
			return
		}
	}
}

// DoGC runs a single round of garbage collection.
//
// Limiters with a full bucket carry no state and are dropped.
func (iPRL *IPRateLimiter) DoGC(now time.Time) {
	iPRL.mu.Lock()
	for key, val := range iPRL.ips {
		if val.TokensAt(now) >= float64(iPRL.bucketSize) {
			delete(iPRL.ips, key)
		}
	}
	iPRL.mu.Unlock()
}
