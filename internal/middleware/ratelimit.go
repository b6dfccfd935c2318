package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Limit is the number of requests allowed per Window
	Limit float64
	// Window is the refill period for Limit tokens
	Window time.Duration
	// KeyExtractor extracts the key for rate limiting
	KeyExtractor func(*http.Request) string
	// OnRateLimitExceeded writes the rejection
	OnRateLimitExceeded func(http.ResponseWriter, *http.Request)
	// Store keeps the buckets; a fresh in-memory store is used when nil
	Store *InMemoryRateLimitStore
}

// tokenBucket refills continuously at capacity per window
type tokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// InMemoryRateLimitStore keeps one token bucket per key
type InMemoryRateLimitStore struct {
	buckets   map[string]*tokenBucket
	mu        sync.Mutex
	now       func() time.Time
	lastSweep time.Time
}

// NewInMemoryRateLimitStore creates a new in-memory rate limit store
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

// Allow consumes one token for key if available
func (s *InMemoryRateLimitStore) Allow(key string, limit float64, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)

	bucket, exists := s.buckets[key]
	if !exists {
		bucket = &tokenBucket{
			tokens:     limit,
			capacity:   limit,
			refillRate: limit / window.Seconds(),
			lastRefill: now,
		}
		s.buckets[key] = bucket
	}

	bucket.tokens += now.Sub(bucket.lastRefill).Seconds() * bucket.refillRate
	if bucket.tokens > bucket.capacity {
		bucket.tokens = bucket.capacity
	}
	bucket.lastRefill = now

	if bucket.tokens >= 1.0 {
		bucket.tokens--
		return true
	}
	return false
}

// sweep drops buckets idle for over an hour, at most every ten minutes
func (s *InMemoryRateLimitStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < 10*time.Minute {
		return
	}
	s.lastSweep = now
	for key, bucket := range s.buckets {
		if now.Sub(bucket.lastRefill) > time.Hour {
			delete(s.buckets, key)
		}
	}
}

// RateLimitWithConfig returns a rate limiting middleware. A non-positive
// Limit disables it.
func RateLimitWithConfig(config RateLimitConfig) func(http.Handler) http.Handler {
	if config.Limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if config.Store == nil {
		config.Store = NewInMemoryRateLimitStore()
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.KeyExtractor == nil {
		config.KeyExtractor = IPKeyExtractor
	}
	if config.OnRateLimitExceeded == nil {
		config.OnRateLimitExceeded = func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		}
	}
	limitHeader := fmt.Sprintf("%.0f", config.Limit)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-RateLimit-Limit", limitHeader)
			if !config.Store.Allow(config.KeyExtractor(r), config.Limit, config.Window) {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", config.Window.Seconds()/config.Limit+1))
				config.OnRateLimitExceeded(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TrustedProxies holds additional trusted proxy IPs/CIDRs beyond private networks.
var TrustedProxies []string

// privateNetworks contains RFC 1918 private ranges plus loopback
var privateNetworks []*net.IPNet

func init() {
	privateCIDRs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"::1/128",
		"fc00::/7",
	}
	for _, cidr := range privateCIDRs {
		_, network, _ := net.ParseCIDR(cidr)
		privateNetworks = append(privateNetworks, network)
	}
}

// IPKeyExtractor returns the client IP. X-Forwarded-For and X-Real-IP are
// trusted only when the direct peer is a private or listed proxy.
func IPKeyExtractor(r *http.Request) string {
	remoteIP := stripPort(r.RemoteAddr)

	if isTrustedProxy(remoteIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			clientIP, _, _ := strings.Cut(xff, ",")
			if clientIP = strings.TrimSpace(clientIP); clientIP != "" {
				return clientIP
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	return remoteIP
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func isTrustedProxy(ip string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP != nil {
		for _, network := range privateNetworks {
			if network.Contains(parsedIP) {
				return true
			}
		}
	}

	for _, trusted := range TrustedProxies {
		if strings.Contains(trusted, "/") {
			_, network, err := net.ParseCIDR(trusted)
			if err == nil && parsedIP != nil && network.Contains(parsedIP) {
				return true
			}
		} else if trusted == ip {
			return true
		}
	}
	return false
}
