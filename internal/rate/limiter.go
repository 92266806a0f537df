// Package rate implements a per-client GCRA rate limiter.
package rate

import (
	"context"
	"io"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// NewLimiter returns a new rate limiter.
func NewLimiter(c Config, logger logr.Logger) *Limiter {
	log := logger.WithName("rate")
	proxies, err := parseTrustedProxies(c.TrustedProxies)
	if err != nil {
		log.Error(err, "Ignoring trusted proxies")
		proxies = nil
	}
	if !c.Enable {
		log.Info("Rate limiter is disabled")
		return &Limiter{store: &noopStore{}, trustedProxies: proxies}
	}
	var s store
	switch c.StoreType {
	case storeTypeRedis:
		s = newRedisStore(c, log)
	default:
		s = newMemoryStore(c, log)
	}
	return &Limiter{store: s, trustedProxies: proxies}
}

// Limiter is a rate limiter.
type Limiter struct {
	store          store
	trustedProxies []netip.Prefix
}

// Take takes a token from the given key if available.
func (l *Limiter) Take(ctx context.Context, key string) (*Result, error) {
	return l.store.Take(ctx, key, 1)
}

// Close releases the connection of the underlying store, if any.
func (l *Limiter) Close() error {
	if c, ok := l.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ClientKey returns the rate limit key of the request. It is the host of the
// socket peer unless that peer is a trusted proxy, in which case it is the
// right-most X-Forwarded-For address that is not itself a trusted proxy.
func (l *Limiter) ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !l.trusted(host) {
		return host
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(hops[i])
		if ip == "" {
			continue
		}
		if !l.trusted(ip) {
			return ip
		}
	}
	return host
}

func (l *Limiter) trusted(ip string) bool {
	if len(l.trustedProxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// SetRateLimitHTTPHeaders sets rate limit headers to the response.
func SetRateLimitHTTPHeaders(w http.ResponseWriter, res *Result) {
	if res.Limit == -1 {
		// rate limiter is disabled
		return
	}
	w.Header().Set("X-RateLimit-Limit-Requests", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining-Requests", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset-Requests", res.ResetAfter.Truncate(time.Second).String())
	if !res.Allowed {
		w.Header().Set("X-RateLimit-RetryAfter", res.RetryAfter.Truncate(time.Second).String())
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
	}
}
