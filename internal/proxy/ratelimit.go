// Connection admission control. The source enforces only a flat
// max_clients ceiling; this adds a per-source-IP token bucket on top,
// guarding against an accept storm from one misbehaving peer without
// changing wire-visible behaviour for well-behaved clients.
package proxy

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/twinleaf/tio-proxy/internal/config"
	"github.com/twinleaf/tio-proxy/internal/util"
)

// Admitter decides whether a newly-accepted connection from a given
// source address should be admitted, independent of the flat
// MaxClients ceiling enforced by the descriptor table.
type Admitter struct {
	enabled bool
	rate    rate.Limit
	burst   int
	trusted []*net.IPNet

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAdmitter builds an Admitter from the proxy's AdmissionConfig. When
// cfg.Enabled is false, Allow always returns true before consulting any
// limiter, rather than running one at a permissive rate.
func NewAdmitter(cfg config.AdmissionConfig) (*Admitter, error) {
	trusted, err := util.ParseTrustedCIDRs(cfg.TrustedCIDRs)
	if err != nil {
		return nil, err
	}
	return &Admitter{
		enabled:  cfg.Enabled,
		rate:     rate.Limit(cfg.RatePerSecond),
		burst:    cfg.Burst,
		trusted:  trusted,
		limiters: make(map[string]*limiterEntry),
	}, nil
}

// Allow reports whether a connection attempt from remoteAddr (a
// "host:port" string, as returned by net.Conn.RemoteAddr().String())
// should be admitted.
func (a *Admitter) Allow(remoteAddr string, now time.Time) bool {
	if !a.enabled {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if ip := net.ParseIP(host); ip != nil && util.IsIPInTrustedCIDRs(ip, a.trusted) {
		return true
	}

	a.mu.Lock()
	entry, ok := a.limiters[host]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(a.rate, a.burst)}
		a.limiters[host] = entry
	}
	entry.lastSeen = now
	a.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Cleanup evicts limiters idle longer than maxIdle, bounding memory use
// across long-running proxies seeing many distinct peers over time.
func (a *Admitter) Cleanup(now time.Time, maxIdle time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for host, entry := range a.limiters {
		if now.Sub(entry.lastSeen) > maxIdle {
			delete(a.limiters, host)
		}
	}
}
