package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier = 2
	defaultGlobalRPS        = 100
	defaultAdminRPS         = 50
	defaultClientRPS        = 10
	defaultMaxClients       = 10000
	cleanupInterval         = 5 * time.Minute
	clientIdleTimeout       = 1 * time.Hour
)

type (
	// RateLimiter decides whether a request may proceed. clientID is the
	// caller identity: "admin" for authenticated requests, the remote IP
	// otherwise.
	RateLimiter interface {
		Allow(clientID string, admin bool) bool
	}

	// InMemoryRateLimiter applies token-bucket limits in two tiers: one
	// global bucket shared by all callers, then a per-caller bucket whose
	// rate depends on whether the caller authenticated as admin.
	//
	// Per-caller state is cleaned up in the background so unauthenticated
	// scanners cannot grow the map without bound. Suitable for the
	// single-node deployments this service targets.
	InMemoryRateLimiter struct {
		global     *rate.Limiter
		perClient  map[string]*clientLimiter
		mu         sync.RWMutex
		done       chan struct{}
		ticker     *time.Ticker
		adminRPS   int
		clientRPS  int
		maxClients int
	}

	clientLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
	}
)

// NewInMemoryRateLimiter creates a rate limiter from config. Burst capacity
// is twice the sustained rate for every bucket.
func NewInMemoryRateLimiter(cfg *Config) *InMemoryRateLimiter {
	rl := &InMemoryRateLimiter{
		global:     rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalRPS*burstCapacityMultiplier),
		perClient:  make(map[string]*clientLimiter),
		done:       make(chan struct{}),
		adminRPS:   cfg.AdminRPS,
		clientRPS:  cfg.ClientRPS,
		maxClients: cfg.MaxClients,
	}

	interval := cfg.CleanupInterval
	if interval == 0 {
		interval = cleanupInterval
	}

	rl.ticker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-rl.ticker.C:
				rl.cleanup(clientIdleTimeout)
			case <-rl.done:
				return
			}
		}
	}()

	return rl
}

// Allow implements RateLimiter.
func (rl *InMemoryRateLimiter) Allow(clientID string, admin bool) bool {
	if !rl.global.Allow() {
		return false
	}

	rl.mu.RLock()
	cl, ok := rl.perClient[clientID]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()

		if cl, ok = rl.perClient[clientID]; !ok {
			// Hard cap on tracked callers. Once reached, unknown callers
			// share the global bucket only, rather than evicting live state
			// under lock on the hot path.
			if len(rl.perClient) >= rl.maxClients {
				rl.mu.Unlock()

				return true
			}

			rps := rl.clientRPS
			if admin {
				rps = rl.adminRPS
			}

			cl = &clientLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rps), rps*burstCapacityMultiplier),
				lastAccess: time.Now(),
			}
			rl.perClient[clientID] = cl
		}

		rl.mu.Unlock()
	}

	rl.mu.Lock()
	cl.lastAccess = time.Now()
	rl.mu.Unlock()

	return cl.limiter.Allow()
}

// Close stops the background cleanup goroutine.
func (rl *InMemoryRateLimiter) Close() error {
	rl.ticker.Stop()
	close(rl.done)

	return nil
}

func (rl *InMemoryRateLimiter) cleanup(idleTimeout time.Duration) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for clientID, cl := range rl.perClient {
		if now.Sub(cl.lastAccess) > idleTimeout {
			delete(rl.perClient, clientID)
		}
	}
}

// RateLimit returns a middleware enforcing the limiter. It must sit after
// AdminAuth in the chain so authenticated callers get the admin tier.
// Public endpoints bypass limiting so health probes never flap.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			admin := IsAdminRequest(r.Context())

			clientID := clientAddr(r)
			if admin {
				clientID = "admin"
			}

			if !limiter.Allow(clientID, admin) {
				correlationID := GetCorrelationID(r.Context())
				detail := "Rate limit exceeded. Please retry after some time."

				if err := writeProblem(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
					logger.Error("failed to write rate limit response",
						slog.String("correlation_id", correlationID),
						slog.String("error", err.Error()),
					)

					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr extracts the caller's host without the ephemeral port, so one
// browser session maps to one bucket.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
