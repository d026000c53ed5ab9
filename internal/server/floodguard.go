package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// DefaultSourceTTL is how long an idle source keeps its limiter.
const DefaultSourceTTL = 10 * time.Minute

type sourceEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// FloodGuard throttles each source address before any credential work is
// done. It only bounds raw request volume; per-credential quotas are the
// gatekeeper's job.
type FloodGuard struct {
	rps    rate.Limit
	burst  int
	ttl    time.Duration
	now    func() time.Time
	logger observability.Logger

	mu      sync.Mutex
	sources map[string]*sourceEntry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// FloodGuardOption is a functional option for the FloodGuard.
type FloodGuardOption func(*FloodGuard)

// WithFloodGuardLogger sets the logger.
func WithFloodGuardLogger(logger observability.Logger) FloodGuardOption {
	return func(g *FloodGuard) {
		g.logger = logger
	}
}

// WithFloodGuardClock replaces time.Now for idle tracking.
func WithFloodGuardClock(now func() time.Time) FloodGuardOption {
	return func(g *FloodGuard) {
		g.now = now
	}
}

// NewFloodGuard creates a guard allowing rps requests per second per source
// with the given burst. A burst below one is raised to one.
func NewFloodGuard(rps float64, burst int, opts ...FloodGuardOption) *FloodGuard {
	if burst < 1 {
		burst = 1
	}
	g := &FloodGuard{
		rps:     rate.Limit(rps),
		burst:   burst,
		ttl:     DefaultSourceTTL,
		now:     time.Now,
		logger:  observability.NopLogger(),
		sources: make(map[string]*sourceEntry),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Allow reports whether a request from source may proceed.
func (g *FloodGuard) Allow(source string) bool {
	now := g.now()

	g.mu.Lock()
	entry, ok := g.sources[source]
	if !ok {
		entry = &sourceEntry{limiter: rate.NewLimiter(g.rps, g.burst)}
		g.sources[source] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	g.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Cleanup drops sources idle for at least maxAge and returns how many.
func (g *FloodGuard) Cleanup(maxAge time.Duration) int {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for source, entry := range g.sources {
		if now.Sub(entry.lastAccess) >= maxAge {
			delete(g.sources, source)
			removed++
		}
	}
	if removed > 0 {
		g.logger.Debug("cleaned up idle flood guard sources",
			observability.Int("removed", removed),
			observability.Int("remaining", len(g.sources)),
		)
	}
	return removed
}

// Len returns the number of tracked sources.
func (g *FloodGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sources)
}

// StartCleanup drops idle sources every interval until Stop is called.
func (g *FloodGuard) StartCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				g.Cleanup(g.ttl)
			case <-g.stopCh:
				return
			}
		}
	}()
}

// Stop ends the cleanup loop.
func (g *FloodGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

// Middleware rejects requests from sources over their allowance.
func (g *FloodGuard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		source := SourceAddr(c)
		if g.Allow(source) {
			c.Next()
			return
		}

		g.logger.Warn("flood guard rejected request",
			observability.String("source", source),
			observability.String("path", c.Request.URL.Path),
		)
		c.Header(HeaderRetryAfter, "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{Error: "too many requests"})
	}
}
