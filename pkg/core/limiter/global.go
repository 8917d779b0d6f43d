package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultGlobalRPS is Telegram's overall per-bot request budget.
const DefaultGlobalRPS = 28

// Global throttles aggregate outbound throughput per bot. Each bot gets its own
// steady-interval limiter so successive acquires are spaced by at least 1/RPS.
type Global struct {
	mu       sync.Mutex
	interval time.Duration
	bots     map[int64]*rate.Limiter
}

// NewGlobal creates a per-bot global limiter for the given requests-per-second budget.
func NewGlobal(rps int) *Global {
	if rps <= 0 {
		rps = DefaultGlobalRPS
	}

	return &Global{
		interval: time.Second / time.Duration(rps),
		bots:     make(map[int64]*rate.Limiter),
	}
}

// Acquire blocks until the bot may perform its next request or the context ends.
func (g *Global) Acquire(ctx context.Context, botID int64) error {
	g.mu.Lock()

	lim, ok := g.bots[botID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(g.interval), 1)
		g.bots[botID] = lim
	}

	g.mu.Unlock()

	return lim.Wait(ctx)
}
