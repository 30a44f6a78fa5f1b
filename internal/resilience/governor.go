package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Governor turns observed throttling into a concurrency hint for the
// multi-account executor. When throttleBurst events land inside the
// observation window, the hint drops by 25% (never below floor). Every full
// minute without throttling restores 10% of the configured maximum.
type Governor struct {
	mu sync.Mutex

	max     int
	floor   int
	current int

	burst  int
	window time.Duration

	recent       []time.Time
	lastThrottle time.Time
	lastRecovery time.Time

	logger *slog.Logger
	now    func() time.Time
}

const (
	defaultThrottleBurst = 3
	defaultWindow        = 10 * time.Second
	defaultFloor         = 4
	recoveryInterval     = time.Minute
	reductionFactor      = 0.75
	recoveryStepFraction = 0.10
)

// NewGovernor creates a governor for a pool configured at max workers.
func NewGovernor(max int, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	floor := defaultFloor
	if max < floor {
		floor = max
	}
	return &Governor{
		max:     max,
		floor:   floor,
		current: max,
		burst:   defaultThrottleBurst,
		window:  defaultWindow,
		logger:  logger,
		now:     time.Now,
	}
}

// Throttled records one throttling observation. Called by the retry policy's
// OnThrottle hook from any worker goroutine.
func (g *Governor) Throttled() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.lastThrottle = now
	g.recent = append(g.recent, now)
	g.trimLocked(now)

	if len(g.recent) < g.burst {
		return
	}
	g.recent = g.recent[:0]

	reduced := int(float64(g.current) * reductionFactor)
	if reduced < g.floor {
		reduced = g.floor
	}
	if reduced != g.current {
		g.logger.Warn("throttling storm detected, reducing concurrency",
			"from", g.current,
			"to", reduced,
		)
		g.current = reduced
	}
}

// Limit returns the current concurrency hint, applying any pending recovery.
func (g *Governor) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.trimLocked(now)

	// Recover 10% of the configured maximum per throttle-free minute.
	if g.current < g.max && now.Sub(g.lastThrottle) >= recoveryInterval {
		if g.lastRecovery.IsZero() || now.Sub(g.lastRecovery) >= recoveryInterval {
			step := int(float64(g.max) * recoveryStepFraction)
			if step < 1 {
				step = 1
			}
			restored := g.current + step
			if restored > g.max {
				restored = g.max
			}
			g.logger.Info("throttling subsided, restoring concurrency",
				"from", g.current,
				"to", restored,
			)
			g.current = restored
			g.lastRecovery = now
		}
	}
	return g.current
}

func (g *Governor) trimLocked(now time.Time) {
	cutoff := now.Add(-g.window)
	i := 0
	for ; i < len(g.recent); i++ {
		if g.recent[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		g.recent = append(g.recent[:0], g.recent[i:]...)
	}
}
