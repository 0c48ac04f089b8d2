package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fleetctl/internal/common/logger"
)

// DefaultProbeInterval is the collector's health-probe cadence.
const DefaultProbeInterval = 30 * time.Second

// Collector runs every registered component's Checker on a fixed
// cadence and aggregates the result by AND-of-worst-status.
type Collector struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	last     Aggregate
	log      *logger.Logger
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector builds a Collector. Call Register for each component
// before Start.
func NewCollector(log *logger.Logger) *Collector {
	return &Collector{
		checkers: make(map[string]Checker),
		log:      log,
		interval: DefaultProbeInterval,
		stopCh:   make(chan struct{}),
	}
}

// Register adds a named component health probe.
func (c *Collector) Register(name string, check Checker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkers[name] = check
}

// Start launches the periodic probe loop and runs one probe pass
// immediately so Aggregate has a value before the first tick.
func (c *Collector) Start() {
	c.probe()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.probe()
			}
		}
	}()
}

func (c *Collector) probe() {
	c.mu.RLock()
	checkers := make(map[string]Checker, len(c.checkers))
	for name, check := range c.checkers {
		checkers[name] = check
	}
	c.mu.RUnlock()

	reports := make(map[string]Report, len(checkers))
	for name, check := range checkers {
		reports[name] = safeCheck(check)
	}

	agg := Aggregate{
		Status:     worst(reports),
		Components: reports,
		CheckedAt:  time.Now(),
	}

	c.mu.Lock()
	c.last = agg
	c.mu.Unlock()

	if agg.Status != StatusHealthy {
		c.log.Warn("health aggregate degraded", zap.String("status", string(agg.Status)))
	}
}

func safeCheck(check Checker) (r Report) {
	defer func() {
		if rec := recover(); rec != nil {
			r = Report{Status: StatusUnknown, Message: "health probe panicked"}
		}
	}()
	return check()
}

// Aggregate returns the most recent aggregated health snapshot.
func (c *Collector) Aggregate() Aggregate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Stop halts the probe loop.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}
