package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/fleetctl/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestAggregateIsWorstOfComponents(t *testing.T) {
	c := NewCollector(testLogger(t))
	c.Register("queue", func() Report { return Report{Status: StatusHealthy} })
	c.Register("bridge", func() Report { return Report{Status: StatusDegraded, Message: "agent-2 offline"} })
	c.probe()

	agg := c.Aggregate()
	assert.Equal(t, StatusDegraded, agg.Status)
	assert.Len(t, agg.Components, 2)
}

func TestAggregateHealthyWhenAllHealthy(t *testing.T) {
	c := NewCollector(testLogger(t))
	c.Register("a", func() Report { return Report{Status: StatusHealthy} })
	c.Register("b", func() Report { return Report{Status: StatusHealthy} })
	c.probe()

	assert.Equal(t, StatusHealthy, c.Aggregate().Status)
}

func TestPanickingCheckerBecomesUnknown(t *testing.T) {
	c := NewCollector(testLogger(t))
	c.Register("flaky", func() Report { panic("boom") })
	c.probe()

	agg := c.Aggregate()
	assert.Equal(t, StatusUnknown, agg.Status)
	assert.Equal(t, StatusUnknown, agg.Components["flaky"].Status)
}

func TestStartRunsImmediateProbe(t *testing.T) {
	c := NewCollector(testLogger(t))
	c.Register("x", func() Report { return Report{Status: StatusHealthy} })
	c.Start()
	defer c.Stop()

	assert.Equal(t, StatusHealthy, c.Aggregate().Status)
	// give the ticker goroutine a chance to be scheduled without
	// depending on its 30s interval firing during the test
	time.Sleep(5 * time.Millisecond)
}
