package sources

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/brandonwnguyen/pixie/pkg/collector"
)

// CPUConnector samples per-core CPU utilization via gopsutil. One row is
// appended per logical core per Sample call.
type CPUConnector struct {
	samplingPeriod time.Duration
	pushPeriod     time.Duration
	now            func() time.Time
}

// NewCPUConnector creates a CPU connector with the given scheduling
// defaults.
func NewCPUConnector(samplingPeriod, pushPeriod time.Duration) *CPUConnector {
	return &CPUConnector{
		samplingPeriod: samplingPeriod,
		pushPeriod:     pushPeriod,
		now:            time.Now,
	}
}

func (c *CPUConnector) Name() string { return "cpu" }

func (c *CPUConnector) Schema() collector.Schema {
	return collector.Schema{
		{Name: "timestamp", Type: collector.SemanticTime},
		{Name: "core_id", Type: collector.SemanticInt64},
		{Name: "used_percent", Type: collector.SemanticFloat64},
	}
}

func (c *CPUConnector) DefaultSamplingPeriod() time.Duration { return c.samplingPeriod }
func (c *CPUConnector) DefaultPushPeriod() time.Duration     { return c.pushPeriod }

func (c *CPUConnector) Init() error { return nil }

// Sample takes an instantaneous per-core snapshot. Unlike a blocking
// interval measurement, it does not hold up the scheduler thread, which
// must not be blocked for longer than the minimum sampling period.
func (c *CPUConnector) Sample(table *collector.DataTable) error {
	percents, err := cpu.PercentWithContext(context.Background(), 0, true)
	if err != nil {
		return err
	}

	now := c.now()
	for core, pct := range percents {
		if err := table.AppendRow(now, int64(core), pct); err != nil {
			return err
		}
	}
	return nil
}

func (c *CPUConnector) Stop() error { return nil }
