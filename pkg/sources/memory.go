package sources

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/brandonwnguyen/pixie/pkg/collector"
)

// MemoryConnector samples host memory usage via gopsutil.
type MemoryConnector struct {
	samplingPeriod time.Duration
	pushPeriod     time.Duration
	now            func() time.Time
}

// NewMemoryConnector creates a memory connector with the given scheduling
// defaults.
func NewMemoryConnector(samplingPeriod, pushPeriod time.Duration) *MemoryConnector {
	return &MemoryConnector{
		samplingPeriod: samplingPeriod,
		pushPeriod:     pushPeriod,
		now:            time.Now,
	}
}

func (c *MemoryConnector) Name() string { return "memory" }

func (c *MemoryConnector) Schema() collector.Schema {
	return collector.Schema{
		{Name: "timestamp", Type: collector.SemanticTime},
		{Name: "total_bytes", Type: collector.SemanticUint64},
		{Name: "used_bytes", Type: collector.SemanticUint64},
		{Name: "used_percent", Type: collector.SemanticFloat64},
	}
}

func (c *MemoryConnector) DefaultSamplingPeriod() time.Duration { return c.samplingPeriod }
func (c *MemoryConnector) DefaultPushPeriod() time.Duration     { return c.pushPeriod }

func (c *MemoryConnector) Init() error { return nil }

func (c *MemoryConnector) Sample(table *collector.DataTable) error {
	v, err := mem.VirtualMemoryWithContext(context.Background())
	if err != nil {
		return err
	}

	return table.AppendRow(c.now(), v.Total, v.Used, v.UsedPercent)
}

func (c *MemoryConnector) Stop() error { return nil }
