// Package sources provides concrete Connector implementations registered
// into a collector.SourceRegistry at agent startup.
package sources

import (
	"time"

	"github.com/brandonwnguyen/pixie/pkg/collector"
)

// SyntheticConnector is a deterministic, dependency-free source used by
// tests and examples. Each Sample call appends exactly one row: the
// current time and a monotonically increasing sequence number.
type SyntheticConnector struct {
	name           string
	samplingPeriod time.Duration
	pushPeriod     time.Duration
	now            func() time.Time
	sequence       uint64
}

// NewSyntheticConnector creates a synthetic source named name, sampling
// every samplingPeriod and pushing every pushPeriod.
func NewSyntheticConnector(name string, samplingPeriod, pushPeriod time.Duration) *SyntheticConnector {
	return &SyntheticConnector{
		name:           name,
		samplingPeriod: samplingPeriod,
		pushPeriod:     pushPeriod,
		now:            time.Now,
	}
}

func (c *SyntheticConnector) Name() string { return c.name }

func (c *SyntheticConnector) Schema() collector.Schema {
	return collector.Schema{
		{Name: "timestamp", Type: collector.SemanticTime},
		{Name: "sequence", Type: collector.SemanticUint64},
	}
}

func (c *SyntheticConnector) DefaultSamplingPeriod() time.Duration { return c.samplingPeriod }
func (c *SyntheticConnector) DefaultPushPeriod() time.Duration     { return c.pushPeriod }

func (c *SyntheticConnector) Init() error { return nil }

func (c *SyntheticConnector) Sample(table *collector.DataTable) error {
	c.sequence++
	return table.AppendRow(c.now(), c.sequence)
}

func (c *SyntheticConnector) Stop() error { return nil }
