package collector

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConnector is a minimal in-memory Connector used across the test
// suite: each Sample call appends one row and increments a counter, with
// an optional forced failure on a specific call index.
type fakeConnector struct {
	name       string
	schema     Schema
	sampling   time.Duration
	push       time.Duration
	calls      int
	failOnCall int // 0 means never fail
	initErr    error
	stopErr    error
	stopped    bool
}

func newFakeConnector(name string, sampling, push time.Duration) *fakeConnector {
	return &fakeConnector{
		name: name,
		schema: Schema{
			{Name: "timestamp", Type: SemanticTime},
			{Name: "n", Type: SemanticInt64},
		},
		sampling: sampling,
		push:     push,
	}
}

func (c *fakeConnector) Name() string                         { return c.name }
func (c *fakeConnector) Schema() Schema                       { return c.schema }
func (c *fakeConnector) DefaultSamplingPeriod() time.Duration { return c.sampling }
func (c *fakeConnector) DefaultPushPeriod() time.Duration     { return c.push }
func (c *fakeConnector) Init() error                          { return c.initErr }
func (c *fakeConnector) Stop() error                          { c.stopped = true; return c.stopErr }

func (c *fakeConnector) Sample(table *DataTable) error {
	c.calls++
	if c.failOnCall != 0 && c.calls == c.failOnCall {
		return errors.New("forced sample failure")
	}
	return table.AppendRow(time.Now(), int64(c.calls))
}

func TestInfoClassManager(t *testing.T) {
	t.Run("populate schema and defaults from connector", func(t *testing.T) {
		conn := newFakeConnector("src", 10*time.Millisecond, 20*time.Millisecond)
		m := NewInfoClassManager(1, conn, nil)

		assert.Equal(t, uint64(1), m.ID())
		assert.Equal(t, "src", m.Name())
		assert.Equal(t, conn.schema, m.Schema())
		assert.Equal(t, 10*time.Millisecond, m.SamplingPeriod())
		assert.Equal(t, 20*time.Millisecond, m.PushPeriod())
		assert.False(t, m.Subscribed())
	})

	t.Run("sampling and push required gating", func(t *testing.T) {
		conn := newFakeConnector("src", 10*time.Millisecond, 10*time.Millisecond)
		m := NewInfoClassManager(1, conn, nil)

		now := time.Now()
		assert.False(t, m.SamplingRequired(now), "not subscribed yet")

		m.SetSubscribed(true)
		assert.True(t, m.SamplingRequired(now))

		m.SampleData(now)
		assert.False(t, m.SamplingRequired(now), "next sample is in the future")
		assert.False(t, m.PushRequired(now), "push period hasn't elapsed")

		later := now.Add(15 * time.Millisecond)
		assert.True(t, m.SamplingRequired(later))
		assert.True(t, m.PushRequired(later), "rows are buffered and push is due")
	})

	t.Run("push with nothing buffered is a no-op", func(t *testing.T) {
		conn := newFakeConnector("src", time.Millisecond, time.Millisecond)
		m := NewInfoClassManager(1, conn, nil)
		m.SetSubscribed(true)

		now := time.Now()
		assert.False(t, m.PushRequired(now), "no rows sampled yet")

		var delivered int
		m.PushData(now, func(id uint64, batch *RecordBatch) { delivered++ })
		assert.Equal(t, 0, delivered)
	})

	t.Run("sample failure logs and still advances next-sample-at", func(t *testing.T) {
		conn := newFakeConnector("src", 10*time.Millisecond, 10*time.Millisecond)
		conn.failOnCall = 1
		m := NewInfoClassManager(1, conn, nil)
		m.SetSubscribed(true)

		now := time.Now()
		before := m.NextSampleTime()
		m.SampleData(now)
		after := m.NextSampleTime()

		assert.NotEqual(t, before, after)
		assert.Equal(t, now.Add(10*time.Millisecond), after)
		assert.False(t, m.Table().HasBufferedRows(), "failed sample left no rows")
	})

	t.Run("push delivers sealed batches and resets next-push-at", func(t *testing.T) {
		conn := newFakeConnector("src", time.Millisecond, time.Millisecond)
		m := NewInfoClassManager(1, conn, nil)
		m.SetSubscribed(true)

		now := time.Now()
		m.SampleData(now)
		m.SampleData(now)

		var got []*RecordBatch
		m.PushData(now, func(id uint64, batch *RecordBatch) {
			require.Equal(t, uint64(1), id)
			got = append(got, batch)
		})

		require.Len(t, got, 1)
		assert.Equal(t, 2, got[0].Rows)
		assert.Equal(t, now.Add(time.Millisecond), m.NextPushTime())
	})

	t.Run("set data table replaces prior table", func(t *testing.T) {
		conn := newFakeConnector("src", time.Millisecond, time.Millisecond)
		m := NewInfoClassManager(1, conn, nil)
		m.SetSubscribed(true)
		m.SampleData(time.Now())

		fresh := NewDataTable(conn.Schema(), 0)
		m.SetDataTable(fresh)
		assert.Same(t, fresh, m.Table())
		assert.False(t, fresh.HasBufferedRows())
	})
}
