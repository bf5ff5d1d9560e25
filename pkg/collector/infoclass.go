package collector

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// PushCallback delivers a sealed batch for one info class upstream. Called
// from the scheduler thread; must not block for longer than the minimum
// sampling period across all managers, or sampling stalls.
type PushCallback func(infoClassID uint64, batch *RecordBatch)

// InfoClassManager binds one Connector to one output DataTable and tracks
// its subscription state and scheduling. It is not safe for concurrent use
// by more than one goroutine at a time — the Scheduler owns it during a
// tick and the dispatcher thread owns it only while holding the
// scheduler's manager-list lock (see Scheduler).
type InfoClassManager struct {
	mu sync.Mutex

	id        uint64
	connector Connector
	schema    Schema
	table     *DataTable

	subscribed     bool
	samplingPeriod time.Duration
	pushPeriod     time.Duration
	nextSampleAt   time.Time
	nextPushAt     time.Time

	log *zap.Logger
}

// NewInfoClassManager populates a manager's schema and default periods
// from connector's own advertisement and assigns it id. id must be unique
// within the owning Scheduler; assignment is the caller's responsibility
// (cmd/agent-collector's buildManagers numbers managers from 1), not this
// constructor's or the SourceRegistry's.
func NewInfoClassManager(id uint64, connector Connector, log *zap.Logger) *InfoClassManager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &InfoClassManager{
		id:             id,
		connector:      connector,
		schema:         connector.Schema(),
		samplingPeriod: connector.DefaultSamplingPeriod(),
		pushPeriod:     connector.DefaultPushPeriod(),
		log:            log.With(zap.String("info_class", connector.Name()), zap.Uint64("id", id)),
	}
	m.table = NewDataTable(m.schema, 0)
	return m
}

// ID returns the process-unique info class id.
func (m *InfoClassManager) ID() uint64 { return m.id }

// Name returns the underlying connector's name.
func (m *InfoClassManager) Name() string { return m.connector.Name() }

// Schema returns the info class's column schema.
func (m *InfoClassManager) Schema() Schema { return m.schema }

// SetSamplingPeriod overrides the sampling period (e.g. from a Subscribe
// override).
func (m *InfoClassManager) SetSamplingPeriod(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samplingPeriod = d
}

// SetPushPeriod overrides the push period.
func (m *InfoClassManager) SetPushPeriod(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushPeriod = d
}

// SetSubscribed toggles whether this manager is sampled/pushed at all.
func (m *InfoClassManager) SetSubscribed(b bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = b
}

// Subscribed reports the current subscription flag.
func (m *InfoClassManager) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed
}

// SetDataTable attaches a fresh table, replacing any prior one. Callers
// performing a subscription swap must flush the prior table (PushData)
// before calling this.
func (m *InfoClassManager) SetDataTable(t *DataTable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = t
}

// Table returns the manager's current table.
func (m *InfoClassManager) Table() *DataTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table
}

// SamplingPeriod and PushPeriod report the current effective periods.
func (m *InfoClassManager) SamplingPeriod() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samplingPeriod
}

func (m *InfoClassManager) PushPeriod() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushPeriod
}

// NextSampleTime and NextPushTime are the monotonic due-times the
// Scheduler uses to compute its next wake.
func (m *InfoClassManager) NextSampleTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSampleAt
}

func (m *InfoClassManager) NextPushTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextPushAt
}

// SamplingRequired reports whether now is at or past the next sample due
// time and the manager is subscribed.
func (m *InfoClassManager) SamplingRequired(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed && !now.Before(m.nextSampleAt)
}

// PushRequired reports whether now is at or past the next push due time,
// the manager is subscribed, and the table has something buffered.
func (m *InfoClassManager) PushRequired(now time.Time) bool {
	m.mu.Lock()
	table := m.table
	due := m.subscribed && !now.Before(m.nextPushAt)
	m.mu.Unlock()
	return due && table.HasBufferedRows()
}

// SampleData calls connector.Sample(table) and advances next-sample-at
// regardless of outcome. A sampling failure is logged, not returned, since
// the scheduler must continue to the next manager rather than retry-storm.
func (m *InfoClassManager) SampleData(now time.Time) {
	m.mu.Lock()
	table := m.table
	period := m.samplingPeriod
	m.mu.Unlock()

	if err := m.connector.Sample(table); err != nil {
		m.log.Warn("sample failed", zap.Error(err))
	}

	m.mu.Lock()
	m.nextSampleAt = now.Add(period)
	m.mu.Unlock()
}

// PushData seals the current batch, invokes cb for every pending batch in
// order, and advances next-push-at. Runs on the scheduler thread; cb must
// not block for longer than the minimum sampling period.
func (m *InfoClassManager) PushData(now time.Time, cb PushCallback) {
	m.mu.Lock()
	table := m.table
	period := m.pushPeriod
	id := m.id
	m.mu.Unlock()

	table.SealActiveBatch()
	for _, batch := range table.DrainBatches() {
		cb(id, batch)
	}

	m.mu.Lock()
	m.nextPushAt = now.Add(period)
	m.mu.Unlock()
}

// FlushNow force-seals and delivers every pending batch without touching
// next-push-at, used when swapping out a table on a subscription change:
// pending data from the old table must reach the callback before the
// table is replaced.
func (m *InfoClassManager) FlushNow(cb PushCallback) {
	m.mu.Lock()
	table := m.table
	id := m.id
	m.mu.Unlock()

	table.SealActiveBatch()
	for _, batch := range table.DrainBatches() {
		cb(id, batch)
	}
}
