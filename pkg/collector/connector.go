package collector

import "time"

// SemanticType describes the interpretation of a column's values,
// independent of its storage representation.
type SemanticType int

const (
	SemanticUnknown SemanticType = iota
	SemanticTime
	SemanticInt64
	SemanticUint64
	SemanticFloat64
	SemanticString
	SemanticBool
)

// ColumnSchema names one column of a table and its semantic type.
type ColumnSchema struct {
	Name string
	Type SemanticType
}

// Schema is the ordered sequence of columns a Connector produces and a
// DataTable enforces.
type Schema []ColumnSchema

// Connector is the pluggable contract every data source implements.
// Implementations are black boxes to the Scheduler: kernel tracers,
// process scanners, log tailers, or synthetic generators all satisfy the
// same contract.
//
// After Init succeeds and before Stop is called, Sample is safe to call
// repeatedly from a single goroutine at a time. A Connector must not
// retain a reference to the DataTable passed into Sample past that call.
type Connector interface {
	// Name returns the unique identifier for this source.
	Name() string

	// Schema describes the columns this connector populates.
	Schema() Schema

	// DefaultSamplingPeriod and DefaultPushPeriod seed an InfoClassManager
	// unless overridden by a subscription.
	DefaultSamplingPeriod() time.Duration
	DefaultPushPeriod() time.Duration

	// Init prepares the connector to sample. Called once before the first
	// Sample call.
	Init() error

	// Sample writes zero or more rows into table. A failed sample must not
	// corrupt rows already appended in a prior call.
	Sample(table *DataTable) error

	// Stop releases any resources acquired by Init. Must be idempotent.
	Stop() error
}
