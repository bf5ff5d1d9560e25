package collector

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/brandonwnguyen/pixie/pkg/agentproto"
)

// Publish, Subscribe and their entry types are defined canonically in
// pkg/agentproto; aliased here so callers building and applying them
// against InfoClassManagers don't need to import both packages.
type (
	PublishedColumn    = agentproto.PublishedColumn
	PublishedInfoClass = agentproto.PublishedInfoClass
	Publish            = agentproto.Publish
	SubscribeEntry     = agentproto.SubscribeEntry
	Subscribe          = agentproto.Subscribe
)

func semanticTypeName(t SemanticType) string {
	switch t {
	case SemanticTime:
		return "time"
	case SemanticInt64:
		return "int64"
	case SemanticUint64:
		return "uint64"
	case SemanticFloat64:
		return "float64"
	case SemanticString:
		return "string"
	case SemanticBool:
		return "bool"
	default:
		return "unknown"
	}
}

// PubSubManager builds Publish messages from a set of InfoClassManagers
// and applies Subscribe messages back onto them.
type PubSubManager struct {
	log *zap.Logger
}

// NewPubSubManager constructs a PubSubManager. log may be nil.
func NewPubSubManager(log *zap.Logger) *PubSubManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &PubSubManager{log: log}
}

// BuildPublish emits one PublishedInfoClass per manager, in registry
// order.
func (p *PubSubManager) BuildPublish(managers []*InfoClassManager) Publish {
	out := Publish{InfoClasses: make([]PublishedInfoClass, 0, len(managers))}
	for _, m := range managers {
		cols := make([]PublishedColumn, 0, len(m.Schema()))
		for _, c := range m.Schema() {
			cols = append(cols, PublishedColumn{
				ColumnName:   c.Name,
				SemanticType: semanticTypeName(c.Type),
			})
		}
		out.InfoClasses = append(out.InfoClasses, PublishedInfoClass{
			ID:               m.ID(),
			Name:             m.Name(),
			Schema:           cols,
			SamplingPeriodMS: m.SamplingPeriod().Milliseconds(),
			PushPeriodMS:     m.PushPeriod().Milliseconds(),
		})
	}
	return out
}

// ApplySubscribe sets subscribed=false on every manager, then applies
// every entry with subscribed=true and a known id, including period
// overrides. Unknown ids are logged and ignored. Fails with
// ErrInvalidArgument if two entries name the same id, or if an entry
// requests sampling_period_ms==0 — in either failure case no manager
// state is mutated.
func (p *PubSubManager) ApplySubscribe(sub Subscribe, managers []*InfoClassManager) error {
	byID := make(map[uint64]*InfoClassManager, len(managers))
	for _, m := range managers {
		byID[m.ID()] = m
	}

	seen := make(map[uint64]struct{}, len(sub.Entries))
	for _, e := range sub.Entries {
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("%w: duplicate id %d in subscribe message", ErrInvalidArgument, e.ID)
		}
		seen[e.ID] = struct{}{}

		if e.SamplingPeriodMS != nil && *e.SamplingPeriodMS == 0 {
			return fmt.Errorf("%w: sampling_period_ms must be non-zero for id %d", ErrInvalidArgument, e.ID)
		}
	}

	for _, e := range sub.Entries {
		if _, known := byID[e.ID]; !known {
			p.log.Warn("subscribe references unknown info class id, ignoring", zap.Uint64("id", e.ID))
		}
	}

	// Validation passed: mutate.
	for _, m := range managers {
		m.SetSubscribed(false)
	}

	for _, e := range sub.Entries {
		m, known := byID[e.ID]
		if !known || !e.Subscribed {
			continue
		}

		if e.SamplingPeriodMS != nil {
			m.SetSamplingPeriod(time.Duration(*e.SamplingPeriodMS) * time.Millisecond)
		}
		if e.PushPeriodMS != nil {
			m.SetPushPeriod(time.Duration(*e.PushPeriodMS) * time.Millisecond)
		}
		m.SetSubscribed(true)
	}

	return nil
}
