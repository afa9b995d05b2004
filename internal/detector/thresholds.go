package detector

import (
	"github.com/shopspring/decimal"

	"github.com/RIDCorix/Amazcope-sub000/internal/storage"
)

// Effective is the resolved alert sensitivity for one (user, entity, metric).
type Effective struct {
	ThresholdPct decimal.Decimal
	Muted        bool
}

// Resolve computes the effective threshold with documented precedence:
//
//  1. a mute flag on the override short-circuits to "never alert";
//  2. a non-nil override percentage for the metric wins;
//  3. otherwise the entity default applies.
//
// Resolution is deterministic and pure.
func Resolve(defaultPct decimal.Decimal, override *storage.ThresholdOverride, metric storage.Metric) Effective {
	if override == nil {
		return Effective{ThresholdPct: defaultPct}
	}
	if override.Muted {
		return Effective{Muted: true}
	}
	if pct := override.MetricOverride(metric); pct != nil {
		return Effective{ThresholdPct: *pct}
	}
	return Effective{ThresholdPct: defaultPct}
}
