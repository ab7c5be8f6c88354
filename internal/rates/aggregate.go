// Package rates resolves the operator's selected rate sources into a single
// effective throughput.
package rates

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/b0ase/path402/apps/hashdash/internal/catalog"
)

// UnitKind tells the accrual engine whether a rate still needs converting.
type UnitKind int

const (
	// UnitLow is quoted per terahash and must be scaled by HashesPerTerahash.
	UnitLow UnitKind = iota
	// UnitHigh is already expressed in raw hashes per second.
	UnitHigh
)

func (u UnitKind) String() string {
	if u == UnitHigh {
		return "high"
	}
	return "low"
}

func (u UnitKind) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// HashesPerTerahash converts low-capacity rates into raw hashes.
var HashesPerTerahash = decimal.New(1, 12)

// Rate is the single winning throughput value.
type Rate struct {
	Value decimal.Decimal `json:"value"`
	Unit  UnitKind        `json:"unit"`
}

// AggregateConfiguration is the operator's current selection. Zero values
// mean "nothing selected".
type AggregateConfiguration struct {
	HardwareID string `json:"hardware_id,omitempty"`
	CloudID    string `json:"cloud_id,omitempty"`
	PoolID     string `json:"pool_id,omitempty"`
	Override   string `json:"override,omitempty"`
}

// ParseOverride returns the override as a decimal when it is present and
// usable. Blank, unparseable and negative values are treated as absent.
func ParseOverride(raw string) (decimal.Decimal, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(strings.ReplaceAll(raw, "_", ""))
	if err != nil || v.IsNegative() {
		return decimal.Zero, false
	}
	return v, true
}

// Resolve computes the effective rate for cfg against cat. Absent or
// unknown sources contribute zero; it never fails.
func Resolve(cfg AggregateConfiguration, cat *catalog.Catalog) Rate {
	if v, ok := ParseOverride(cfg.Override); ok {
		return Rate{Value: v, Unit: UnitHigh}
	}

	// A boosted pool's declared total already includes hardware and cloud.
	if pool, ok := lookupKind(cat, cfg.PoolID, catalog.KindPool); ok && pool.Boosted {
		return Rate{Value: pool.NominalCapacity, Unit: unitKindOf(pool.Unit)}
	}

	var parts []catalog.RateSource
	if hw, ok := lookupKind(cat, cfg.HardwareID, catalog.KindHardware); ok {
		parts = append(parts, hw)
	}
	if cl, ok := lookupKind(cat, cfg.CloudID, catalog.KindCloud); ok {
		parts = append(parts, cl)
	}
	return sum(parts)
}

// Normalize returns the rate in raw hashes per second.
func Normalize(r Rate) decimal.Decimal {
	if r.Unit == UnitLow {
		return r.Value.Mul(HashesPerTerahash)
	}
	return r.Value
}

func sum(parts []catalog.RateSource) Rate {
	if len(parts) == 0 {
		return Rate{Value: decimal.Zero, Unit: UnitLow}
	}
	unit := unitKindOf(parts[0].Unit)
	for _, p := range parts[1:] {
		if unitKindOf(p.Unit) != unit {
			unit = UnitHigh
		}
	}
	total := decimal.Zero
	for _, p := range parts {
		r := Rate{Value: p.NominalCapacity, Unit: unitKindOf(p.Unit)}
		if unit == UnitHigh {
			total = total.Add(Normalize(r))
		} else {
			total = total.Add(r.Value)
		}
	}
	return Rate{Value: total, Unit: unit}
}

func lookupKind(cat *catalog.Catalog, id string, kind catalog.Kind) (catalog.RateSource, bool) {
	if id == "" {
		return catalog.RateSource{}, false
	}
	s, ok := cat.Lookup(id)
	if !ok || s.Kind != kind {
		return catalog.RateSource{}, false
	}
	return s, true
}

func unitKindOf(u catalog.Unit) UnitKind {
	if u == catalog.UnitHash {
		return UnitHigh
	}
	return UnitLow
}
