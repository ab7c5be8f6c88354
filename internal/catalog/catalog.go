// Package catalog holds the static set of rate sources an operator can pick
// from: hardware profiles, cloud contracts and pool configurations.
package catalog

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Kind classifies a rate source.
type Kind string

const (
	KindHardware Kind = "hardware"
	KindCloud    Kind = "cloud"
	KindPool     Kind = "pool"
	KindOverride Kind = "override"
)

// Unit is the unit a nominal capacity is quoted in.
type Unit string

const (
	// UnitTerahash is the low-capacity family: needs conversion before use.
	UnitTerahash Unit = "TH/s"
	// UnitHash is the high-capacity family: already raw hashes per second.
	UnitHash Unit = "H/s"
)

// RateSource is one catalog entry. Active is never stored in the catalog;
// it is filled in on views derived from the current configuration.
type RateSource struct {
	ID              string          `json:"id"`
	Kind            Kind            `json:"kind"`
	Name            string          `json:"name"`
	NominalCapacity decimal.Decimal `json:"nominal_capacity"`
	Unit            Unit            `json:"unit"`
	Boosted         bool            `json:"boosted,omitempty"`
	Active          bool            `json:"active"`
}

// Catalog is an immutable, ordered set of rate sources.
type Catalog struct {
	sources []RateSource
	byID    map[string]int
}

var ErrInvalid = errors.New("invalid catalog")

// New validates sources and builds a catalog.
func New(sources []RateSource) (*Catalog, error) {
	c := &Catalog{
		sources: make([]RateSource, 0, len(sources)),
		byID:    make(map[string]int, len(sources)),
	}
	for _, s := range sources {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: entry without id", ErrInvalid)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalid, s.ID)
		}
		switch s.Kind {
		case KindHardware, KindCloud, KindPool:
		default:
			return nil, fmt.Errorf("%w: %s has unknown kind %q", ErrInvalid, s.ID, s.Kind)
		}
		switch s.Unit {
		case UnitTerahash, UnitHash:
		case "":
			s.Unit = UnitTerahash
		default:
			return nil, fmt.Errorf("%w: %s has unknown unit %q", ErrInvalid, s.ID, s.Unit)
		}
		if s.NominalCapacity.IsNegative() {
			return nil, fmt.Errorf("%w: %s has negative capacity", ErrInvalid, s.ID)
		}
		if s.Boosted && s.Kind != KindPool {
			return nil, fmt.Errorf("%w: %s is boosted but not a pool", ErrInvalid, s.ID)
		}
		s.Active = false
		c.byID[s.ID] = len(c.sources)
		c.sources = append(c.sources, s)
	}
	return c, nil
}

// Lookup returns the source with the given id.
func (c *Catalog) Lookup(id string) (RateSource, bool) {
	if c == nil {
		return RateSource{}, false
	}
	i, ok := c.byID[id]
	if !ok {
		return RateSource{}, false
	}
	return c.sources[i], true
}

// OfKind returns the sources of one kind in catalog order.
func (c *Catalog) OfKind(kind Kind) []RateSource {
	if c == nil {
		return nil
	}
	var out []RateSource
	for _, s := range c.sources {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// Sources returns a copy of every entry.
func (c *Catalog) Sources() []RateSource {
	if c == nil {
		return nil
	}
	out := make([]RateSource, len(c.sources))
	copy(out, c.sources)
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.sources)
}

// fileEntry is the on-disk YAML shape.
type fileEntry struct {
	ID       string          `yaml:"id"`
	Kind     string          `yaml:"kind"`
	Name     string          `yaml:"name"`
	Capacity decimal.Decimal `yaml:"capacity"`
	Unit     string          `yaml:"unit"`
	Boosted  bool            `yaml:"boosted"`
}

type fileDoc struct {
	Sources []fileEntry `yaml:"sources"`
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	sources := make([]RateSource, 0, len(doc.Sources))
	for _, e := range doc.Sources {
		sources = append(sources, RateSource{
			ID:              e.ID,
			Kind:            Kind(e.Kind),
			Name:            e.Name,
			NominalCapacity: e.Capacity,
			Unit:            Unit(e.Unit),
			Boosted:         e.Boosted,
		})
	}
	return New(sources)
}

// LoadFile reads a catalog from disk. A missing file yields the built-in
// default catalog.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return Parse(data)
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New([]RateSource{
		{ID: "antminer-s19", Kind: KindHardware, Name: "Antminer S19", NominalCapacity: decimal.RequireFromString("95"), Unit: UnitTerahash},
		{ID: "antminer-s21", Kind: KindHardware, Name: "Antminer S21", NominalCapacity: decimal.RequireFromString("200"), Unit: UnitTerahash},
		{ID: "whatsminer-m30", Kind: KindHardware, Name: "Whatsminer M30S", NominalCapacity: decimal.RequireFromString("88"), Unit: UnitTerahash},
		{ID: "home-gpu-rig", Kind: KindHardware, Name: "6x GPU rig", NominalCapacity: decimal.RequireFromString("30.5"), Unit: UnitTerahash},
		{ID: "cloud-starter", Kind: KindCloud, Name: "Cloud starter contract", NominalCapacity: decimal.RequireFromString("10"), Unit: UnitTerahash},
		{ID: "cloud-pro", Kind: KindCloud, Name: "Cloud pro contract", NominalCapacity: decimal.RequireFromString("100"), Unit: UnitTerahash},
		{ID: "pool-standard", Kind: KindPool, Name: "Standard PPLNS", NominalCapacity: decimal.Zero, Unit: UnitTerahash},
		{ID: "pool-boosted", Kind: KindPool, Name: "Boosted merged pool", NominalCapacity: decimal.RequireFromString("500"), Unit: UnitTerahash, Boosted: true},
	})
	if err != nil {
		panic(err)
	}
	return c
}
