package rates

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/b0ase/path402/apps/hashdash/internal/catalog"
)

var (
	ErrUnknownSource = errors.New("unknown rate source")
	ErrWrongKind     = errors.New("rate source has the wrong kind")
)

// ConfigStore persists the aggregate configuration across restarts.
type ConfigStore interface {
	LoadRateConfig() (AggregateConfiguration, bool, error)
	SaveRateConfig(AggregateConfiguration) error
}

// ChangeListener is notified after the configuration or catalog changes.
type ChangeListener func(cfg AggregateConfiguration, rate Rate)

// Manager is the single owner of the aggregate configuration. Readers get
// copies; nothing outside the manager mutates the selection.
type Manager struct {
	logger    *zap.Logger
	store     ConfigStore
	mu        sync.RWMutex
	cat       *catalog.Catalog
	cfg       AggregateConfiguration
	listeners []ChangeListener
}

// NewManager builds a manager over cat. A persisted configuration is
// restored when store has one; a pool is then auto-selected if none is.
func NewManager(logger *zap.Logger, cat *catalog.Catalog, store ConfigStore) *Manager {
	m := &Manager{logger: logger.Named("rates"), store: store, cat: cat}
	if store != nil {
		cfg, ok, err := store.LoadRateConfig()
		if err != nil {
			m.logger.Warn("Failed to restore rate configuration", zap.Error(err))
		} else if ok {
			m.cfg = cfg
			m.logger.Info("Restored rate configuration",
				zap.String("hardware", cfg.HardwareID),
				zap.String("cloud", cfg.CloudID),
				zap.String("pool", cfg.PoolID),
				zap.String("override", cfg.Override))
		}
	}
	m.ensurePoolLocked()
	return m
}

// OnChange registers a listener.
func (m *Manager) OnChange(fn ChangeListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// ActivateHardware makes id the only active hardware source.
func (m *Manager) ActivateHardware(id string) error {
	return m.update(func(cfg *AggregateConfiguration, cat *catalog.Catalog) error {
		if err := checkKind(cat, id, catalog.KindHardware); err != nil {
			return err
		}
		cfg.HardwareID = id
		return nil
	})
}

func (m *Manager) DeactivateHardware() error {
	return m.update(func(cfg *AggregateConfiguration, _ *catalog.Catalog) error {
		cfg.HardwareID = ""
		return nil
	})
}

// ActivateCloud makes id the only active cloud contract.
func (m *Manager) ActivateCloud(id string) error {
	return m.update(func(cfg *AggregateConfiguration, cat *catalog.Catalog) error {
		if err := checkKind(cat, id, catalog.KindCloud); err != nil {
			return err
		}
		cfg.CloudID = id
		return nil
	})
}

func (m *Manager) DeactivateCloud() error {
	return m.update(func(cfg *AggregateConfiguration, _ *catalog.Catalog) error {
		cfg.CloudID = ""
		return nil
	})
}

// SelectPoolConfig makes id the only active pool configuration.
func (m *Manager) SelectPoolConfig(id string) error {
	return m.update(func(cfg *AggregateConfiguration, cat *catalog.Catalog) error {
		if err := checkKind(cat, id, catalog.KindPool); err != nil {
			return err
		}
		cfg.PoolID = id
		return nil
	})
}

// SetOverrideRate stores a raw override value. Values that do not parse are
// kept as typed but contribute nothing when resolving.
func (m *Manager) SetOverrideRate(value string) error {
	return m.update(func(cfg *AggregateConfiguration, _ *catalog.Catalog) error {
		if _, ok := ParseOverride(value); !ok && value != "" {
			m.logger.Warn("Override value is not a usable rate, ignoring it when resolving",
				zap.String("value", value))
		}
		cfg.Override = value
		return nil
	})
}

func (m *Manager) ClearOverride() error {
	return m.SetOverrideRate("")
}

// Snapshot returns a copy of the current configuration.
func (m *Manager) Snapshot() AggregateConfiguration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Catalog returns the catalog currently in use.
func (m *Manager) Catalog() *catalog.Catalog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cat
}

// Resolve returns the effective rate for the current configuration.
func (m *Manager) Resolve() Rate {
	m.mu.RLock()
	cfg, cat := m.cfg, m.cat
	m.mu.RUnlock()
	return Resolve(cfg, cat)
}

// Sources returns the catalog with Active derived from the configuration.
func (m *Manager) Sources() []catalog.RateSource {
	m.mu.RLock()
	cfg, cat := m.cfg, m.cat
	m.mu.RUnlock()

	out := cat.Sources()
	for i := range out {
		switch out[i].Kind {
		case catalog.KindHardware:
			out[i].Active = out[i].ID == cfg.HardwareID
		case catalog.KindCloud:
			out[i].Active = out[i].ID == cfg.CloudID
		case catalog.KindPool:
			out[i].Active = out[i].ID == cfg.PoolID
		}
	}
	return out
}

// SetCatalog swaps in a reloaded catalog. Selections that no longer exist
// resolve to zero until the operator picks again.
func (m *Manager) SetCatalog(cat *catalog.Catalog) {
	m.mu.Lock()
	m.cat = cat
	m.ensurePoolLocked()
	cfg := m.cfg
	listeners := append([]ChangeListener(nil), m.listeners...)
	m.mu.Unlock()

	rate := Resolve(cfg, cat)
	for _, fn := range listeners {
		fn(cfg, rate)
	}
}

func (m *Manager) update(mutate func(*AggregateConfiguration, *catalog.Catalog) error) error {
	m.mu.Lock()
	next := m.cfg
	if err := mutate(&next, m.cat); err != nil {
		m.mu.Unlock()
		return err
	}
	m.cfg = next
	cat := m.cat
	listeners := append([]ChangeListener(nil), m.listeners...)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveRateConfig(next); err != nil {
			m.logger.Warn("Failed to persist rate configuration", zap.Error(err))
		}
	}

	rate := Resolve(next, cat)
	m.logger.Info("Rate configuration changed",
		zap.String("hardware", next.HardwareID),
		zap.String("cloud", next.CloudID),
		zap.String("pool", next.PoolID),
		zap.String("override", next.Override),
		zap.String("rate", rate.Value.String()),
		zap.Stringer("unit", rate.Unit))
	for _, fn := range listeners {
		fn(next, rate)
	}
	return nil
}

// ensurePoolLocked keeps exactly one pool selected whenever the catalog
// offers any.
func (m *Manager) ensurePoolLocked() {
	if err := checkKind(m.cat, m.cfg.PoolID, catalog.KindPool); err == nil {
		return
	}
	pools := m.cat.OfKind(catalog.KindPool)
	if len(pools) == 0 {
		m.cfg.PoolID = ""
		return
	}
	m.cfg.PoolID = pools[0].ID
}

func checkKind(cat *catalog.Catalog, id string, kind catalog.Kind) error {
	s, ok := cat.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	if s.Kind != kind {
		return fmt.Errorf("%w: %q is %s, want %s", ErrWrongKind, id, s.Kind, kind)
	}
	return nil
}
