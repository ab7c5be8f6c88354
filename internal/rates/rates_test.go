package rates

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/b0ase/path402/apps/hashdash/internal/catalog"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]catalog.RateSource{
		{ID: "rig", Kind: catalog.KindHardware, NominalCapacity: d("30.5"), Unit: catalog.UnitTerahash},
		{ID: "rig-2", Kind: catalog.KindHardware, NominalCapacity: d("95"), Unit: catalog.UnitTerahash},
		{ID: "asic-raw", Kind: catalog.KindHardware, NominalCapacity: d("1000"), Unit: catalog.UnitHash},
		{ID: "cloud", Kind: catalog.KindCloud, NominalCapacity: d("10"), Unit: catalog.UnitTerahash},
		{ID: "pool", Kind: catalog.KindPool, NominalCapacity: decimal.Zero},
		{ID: "boost", Kind: catalog.KindPool, NominalCapacity: d("500"), Boosted: true},
	})
	require.NoError(t, err)
	return cat
}

func TestResolve_HardwareOnly(t *testing.T) {
	// mining off, hardware 30.5, no cloud / override / boost
	r := Resolve(AggregateConfiguration{HardwareID: "rig", PoolID: "pool"}, testCatalog(t))
	assert.True(t, r.Value.Equal(d("30.5")), "got %s", r.Value)
	assert.Equal(t, UnitLow, r.Unit)
}

func TestResolve_OverrideBeatsBoostedPool(t *testing.T) {
	cfg := AggregateConfiguration{HardwareID: "rig", CloudID: "cloud", PoolID: "boost", Override: "8300000"}
	r := Resolve(cfg, testCatalog(t))
	assert.True(t, r.Value.Equal(d("8300000")))
	assert.Equal(t, UnitHigh, r.Unit)
}

func TestResolve_HardwarePlusCloud(t *testing.T) {
	r := Resolve(AggregateConfiguration{HardwareID: "rig", CloudID: "cloud", PoolID: "pool"}, testCatalog(t))
	assert.True(t, r.Value.Equal(d("40.5")))
	assert.Equal(t, UnitLow, r.Unit)
}

func TestResolve_BoostedPoolSupersedesSum(t *testing.T) {
	r := Resolve(AggregateConfiguration{HardwareID: "rig", CloudID: "cloud", PoolID: "boost"}, testCatalog(t))
	assert.True(t, r.Value.Equal(d("500")), "boosted total must not be added to hardware+cloud")
}

func TestResolve_MixedUnitsNormalizeHigh(t *testing.T) {
	r := Resolve(AggregateConfiguration{HardwareID: "asic-raw", CloudID: "cloud"}, testCatalog(t))
	assert.Equal(t, UnitHigh, r.Unit)
	assert.True(t, r.Value.Equal(d("10000000001000")), "got %s", r.Value)
}

func TestResolve_DefaultsToZero(t *testing.T) {
	cat := testCatalog(t)
	cases := []AggregateConfiguration{
		{},
		{HardwareID: "ghost", CloudID: "ghost", PoolID: "ghost"},
		{HardwareID: "cloud"}, // wrong kind in the hardware slot
		{Override: "   "},
		{Override: "fast"},
		{Override: "-5"},
	}
	for _, cfg := range cases {
		r := Resolve(cfg, cat)
		assert.True(t, r.Value.IsZero(), "cfg %+v resolved to %s", cfg, r.Value)
	}
	assert.True(t, Resolve(AggregateConfiguration{HardwareID: "rig"}, nil).Value.IsZero())
}

func TestResolve_InvalidOverrideFallsThrough(t *testing.T) {
	r := Resolve(AggregateConfiguration{HardwareID: "rig", Override: "lots"}, testCatalog(t))
	assert.True(t, r.Value.Equal(d("30.5")))
}

func TestResolve_ZeroOverrideWins(t *testing.T) {
	r := Resolve(AggregateConfiguration{HardwareID: "rig", Override: "0"}, testCatalog(t))
	assert.True(t, r.Value.IsZero())
	assert.Equal(t, UnitHigh, r.Unit)

	_, ok := ParseOverride("-1")
	assert.False(t, ok)
	v, ok := ParseOverride(" 0 ")
	assert.True(t, ok)
	assert.True(t, v.IsZero())
}

func TestNormalize(t *testing.T) {
	assert.True(t, Normalize(Rate{Value: d("30.5"), Unit: UnitLow}).Equal(d("30500000000000")))
	assert.True(t, Normalize(Rate{Value: d("8300000"), Unit: UnitHigh}).Equal(d("8300000")))
}

type memConfigStore struct {
	mu    sync.Mutex
	cfg   AggregateConfiguration
	saved bool
	err   error
}

func (s *memConfigStore) LoadRateConfig() (AggregateConfiguration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.saved, s.err
}

func (s *memConfigStore) SaveRateConfig(cfg AggregateConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg, s.saved = cfg, true
	return nil
}

func activeIDs(m *Manager, kind catalog.Kind) []string {
	var ids []string
	for _, s := range m.Sources() {
		if s.Kind == kind && s.Active {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

func TestManager_AutoSelectsFirstPool(t *testing.T) {
	m := NewManager(zap.NewNop(), testCatalog(t), nil)
	assert.Equal(t, "pool", m.Snapshot().PoolID)
	assert.Equal(t, []string{"pool"}, activeIDs(m, catalog.KindPool))
}

func TestManager_SingleActiveHardwareAndPool(t *testing.T) {
	m := NewManager(zap.NewNop(), testCatalog(t), nil)

	require.NoError(t, m.ActivateHardware("rig"))
	require.NoError(t, m.ActivateHardware("rig-2"))
	assert.Equal(t, []string{"rig-2"}, activeIDs(m, catalog.KindHardware))

	require.NoError(t, m.SelectPoolConfig("boost"))
	assert.Equal(t, []string{"boost"}, activeIDs(m, catalog.KindPool))
	require.NoError(t, m.SelectPoolConfig("pool"))
	assert.Equal(t, []string{"pool"}, activeIDs(m, catalog.KindPool))

	require.NoError(t, m.DeactivateHardware())
	assert.Empty(t, activeIDs(m, catalog.KindHardware))
}

func TestManager_RejectsUnknownAndWrongKind(t *testing.T) {
	m := NewManager(zap.NewNop(), testCatalog(t), nil)
	require.NoError(t, m.ActivateHardware("rig"))

	err := m.ActivateHardware("nope")
	assert.True(t, errors.Is(err, ErrUnknownSource))
	err = m.SelectPoolConfig("rig")
	assert.True(t, errors.Is(err, ErrWrongKind))
	err = m.ActivateCloud("pool")
	assert.True(t, errors.Is(err, ErrWrongKind))

	snap := m.Snapshot()
	assert.Equal(t, "rig", snap.HardwareID, "failed writes leave the configuration intact")
	assert.Equal(t, "pool", snap.PoolID)
}

func TestManager_OverrideLifecycle(t *testing.T) {
	m := NewManager(zap.NewNop(), testCatalog(t), nil)
	require.NoError(t, m.ActivateHardware("rig"))
	require.NoError(t, m.SelectPoolConfig("boost"))

	require.NoError(t, m.SetOverrideRate("8300000"))
	r := m.Resolve()
	assert.True(t, r.Value.Equal(d("8300000")))
	assert.Equal(t, UnitHigh, r.Unit)

	require.NoError(t, m.ClearOverride())
	assert.True(t, m.Resolve().Value.Equal(d("500")))
}

func TestManager_PersistsAndRestores(t *testing.T) {
	store := &memConfigStore{}
	m := NewManager(zap.NewNop(), testCatalog(t), store)
	require.NoError(t, m.ActivateHardware("rig-2"))
	require.NoError(t, m.ActivateCloud("cloud"))

	restored := NewManager(zap.NewNop(), testCatalog(t), store)
	snap := restored.Snapshot()
	assert.Equal(t, "rig-2", snap.HardwareID)
	assert.Equal(t, "cloud", snap.CloudID)
	assert.Equal(t, "pool", snap.PoolID)
}

func TestManager_ListenersAndCatalogSwap(t *testing.T) {
	m := NewManager(zap.NewNop(), testCatalog(t), nil)
	var seen []Rate
	m.OnChange(func(_ AggregateConfiguration, r Rate) { seen = append(seen, r) })

	require.NoError(t, m.ActivateHardware("rig"))
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Value.Equal(d("30.5")))

	smaller, err := catalog.New([]catalog.RateSource{
		{ID: "other-pool", Kind: catalog.KindPool},
	})
	require.NoError(t, err)
	m.SetCatalog(smaller)
	require.Len(t, seen, 2)
	assert.True(t, seen[1].Value.IsZero(), "removed hardware contributes nothing")
	assert.Equal(t, "other-pool", m.Snapshot().PoolID)
}

func TestManager_ConcurrentWritesKeepSingleHardware(t *testing.T) {
	m := NewManager(zap.NewNop(), testCatalog(t), nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = m.ActivateHardware("rig")
			} else {
				_ = m.ActivateHardware("rig-2")
			}
			_ = m.Resolve()
		}(i)
	}
	wg.Wait()
	assert.Len(t, activeIDs(m, catalog.KindHardware), 1)
}
