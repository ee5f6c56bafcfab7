package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changetrack/internal/change"
)

var seqCounter uint64

func mk(id string, start, end uint32, category string, confidence float64) *change.Change {
	seqCounter++
	return &change.Change{
		ID:         change.ID(id),
		DocumentID: "doc",
		Type:       change.Replace,
		Source:     change.SourceManual,
		Category:   category,
		Confidence: confidence,
		Position:   change.Position{Start: start, End: end},
		Status:     change.Pending,
		Seq:        seqCounter,
	}
}

func scenarioA() []*change.Change {
	return []*change.Change{
		mk("a", 0, 5, "manual", 1),
		mk("b", 10, 15, "manual", 1),
		mk("c", 16, 20, "manual", 1),
		mk("d", 500, 505, "manual", 1),
		mk("e", 1000, 1005, "manual", 1),
	}
}

// =============================================================================
// Proximity Tests
// =============================================================================

func TestProximity_ScenarioA(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proximity.Threshold = 100

	t.Run("singletons kept", func(t *testing.T) {
		cfg.Proximity.MinClusterSize = 1
		clusters, err := NewProximity().Cluster(context.Background(), scenarioA(), cfg)
		require.NoError(t, err)
		require.Len(t, clusters, 3)
		assert.Equal(t, []change.ID{"a", "b", "c"}, clusters[0].ChangeIDs)
		assert.Equal(t, []change.ID{"d"}, clusters[1].ChangeIDs)
		assert.Equal(t, []change.ID{"e"}, clusters[2].ChangeIDs)
		assert.Equal(t, change.Position{Start: 0, End: 20}, clusters[0].Centroid.Span)
	})

	t.Run("singletons dropped", func(t *testing.T) {
		cfg.Proximity.MinClusterSize = 2
		clusters, err := NewProximity().Cluster(context.Background(), scenarioA(), cfg)
		require.NoError(t, err)
		require.Len(t, clusters, 1)
		assert.Len(t, clusters[0].ChangeIDs, 3)
	})
}

func TestProximity_Idempotent(t *testing.T) {
	cfg := DefaultConfig()
	input := scenarioA()
	p := NewProximity()

	first, err := p.Cluster(context.Background(), input, cfg)
	require.NoError(t, err)
	second, err := p.Cluster(context.Background(), input, cfg)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].ChangeIDs, second[i].ChangeIDs)
		assert.Equal(t, first[i].Metrics, second[i].Metrics)
	}
}

func TestProximity_MaxClusterSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proximity.MaxClusterSize = 2
	cfg.Proximity.MinClusterSize = 1
	clusters, err := NewProximity().Cluster(context.Background(), scenarioA()[:3], cfg)
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.Len(t, clusters[0].ChangeIDs, 2)
}

func TestProximity_Coherence(t *testing.T) {
	tight := []*change.Change{mk("a", 0, 1, "m", 1), mk("b", 2, 3, "m", 1)}
	loose := []*change.Change{mk("a", 0, 1, "m", 1), mk("b", 90, 91, "m", 1)}
	assert.Greater(t, proximityCoherence(tight, 100), proximityCoherence(loose, 100))
	assert.Equal(t, 1.0, proximityCoherence(tight[:1], 100))
}

func TestAdaptiveThreshold(t *testing.T) {
	var cs []*change.Change
	for i := 0; i < 10; i++ {
		start := uint32(i * 30)
		cs = append(cs, mk(fmt.Sprintf("c%d", i), start, start+5, "m", 1))
	}
	// Uniform gaps of 25: twice the median is 50, inside [50, 200].
	assert.Equal(t, uint32(50), AdaptiveThreshold(cs, 100))

	var wide []*change.Change
	for i := 0; i < 10; i++ {
		start := uint32(i * 1000)
		wide = append(wide, mk(fmt.Sprintf("w%d", i), start, start+5, "m", 1))
	}
	assert.Equal(t, uint32(200), AdaptiveThreshold(wide, 100))
	assert.Equal(t, uint32(100), AdaptiveThreshold(wide[:2], 100))
}

// =============================================================================
// Category Tests
// =============================================================================

func TestCategory_Groups(t *testing.T) {
	cfg := DefaultConfig()
	input := []*change.Change{
		mk("g1", 0, 5, "grammar", 0.9),
		mk("s1", 10, 15, "style", 0.7),
		mk("g2", 400, 405, "grammar", 0.9),
		mk("s2", 900, 905, "style", 0.7),
		mk("x", 950, 955, "structure", 0.6),
	}
	clusters, err := NewCategory().Cluster(context.Background(), input, cfg)
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.Equal(t, "grammar", clusters[0].Centroid.Category)
	assert.Equal(t, []change.ID{"g1", "g2"}, clusters[0].ChangeIDs)
	assert.Equal(t, "style", clusters[1].Centroid.Category)
}

func TestCategory_WeightByConfidence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Category.WeightByConfidence = true
	cfg.Category.MinClusterSize = 1
	input := []*change.Change{
		mk("lo1", 0, 1, "style", 0.3),
		mk("hi1", 5, 6, "style", 0.95),
		mk("hi2", 9, 10, "style", 0.85),
		mk("mid", 20, 21, "style", 0.6),
	}
	clusters, err := NewCategory().Cluster(context.Background(), input, cfg)
	require.NoError(t, err)
	require.Len(t, clusters, 3)
	assert.ElementsMatch(t, []change.ID{"hi1", "hi2"}, clusters[0].ChangeIDs)
	assert.InDelta(t, (0.95*0.95+0.85*0.85)/(0.95+0.85), clusters[0].Metrics.Confidence, 1e-9)
	assert.Equal(t, []change.ID{"mid"}, clusters[1].ChangeIDs)
	assert.Equal(t, []change.ID{"lo1"}, clusters[2].ChangeIDs)
}

// =============================================================================
// ML Tests
// =============================================================================

func twoBlobs() []*change.Change {
	var cs []*change.Change
	for i := 0; i < 15; i++ {
		s := uint32(i * 3)
		cs = append(cs, mk(fmt.Sprintf("l%d", i), s, s+2, "grammar", 0.9))
	}
	for i := 0; i < 15; i++ {
		s := uint32(10000 + i*3)
		cs = append(cs, mk(fmt.Sprintf("r%d", i), s, s+2, "style", 0.7))
	}
	return cs
}

func TestML_Algorithms(t *testing.T) {
	for _, alg := range []string{AlgorithmKMeans, AlgorithmDBSCAN, AlgorithmHierarchical} {
		t.Run(alg, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ML.Algorithm = alg
			cfg.ML.K = 2
			cfg.ML.Eps = 0.05
			clusters, err := NewML().Cluster(context.Background(), twoBlobs(), cfg)
			require.NoError(t, err)
			require.Len(t, clusters, 2)
			for _, c := range clusters {
				assert.Len(t, c.ChangeIDs, 15)
				assert.Equal(t, 0.0, c.Metrics.Diversity)
			}
		})
	}
}

func TestML_Deterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ML.Algorithm = AlgorithmKMeans
	a, err := NewML().Cluster(context.Background(), twoBlobs(), cfg)
	require.NoError(t, err)
	b, err := NewML().Cluster(context.Background(), twoBlobs(), cfg)
	require.NoError(t, err)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
	}
}

func TestML_CanHandle(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, NewML().CanHandle(scenarioA(), cfg))
	assert.True(t, NewML().CanHandle(twoBlobs(), cfg))
}

func TestSelectAlgorithm(t *testing.T) {
	assert.Equal(t, AlgorithmHierarchical, SelectAlgorithm(Features(twoBlobs())))

	var uneven []*change.Change
	for i := 0; i < 20; i++ {
		uneven = append(uneven, mk(fmt.Sprintf("u%d", i), uint32(i), uint32(i+1), "m", 1))
	}
	uneven = append(uneven, mk("far", 100000, 100001, "m", 1))
	assert.Equal(t, AlgorithmDBSCAN, SelectAlgorithm(Features(uneven)))
}

// =============================================================================
// Engine Tests
// =============================================================================

type failing struct{ kind Kind }

func (f failing) Kind() Kind                              { return f.kind }
func (f failing) CanHandle([]*change.Change, Config) bool { return true }
func (f failing) EstimatePerformance(int) Estimate        { return Estimate{} }
func (f failing) Cluster(context.Context, []*change.Change, Config) ([]*Cluster, error) {
	return nil, errors.New("boom")
}

func TestEngine_ComputeFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategies = []Kind{KindProximity, KindCategory}
	e := NewEngine(nil, EngineOptions{Config: cfg})
	e.Register(failing{kind: KindProximity})

	snap, err := e.Compute(context.Background(), scenarioA())
	require.NoError(t, err)
	assert.Equal(t, KindCategory, snap.Strategy)
	assert.True(t, snap.Fallback)
	require.Len(t, snap.Failures, 1)
	assert.True(t, IsStrategyError(snap.Failures[0]))
}

func TestEngine_ComputeSingletons(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategies = []Kind{KindProximity}
	e := NewEngine(nil, EngineOptions{Config: cfg})
	e.Register(failing{kind: KindProximity})

	snap, err := e.Compute(context.Background(), scenarioA())
	require.NoError(t, err)
	assert.Equal(t, KindSingleton, snap.Strategy)
	assert.Len(t, snap.Clusters, 5)
	assert.Empty(t, snap.Unclustered)
}

func TestEngine_Unclustered(t *testing.T) {
	e := NewEngine(nil, EngineOptions{Config: DefaultConfig()})
	snap, err := e.Compute(context.Background(), scenarioA())
	require.NoError(t, err)
	assert.Equal(t, KindProximity, snap.Strategy)
	assert.Equal(t, []change.ID{"d", "e"}, snap.Unclustered)
}

func TestEngine_AutoRanks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategies = []Kind{KindAuto}
	e := NewEngine(nil, EngineOptions{Config: cfg})

	ranked := e.Rank(scenarioA(), cfg)
	require.NotEmpty(t, ranked)
	for i := 1; i < len(ranked); i++ {
		assert.GreaterOrEqual(t,
			ranked[i-1].EstimatePerformance(5).Score(),
			ranked[i].EstimatePerformance(5).Score())
	}
	for _, s := range ranked {
		assert.NotEqual(t, KindML, s.Kind(), "ml cannot handle five changes")
	}
}

type fakeSource struct {
	mu      sync.Mutex
	gen     uint64
	changes []*change.Change
	applied []*Snapshot
	inputs  int
}

func (f *fakeSource) set(cs []*change.Change) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen++
	f.changes = cs
	return f.gen
}

func (f *fakeSource) ClusterInput() (uint64, []*change.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs++
	return f.gen, f.changes
}

func (f *fakeSource) ApplyClusters(gen uint64, snap *Snapshot) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		return false
	}
	f.applied = append(f.applied, snap)
	return true
}

func TestEngine_DebouncesBursts(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultConfig()
	cfg.Debounce = 30 * time.Millisecond
	e := NewEngine(src, EngineOptions{Config: cfg})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	all := scenarioA()
	for i := 1; i <= len(all); i++ {
		e.Notify(src.set(all[:i]))
	}
	require.NoError(t, e.Settle(ctx))

	src.mu.Lock()
	defer src.mu.Unlock()
	require.NotEmpty(t, src.applied)
	last := src.applied[len(src.applied)-1]
	assert.Equal(t, uint64(len(all)), last.Generation)
	assert.Less(t, src.inputs, len(all), "burst should collapse into fewer recomputes")
}

func TestEngine_SettleWithoutWork(t *testing.T) {
	e := NewEngine(&fakeSource{}, EngineOptions{Config: DefaultConfig()})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.Start(ctx)
	defer e.Stop()
	assert.NoError(t, e.Settle(ctx))
}

func TestSnapshot_Invalidate(t *testing.T) {
	orig := &Snapshot{
		Clusters: []*Cluster{
			{ID: "a", ChangeIDs: []change.ID{"1", "2", "6"}},
			{ID: "b", ChangeIDs: []change.ID{"3"}},
			{ID: "c", ChangeIDs: []change.ID{"7", "8"}},
		},
		Unclustered: []change.ID{"4", "5"},
	}
	got := orig.Invalidate("2", "3", "5")

	// Touched clusters are dissolved, never trimmed.
	require.Len(t, got.Clusters, 1)
	assert.Equal(t, "c", got.Clusters[0].ID)
	assert.Equal(t, []change.ID{"4", "1", "6"}, got.Unclustered)
	_, ok := got.Find("a")
	assert.False(t, ok)

	assert.Len(t, orig.Clusters, 3, "original snapshot must not change")
	assert.Equal(t, []change.ID{"1", "2", "6"}, orig.Clusters[0].ChangeIDs)
	assert.Equal(t, []change.ID{"4", "5"}, orig.Unclustered)

	var none *Snapshot
	assert.Nil(t, none.Invalidate("1"))
}
