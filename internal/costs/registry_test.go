package costs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/calc-costs/internal/model"
	"github.com/t77yq/calc-costs/internal/storage"
)

// memoryStore is a CostStore that keeps the latest document per key and
// can be told to fail
type memoryStore struct {
	mu        sync.Mutex
	docs      map[string]model.FunctionCostDocument
	writes    map[string]int
	loads     atomic.Int64
	failLoad  atomic.Bool
	failStore atomic.Bool
	loadDelay time.Duration
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		docs:   make(map[string]model.FunctionCostDocument),
		writes: make(map[string]int),
	}
}

func storeKey(configuration, functionID string) string {
	return configuration + "/" + functionID
}

func (s *memoryStore) Load(ctx context.Context, configuration, functionID string, _ *time.Time) (*model.FunctionCostDocument, error) {
	s.loads.Add(1)
	if s.loadDelay > 0 {
		time.Sleep(s.loadDelay)
	}
	if s.failLoad.Load() {
		return nil, errors.New("store offline")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[storeKey(configuration, functionID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &doc, nil
}

func (s *memoryStore) Store(ctx context.Context, doc *model.FunctionCostDocument) (*model.FunctionCostDocument, error) {
	if s.failStore.Load() {
		return nil, errors.New("store offline")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *doc
	stored.Version = uuid.NewString()
	key := storeKey(doc.Configuration, doc.FunctionID)
	s.docs[key] = stored
	s.writes[key]++
	return &stored, nil
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) put(doc model.FunctionCostDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[storeKey(doc.Configuration, doc.FunctionID)] = doc
}

func (s *memoryStore) get(configuration, functionID string) (model.FunctionCostDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[storeKey(configuration, functionID)]
	return doc, ok
}

func (s *memoryStore) writesFor(configuration, functionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[storeKey(configuration, functionID)]
}

func newTestRegistry(t *testing.T, store storage.CostStore) (*Registry, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	r, err := NewRegistry(store, DefaultConfig(), metrics, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, metrics
}

// warm records a full snapshot worth of identical invocations
func warm(t *testing.T, r *Registry, configuration, functionID string, timeNanos int64, input, output float64) {
	t.Helper()
	n := float64(SnapshotSamples)
	require.NoError(t, r.FunctionInvoked(context.Background(), configuration, functionID,
		SnapshotSamples, timeNanos*SnapshotSamples, input*n, output*n))
}

func TestRegistryColdStart(t *testing.T) {
	ctx := context.Background()
	r, metrics := newTestRegistry(t, newMemoryStore())

	c := r.GetCosts(ctx, "cfg", "f1")
	mean := r.Mean(ctx, "cfg")

	assert.Equal(t, mean.InvocationCost(), c.InvocationCost())
	assert.Equal(t, mean.DataInputCost(), c.DataInputCost())
	assert.Equal(t, mean.DataOutputCost(), c.DataOutputCost())
	assert.Equal(t, float64(time.Millisecond), c.InvocationCost())
	assert.Equal(t, StateCold, c.State())
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.ColdStarts))
}

func TestRegistrySeedsFromStoredMean(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	store.put(model.FunctionCostDocument{
		Configuration:  "cfg",
		FunctionID:     model.MeanFunctionID,
		InvocationCost: 3000,
		DataInputCost:  10,
		DataOutputCost: 20,
		LastUpdate:     time.Now(),
		Version:        "v-mean",
	})
	r, _ := newTestRegistry(t, store)

	c := r.GetCosts(ctx, "cfg", "new-function")
	assert.Equal(t, 3000.0, c.InvocationCost())
	assert.Equal(t, 10.0, c.DataInputCost())
	assert.Equal(t, 20.0, c.DataOutputCost())
	assert.Equal(t, StateCold, c.State())
}

func TestRegistryRestoresStoredCosts(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	store.put(model.FunctionCostDocument{
		Configuration:  "cfg",
		FunctionID:     "f1",
		InvocationCost: 5000,
		DataInputCost:  100,
		DataOutputCost: 200,
		LastUpdate:     time.Now().Add(-time.Hour),
		Version:        "v1",
	})
	r, _ := newTestRegistry(t, store)

	c := r.GetCosts(ctx, "cfg", "f1")
	assert.Equal(t, 5000.0, c.InvocationCost())
	assert.Equal(t, 100.0, c.DataInputCost())
	assert.Equal(t, 200.0, c.DataOutputCost())
	assert.Equal(t, StatePersisted, c.State())

	result, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, store.writesFor("cfg", "f1"), "a restored entry is not written back")
	assert.Equal(t, 1, result.Inserted, "only the new mean is written")
}

func TestRegistryConcurrentCreation(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	store.loadDelay = 20 * time.Millisecond
	r, _ := newTestRegistry(t, store)

	const callers = 32
	results := make([]CostReader, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetCosts(ctx, "cfg", "f1")
		}(i)
	}
	wg.Wait()

	for _, c := range results {
		assert.Same(t, results[0], c)
	}
	assert.Equal(t, int64(2), store.loads.Load(), "one load for the mean and one for the function")

	_, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, store.writesFor("cfg", "f1"))
	assert.Len(t, r.Functions("cfg"), 1)
}

func TestRegistryStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	store.put(model.FunctionCostDocument{
		Configuration:  "cfg",
		FunctionID:     model.MeanFunctionID,
		InvocationCost: 3000,
		DataInputCost:  10,
		DataOutputCost: 20,
		LastUpdate:     time.Now(),
		Version:        "v-mean",
	})
	store.failLoad.Store(true)
	r, _ := newTestRegistry(t, store)

	c := r.GetCosts(ctx, "cfg", "f1")
	assert.Equal(t, float64(time.Millisecond), c.InvocationCost(), "falls back to the default mean")
	assert.Equal(t, StateCold, c.State())

	result, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.MeansUpdated)
	assert.Equal(t, 0, store.writesFor("cfg", model.MeanFunctionID), "an unloaded mean must not overwrite the stored one")
	stored, ok := store.get("cfg", model.MeanFunctionID)
	require.True(t, ok)
	assert.Equal(t, 3000.0, stored.InvocationCost)

	store.failLoad.Store(false)
	_, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3000.0, r.Mean(ctx, "cfg").InvocationCost(), "the stored mean is picked up once the store is back")
}

func TestRegistryMeanFunctionID(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, newMemoryStore())

	mean := r.GetCosts(ctx, "cfg", model.MeanFunctionID)
	assert.Same(t, r.Mean(ctx, "cfg"), mean)
	assert.Empty(t, r.Functions("cfg"))

	before := mean.InvocationCost()
	for i := 0; i < SnapshotSamples; i++ {
		assert.ErrorIs(t, r.FunctionInvoked(ctx, "cfg", model.MeanFunctionID, 1, 999999, 1, 1), ErrInvalidReport)
	}
	assert.Equal(t, before, mean.InvocationCost(), "invocations never reach the mean")
	assert.Equal(t, StateCold, mean.State())
	assert.Empty(t, r.Functions("cfg"))
}

func TestRegistryFunctionInvoked(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, newMemoryStore())

	assert.ErrorIs(t, r.FunctionInvoked(ctx, "cfg", "f1", -1, 0, 0, 0), ErrInvalidReport)
	assert.ErrorIs(t, r.FunctionInvoked(ctx, "cfg", "f1", 1, -5, 0, 0), ErrInvalidReport)

	warm(t, r, "cfg", "f1", 2500, 40, 80)
	c := r.GetCosts(ctx, "cfg", "f1")
	assert.Equal(t, 2500.0, c.InvocationCost())
	assert.Equal(t, 40.0, c.DataInputCost())
	assert.Equal(t, 80.0, c.DataOutputCost())
	assert.Equal(t, StateWarm, c.State())
}

func TestRegistryListing(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, newMemoryStore())

	r.GetCosts(ctx, "b", "f2")
	r.GetCosts(ctx, "b", "f1")
	r.GetCosts(ctx, "a", "f3")

	assert.Equal(t, []string{"a", "b"}, r.Configurations())
	functions := r.Functions("b")
	require.Len(t, functions, 2)
	assert.Equal(t, "f1", functions[0].FunctionID())
	assert.Equal(t, "f2", functions[1].FunctionID())
	assert.Nil(t, r.Functions("missing"))
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	r, _ := newTestRegistry(t, store)

	warm(t, r, "cfg", "f1", 2000, 10, 10)
	first, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)
	assert.Equal(t, StatePersisted, r.GetCosts(ctx, "cfg", "f1").State())

	second, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Written())
	assert.Equal(t, 0, second.MeansUpdated)

	warm(t, r, "cfg", "f1", 4000, 10, 10)
	third, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, third.Updated, "the changed entry and the mean")
	assert.Equal(t, 2, store.writesFor("cfg", "f1"))
}

func TestReconcileRetriesFailedWrites(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	r, metrics := newTestRegistry(t, store)

	warm(t, r, "cfg", "f1", 2000, 10, 10)
	store.failStore.Store(true)

	failed, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, failed.Failed)
	assert.Equal(t, 0, failed.Written())
	assert.Equal(t, 0, failed.MeansUpdated, "failed entries are not folded into the mean")
	assert.Equal(t, StateWarm, r.GetCosts(ctx, "cfg", "f1").State())
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.PersistFailures))

	store.failStore.Store(false)
	retried, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, retried.Failed)
	assert.Equal(t, 2, retried.Inserted)
	assert.Equal(t, 1, retried.MeansUpdated)

	stored, ok := store.get("cfg", "f1")
	require.True(t, ok)
	assert.Equal(t, 2000.0, stored.InvocationCost)
}

func TestReconcileRecomputesMean(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	r, _ := newTestRegistry(t, store)

	warm(t, r, "cfg", "f1", int64(2*time.Millisecond), 100, 100)
	warm(t, r, "cfg", "f2", int64(4*time.Millisecond), 200, 200)
	warm(t, r, "other", "f1", int64(9*time.Millisecond), 900, 900)

	result, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Configurations)
	assert.Equal(t, 2, result.MeansUpdated)

	mean := r.Mean(ctx, "cfg")
	assert.InDelta(t, float64(7*time.Millisecond)/3, mean.InvocationCost(), 1e-6)
	assert.InDelta(t, 364.0/3, mean.DataInputCost(), 1e-9)
	assert.InDelta(t, 364.0/3, mean.DataOutputCost(), 1e-9)

	stored, ok := store.get("cfg", model.MeanFunctionID)
	require.True(t, ok)
	assert.InDelta(t, mean.InvocationCost(), stored.InvocationCost, 1e-6)

	// New functions now start from the recomputed mean
	c := r.GetCosts(ctx, "cfg", "f3")
	assert.Equal(t, mean.InvocationCost(), c.InvocationCost())
}

func TestReconcileInProgress(t *testing.T) {
	r, _ := newTestRegistry(t, newMemoryStore())

	r.reconciling.Store(true)
	_, err := r.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrReconcileInProgress)

	r.reconciling.Store(false)
	_, err = r.Reconcile(context.Background())
	assert.NoError(t, err)
}

func TestDiscardingGatherer(t *testing.T) {
	var g InvocationGatherer = DiscardingGatherer{}
	assert.NoError(t, g.FunctionInvoked(context.Background(), "cfg", "f1", -1, -1, 0, 0))
}
