package costs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/t77yq/calc-costs/internal/model"
	"github.com/t77yq/calc-costs/internal/storage"
)

// Config defines configuration for the cost registry
type Config struct {
	StoreTimeout          time.Duration // Bound on each cost store call
	PersistWorkers        int           // Concurrent store writes during reconcile
	DefaultInvocationCost float64       // Mean seed for a configuration with no history, in nanoseconds
	DefaultDataInputCost  float64       // Mean seed in bytes per input value
	DefaultDataOutputCost float64       // Mean seed in bytes per output value
}

// DefaultConfig returns the registry defaults
func DefaultConfig() Config {
	return Config{
		StoreTimeout:          5 * time.Second,
		PersistWorkers:        4,
		DefaultInvocationCost: float64(time.Millisecond),
		DefaultDataInputCost:  64,
		DefaultDataOutputCost: 64,
	}
}

// InvocationGatherer receives function invocation facts from calculation nodes
type InvocationGatherer interface {
	FunctionInvoked(ctx context.Context, configuration, functionID string, count int, timeNanos int64, inputBytes, outputBytes float64) error
}

// DiscardingGatherer ignores every invocation
type DiscardingGatherer struct{}

// FunctionInvoked implements InvocationGatherer
func (DiscardingGatherer) FunctionInvoked(context.Context, string, string, int, int64, float64, float64) error {
	return nil
}

// Registry owns the function cost estimates of every configuration, the
// per-configuration mean used for cold starts, and their reconciliation
// with the cost store.
type Registry struct {
	logger         *zap.Logger
	store          storage.CostStore
	config         Config
	metrics        *Metrics
	pool           *ants.Pool
	configurations cmap.ConcurrentMap[string, *configurationCosts]
	reconciling    atomic.Bool
}

// configurationCosts holds the estimates of one configuration
type configurationCosts struct {
	name      string
	functions cmap.ConcurrentMap[string, *FunctionCost]
	mean      *FunctionCost
	pending   pendingQueue

	// meanResolved is set once the store answered for the mean, found or not
	meanResolved atomic.Bool

	// tracked is only touched by Reconcile
	tracked []*FunctionCost
}

// pendingQueue collects entries created since the last reconcile
type pendingQueue struct {
	mu    sync.Mutex
	items []*FunctionCost
}

func (q *pendingQueue) push(f *FunctionCost) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()
}

func (q *pendingQueue) drain() []*FunctionCost {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// NewRegistry creates a cost registry backed by store. metrics may be nil.
func NewRegistry(store storage.CostStore, config Config, metrics *Metrics, logger *zap.Logger) (*Registry, error) {
	defaults := DefaultConfig()
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = defaults.StoreTimeout
	}
	if config.PersistWorkers <= 0 {
		config.PersistWorkers = defaults.PersistWorkers
	}
	if !measured(config.DefaultInvocationCost) || config.DefaultInvocationCost == 0 {
		config.DefaultInvocationCost = defaults.DefaultInvocationCost
	}
	if !measured(config.DefaultDataInputCost) || config.DefaultDataInputCost == 0 {
		config.DefaultDataInputCost = defaults.DefaultDataInputCost
	}
	if !measured(config.DefaultDataOutputCost) || config.DefaultDataOutputCost == 0 {
		config.DefaultDataOutputCost = defaults.DefaultDataOutputCost
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	logger = logger.Named("cost-registry")
	pool, err := ants.NewPool(config.PersistWorkers, ants.WithPanicHandler(func(p interface{}) {
		logger.Error("Persist worker panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create persist pool: %w", err)
	}

	return &Registry{
		logger:         logger,
		store:          store,
		config:         config,
		metrics:        metrics,
		pool:           pool,
		configurations: cmap.New[*configurationCosts](),
	}, nil
}

// Close releases the persist workers. It does not close the store.
func (r *Registry) Close() {
	r.pool.Release()
}

// GetCosts returns the cost estimate for a function, creating it on first
// use. A new estimate is restored from the store when a document exists and
// is otherwise seeded from the configuration mean. Only the caller that
// creates the entry waits on the store; concurrent callers get the same
// instance straight away.
func (r *Registry) GetCosts(ctx context.Context, configuration, functionID string) CostReader {
	return r.entry(ctx, configuration, functionID)
}

// Mean returns the mean cost of a configuration
func (r *Registry) Mean(ctx context.Context, configuration string) CostReader {
	return r.configuration(ctx, configuration).mean
}

// FunctionInvoked records invocations of a function. It implements
// InvocationGatherer. The mean is derived from the other functions and
// cannot be reported on directly.
func (r *Registry) FunctionInvoked(ctx context.Context, configuration, functionID string, count int, timeNanos int64, inputBytes, outputBytes float64) error {
	if functionID == model.MeanFunctionID {
		return fmt.Errorf("%w: %s/%s is reserved", ErrInvalidReport, configuration, functionID)
	}
	if count < 0 || timeNanos < 0 {
		return fmt.Errorf("%w: %s/%s count=%d time=%d", ErrInvalidReport, configuration, functionID, count, timeNanos)
	}
	return r.entry(ctx, configuration, functionID).RecordInvocation(count, timeNanos, inputBytes, outputBytes)
}

// Configurations returns the known configuration names in sorted order
func (r *Registry) Configurations() []string {
	names := r.configurations.Keys()
	sort.Strings(names)
	return names
}

// Functions returns the estimates known for a configuration, sorted by
// function id. The mean is not included.
func (r *Registry) Functions(configuration string) []CostReader {
	c, ok := r.configurations.Get(configuration)
	if !ok {
		return nil
	}

	var readers []CostReader
	c.functions.IterCb(func(_ string, f *FunctionCost) {
		readers = append(readers, f)
	})
	sort.Slice(readers, func(i, j int) bool {
		return readers[i].FunctionID() < readers[j].FunctionID()
	})
	return readers
}

func (r *Registry) entry(ctx context.Context, configuration, functionID string) *FunctionCost {
	c := r.configuration(ctx, configuration)
	if functionID == model.MeanFunctionID {
		return c.mean
	}
	if f, ok := c.functions.Get(functionID); ok {
		return f
	}

	candidate := newFunctionCostFrom(functionID, c.mean)
	f := c.functions.Upsert(functionID, candidate, keepExisting[*FunctionCost])
	if f != candidate {
		r.metrics.RaceLosers.Inc()
		return f
	}

	r.materialize(ctx, c, f)
	c.pending.push(f)
	r.metrics.TrackedFunctions.WithLabelValues(configuration).Inc()
	return f
}

func (r *Registry) configuration(ctx context.Context, name string) *configurationCosts {
	if c, ok := r.configurations.Get(name); ok {
		return c
	}

	candidate := &configurationCosts{
		name:      name,
		functions: cmap.New[*FunctionCost](),
		mean: NewFunctionCost(model.MeanFunctionID,
			r.config.DefaultInvocationCost,
			r.config.DefaultDataInputCost,
			r.config.DefaultDataOutputCost),
	}
	c := r.configurations.Upsert(name, candidate, keepExisting[*configurationCosts])
	if c != candidate {
		return c
	}

	r.logger.Info("Tracking new configuration", zap.String("configuration", name))
	c.meanResolved.Store(r.materialize(ctx, c, c.mean))
	return c
}

// materialize restores f from the store if a document exists. Any store
// failure leaves f seeded from the mean and returns false.
func (r *Registry) materialize(ctx context.Context, c *configurationCosts, f *FunctionCost) bool {
	doc, err := r.load(ctx, c.name, f.FunctionID())
	switch {
	case err == nil:
		f.restore(doc)
		r.metrics.StoreLoads.WithLabelValues("found").Inc()
		r.logger.Debug("Restored function cost",
			zap.String("configuration", c.name),
			zap.String("function_id", f.FunctionID()),
			zap.Float64("invocation_cost", f.InvocationCost()))
	case errors.Is(err, storage.ErrNotFound):
		r.metrics.StoreLoads.WithLabelValues("not_found").Inc()
		if f != c.mean {
			r.metrics.ColdStarts.Inc()
		}
	default:
		r.metrics.StoreLoads.WithLabelValues("error").Inc()
		if f != c.mean {
			r.metrics.ColdStarts.Inc()
		}
		r.logger.Warn("Using mean cost after store failure",
			zap.String("configuration", c.name),
			zap.String("function_id", f.FunctionID()),
			zap.Error(err))
		return false
	}
	return true
}

func (r *Registry) load(ctx context.Context, configuration, functionID string) (*model.FunctionCostDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	defer cancel()

	doc, err := r.store.Load(ctx, configuration, functionID, nil)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return doc, nil
}

func keepExisting[V any](exist bool, valueInMap V, newValue V) V {
	if exist {
		return valueInMap
	}
	return newValue
}
