package costs

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReconcileResult summarises one reconcile cycle
type ReconcileResult struct {
	Configurations int
	Inserted       int
	Updated        int
	Failed         int
	MeansUpdated   int
	Duration       time.Duration
}

// Written returns the number of documents written to the store
func (r ReconcileResult) Written() int {
	return r.Inserted + r.Updated
}

// Reconcile writes every estimate that changed since it was last stored and
// refreshes the configuration means. A failed write is logged and retried
// on the next cycle; it never stops the others. Reconcile is meant to be
// driven by a single periodic caller; an overlapping call returns
// ErrReconcileInProgress without doing anything.
func (r *Registry) Reconcile(ctx context.Context) (ReconcileResult, error) {
	if !r.reconciling.CompareAndSwap(false, true) {
		return ReconcileResult{}, ErrReconcileInProgress
	}
	defer r.reconciling.Store(false)

	start := time.Now()
	var result ReconcileResult

	items := r.configurations.Items()
	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		r.reconcileConfiguration(ctx, items[name], &result)
		result.Configurations++
	}

	result.Duration = time.Since(start)
	r.metrics.ReconcileDuration.Observe(result.Duration.Seconds())

	if result.Written() > 0 || result.Failed > 0 {
		r.logger.Info("Reconciled function costs",
			zap.Int("configurations", result.Configurations),
			zap.Int("inserted", result.Inserted),
			zap.Int("updated", result.Updated),
			zap.Int("failed", result.Failed),
			zap.Int("means_updated", result.MeansUpdated),
			zap.Duration("duration", result.Duration))
	}
	return result, nil
}

// meanFold accumulates a mean of the changed estimates, starting from the
// previous mean counted as one sample
type meanFold struct {
	invocationCost float64
	dataInputCost  float64
	dataOutputCost float64
	count          int
}

func (m *meanFold) add(invocationCost, dataInputCost, dataOutputCost float64) {
	m.invocationCost += invocationCost
	m.dataInputCost += dataInputCost
	m.dataOutputCost += dataOutputCost
	m.count++
}

func (r *Registry) reconcileConfiguration(ctx context.Context, c *configurationCosts, result *ReconcileResult) {
	c.tracked = append(c.tracked, c.pending.drain()...)

	var dirty []*FunctionCost
	for _, f := range c.tracked {
		if f.dirty() {
			dirty = append(dirty, f)
		}
	}

	// A mean that could not be loaded is not written over the stored one
	if !c.meanResolved.Load() && r.materialize(ctx, c, c.mean) {
		c.meanResolved.Store(true)
	}
	meanResolved := c.meanResolved.Load()

	fold := meanFold{}
	fold.add(c.mean.InvocationCost(), c.mean.DataInputCost(), c.mean.DataOutputCost())

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, f := range dirty {
		wg.Add(1)
		err := r.pool.Submit(func() {
			defer wg.Done()
			inserted, ok := r.persist(ctx, c.name, f)

			mu.Lock()
			defer mu.Unlock()
			if !ok {
				result.Failed++
				return
			}
			if inserted {
				result.Inserted++
			} else {
				result.Updated++
			}
			fold.add(f.InvocationCost(), f.DataInputCost(), f.DataOutputCost())
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			result.Failed++
			mu.Unlock()
			r.logger.Warn("Failed to schedule function cost persistence",
				zap.String("configuration", c.name),
				zap.String("function_id", f.FunctionID()),
				zap.Error(err))
		}
	}
	wg.Wait()

	if !meanResolved {
		return
	}

	if fold.count > 1 {
		n := float64(fold.count)
		c.mean.SetCosts(fold.invocationCost/n, fold.dataInputCost/n, fold.dataOutputCost/n)
		result.MeansUpdated++
		r.metrics.MeanUpdates.Inc()
		r.logger.Debug("Updated configuration mean",
			zap.String("configuration", c.name),
			zap.Int("samples", fold.count),
			zap.Float64("invocation_cost", c.mean.InvocationCost()))
	}

	if c.mean.dirty() {
		inserted, ok := r.persist(ctx, c.name, c.mean)
		switch {
		case !ok:
			result.Failed++
		case inserted:
			result.Inserted++
		default:
			result.Updated++
		}
	}
}

// persist writes one estimate. inserted reports whether this was the first
// write for the entry.
func (r *Registry) persist(ctx context.Context, configuration string, f *FunctionCost) (inserted, ok bool) {
	doc, watermark := f.document(configuration)
	inserted = doc.Version == ""

	ctx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	defer cancel()

	stored, err := r.store.Store(ctx, doc)
	if err != nil {
		r.metrics.PersistFailures.Inc()
		r.logger.Warn("Failed to persist function cost",
			zap.String("configuration", configuration),
			zap.String("function_id", f.FunctionID()),
			zap.Error(err))
		return inserted, false
	}

	f.markPersisted(stored.Version, watermark)
	if inserted {
		r.metrics.Persisted.WithLabelValues("insert").Inc()
	} else {
		r.metrics.Persisted.WithLabelValues("update").Inc()
	}
	return inserted, true
}
