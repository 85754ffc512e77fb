package costs

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/t77yq/calc-costs/internal/model"
)

const (
	// SnapshotSamples is the number of invocations between cost snapshots
	SnapshotSamples = 100

	// DecayFactor is the fraction of the running sums dropped at each snapshot
	DecayFactor = 0.10

	// NotMeasured marks an input or output size the caller could not measure.
	// Any negative or NaN size is treated the same way.
	NotMeasured = -1.0
)

// State is the lifecycle stage of a FunctionCost
type State int

const (
	// StateCold means the costs are still the configuration mean they were seeded from
	StateCold State = iota
	// StateWarm means the costs come from observed invocations or a stored document
	StateWarm
	// StatePersisted means the store holds the current costs
	StatePersisted
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarm:
		return "warm"
	case StatePersisted:
		return "persisted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CostReader is the read-only view of a function cost estimate
type CostReader interface {
	FunctionID() string
	InvocationCost() float64
	DataInputCost() float64
	DataOutputCost() float64
	LastUpdate() time.Time
	State() State
}

// FunctionCost estimates the cost of one function: nanoseconds per
// invocation and bytes per input and output value.
//
// Invocations accumulate into running sums. Every SnapshotSamples
// invocations the sums are turned into new estimates and then scaled by
// 1-DecayFactor, which weights recent samples over history without keeping
// any sample list.
//
// Estimates are read lock-free. lastUpdate is always written after the cost
// fields, so a reader that loads lastUpdate first never sees a timestamp
// newer than the costs.
type FunctionCost struct {
	functionID string
	now        func() time.Time

	// mu guards the running sums
	mu          sync.Mutex
	invocations float64
	elapsed     float64
	input       float64
	output      float64
	samples     int

	invocationCost atomic.Uint64 // float64 bits
	dataInputCost  atomic.Uint64
	dataOutputCost atomic.Uint64
	lastUpdate     atomic.Int64 // unix nanos, strictly increasing

	observed        atomic.Bool
	persistedUpdate atomic.Int64 // lastUpdate value held by the store
	version         atomic.Pointer[string]
}

// NewFunctionCost creates an estimate seeded with the given costs
func NewFunctionCost(functionID string, invocationCost, dataInputCost, dataOutputCost float64) *FunctionCost {
	f := &FunctionCost{
		functionID: functionID,
		now:        time.Now,
	}
	f.storeCosts(sanitize(invocationCost, 0), sanitize(dataInputCost, 0), sanitize(dataOutputCost, 0))
	f.stamp()
	return f
}

// newFunctionCostFrom seeds a new estimate from the configuration mean
func newFunctionCostFrom(functionID string, mean CostReader) *FunctionCost {
	return NewFunctionCost(functionID, mean.InvocationCost(), mean.DataInputCost(), mean.DataOutputCost())
}

// RecordInvocation adds count invocations that took timeNanos in total.
// inputBytes and outputBytes are the per-value sizes summed over the count
// invocations; an unmeasured size is replaced by the running mean so it
// does not drag the estimate towards zero.
func (f *FunctionCost) RecordInvocation(count int, timeNanos int64, inputBytes, outputBytes float64) error {
	if count < 0 || timeNanos < 0 {
		return fmt.Errorf("%w: function %s count=%d time=%d", ErrInvalidReport, f.functionID, count, timeNanos)
	}
	if count == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n := float64(count)
	if !measured(inputBytes) {
		inputBytes = f.runningMean(f.input, &f.dataInputCost) * n
	}
	if !measured(outputBytes) {
		outputBytes = f.runningMean(f.output, &f.dataOutputCost) * n
	}

	f.invocations += n
	f.elapsed += float64(timeNanos)
	f.input += inputBytes
	f.output += outputBytes
	f.samples += count

	if f.samples >= SnapshotSamples {
		f.samples = 0
		f.storeCosts(f.elapsed/f.invocations, f.input/f.invocations, f.output/f.invocations)
		f.stamp()
		f.observed.Store(true)

		keep := 1 - DecayFactor
		f.invocations *= keep
		f.elapsed *= keep
		f.input *= keep
		f.output *= keep
	}
	return nil
}

// SetCosts replaces the estimates. Non-finite or negative values leave the
// corresponding estimate unchanged.
func (f *FunctionCost) SetCosts(invocationCost, dataInputCost, dataOutputCost float64) {
	f.setCosts(invocationCost, dataInputCost, dataOutputCost)
}

func (f *FunctionCost) setCosts(invocationCost, dataInputCost, dataOutputCost float64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.storeCosts(
		sanitize(invocationCost, f.InvocationCost()),
		sanitize(dataInputCost, f.DataInputCost()),
		sanitize(dataOutputCost, f.DataOutputCost()),
	)
	return f.stamp()
}

// restore applies a stored document
func (f *FunctionCost) restore(doc *model.FunctionCostDocument) {
	watermark := f.setCosts(doc.InvocationCost, doc.DataInputCost, doc.DataOutputCost)
	f.observed.Store(true)
	f.markPersisted(doc.Version, watermark)
}

// FunctionID returns the function identifier
func (f *FunctionCost) FunctionID() string { return f.functionID }

// InvocationCost returns the estimated nanoseconds per invocation
func (f *FunctionCost) InvocationCost() float64 {
	return math.Float64frombits(f.invocationCost.Load())
}

// DataInputCost returns the estimated bytes per input value
func (f *FunctionCost) DataInputCost() float64 {
	return math.Float64frombits(f.dataInputCost.Load())
}

// DataOutputCost returns the estimated bytes per output value
func (f *FunctionCost) DataOutputCost() float64 {
	return math.Float64frombits(f.dataOutputCost.Load())
}

// LastUpdate returns when the estimates last changed
func (f *FunctionCost) LastUpdate() time.Time {
	return time.Unix(0, f.lastUpdate.Load())
}

// Version returns the store version of the last persisted document
func (f *FunctionCost) Version() string {
	if v := f.version.Load(); v != nil {
		return *v
	}
	return ""
}

// State reports the lifecycle stage of the estimate
func (f *FunctionCost) State() State {
	if f.persisted() && !f.dirty() {
		return StatePersisted
	}
	if f.observed.Load() {
		return StateWarm
	}
	return StateCold
}

// document captures the estimate for persistence. The returned watermark is
// the lastUpdate the document reflects.
func (f *FunctionCost) document(configuration string) (*model.FunctionCostDocument, int64) {
	watermark := f.lastUpdate.Load()
	return &model.FunctionCostDocument{
		Configuration:  configuration,
		FunctionID:     f.functionID,
		InvocationCost: f.InvocationCost(),
		DataInputCost:  f.DataInputCost(),
		DataOutputCost: f.DataOutputCost(),
		LastUpdate:     time.Unix(0, watermark),
		Version:        f.Version(),
	}, watermark
}

func (f *FunctionCost) markPersisted(version string, watermark int64) {
	f.version.Store(&version)
	for {
		old := f.persistedUpdate.Load()
		if watermark <= old || f.persistedUpdate.CompareAndSwap(old, watermark) {
			return
		}
	}
}

func (f *FunctionCost) persisted() bool {
	return f.persistedUpdate.Load() > 0
}

// dirty reports whether the estimates changed since they were last stored
func (f *FunctionCost) dirty() bool {
	return f.lastUpdate.Load() > f.persistedUpdate.Load()
}

func (f *FunctionCost) storeCosts(invocationCost, dataInputCost, dataOutputCost float64) {
	f.invocationCost.Store(math.Float64bits(invocationCost))
	f.dataInputCost.Store(math.Float64bits(dataInputCost))
	f.dataOutputCost.Store(math.Float64bits(dataOutputCost))
}

// stamp advances lastUpdate to now, or by one nanosecond if the clock has
// not moved past the previous stamp
func (f *FunctionCost) stamp() int64 {
	now := f.now().UnixNano()
	for {
		old := f.lastUpdate.Load()
		next := now
		if next <= old {
			next = old + 1
		}
		if f.lastUpdate.CompareAndSwap(old, next) {
			return next
		}
	}
}

func (f *FunctionCost) runningMean(sum float64, estimate *atomic.Uint64) float64 {
	if f.invocations > 0 {
		return sum / f.invocations
	}
	return math.Float64frombits(estimate.Load())
}

func measured(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func sanitize(v, fallback float64) float64 {
	if measured(v) {
		return v
	}
	return fallback
}
