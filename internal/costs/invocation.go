package costs

import (
	"context"
	"sync"
	"time"
)

// InvocationRecorder gathers the facts of a single function invocation as
// a calculation node learns them and reports them once, when the last
// expected output has been written.
type InvocationRecorder struct {
	gatherer      InvocationGatherer
	configuration string
	functionID    string
	now           func() time.Time

	mu              sync.Mutex
	started         time.Time
	invocationNanos int64
	dataInput       float64
	expectedOutputs int // -1 until known
	outputsSeen     int
	outputBytes     int64
	outputSamples   int
	reported        bool
}

// NewInvocationRecorder creates a recorder reporting to gatherer
func NewInvocationRecorder(gatherer InvocationGatherer, configuration, functionID string) *InvocationRecorder {
	return &InvocationRecorder{
		gatherer:        gatherer,
		configuration:   configuration,
		functionID:      functionID,
		now:             time.Now,
		dataInput:       NotMeasured,
		expectedOutputs: -1,
	}
}

// BeginInvocation marks the start of the function call
func (r *InvocationRecorder) BeginInvocation() {
	r.mu.Lock()
	r.started = r.now()
	r.mu.Unlock()
}

// EndInvocation marks the end of the function call
func (r *InvocationRecorder) EndInvocation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started.IsZero() {
		r.invocationNanos = r.now().Sub(r.started).Nanoseconds()
	}
}

// SetDataInputBytes records the total size of the sampled inputs. With no
// samples the input size is left unmeasured.
func (r *InvocationRecorder) SetDataInputBytes(bytes int64, samples int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if samples > 0 && bytes >= 0 {
		r.dataInput = float64(bytes) / float64(samples)
	} else {
		r.dataInput = NotMeasured
	}
}

// SetExpectedDataOutputSamples sets how many outputs will be written.
// Reports immediately if they have all been seen already.
func (r *InvocationRecorder) SetExpectedDataOutputSamples(ctx context.Context, outputs int) error {
	r.mu.Lock()
	if outputs < 0 {
		outputs = 0
	}
	r.expectedOutputs = outputs
	return r.reportIfCompleteLocked(ctx)
}

// AddDataOutputBytes accounts for one written output. A non-positive size
// means the output could not be sized.
func (r *InvocationRecorder) AddDataOutputBytes(ctx context.Context, bytes int64) error {
	r.mu.Lock()
	r.outputsSeen++
	if bytes > 0 {
		r.outputBytes += bytes
		r.outputSamples++
	}
	return r.reportIfCompleteLocked(ctx)
}

// Flush reports whatever has been gathered if nothing was reported yet
func (r *InvocationRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	return r.reportLocked(ctx)
}

// Reported reports whether the invocation has been passed to the gatherer
func (r *InvocationRecorder) Reported() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reported
}

// reportIfCompleteLocked is entered with mu held and releases it
func (r *InvocationRecorder) reportIfCompleteLocked(ctx context.Context) error {
	if r.expectedOutputs < 0 || r.outputsSeen < r.expectedOutputs {
		r.mu.Unlock()
		return nil
	}
	return r.reportLocked(ctx)
}

// reportLocked is entered with mu held and releases it before calling the
// gatherer
func (r *InvocationRecorder) reportLocked(ctx context.Context) error {
	if r.reported {
		r.mu.Unlock()
		return nil
	}
	r.reported = true

	output := NotMeasured
	if r.outputSamples > 0 {
		output = float64(r.outputBytes) / float64(r.outputSamples)
	}
	nanos, input := r.invocationNanos, r.dataInput
	r.mu.Unlock()

	return r.gatherer.FunctionInvoked(ctx, r.configuration, r.functionID, 1, nanos, input, output)
}
