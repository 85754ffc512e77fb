package stats

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/t77yq/calc-costs/internal/model"
)

// NodeStatisticsReader is the read-only view of a node's counters handed to
// schedulers and monitoring code.
//
// Counters are read independently of each other, so a reader racing with a
// report may see one counter updated before another. The averages are
// approximate for the same reason.
type NodeStatisticsReader interface {
	NodeID() string
	SuccessfulJobs() int64
	UnsuccessfulJobs() int64
	JobItems() int64
	ExecutionNanos() int64
	NonExecutionNanos() int64
	LastActivity() time.Time
	AverageExecutionNanos() float64
	AverageJobItems() float64
	AverageNonExecutionNanos() float64
	Snapshot() model.NodeStatisticsSnapshot
}

// NodeStatistics holds the cumulative counters of one worker node. All
// methods are safe for concurrent use and never block.
type NodeStatistics struct {
	nodeID            string
	successfulJobs    atomic.Int64
	unsuccessfulJobs  atomic.Int64
	jobItems          atomic.Int64
	executionNanos    atomic.Int64
	nonExecutionNanos atomic.Int64
	lastActivity      atomic.Int64 // unix nanos, 0 if never active
	now               func() time.Time
}

// NewNodeStatistics creates zeroed counters for a node
func NewNodeStatistics(nodeID string) *NodeStatistics {
	return &NodeStatistics{
		nodeID: nodeID,
		now:    time.Now,
	}
}

// RecordSuccess accounts for one successfully completed job batch. The
// overhead added to NonExecutionNanos is durationNanos-executionNanos,
// floored at zero.
func (s *NodeStatistics) RecordSuccess(itemCount int, executionNanos, durationNanos int64) error {
	if itemCount < 0 || executionNanos < 0 || durationNanos < 0 {
		return fmt.Errorf("%w: node %s success with items=%d execution=%d duration=%d",
			ErrInvalidReport, s.nodeID, itemCount, executionNanos, durationNanos)
	}

	overhead := durationNanos - executionNanos
	if overhead < 0 {
		overhead = 0
	}

	s.successfulJobs.Add(1)
	s.jobItems.Add(int64(itemCount))
	s.executionNanos.Add(executionNanos)
	s.nonExecutionNanos.Add(overhead)
	s.touch()
	return nil
}

// RecordFailure accounts for one failed job batch
func (s *NodeStatistics) RecordFailure(durationNanos int64) error {
	if durationNanos < 0 {
		return fmt.Errorf("%w: node %s failure with duration=%d",
			ErrInvalidReport, s.nodeID, durationNanos)
	}

	s.unsuccessfulJobs.Add(1)
	s.nonExecutionNanos.Add(durationNanos)
	s.touch()
	return nil
}

// Reset zeroes every counter. Readers may observe a partially reset set of
// counters, but never a negative one.
func (s *NodeStatistics) Reset() {
	s.successfulJobs.Store(0)
	s.unsuccessfulJobs.Store(0)
	s.jobItems.Store(0)
	s.executionNanos.Store(0)
	s.nonExecutionNanos.Store(0)
}

// Decay removes round(c*factor) from every counter c
func (s *NodeStatistics) Decay(factor float64) error {
	if math.IsNaN(factor) || factor < 0 || factor > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidDecayFactor, factor)
	}

	for _, c := range []*atomic.Int64{
		&s.successfulJobs,
		&s.unsuccessfulJobs,
		&s.jobItems,
		&s.executionNanos,
		&s.nonExecutionNanos,
	} {
		decayCounter(c, factor)
	}
	return nil
}

func decayCounter(c *atomic.Int64, factor float64) {
	for {
		old := c.Load()
		next := old - int64(math.Round(float64(old)*factor))
		if next < 0 {
			next = 0
		}
		if c.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *NodeStatistics) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// NodeID returns the node identifier
func (s *NodeStatistics) NodeID() string { return s.nodeID }

// SuccessfulJobs returns the number of successful job batches
func (s *NodeStatistics) SuccessfulJobs() int64 { return s.successfulJobs.Load() }

// UnsuccessfulJobs returns the number of failed job batches
func (s *NodeStatistics) UnsuccessfulJobs() int64 { return s.unsuccessfulJobs.Load() }

// JobItems returns the number of work items in successful batches
func (s *NodeStatistics) JobItems() int64 { return s.jobItems.Load() }

// ExecutionNanos returns the time the node reported as spent computing
func (s *NodeStatistics) ExecutionNanos() int64 { return s.executionNanos.Load() }

// NonExecutionNanos returns batch wall time not spent computing
func (s *NodeStatistics) NonExecutionNanos() int64 { return s.nonExecutionNanos.Load() }

// LastActivity returns the time of the most recent report, zero if none
func (s *NodeStatistics) LastActivity() time.Time {
	nanos := s.lastActivity.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// AverageExecutionNanos is approximate, see NodeStatisticsReader
func (s *NodeStatistics) AverageExecutionNanos() float64 {
	return s.Snapshot().AverageExecutionNanos()
}

// AverageJobItems is approximate, see NodeStatisticsReader
func (s *NodeStatistics) AverageJobItems() float64 {
	return s.Snapshot().AverageJobItems()
}

// AverageNonExecutionNanos is approximate, see NodeStatisticsReader
func (s *NodeStatistics) AverageNonExecutionNanos() float64 {
	return s.Snapshot().AverageNonExecutionNanos()
}

// Snapshot copies the current counter values
func (s *NodeStatistics) Snapshot() model.NodeStatisticsSnapshot {
	return model.NodeStatisticsSnapshot{
		NodeID:            s.nodeID,
		SuccessfulJobs:    s.SuccessfulJobs(),
		UnsuccessfulJobs:  s.UnsuccessfulJobs(),
		JobItems:          s.JobItems(),
		ExecutionNanos:    s.ExecutionNanos(),
		NonExecutionNanos: s.NonExecutionNanos(),
		LastActivity:      s.LastActivity(),
	}
}
