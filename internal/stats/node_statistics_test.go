package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNodeStatistics_SuccessAndFailure(t *testing.T) {
	gatherer := NewNodeStatisticsGatherer(zaptest.NewLogger(t))

	require.NoError(t, gatherer.RecordSuccess("n1", 5, 1_000_000, 1_200_000))
	require.NoError(t, gatherer.RecordFailure("n1", 500_000))

	node, ok := gatherer.Lookup("n1")
	require.True(t, ok)
	assert.Equal(t, int64(1), node.SuccessfulJobs())
	assert.Equal(t, int64(1), node.UnsuccessfulJobs())
	assert.Equal(t, int64(5), node.JobItems())
	assert.Equal(t, int64(1_000_000), node.ExecutionNanos())
	assert.Equal(t, int64(700_000), node.NonExecutionNanos())
	assert.False(t, node.LastActivity().IsZero())
}

func TestNodeStatistics_RecordSuccess(t *testing.T) {
	tests := []struct {
		name          string
		items         int
		execution     int64
		duration      int64
		wantErr       bool
		wantOverhead  int64
		wantSuccesses int64
	}{
		{name: "Overhead", items: 3, execution: 400, duration: 1000, wantOverhead: 600, wantSuccesses: 1},
		{name: "Zero Items", items: 0, execution: 10, duration: 10, wantOverhead: 0, wantSuccesses: 1},
		{name: "Duration Shorter Than Execution", items: 1, execution: 900, duration: 100, wantOverhead: 0, wantSuccesses: 1},
		{name: "Negative Items", items: -1, execution: 1, duration: 1, wantErr: true},
		{name: "Negative Execution", items: 1, execution: -1, duration: 1, wantErr: true},
		{name: "Negative Duration", items: 1, execution: 1, duration: -5, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewNodeStatistics("node")
			err := s.RecordSuccess(tt.items, tt.execution, tt.duration)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidReport)
				assert.Equal(t, int64(0), s.SuccessfulJobs())
				assert.True(t, s.LastActivity().IsZero())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSuccesses, s.SuccessfulJobs())
			assert.Equal(t, tt.wantOverhead, s.NonExecutionNanos())
		})
	}
}

func TestNodeStatistics_RecordFailureRejectsNegative(t *testing.T) {
	s := NewNodeStatistics("node")
	require.ErrorIs(t, s.RecordFailure(-1), ErrInvalidReport)
	assert.Equal(t, int64(0), s.UnsuccessfulJobs())
	assert.Equal(t, int64(0), s.NonExecutionNanos())
}

func TestNodeStatistics_SnapshotDelta(t *testing.T) {
	s := NewNodeStatistics("node")
	require.NoError(t, s.RecordSuccess(2, 100, 150))

	baseline := s.Snapshot()
	delta := baseline.Delta(s.Snapshot())
	assert.Zero(t, delta.SuccessfulJobs)
	assert.Zero(t, delta.UnsuccessfulJobs)
	assert.Zero(t, delta.JobItems)
	assert.Zero(t, delta.ExecutionNanos)
	assert.Zero(t, delta.NonExecutionNanos)

	require.NoError(t, s.RecordSuccess(4, 300, 400))
	require.NoError(t, s.RecordFailure(20))
	later := s.Snapshot()
	laterCopy := later

	delta = baseline.Delta(later)
	assert.Equal(t, int64(1), delta.SuccessfulJobs)
	assert.Equal(t, int64(1), delta.UnsuccessfulJobs)
	assert.Equal(t, int64(4), delta.JobItems)
	assert.Equal(t, int64(300), delta.ExecutionNanos)
	assert.Equal(t, int64(120), delta.NonExecutionNanos)
	assert.Equal(t, laterCopy, later)
	assert.Equal(t, "node", delta.NodeID)

	// Snapshots do not follow the live counters
	require.NoError(t, s.RecordSuccess(1, 1, 1))
	assert.Equal(t, int64(2), later.SuccessfulJobs)
}

func TestNodeStatistics_ResetAndDecay(t *testing.T) {
	s := NewNodeStatistics("node")
	require.NoError(t, s.RecordSuccess(10, 1000, 1500))
	require.NoError(t, s.RecordSuccess(10, 1000, 1500))

	require.NoError(t, s.Decay(0.25))
	assert.Equal(t, int64(1), s.SuccessfulJobs()) // 2 - round(0.5)
	assert.Equal(t, int64(15), s.JobItems())
	assert.Equal(t, int64(1500), s.ExecutionNanos())
	assert.Equal(t, int64(750), s.NonExecutionNanos())

	require.NoError(t, s.Decay(0))
	assert.Equal(t, int64(15), s.JobItems())

	require.NoError(t, s.Decay(1))
	assert.Zero(t, s.JobItems())
	assert.Zero(t, s.SuccessfulJobs())

	require.ErrorIs(t, s.Decay(1.5), ErrInvalidDecayFactor)
	require.ErrorIs(t, s.Decay(-0.1), ErrInvalidDecayFactor)

	require.NoError(t, s.RecordSuccess(1, 1, 2))
	s.Reset()
	snapshot := s.Snapshot()
	assert.Zero(t, snapshot.SuccessfulJobs)
	assert.Zero(t, snapshot.JobItems)
	assert.Zero(t, snapshot.ExecutionNanos)
	assert.Zero(t, snapshot.NonExecutionNanos)
}

func TestNodeStatistics_Averages(t *testing.T) {
	s := NewNodeStatistics("node")
	assert.Zero(t, s.AverageExecutionNanos())
	assert.Zero(t, s.AverageJobItems())

	require.NoError(t, s.RecordSuccess(4, 100, 200))
	require.NoError(t, s.RecordSuccess(2, 300, 300))
	require.NoError(t, s.RecordFailure(100))

	assert.InDelta(t, 200.0, s.AverageExecutionNanos(), 1e-9)
	assert.InDelta(t, 3.0, s.AverageJobItems(), 1e-9)
	assert.InDelta(t, 200.0/3.0, s.AverageNonExecutionNanos(), 1e-9)
}

func TestNodeStatistics_ConcurrentReports(t *testing.T) {
	gatherer := NewNodeStatisticsGatherer(zaptest.NewLogger(t))

	const workers = 16
	const reports = 500

	var wg sync.WaitGroup
	stop := make(chan struct{})
	readerDone := make(chan struct{})

	// Readers run alongside the reporters; no counter may go negative
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, snapshot := range gatherer.Snapshots() {
				assert.GreaterOrEqual(t, snapshot.SuccessfulJobs, int64(0))
				assert.GreaterOrEqual(t, snapshot.NonExecutionNanos, int64(0))
				assert.GreaterOrEqual(t, snapshot.JobItems, int64(0))
			}
			time.Sleep(time.Millisecond)
		}
	}()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < reports; i++ {
				_ = gatherer.RecordSuccess("shared", 1, 10, 15)
				_ = gatherer.RecordFailure("shared", 5)
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-readerDone

	node, ok := gatherer.Lookup("shared")
	require.True(t, ok)
	assert.Equal(t, int64(workers*reports), node.SuccessfulJobs())
	assert.Equal(t, int64(workers*reports), node.UnsuccessfulJobs())
	assert.Equal(t, int64(workers*reports*10), node.NonExecutionNanos())
}

func TestNodeStatisticsGatherer_Nodes(t *testing.T) {
	gatherer := NewNodeStatisticsGatherer(zaptest.NewLogger(t))

	_, ok := gatherer.Lookup("missing")
	assert.False(t, ok)

	var wg sync.WaitGroup
	results := make([]*NodeStatistics, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = gatherer.Node("racy")
		}(i)
	}
	wg.Wait()
	for _, s := range results {
		assert.Same(t, results[0], s)
	}

	require.NoError(t, gatherer.RecordSuccess("b", 1, 1, 1))
	require.NoError(t, gatherer.RecordSuccess("a", 1, 1, 1))
	assert.Equal(t, []string{"a", "b", "racy"}, gatherer.NodeIDs())

	snapshots := gatherer.Snapshots()
	require.Len(t, snapshots, 3)
	assert.Equal(t, "a", snapshots[0].NodeID)

	require.NoError(t, gatherer.DecayAll(1))
	node, _ := gatherer.Lookup("a")
	assert.Zero(t, node.SuccessfulJobs())
	require.ErrorIs(t, gatherer.DecayAll(2), ErrInvalidDecayFactor)

	require.NoError(t, gatherer.RecordSuccess("a", 1, 1, 1))
	gatherer.Reset("a")
	gatherer.Reset("unknown")
	assert.Zero(t, node.SuccessfulJobs())

	require.NoError(t, gatherer.RecordSuccess("b", 1, 1, 1))
	gatherer.ResetAll()
	node, _ = gatherer.Lookup("b")
	assert.Zero(t, node.SuccessfulJobs())
}
