package stats

import (
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/t77yq/calc-costs/internal/model"
)

// NodeStatisticsGatherer keeps one NodeStatistics per worker node id
type NodeStatisticsGatherer struct {
	logger *zap.Logger
	nodes  cmap.ConcurrentMap[string, *NodeStatistics]
}

// NewNodeStatisticsGatherer creates an empty gatherer
func NewNodeStatisticsGatherer(logger *zap.Logger) *NodeStatisticsGatherer {
	return &NodeStatisticsGatherer{
		logger: logger.Named("node-statistics"),
		nodes:  cmap.New[*NodeStatistics](),
	}
}

// Node returns the statistics for nodeID, creating them on first use. When
// two callers race on a new node both get the same instance.
func (g *NodeStatisticsGatherer) Node(nodeID string) *NodeStatistics {
	if s, ok := g.nodes.Get(nodeID); ok {
		return s
	}

	candidate := NewNodeStatistics(nodeID)
	s := g.nodes.Upsert(nodeID, candidate, keepExisting[*NodeStatistics])
	if s == candidate {
		g.logger.Debug("Tracking new node", zap.String("node_id", nodeID))
	}
	return s
}

// RecordSuccess forwards a successful job report to the node's statistics
func (g *NodeStatisticsGatherer) RecordSuccess(nodeID string, itemCount int, executionNanos, durationNanos int64) error {
	return g.Node(nodeID).RecordSuccess(itemCount, executionNanos, durationNanos)
}

// RecordFailure forwards a failed job report to the node's statistics
func (g *NodeStatisticsGatherer) RecordFailure(nodeID string, durationNanos int64) error {
	return g.Node(nodeID).RecordFailure(durationNanos)
}

// Lookup returns a read-only view of a known node
func (g *NodeStatisticsGatherer) Lookup(nodeID string) (NodeStatisticsReader, bool) {
	s, ok := g.nodes.Get(nodeID)
	if !ok {
		return nil, false
	}
	return s, true
}

// NodeIDs returns the known node ids in sorted order
func (g *NodeStatisticsGatherer) NodeIDs() []string {
	ids := g.nodes.Keys()
	sort.Strings(ids)
	return ids
}

// Snapshots copies the counters of every known node, sorted by node id
func (g *NodeStatisticsGatherer) Snapshots() []model.NodeStatisticsSnapshot {
	snapshots := make([]model.NodeStatisticsSnapshot, 0, g.nodes.Count())
	g.nodes.IterCb(func(_ string, s *NodeStatistics) {
		snapshots = append(snapshots, s.Snapshot())
	})
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].NodeID < snapshots[j].NodeID
	})
	return snapshots
}

// Reset zeroes the counters of one node. Unknown nodes are ignored.
func (g *NodeStatisticsGatherer) Reset(nodeID string) {
	if s, ok := g.nodes.Get(nodeID); ok {
		s.Reset()
	}
}

// ResetAll zeroes the counters of every known node
func (g *NodeStatisticsGatherer) ResetAll() {
	g.nodes.IterCb(func(_ string, s *NodeStatistics) {
		s.Reset()
	})
}

// DecayAll applies Decay(factor) to every known node
func (g *NodeStatisticsGatherer) DecayAll(factor float64) error {
	var err error
	g.nodes.IterCb(func(_ string, s *NodeStatistics) {
		if err != nil {
			return
		}
		err = s.Decay(factor)
	})
	if err != nil {
		return err
	}

	g.logger.Debug("Decayed node statistics",
		zap.Float64("factor", factor),
		zap.Int("nodes", g.nodes.Count()))
	return nil
}

func keepExisting[V any](exist bool, valueInMap V, newValue V) V {
	if exist {
		return valueInMap
	}
	return newValue
}
