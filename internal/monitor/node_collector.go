package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NodeCollector exposes the node statistics as Prometheus metrics. Values
// are read at scrape time.
type NodeCollector struct {
	source SnapshotSource

	successfulJobs     *prometheus.Desc
	unsuccessfulJobs   *prometheus.Desc
	jobItems           *prometheus.Desc
	executionTime      *prometheus.Desc
	nonExecutionTime   *prometheus.Desc
	secondsSinceActive *prometheus.Desc
	now                func() time.Time
}

// NewNodeCollector creates a collector over source
func NewNodeCollector(source SnapshotSource) *NodeCollector {
	labels := []string{"node"}
	return &NodeCollector{
		source:             source,
		successfulJobs:     prometheus.NewDesc("calccosts_node_successful_jobs", "Successful job batches per node", labels, nil),
		unsuccessfulJobs:   prometheus.NewDesc("calccosts_node_unsuccessful_jobs", "Failed job batches per node", labels, nil),
		jobItems:           prometheus.NewDesc("calccosts_node_job_items", "Work items in successful batches per node", labels, nil),
		executionTime:      prometheus.NewDesc("calccosts_node_execution_seconds", "Time spent executing work items per node", labels, nil),
		nonExecutionTime:   prometheus.NewDesc("calccosts_node_non_execution_seconds", "Job overhead outside item execution per node", labels, nil),
		secondsSinceActive: prometheus.NewDesc("calccosts_node_seconds_since_activity", "Seconds since the node last reported", labels, nil),
		now:                time.Now,
	}
}

// Describe implements prometheus.Collector
func (c *NodeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.successfulJobs
	ch <- c.unsuccessfulJobs
	ch <- c.jobItems
	ch <- c.executionTime
	ch <- c.nonExecutionTime
	ch <- c.secondsSinceActive
}

// Collect implements prometheus.Collector
func (c *NodeCollector) Collect(ch chan<- prometheus.Metric) {
	now := c.now()
	for _, s := range c.source.Snapshots() {
		ch <- prometheus.MustNewConstMetric(c.successfulJobs, prometheus.GaugeValue, float64(s.SuccessfulJobs), s.NodeID)
		ch <- prometheus.MustNewConstMetric(c.unsuccessfulJobs, prometheus.GaugeValue, float64(s.UnsuccessfulJobs), s.NodeID)
		ch <- prometheus.MustNewConstMetric(c.jobItems, prometheus.GaugeValue, float64(s.JobItems), s.NodeID)
		ch <- prometheus.MustNewConstMetric(c.executionTime, prometheus.GaugeValue, time.Duration(s.ExecutionNanos).Seconds(), s.NodeID)
		ch <- prometheus.MustNewConstMetric(c.nonExecutionTime, prometheus.GaugeValue, time.Duration(s.NonExecutionNanos).Seconds(), s.NodeID)
		if !s.LastActivity.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.secondsSinceActive, prometheus.GaugeValue, now.Sub(s.LastActivity).Seconds(), s.NodeID)
		}
	}
}
