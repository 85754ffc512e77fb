package model

import "time"

// NodeStatisticsSnapshot is an immutable copy of a worker node's counters
type NodeStatisticsSnapshot struct {
	NodeID            string    `json:"node_id"`
	SuccessfulJobs    int64     `json:"successful_jobs"`
	UnsuccessfulJobs  int64     `json:"unsuccessful_jobs"`
	JobItems          int64     `json:"job_items"`
	ExecutionNanos    int64     `json:"execution_nanos"`
	NonExecutionNanos int64     `json:"non_execution_nanos"`
	LastActivity      time.Time `json:"last_activity"`
}

// Delta returns the per-counter difference later - s. Neither value is
// modified; the caller keeps later as the baseline for the next period.
// LastActivity is taken from later.
func (s NodeStatisticsSnapshot) Delta(later NodeStatisticsSnapshot) NodeStatisticsSnapshot {
	return NodeStatisticsSnapshot{
		NodeID:            s.NodeID,
		SuccessfulJobs:    later.SuccessfulJobs - s.SuccessfulJobs,
		UnsuccessfulJobs:  later.UnsuccessfulJobs - s.UnsuccessfulJobs,
		JobItems:          later.JobItems - s.JobItems,
		ExecutionNanos:    later.ExecutionNanos - s.ExecutionNanos,
		NonExecutionNanos: later.NonExecutionNanos - s.NonExecutionNanos,
		LastActivity:      later.LastActivity,
	}
}

// AverageExecutionNanos returns execution time per successful job, or 0
func (s NodeStatisticsSnapshot) AverageExecutionNanos() float64 {
	if s.SuccessfulJobs <= 0 {
		return 0
	}
	return float64(s.ExecutionNanos) / float64(s.SuccessfulJobs)
}

// AverageJobItems returns work items per successful job, or 0
func (s NodeStatisticsSnapshot) AverageJobItems() float64 {
	if s.SuccessfulJobs <= 0 {
		return 0
	}
	return float64(s.JobItems) / float64(s.SuccessfulJobs)
}

// AverageNonExecutionNanos returns overhead per job (successful or not), or 0
func (s NodeStatisticsSnapshot) AverageNonExecutionNanos() float64 {
	jobs := s.SuccessfulJobs + s.UnsuccessfulJobs
	if jobs <= 0 {
		return 0
	}
	return float64(s.NonExecutionNanos) / float64(jobs)
}

// NodeActivity is published once per interval for each known node
type NodeActivity struct {
	NodeID         string                 `json:"node_id"`
	Period         time.Duration          `json:"period"`
	Delta          NodeStatisticsSnapshot `json:"delta"`
	JobsPerSecond  float64                `json:"jobs_per_second"`
	ItemsPerSecond float64                `json:"items_per_second"`
	FailureRatio   float64                `json:"failure_ratio"`
	CollectedAt    time.Time              `json:"collected_at"`
}

// CoordinatorActivity summarises the coordinator host for one interval
type CoordinatorActivity struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	NodeCount   int       `json:"node_count"`
	CollectedAt time.Time `json:"collected_at"`
}
