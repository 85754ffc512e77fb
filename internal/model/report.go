package model

import "time"

// JobSuccess reports a job batch that completed on a worker node
type JobSuccess struct {
	NodeID         string    `json:"node_id"`
	JobID          string    `json:"job_id,omitempty"`
	Items          int       `json:"items"`
	ExecutionNanos int64     `json:"execution_nanos"`
	DurationNanos  int64     `json:"duration_nanos"`
	ReportedAt     time.Time `json:"reported_at"`
}

// JobFailure reports a job batch that failed on a worker node
type JobFailure struct {
	NodeID        string    `json:"node_id"`
	JobID         string    `json:"job_id,omitempty"`
	DurationNanos int64     `json:"duration_nanos"`
	Error         string    `json:"error,omitempty"`
	ReportedAt    time.Time `json:"reported_at"`
}

// InvocationReport carries the measured cost of function invocations.
// A nil InputBytes or OutputBytes means the side was not measured.
type InvocationReport struct {
	Configuration string   `json:"configuration"`
	FunctionID    string   `json:"function_id"`
	Count         int      `json:"count"`
	TimeNanos     int64    `json:"time_nanos"`
	InputBytes    *float64 `json:"input_bytes,omitempty"`
	OutputBytes   *float64 `json:"output_bytes,omitempty"`
}

// InvocationBatch groups the invocation reports of one job
type InvocationBatch struct {
	NodeID      string             `json:"node_id"`
	JobID       string             `json:"job_id,omitempty"`
	Invocations []InvocationReport `json:"invocations"`
}
