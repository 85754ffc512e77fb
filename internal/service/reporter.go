package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/calc-costs/internal/model"
)

// Reporter publishes statistics reports from a worker node. It implements
// costs.InvocationGatherer, so an InvocationRecorder on a node can report
// straight to the coordinator.
type Reporter struct {
	js     nats.JetStreamContext
	nodeID string
	logger *zap.Logger
}

// NewReporter creates a reporter for nodeID
func NewReporter(js nats.JetStreamContext, nodeID string, logger *zap.Logger) *Reporter {
	return &Reporter{
		js:     js,
		nodeID: nodeID,
		logger: logger.Named("reporter").With(zap.String("node_id", nodeID)),
	}
}

// JobSucceeded publishes a successful job
func (r *Reporter) JobSucceeded(ctx context.Context, jobID string, items int, executionNanos, durationNanos int64) error {
	return r.publish(ctx, JobSucceededSubject, model.JobSuccess{
		NodeID:         r.nodeID,
		JobID:          jobID,
		Items:          items,
		ExecutionNanos: executionNanos,
		DurationNanos:  durationNanos,
		ReportedAt:     time.Now(),
	})
}

// JobFailed publishes a failed job
func (r *Reporter) JobFailed(ctx context.Context, jobID string, durationNanos int64, cause error) error {
	report := model.JobFailure{
		NodeID:        r.nodeID,
		JobID:         jobID,
		DurationNanos: durationNanos,
		ReportedAt:    time.Now(),
	}
	if cause != nil {
		report.Error = cause.Error()
	}
	return r.publish(ctx, JobFailedSubject, report)
}

// Invocations publishes the invocation costs gathered for a job
func (r *Reporter) Invocations(ctx context.Context, jobID string, invocations []model.InvocationReport) error {
	if len(invocations) == 0 {
		return nil
	}
	return r.publish(ctx, InvocationSubject, model.InvocationBatch{
		NodeID:      r.nodeID,
		JobID:       jobID,
		Invocations: invocations,
	})
}

// FunctionInvoked publishes a single invocation report. Unmeasured sizes
// are left out of the message.
func (r *Reporter) FunctionInvoked(ctx context.Context, configuration, functionID string, count int, timeNanos int64, inputBytes, outputBytes float64) error {
	return r.Invocations(ctx, "", []model.InvocationReport{
		NewInvocationReport(configuration, functionID, count, timeNanos, inputBytes, outputBytes),
	})
}

// NewInvocationReport builds a wire report, dropping unmeasured sizes
func NewInvocationReport(configuration, functionID string, count int, timeNanos int64, inputBytes, outputBytes float64) model.InvocationReport {
	return model.InvocationReport{
		Configuration: configuration,
		FunctionID:    functionID,
		Count:         count,
		TimeNanos:     timeNanos,
		InputBytes:    measuredBytes(inputBytes),
		OutputBytes:   measuredBytes(outputBytes),
	}
}

func measuredBytes(v float64) *float64 {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func (r *Reporter) publish(ctx context.Context, subject string, report any) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, operationTimeout)
		defer cancel()
	}

	if _, err := r.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		r.logger.Error("Failed to publish report",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish report: %w", err)
	}
	return nil
}
