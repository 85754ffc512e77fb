package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/t77yq/calc-costs/internal/costs"
	"github.com/t77yq/calc-costs/internal/model"
)

// NodeRecorder receives job outcomes per worker node
type NodeRecorder interface {
	RecordSuccess(nodeID string, itemCount int, executionNanos, durationNanos int64) error
	RecordFailure(nodeID string, durationNanos int64) error
}

// ReportService consumes statistics reports from JetStream and feeds them
// to the node statistics and the cost registry. Reports are best effort:
// every message is acknowledged, including ones that fail to decode or
// apply, so a bad report is never redelivered.
type ReportService struct {
	js       nats.JetStreamContext
	logger   *zap.Logger
	nodes    NodeRecorder
	gatherer costs.InvocationGatherer
	durable  string
	received *prometheus.CounterVec

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewReportService creates the service and makes sure the stats stream
// exists. durable prefixes the consumer names. reg may be nil.
func NewReportService(js nats.JetStreamContext, nodes NodeRecorder, gatherer costs.InvocationGatherer, durable string, reg prometheus.Registerer, logger *zap.Logger) (*ReportService, error) {
	s := &ReportService{
		js:       js,
		logger:   logger.Named("report-service"),
		nodes:    nodes,
		gatherer: gatherer,
		durable:  durable,
		received: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calccosts_reports_received_total",
				Help: "Statistics reports received by subject and result",
			},
			[]string{"subject", "result"},
		),
	}
	if reg != nil {
		reg.MustRegister(s.received)
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := EnsureStream(ctx, js, s.logger); err != nil {
		return nil, fmt.Errorf("failed to setup streams: %w", err)
	}
	return s, nil
}

// EnsureStream creates the stats stream unless it already exists
func EnsureStream(ctx context.Context, js nats.JetStreamContext, logger *zap.Logger) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     StatsStreamName,
		Subjects: []string{StatsSubjects},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  -1,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			logger.Info("Stream already exists", zap.String("stream", StatsStreamName))
			return nil
		}
		return err
	}

	logger.Info("Stream created successfully", zap.String("stream", StatsStreamName))
	return nil
}

// Start subscribes to the report subjects. The subscriptions end when ctx
// is done or Stop is called.
func (s *ReportService) Start(ctx context.Context) error {
	handlers := []struct {
		subject  string
		consumer string
		handle   func(context.Context, []byte) error
	}{
		{JobSucceededSubject, "job-succeeded", s.handleJobSucceeded},
		{JobFailedSubject, "job-failed", s.handleJobFailed},
		{InvocationSubject, "invocation", s.handleInvocations},
	}

	for _, h := range handlers {
		sub, err := s.js.Subscribe(h.subject, s.dispatch(ctx, h.subject, h.handle),
			nats.Durable(s.durable+"-"+h.consumer),
			nats.ManualAck(),
			nats.AckWait(ackWait),
			nats.Context(ctx),
		)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", h.subject, err)
		}

		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("Report service started", zap.String("durable", s.durable))
	return nil
}

// Stop drains and removes the report subscriptions
func (s *ReportService) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.logger.Warn("Failed to drain subscription",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}
	}
}

func (s *ReportService) dispatch(ctx context.Context, subject string, handle func(context.Context, []byte) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		result := "ok"
		if err := handle(ctx, msg.Data); err != nil {
			result = "error"
			s.logger.Error("Failed to apply report",
				zap.String("subject", subject),
				zap.Error(err))
		}
		s.received.WithLabelValues(subject, result).Inc()

		if err := msg.Ack(); err != nil {
			s.logger.Warn("Failed to ack report",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}
}

func (s *ReportService) handleJobSucceeded(_ context.Context, data []byte) error {
	var report model.JobSuccess
	if err := json.Unmarshal(data, &report); err != nil {
		return fmt.Errorf("failed to unmarshal job success: %w", err)
	}
	if report.NodeID == "" {
		return errors.New("job success without node id")
	}
	return s.nodes.RecordSuccess(report.NodeID, report.Items, report.ExecutionNanos, report.DurationNanos)
}

func (s *ReportService) handleJobFailed(_ context.Context, data []byte) error {
	var report model.JobFailure
	if err := json.Unmarshal(data, &report); err != nil {
		return fmt.Errorf("failed to unmarshal job failure: %w", err)
	}
	if report.NodeID == "" {
		return errors.New("job failure without node id")
	}
	return s.nodes.RecordFailure(report.NodeID, report.DurationNanos)
}

// handleInvocations applies every report of a batch; one bad report does
// not stop the rest
func (s *ReportService) handleInvocations(ctx context.Context, data []byte) error {
	var batch model.InvocationBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return fmt.Errorf("failed to unmarshal invocation batch: %w", err)
	}

	var errs []error
	for _, inv := range batch.Invocations {
		if inv.Configuration == "" || inv.FunctionID == "" {
			errs = append(errs, errors.New("invocation report without configuration or function id"))
			continue
		}
		err := s.gatherer.FunctionInvoked(ctx, inv.Configuration, inv.FunctionID,
			inv.Count, inv.TimeNanos, bytesOrNotMeasured(inv.InputBytes), bytesOrNotMeasured(inv.OutputBytes))
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func bytesOrNotMeasured(v *float64) float64 {
	if v == nil {
		return costs.NotMeasured
	}
	return *v
}
