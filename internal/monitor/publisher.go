package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/calc-costs/internal/model"
	"github.com/t77yq/calc-costs/internal/service"
)

const publishTimeout = 5 * time.Second

// SnapshotSource lists the current node statistics
type SnapshotSource interface {
	Snapshots() []model.NodeStatisticsSnapshot
}

// Publisher periodically publishes what every node did since the previous
// interval, plus a summary of the coordinator host
type Publisher struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	source   SnapshotSource
	interval time.Duration
	now      func() time.Time
	host     func() (cpuPercent, memPercent float64, err error)

	mu          sync.Mutex
	baselines   map[string]model.NodeStatisticsSnapshot
	lastCollect time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewPublisher creates a publisher for the nodes known to source
func NewPublisher(js nats.JetStreamContext, source SnapshotSource, interval time.Duration, logger *zap.Logger) *Publisher {
	return &Publisher{
		logger:    logger.Named("activity-publisher"),
		js:        js,
		source:    source,
		interval:  interval,
		now:       time.Now,
		host:      hostUsage,
		baselines: make(map[string]model.NodeStatisticsSnapshot),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the publish loop until ctx is done or Stop is called
func (p *Publisher) Start(ctx context.Context) error {
	if p.interval <= 0 {
		return fmt.Errorf("invalid publish interval %v", p.interval)
	}
	p.logger.Info("Starting activity publisher", zap.Duration("interval", p.interval))

	p.mu.Lock()
	p.lastCollect = p.now()
	p.mu.Unlock()

	go p.publishLoop(ctx)
	return nil
}

// Stop stops the publish loop and waits for it to exit
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	select {
	case <-p.done:
	case <-time.After(p.interval + time.Second):
	}
}

func (p *Publisher) publishLoop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if _, _, err := p.Publish(ctx); err != nil {
				p.logger.Error("Failed to publish activity", zap.Error(err))
			}
		}
	}
}

// Collect computes the activity of every node since the previous call and
// moves the baselines forward
func (p *Publisher) Collect() ([]model.NodeActivity, model.CoordinatorActivity) {
	snapshots := p.source.Snapshots()
	now := p.now()

	p.mu.Lock()
	period := p.interval
	if !p.lastCollect.IsZero() && now.After(p.lastCollect) {
		period = now.Sub(p.lastCollect)
	}
	p.lastCollect = now

	activities := make([]model.NodeActivity, 0, len(snapshots))
	for _, snap := range snapshots {
		baseline, ok := p.baselines[snap.NodeID]
		if !ok {
			baseline = model.NodeStatisticsSnapshot{NodeID: snap.NodeID}
		}
		p.baselines[snap.NodeID] = snap
		activities = append(activities, activity(baseline.Delta(snap), period, now))
	}
	p.mu.Unlock()

	summary := model.CoordinatorActivity{
		NodeCount:   len(snapshots),
		CollectedAt: now,
	}
	cpuPercent, memPercent, err := p.host()
	if err != nil {
		p.logger.Warn("Failed to read host usage", zap.Error(err))
	} else {
		summary.CPUUsage = cpuPercent
		summary.MemoryUsage = memPercent
	}
	return activities, summary
}

// Publish collects and publishes one round of activity. A node that fails
// to publish does not hold back the others or the summary; the failures are
// returned together.
func (p *Publisher) Publish(ctx context.Context) ([]model.NodeActivity, model.CoordinatorActivity, error) {
	activities, summary := p.Collect()

	var errs []error
	for _, a := range activities {
		if err := p.publish(ctx, service.NodeActivitySubject(a.NodeID), a); err != nil {
			p.logger.Warn("Failed to publish node activity",
				zap.String("node_id", a.NodeID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if err := p.publish(ctx, service.CoordinatorActivitySubject, summary); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return activities, summary, errors.Join(errs...)
	}

	p.logger.Debug("Activity published",
		zap.Int("nodes", len(activities)),
		zap.Float64("cpu_usage", summary.CPUUsage),
		zap.Float64("memory_usage", summary.MemoryUsage))
	return activities, summary, nil
}

func (p *Publisher) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// activity derives rates from a counter delta. Counters that went down
// because of a reset or decay yield zero rates.
func activity(delta model.NodeStatisticsSnapshot, period time.Duration, now time.Time) model.NodeActivity {
	a := model.NodeActivity{
		NodeID:      delta.NodeID,
		Period:      period,
		Delta:       delta,
		CollectedAt: now,
	}

	jobs := delta.SuccessfulJobs + delta.UnsuccessfulJobs
	seconds := period.Seconds()
	if seconds > 0 {
		a.JobsPerSecond = max(float64(jobs), 0) / seconds
		a.ItemsPerSecond = max(float64(delta.JobItems), 0) / seconds
	}
	if jobs > 0 && delta.UnsuccessfulJobs >= 0 && delta.SuccessfulJobs >= 0 {
		a.FailureRatio = float64(delta.UnsuccessfulJobs) / float64(jobs)
	}
	return a
}

func hostUsage() (float64, float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get memory usage: %w", err)
	}

	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}
	return cpuPercent, memInfo.UsedPercent, nil
}
