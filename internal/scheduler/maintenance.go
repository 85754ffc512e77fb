package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/calc-costs/internal/costs"
)

// Reconciler persists changed cost estimates
type Reconciler interface {
	Reconcile(ctx context.Context) (costs.ReconcileResult, error)
}

// Decayer ages node statistics
type Decayer interface {
	DecayAll(factor float64) error
}

// Pruner removes old cost history
type Pruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Config defines the maintenance schedules. Schedules accept standard cron
// expressions with an optional seconds field and descriptors such as
// "@every 30s". An empty DecaySchedule or PruneSchedule disables that job.
type Config struct {
	ReconcileSchedule string
	DecaySchedule     string
	DecayFactor       float64
	PruneSchedule     string
	HistoryRetention  time.Duration
	ShutdownTimeout   time.Duration
}

// Maintenance runs the periodic housekeeping of the coordinator: cost
// reconciliation, node statistics decay and history pruning. Each job is
// single flight; a run that is still busy when the next one is due causes
// that run to be skipped.
type Maintenance struct {
	logger     *zap.Logger
	cron       *cron.Cron
	reconciler Reconciler
	decayer    Decayer
	pruner     Pruner
	config     Config

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NewMaintenance creates the maintenance jobs. decayer and pruner may be nil.
func NewMaintenance(reconciler Reconciler, decayer Decayer, pruner Pruner, config Config, logger *zap.Logger) (*Maintenance, error) {
	if config.ReconcileSchedule == "" {
		config.ReconcileSchedule = defaultReconcileSchedule
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}

	logger = logger.Named("maintenance")
	cl := &cronLogger{logger: logger.Named("cron")}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Maintenance{
		logger:     logger,
		reconciler: reconciler,
		decayer:    decayer,
		pruner:     pruner,
		config:     config,
		ctx:        ctx,
		cancel:     cancel,
		entries:    make(map[string]cron.EntryID),
		cron: cron.New(
			cron.WithParser(scheduleParser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
	}

	if err := m.add(jobReconcile, config.ReconcileSchedule, m.reconcile); err != nil {
		cancel()
		return nil, err
	}
	if decayer != nil && config.DecaySchedule != "" {
		if err := m.add(jobDecay, config.DecaySchedule, m.decay); err != nil {
			cancel()
			return nil, err
		}
	}
	if pruner != nil && config.PruneSchedule != "" && config.HistoryRetention > 0 {
		if err := m.add(jobPrune, config.PruneSchedule, m.prune); err != nil {
			cancel()
			return nil, err
		}
	}
	return m, nil
}

func (m *Maintenance) add(name, schedule string, run func()) error {
	id, err := m.cron.AddFunc(schedule, run)
	if err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidSchedule, name, schedule, err)
	}
	m.entries[name] = id
	m.logger.Info("Added maintenance job",
		zap.String("job", name),
		zap.String("schedule", schedule))
	return nil
}

// Start starts running the jobs on their schedules
func (m *Maintenance) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	m.cron.Start()
	return nil
}

// Stop stops the schedules, waits for running jobs and reconciles one last
// time so no change is lost on shutdown
func (m *Maintenance) Stop(ctx context.Context) error {
	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
	m.cancel()

	ctx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	result, err := m.reconcileOnce(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile on shutdown: %w", err)
	}
	if result.Failed > 0 {
		return fmt.Errorf("failed to persist %d function costs on shutdown", result.Failed)
	}
	return nil
}

// NextRun returns when a job runs next. The zero time means the job is not
// scheduled or the scheduler has not started.
func (m *Maintenance) NextRun(job string) time.Time {
	id, ok := m.entries[job]
	if !ok {
		return time.Time{}
	}
	return m.cron.Entry(id).Next
}

// Jobs returns the names of the scheduled jobs
func (m *Maintenance) Jobs() []string {
	var jobs []string
	for _, name := range []string{jobReconcile, jobDecay, jobPrune} {
		if _, ok := m.entries[name]; ok {
			jobs = append(jobs, name)
		}
	}
	return jobs
}

func (m *Maintenance) reconcile() {
	_, _ = m.reconcileOnce(m.ctx)
}

func (m *Maintenance) reconcileOnce(ctx context.Context) (costs.ReconcileResult, error) {
	result, err := m.reconciler.Reconcile(ctx)
	switch {
	case errors.Is(err, costs.ErrReconcileInProgress):
		m.logger.Debug("Reconcile already running")
	case err != nil:
		m.logger.Error("Failed to reconcile function costs", zap.Error(err))
	case result.Failed > 0:
		m.logger.Warn("Some function costs were not persisted",
			zap.Int("failed", result.Failed),
			zap.Int("written", result.Written()))
	}
	return result, err
}

func (m *Maintenance) decay() {
	if err := m.decayer.DecayAll(m.config.DecayFactor); err != nil {
		m.logger.Error("Failed to decay node statistics",
			zap.Float64("factor", m.config.DecayFactor),
			zap.Error(err))
	}
}

func (m *Maintenance) prune() {
	cutoff := time.Now().Add(-m.config.HistoryRetention)
	deleted, err := m.pruner.DeleteBefore(m.ctx, cutoff)
	if err != nil {
		m.logger.Error("Failed to prune cost history",
			zap.Time("cutoff", cutoff),
			zap.Error(err))
		return
	}
	if deleted > 0 {
		m.logger.Info("Pruned cost history",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
}
