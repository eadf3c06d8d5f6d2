// Package maintenance runs the scheduled upkeep jobs: periodic response
// cache sweeps and a daily budget snapshot log line.
package maintenance

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/veiljournal/veil/internal/app/domain/budget"
	"github.com/veiljournal/veil/pkg/logger"
)

// Sweeper is the cache surface the sweep job drives.
type Sweeper interface {
	Sweep(ctx context.Context) int
	Len() int
}

// BudgetReader exposes the ledger read model for the snapshot job.
type BudgetReader interface {
	Status(ctx context.Context) budget.Status
}

// Config carries the job schedules in standard cron syntax, descriptors
// included.
type Config struct {
	SweepSchedule    string
	SnapshotSchedule string
}

func (c *Config) applyDefaults() {
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@hourly"
	}
	if c.SnapshotSchedule == "" {
		c.SnapshotSchedule = "@daily"
	}
}

// Service schedules the upkeep jobs over one cron runner. It implements
// system.Service.
type Service struct {
	cache  Sweeper
	budget BudgetReader
	cfg    Config
	log    *logger.Logger

	mu      sync.Mutex
	runner  *cron.Cron
	started bool
}

// New validates the schedules up front so a typo fails at wiring time, not at
// first fire.
func New(cache Sweeper, budget BudgetReader, cfg Config, log *logger.Logger) (*Service, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache required")
	}
	if budget == nil {
		return nil, fmt.Errorf("budget reader required")
	}
	if log == nil {
		log = logger.NewDefault("maintenance")
	}
	cfg.applyDefaults()

	if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	if _, err := cron.ParseStandard(cfg.SnapshotSchedule); err != nil {
		return nil, fmt.Errorf("snapshot schedule %q: %w", cfg.SnapshotSchedule, err)
	}

	return &Service{cache: cache, budget: budget, cfg: cfg, log: log}, nil
}

func (s *Service) Name() string { return "maintenance" }

// Start arms the schedules. Job bodies run on the cron runner's goroutine
// against a background context: upkeep is not tied to any request lifetime.
func (s *Service) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("maintenance already started")
	}

	runner := cron.New()
	if _, err := runner.AddFunc(s.cfg.SweepSchedule, s.sweepOnce); err != nil {
		return fmt.Errorf("add sweep job: %w", err)
	}
	if _, err := runner.AddFunc(s.cfg.SnapshotSchedule, s.snapshotOnce); err != nil {
		return fmt.Errorf("add snapshot job: %w", err)
	}
	runner.Start()

	s.runner = runner
	s.started = true
	s.log.WithFields(map[string]interface{}{
		"sweep":    s.cfg.SweepSchedule,
		"snapshot": s.cfg.SnapshotSchedule,
	}).Info("maintenance jobs scheduled")
	return nil
}

// Stop halts scheduling and waits for any in-flight job, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	runner := s.runner
	s.runner = nil
	s.started = false
	s.mu.Unlock()

	if runner == nil {
		return nil
	}
	drained := runner.Stop()
	select {
	case <-drained.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) sweepOnce() {
	removed := s.cache.Sweep(context.Background())
	if removed == 0 {
		return
	}
	s.log.WithFields(map[string]interface{}{
		"removed":   removed,
		"remaining": s.cache.Len(),
	}).Info("cache sweep completed")
}

func (s *Service) snapshotOnce() {
	st := s.budget.Status(context.Background())
	s.log.WithFields(map[string]interface{}{
		"period":    st.PeriodKey,
		"spent_eur": st.Spent,
		"cap_eur":   st.Cap,
		"warned":    st.Warned,
		"allowed":   st.Allowed,
	}).Info("budget snapshot")
}
