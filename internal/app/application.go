package app

import (
	"context"
	"fmt"
	"time"

	"github.com/veiljournal/veil/internal/app/services/governor"
	"github.com/veiljournal/veil/internal/app/services/maintenance"
	"github.com/veiljournal/veil/internal/app/storage"
	"github.com/veiljournal/veil/internal/app/storage/memory"
	"github.com/veiljournal/veil/internal/app/system"
	"github.com/veiljournal/veil/pkg/logger"
)

const defaultBudgetCapEUR = 20

// Options selects the collaborators New wires together. Nil fields fall
// back to local defaults so development and tests need no external
// services: an in-memory store, an in-process cache, and a governor that
// serves heuristic results only.
type Options struct {
	Store     storage.Store
	Cache     governor.Cache
	Inference governor.Inference
	Moderator governor.Moderator

	BudgetCapEUR  float64
	BudgetWarnEUR float64

	Governor    governor.Config
	Maintenance maintenance.Config

	// AuditLogPath appends every governor decision as a JSON line when
	// non-empty. The in-memory trail is kept either way.
	AuditLogPath string
}

// Application wires the veil services together and manages their lifecycle.
type Application struct {
	manager   *system.Manager
	log       *logger.Logger
	startedAt time.Time

	Store    storage.Store
	Cache    governor.Cache
	Governor *governor.Service
}

// New assembles the application. ctx bounds the initial budget ledger load;
// the returned Application is not running until Start is called.
func New(ctx context.Context, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("veil")
	}
	if opts.Store == nil {
		log.Warn("no database configured, using in-memory storage")
		opts.Store = memory.New()
	}
	if opts.Cache == nil {
		opts.Cache = governor.NewMemoryCache(0)
	}
	if opts.BudgetCapEUR <= 0 {
		opts.BudgetCapEUR = defaultBudgetCapEUR
	}

	ledger, err := governor.NewLedger(ctx, opts.Store, opts.BudgetCapEUR, opts.BudgetWarnEUR, log)
	if err != nil {
		return nil, fmt.Errorf("budget ledger: %w", err)
	}

	fileSink, err := governor.NewFileSink(opts.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	var sink governor.DecisionSink
	if fileSink != nil {
		sink = fileSink
	}
	trail := governor.NewTrail(0, sink)

	gov, err := governor.New(governor.Deps{
		Cache:     opts.Cache,
		Ledger:    ledger,
		Inference: opts.Inference,
		Moderator: opts.Moderator,
		Usage:     opts.Store,
		Trail:     trail,
	}, opts.Governor, log)
	if err != nil {
		return nil, fmt.Errorf("assemble governor: %w", err)
	}

	manager := system.NewManager()
	maint, err := maintenance.New(opts.Cache, ledger, opts.Maintenance, log)
	if err != nil {
		return nil, fmt.Errorf("assemble maintenance: %w", err)
	}
	if err := manager.Register(maint); err != nil {
		return nil, fmt.Errorf("register %s: %w", maint.Name(), err)
	}

	return &Application{
		manager:   manager,
		log:       log,
		startedAt: time.Now().UTC(),
		Store:     opts.Store,
		Cache:     opts.Cache,
		Governor:  gov,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	a.log.Info("starting services")
	return a.manager.Start(ctx)
}

// Stop stops all services in reverse registration order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// StartedAt reports when the application was assembled, for uptime reporting.
func (a *Application) StartedAt() time.Time {
	return a.startedAt
}
