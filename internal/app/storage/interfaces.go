package storage

import (
	"context"
	"errors"

	"github.com/veiljournal/veil/internal/app/domain/budget"
	"github.com/veiljournal/veil/internal/app/domain/confession"
	"github.com/veiljournal/veil/internal/app/domain/tenant"
	"github.com/veiljournal/veil/internal/app/domain/usage"
)

// ErrNotFound is returned when a row does not exist or is not visible to the
// calling tenant. Scoped reads deliberately do not distinguish the two cases.
var ErrNotFound = errors.New("storage: not found")

// BudgetStore persists the spend ledger, one row per accounting period.
// Budget rows are deployment-global and carry no owner, so they live outside
// the scoped surface.
type BudgetStore interface {
	GetPeriod(ctx context.Context, periodKey string) (budget.Period, error)
	UpsertPeriod(ctx context.Context, p budget.Period) (budget.Period, error)
}

// UsageEventStore appends and lists provider usage events.
type UsageEventStore interface {
	InsertUsageEvent(ctx context.Context, ev usage.Event) (usage.Event, error)
	ListRecentUsageEvents(ctx context.Context, limit int) ([]usage.Event, error)
}

// ConfessionStore is the owner-scoped view over confession rows. It is only
// reachable through RunScoped; there is intentionally no way to touch
// confession rows from the root store.
type ConfessionStore interface {
	InsertConfession(ctx context.Context, rec confession.Record) (confession.Record, error)
	GetConfession(ctx context.Context, id string) (confession.Record, error)
	ListConfessions(ctx context.Context, limit, offset int) ([]confession.Record, error)
	DeleteConfession(ctx context.Context, id string) error
}

// Scoped is the surface a unit of work may touch inside one transaction.
type Scoped interface {
	Confessions() ConfessionStore
}

// UnitOfWork is caller-supplied work executed inside one scoped transaction.
// Results travel out via closure capture.
type UnitOfWork func(ctx context.Context, s Scoped) error

// Store is the root storage handle handed to the application.
type Store interface {
	BudgetStore
	UsageEventStore

	// RunScoped validates the tenant context, opens a transaction carrying
	// it as transaction-local state, runs fn, commits on nil and rolls back
	// on error, re-signaling fn's error unchanged.
	RunScoped(ctx context.Context, tctx tenant.Context, fn UnitOfWork) error

	Ping(ctx context.Context) error
	Close() error
}
