package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veiljournal/veil/internal/app/domain/budget"
	"github.com/veiljournal/veil/internal/app/metrics"
	"github.com/veiljournal/veil/internal/app/storage"
	"github.com/veiljournal/veil/pkg/logger"
)

// Ledger enforces the monthly spending envelope for the inference provider.
// Accounting is deployment-global: one row per calendar month shared by all
// callers; per-caller attribution lives in usage events, not in the cap.
//
// The in-memory period is authoritative for the single-process service and
// is written through to the BudgetStore on every mutation. One mutex covers
// rollover check, increment, and write-through, so concurrent recordings
// cannot lose an update.
type Ledger struct {
	store   storage.BudgetStore
	log     *logger.Logger
	capEUR  float64
	warnEUR float64
	now     func() time.Time

	mu     sync.Mutex
	period budget.Period
	loaded bool
	warned bool
}

// NewLedger builds the ledger and loads or creates the current period row,
// so spend accumulated before a restart still counts against the cap.
func NewLedger(ctx context.Context, store storage.BudgetStore, capEUR, warnEUR float64, log *logger.Logger) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("budget store required")
	}
	if capEUR <= 0 {
		return nil, fmt.Errorf("budget cap must be positive, got %v", capEUR)
	}
	if warnEUR <= 0 || warnEUR > capEUR {
		warnEUR = capEUR * 0.9
	}
	if log == nil {
		log = logger.NewDefault("budget-ledger")
	}

	l := &Ledger{
		store:   store,
		log:     log,
		capEUR:  capEUR,
		warnEUR: warnEUR,
		now:     time.Now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLocked(ctx); err != nil {
		return nil, fmt.Errorf("load budget period: %w", err)
	}
	return l, nil
}

// ensureLocked aligns the in-memory period with the current period key. It
// runs on first use and whenever the key rolls over; adopting a new key is
// the only way spend returns to zero. Callers hold l.mu.
func (l *Ledger) ensureLocked(ctx context.Context) error {
	key := budget.PeriodKeyAt(l.now())
	if l.loaded && l.period.PeriodKey == key {
		return nil
	}

	rolled := l.loaded
	existing, err := l.store.GetPeriod(ctx, key)
	switch {
	case err == nil:
		// Row already exists (restart mid-month, or another writer got
		// there first): adopt its spend, but cap and warn follow config.
		existing.CapAmount = l.capEUR
		existing.WarnAmount = l.warnEUR
		l.period = existing
	case errors.Is(err, storage.ErrNotFound):
		fresh := budget.Period{
			PeriodKey:   key,
			SpentAmount: 0,
			CapAmount:   l.capEUR,
			WarnAmount:  l.warnEUR,
			UpdatedAt:   l.now(),
		}
		stored, err := l.store.UpsertPeriod(ctx, fresh)
		if err != nil {
			return err
		}
		l.period = stored
	default:
		return err
	}

	l.loaded = true
	l.warned = l.period.SpentAmount >= l.warnEUR
	if rolled {
		l.log.WithField("period", key).Info("budget period rolled over")
	}
	metrics.SetBudget(l.period.SpentAmount, l.capEUR)
	return nil
}

// Allowed reports whether the primary path may spend right now. It reserves
// nothing: the true cost is known only after a call completes, so the ledger
// tolerates overshooting the cap by the cost of one in-flight call. If the
// budget state cannot be loaded the primary path is denied.
func (l *Ledger) Allowed(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLocked(ctx); err != nil {
		l.log.WithError(err).Error("budget state unavailable, denying primary path")
		return false
	}
	return l.period.SpentAmount < l.capEUR
}

// RecordUsage adds cost to the current period and writes the row through
// before releasing the lock. It returns the new running total.
func (l *Ledger) RecordUsage(ctx context.Context, cost float64) (float64, error) {
	if cost < 0 {
		return 0, fmt.Errorf("negative cost %v", cost)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLocked(ctx); err != nil {
		return 0, fmt.Errorf("load budget period: %w", err)
	}

	l.period.SpentAmount += cost
	l.period.UpdatedAt = l.now()
	stored, err := l.store.UpsertPeriod(ctx, l.period)
	if err != nil {
		return l.period.SpentAmount, fmt.Errorf("persist budget period: %w", err)
	}
	l.period = stored

	if !l.warned && l.period.SpentAmount >= l.warnEUR {
		l.warned = true
		l.log.WithFields(map[string]interface{}{
			"period":    l.period.PeriodKey,
			"spent_eur": l.period.SpentAmount,
			"warn_eur":  l.warnEUR,
		}).Warn("budget warn threshold crossed")
	}
	metrics.SetBudget(l.period.SpentAmount, l.capEUR)
	return l.period.SpentAmount, nil
}

// Status returns the read model for the current period. Crossing the warn
// threshold is observable here but never blocks calls; only the cap does.
func (l *Ledger) Status(ctx context.Context) budget.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLocked(ctx); err != nil {
		l.log.WithError(err).Error("budget state unavailable")
		return budget.Status{
			PeriodKey: budget.PeriodKeyAt(l.now()),
			Cap:       l.capEUR,
			Warn:      l.warnEUR,
		}
	}
	return budget.Status{
		PeriodKey: l.period.PeriodKey,
		Spent:     l.period.SpentAmount,
		Cap:       l.capEUR,
		Warn:      l.warnEUR,
		Warned:    l.period.SpentAmount >= l.warnEUR,
		Allowed:   l.period.SpentAmount < l.capEUR,
	}
}
