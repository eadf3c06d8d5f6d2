package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veiljournal/veil/internal/app/domain/budget"
	"github.com/veiljournal/veil/internal/app/domain/confession"
	"github.com/veiljournal/veil/internal/app/domain/tenant"
	"github.com/veiljournal/veil/internal/app/domain/usage"
	"github.com/veiljournal/veil/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development. Tenant isolation is enforced by partitioning checks on every
// scoped operation, mirroring the row policy the postgres store applies.
type Store struct {
	mu          sync.RWMutex
	nextID      int64
	budgets     map[string]budget.Period
	usageEvents []usage.Event
	confessions map[string]confession.Record
	order       []string
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:      1,
		budgets:     make(map[string]budget.Period),
		confessions: make(map[string]confession.Record),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// BudgetStore implementation --------------------------------------------------

func (s *Store) GetPeriod(_ context.Context, periodKey string) (budget.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.budgets[periodKey]
	if !ok {
		return budget.Period{}, fmt.Errorf("budget period %s: %w", periodKey, storage.ErrNotFound)
	}
	return p, nil
}

func (s *Store) UpsertPeriod(_ context.Context, p budget.Period) (budget.Period, error) {
	if p.PeriodKey == "" {
		return budget.Period{}, fmt.Errorf("upsert budget period: empty period key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.budgets[p.PeriodKey] = p
	return p, nil
}

// UsageEventStore implementation ----------------------------------------------

func (s *Store) InsertUsageEvent(_ context.Context, ev usage.Event) (usage.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = s.nextIDLocked()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.usageEvents = append(s.usageEvents, ev)
	return ev, nil
}

func (s *Store) ListRecentUsageEvents(_ context.Context, limit int) ([]usage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.usageEvents) {
		limit = len(s.usageEvents)
	}
	out := make([]usage.Event, 0, limit)
	for i := len(s.usageEvents) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.usageEvents[i])
	}
	return out, nil
}

// Scoped access ----------------------------------------------------------------

// RunScoped validates the tenant context, then runs fn against a staged view
// of the confession partition. Mutations apply to the store only when fn
// returns nil; any error discards the staged work, giving the same
// commit/rollback semantics as the transactional store.
func (s *Store) RunScoped(ctx context.Context, tctx tenant.Context, fn storage.UnitOfWork) error {
	if err := tctx.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &scopedTx{
		store:   s,
		tctx:    tctx,
		inserts: make(map[string]confession.Record),
		deletes: make(map[string]struct{}),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// scopedTx is one staged unit of work bound to a tenant context.
type scopedTx struct {
	store    *Store
	tctx     tenant.Context
	inserts  map[string]confession.Record
	insOrder []string
	deletes  map[string]struct{}
}

var _ storage.Scoped = (*scopedTx)(nil)
var _ storage.ConfessionStore = (*scopedTx)(nil)

func (t *scopedTx) Confessions() storage.ConfessionStore { return t }

func (t *scopedTx) visible(rec confession.Record) bool {
	return t.tctx.IsAdmin() || rec.OwnerID == t.tctx.CallerID
}

func (t *scopedTx) InsertConfession(_ context.Context, rec confession.Record) (confession.Record, error) {
	if rec.OwnerID == "" {
		rec.OwnerID = t.tctx.CallerID
	}
	if rec.OwnerID != t.tctx.CallerID && !t.tctx.IsAdmin() {
		return confession.Record{}, fmt.Errorf("insert confession: owner %s not permitted for caller %s", rec.OwnerID, t.tctx.CallerID)
	}

	t.store.mu.Lock()
	if rec.ID == "" {
		rec.ID = t.store.nextIDLocked()
	}
	_, exists := t.store.confessions[rec.ID]
	t.store.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Tags = cloneTags(rec.Tags)

	if _, staged := t.inserts[rec.ID]; staged || exists {
		return confession.Record{}, fmt.Errorf("confession %s already exists", rec.ID)
	}
	t.inserts[rec.ID] = rec
	t.insOrder = append(t.insOrder, rec.ID)
	return cloneRecord(rec), nil
}

func (t *scopedTx) GetConfession(_ context.Context, id string) (confession.Record, error) {
	if _, deleted := t.deletes[id]; deleted {
		return confession.Record{}, fmt.Errorf("confession %s: %w", id, storage.ErrNotFound)
	}
	if rec, staged := t.inserts[id]; staged {
		if !t.visible(rec) {
			return confession.Record{}, fmt.Errorf("confession %s: %w", id, storage.ErrNotFound)
		}
		return cloneRecord(rec), nil
	}

	t.store.mu.RLock()
	rec, ok := t.store.confessions[id]
	t.store.mu.RUnlock()

	if !ok || !t.visible(rec) {
		return confession.Record{}, fmt.Errorf("confession %s: %w", id, storage.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (t *scopedTx) ListConfessions(_ context.Context, limit, offset int) ([]confession.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	// Staged inserts are the newest rows, so they come first.
	var rows []confession.Record
	for i := len(t.insOrder) - 1; i >= 0; i-- {
		rec := t.inserts[t.insOrder[i]]
		if t.visible(rec) {
			rows = append(rows, rec)
		}
	}

	t.store.mu.RLock()
	for i := len(t.store.order) - 1; i >= 0; i-- {
		id := t.store.order[i]
		if _, deleted := t.deletes[id]; deleted {
			continue
		}
		rec, ok := t.store.confessions[id]
		if !ok || !t.visible(rec) {
			continue
		}
		rows = append(rows, rec)
	}
	t.store.mu.RUnlock()

	if offset >= len(rows) {
		return []confession.Record{}, nil
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]confession.Record, len(rows))
	for i := range rows {
		out[i] = cloneRecord(rows[i])
	}
	return out, nil
}

func (t *scopedTx) DeleteConfession(_ context.Context, id string) error {
	if _, deleted := t.deletes[id]; deleted {
		return fmt.Errorf("confession %s: %w", id, storage.ErrNotFound)
	}
	if rec, staged := t.inserts[id]; staged {
		if !t.visible(rec) {
			return fmt.Errorf("confession %s: %w", id, storage.ErrNotFound)
		}
		delete(t.inserts, id)
		for i, stagedID := range t.insOrder {
			if stagedID == id {
				t.insOrder = append(t.insOrder[:i], t.insOrder[i+1:]...)
				break
			}
		}
		return nil
	}

	t.store.mu.RLock()
	rec, ok := t.store.confessions[id]
	t.store.mu.RUnlock()

	if !ok || !t.visible(rec) {
		return fmt.Errorf("confession %s: %w", id, storage.ErrNotFound)
	}
	t.deletes[id] = struct{}{}
	return nil
}

// commit applies staged mutations to the backing store in one critical
// section: deletes first, then inserts in staging order.
func (t *scopedTx) commit() {
	if len(t.deletes) == 0 && len(t.inserts) == 0 {
		return
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if len(t.deletes) > 0 {
		kept := t.store.order[:0]
		for _, id := range t.store.order {
			if _, deleted := t.deletes[id]; deleted {
				delete(t.store.confessions, id)
				continue
			}
			kept = append(kept, id)
		}
		t.store.order = kept
	}
	for _, id := range t.insOrder {
		t.store.confessions[id] = t.inserts[id]
		t.store.order = append(t.store.order, id)
	}
}

func cloneTags(tags []string) []string {
	if tags == nil {
		return nil
	}
	out := make([]string, len(tags))
	copy(out, tags)
	return out
}

func cloneRecord(rec confession.Record) confession.Record {
	rec.Tags = cloneTags(rec.Tags)
	return rec
}
