// Package postgres implements the storage interfaces over PostgreSQL.
//
// Tenant isolation works in two layers. RunScoped binds the caller identity
// as transaction-local settings (veil.caller_id, veil.role) using bound
// parameters, and every scoped statement carries a policy predicate that
// compares owner_id against those settings. Identity therefore never appears
// in statement text, and a statement missing the predicate simply sees no
// rows for non-admin callers.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/veiljournal/veil/internal/app/domain/budget"
	"github.com/veiljournal/veil/internal/app/domain/confession"
	"github.com/veiljournal/veil/internal/app/domain/tenant"
	"github.com/veiljournal/veil/internal/app/domain/usage"
	"github.com/veiljournal/veil/internal/app/storage"
)

// rowPolicy is the visibility predicate appended to every scoped statement.
// It reads the transaction-local settings bound by RunScoped; outside a
// scoped transaction both settings are absent and the predicate matches
// nothing for non-admin reads.
const rowPolicy = `(owner_id = current_setting('veil.caller_id', true) OR current_setting('veil.role', true) = 'admin')`

// bindScope attaches the caller identity to the current transaction. The
// third argument makes the settings transaction-local: they vanish at commit
// or rollback and cannot leak across pooled connections.
const bindScope = `SELECT set_config('veil.caller_id', $1, true), set_config('veil.role', $2, true)`

// Store is the PostgreSQL-backed root storage handle.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New wraps an open database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- BudgetStore -------------------------------------------------------------

type budgetRow struct {
	PeriodKey   string    `db:"period_key"`
	SpentAmount float64   `db:"spent_eur"`
	CapAmount   float64   `db:"cap_eur"`
	WarnAmount  float64   `db:"warn_eur"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r budgetRow) toDomain() budget.Period {
	return budget.Period{
		PeriodKey:   r.PeriodKey,
		SpentAmount: r.SpentAmount,
		CapAmount:   r.CapAmount,
		WarnAmount:  r.WarnAmount,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (s *Store) GetPeriod(ctx context.Context, periodKey string) (budget.Period, error) {
	var row budgetRow
	err := s.db.GetContext(ctx, &row, `
		SELECT period_key, spent_eur, cap_eur, warn_eur, updated_at
		FROM budget_periods
		WHERE period_key = $1
	`, periodKey)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.Period{}, fmt.Errorf("budget period %s: %w", periodKey, storage.ErrNotFound)
	}
	if err != nil {
		return budget.Period{}, fmt.Errorf("get budget period %s: %w", periodKey, err)
	}
	return row.toDomain(), nil
}

func (s *Store) UpsertPeriod(ctx context.Context, p budget.Period) (budget.Period, error) {
	if p.PeriodKey == "" {
		return budget.Period{}, fmt.Errorf("upsert budget period: empty period key")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	var row budgetRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO budget_periods (period_key, spent_eur, cap_eur, warn_eur, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (period_key) DO UPDATE SET
			spent_eur = EXCLUDED.spent_eur,
			cap_eur = EXCLUDED.cap_eur,
			warn_eur = EXCLUDED.warn_eur,
			updated_at = EXCLUDED.updated_at
		RETURNING period_key, spent_eur, cap_eur, warn_eur, updated_at
	`, p.PeriodKey, p.SpentAmount, p.CapAmount, p.WarnAmount, p.UpdatedAt)
	if err != nil {
		return budget.Period{}, fmt.Errorf("upsert budget period %s: %w", p.PeriodKey, err)
	}
	return row.toDomain(), nil
}

// --- UsageEventStore ----------------------------------------------------------

type usageRow struct {
	ID               string    `db:"id"`
	CallerID         string    `db:"caller_id"`
	Mode             string    `db:"mode"`
	PromptTokens     int       `db:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens"`
	Cost             float64   `db:"cost_eur"`
	CreatedAt        time.Time `db:"created_at"`
}

func (r usageRow) toDomain() usage.Event {
	return usage.Event{
		ID:               r.ID,
		CallerID:         r.CallerID,
		Mode:             r.Mode,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		Cost:             r.Cost,
		CreatedAt:        r.CreatedAt,
	}
}

func (s *Store) InsertUsageEvent(ctx context.Context, ev usage.Event) (usage.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, caller_id, mode, prompt_tokens, completion_tokens, cost_eur, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.CallerID, ev.Mode, ev.PromptTokens, ev.CompletionTokens, ev.Cost, ev.CreatedAt)
	if err != nil {
		return usage.Event{}, fmt.Errorf("insert usage event: %w", err)
	}
	return ev, nil
}

func (s *Store) ListRecentUsageEvents(ctx context.Context, limit int) ([]usage.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []usageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, caller_id, mode, prompt_tokens, completion_tokens, cost_eur, created_at
		FROM usage_events
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}

	out := make([]usage.Event, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// --- Scoped access ------------------------------------------------------------

// RunScoped validates the tenant context, opens a transaction, binds the
// identity as transaction-local settings, and runs fn. fn's error is
// re-signaled unchanged after rollback so callers can match their own
// sentinel errors.
func (s *Store) RunScoped(ctx context.Context, tctx tenant.Context, fn storage.UnitOfWork) error {
	if err := tctx.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scoped transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, bindScope, tctx.CallerID, string(tctx.Role)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("bind tenant scope: %w", err)
	}

	if err := fn(ctx, &scopedTx{tx: tx, tctx: tctx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scoped transaction: %w", err)
	}
	return nil
}

// scopedTx is the storage surface available inside one scoped transaction.
type scopedTx struct {
	tx   *sqlx.Tx
	tctx tenant.Context
}

var _ storage.Scoped = (*scopedTx)(nil)
var _ storage.ConfessionStore = (*scopedTx)(nil)

func (t *scopedTx) Confessions() storage.ConfessionStore { return t }

type confessionRow struct {
	ID        string         `db:"id"`
	OwnerID   string         `db:"owner_id"`
	Content   string         `db:"content"`
	Summary   string         `db:"summary"`
	Tags      pq.StringArray `db:"tags"`
	Intensity int            `db:"intensity"`
	Reply     string         `db:"reply"`
	Source    string         `db:"source"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r confessionRow) toDomain() confession.Record {
	return confession.Record{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Content:   r.Content,
		Summary:   r.Summary,
		Tags:      []string(r.Tags),
		Intensity: r.Intensity,
		Reply:     r.Reply,
		Source:    r.Source,
		CreatedAt: r.CreatedAt,
	}
}

func (t *scopedTx) InsertConfession(ctx context.Context, rec confession.Record) (confession.Record, error) {
	if rec.OwnerID == "" {
		rec.OwnerID = t.tctx.CallerID
	}
	if rec.OwnerID != t.tctx.CallerID && !t.tctx.IsAdmin() {
		return confession.Record{}, fmt.Errorf("insert confession: owner %s not permitted for caller %s", rec.OwnerID, t.tctx.CallerID)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO confessions (id, owner_id, content, summary, tags, intensity, reply, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.OwnerID, rec.Content, rec.Summary, pq.Array(rec.Tags), rec.Intensity, rec.Reply, rec.Source, rec.CreatedAt)
	if err != nil {
		return confession.Record{}, fmt.Errorf("insert confession: %w", err)
	}
	return rec, nil
}

func (t *scopedTx) GetConfession(ctx context.Context, id string) (confession.Record, error) {
	var row confessionRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT id, owner_id, content, summary, tags, intensity, reply, source, created_at
		FROM confessions
		WHERE id = $1 AND `+rowPolicy+`
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		// Absent and not-visible deliberately read the same.
		return confession.Record{}, fmt.Errorf("confession %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return confession.Record{}, fmt.Errorf("get confession %s: %w", id, err)
	}
	return row.toDomain(), nil
}

func (t *scopedTx) ListConfessions(ctx context.Context, limit, offset int) ([]confession.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var rows []confessionRow
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT id, owner_id, content, summary, tags, intensity, reply, source, created_at
		FROM confessions
		WHERE `+rowPolicy+`
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list confessions: %w", err)
	}

	out := make([]confession.Record, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (t *scopedTx) DeleteConfession(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM confessions
		WHERE id = $1 AND `+rowPolicy+`
	`, id)
	if err != nil {
		return fmt.Errorf("delete confession %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete confession %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("confession %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
