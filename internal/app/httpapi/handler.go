// Package httpapi exposes the veil services over a small REST surface:
// confession analysis and retrieval, quick answers, budget status, and an
// admin view over usage events and governor decisions.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	app "github.com/veiljournal/veil/internal/app"
	"github.com/veiljournal/veil/internal/app/domain/confession"
	"github.com/veiljournal/veil/internal/app/domain/tenant"
	"github.com/veiljournal/veil/internal/app/domain/usage"
	"github.com/veiljournal/veil/internal/app/metrics"
	"github.com/veiljournal/veil/internal/app/storage"
)

// Options carries the request-surface settings the handler needs. The
// zero value serves unauthenticated-header auth with default rate limits.
type Options struct {
	// JWTSecret verifies bearer tokens when set; empty selects the trusted
	// header mode used in development and tests.
	JWTSecret string

	RatePerMinute int
	RateBurst     int
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app       *app.Application
	jwtSecret string
}

// NewHandler returns the router exposing the REST API.
func NewHandler(application *app.Application, opts Options) http.Handler {
	h := &handler{app: application, jwtSecret: opts.JWTSecret}
	limiter := newRateLimiter(opts.RatePerMinute, opts.RateBurst)

	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.authenticate)

		// The analysis endpoints are the only ones that can spend money,
		// so only they sit behind the limiter.
		r.Group(func(r chi.Router) {
			r.Use(limiter.handler)
			r.Post("/confessions", h.createConfession)
			r.Post("/quick-answers", h.quickAnswer)
		})

		r.Get("/confessions", h.listConfessions)
		r.Get("/confessions/{id}", h.getConfession)
		r.Delete("/confessions/{id}", h.deleteConfession)
		r.Get("/budget/status", h.budgetStatus)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/usage-events", h.usageEvents)
			r.Get("/audit", h.auditTrail)
			r.Get("/status", h.systemStatus)
		})
	})

	return metrics.InstrumentHandler(r)
}

type confessionRequest struct {
	Content string `json:"content"`
}

type confessionResponse struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Summary   string    `json:"summary"`
	Tags      []string  `json:"tags"`
	Intensity int       `json:"intensity"`
	Reply     string    `json:"reply"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

func toConfessionResponse(rec confession.Record) confessionResponse {
	return confessionResponse{
		ID:        rec.ID,
		Content:   rec.Content,
		Summary:   rec.Summary,
		Tags:      rec.Tags,
		Intensity: rec.Intensity,
		Reply:     rec.Reply,
		Source:    rec.Source,
		CreatedAt: rec.CreatedAt,
	}
}

type quickAnswerRequest struct {
	Question string `json:"question"`
}

type budgetStatusResponse struct {
	Period   string  `json:"period"`
	SpentEUR float64 `json:"spent_eur"`
	CapEUR   float64 `json:"cap_eur"`
	WarnEUR  float64 `json:"warn_eur"`
	Warned   bool    `json:"warned"`
	Allowed  bool    `json:"allowed"`
}

type usageEventResponse struct {
	ID               string    `json:"id"`
	CallerID         string    `json:"caller_id"`
	Mode             string    `json:"mode"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostEUR          float64   `json:"cost_eur"`
	CreatedAt        time.Time `json:"created_at"`
}

func toUsageEventResponse(ev usage.Event) usageEventResponse {
	return usageEventResponse{
		ID:               ev.ID,
		CallerID:         ev.CallerID,
		Mode:             ev.Mode,
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompletionTokens,
		CostEUR:          ev.Cost,
		CreatedAt:        ev.CreatedAt,
	}
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) createConfession(w http.ResponseWriter, r *http.Request) {
	tctx, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errMissingIdentity)
		return
	}

	var payload confessionRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.Content) == "" {
		writeError(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}

	// Analysis cannot fail; provider trouble degrades to the heuristic
	// path and is reported through Source, never as a 5xx.
	res := h.app.Governor.AnalyzeConfession(r.Context(), tctx.CallerID, payload.Content)

	var saved confession.Record
	err := h.app.Store.RunScoped(r.Context(), tctx, func(ctx context.Context, s storage.Scoped) error {
		var err error
		saved, err = s.Confessions().InsertConfession(ctx, confession.Record{
			Content:   payload.Content,
			Summary:   res.Summary,
			Tags:      res.Tags,
			Intensity: res.Intensity,
			Reply:     res.Reply,
			Source:    string(res.Source),
		})
		return err
	})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, toConfessionResponse(saved))
}

func (h *handler) listConfessions(w http.ResponseWriter, r *http.Request) {
	tctx, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errMissingIdentity)
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	var records []confession.Record
	err := h.app.Store.RunScoped(r.Context(), tctx, func(ctx context.Context, s storage.Scoped) error {
		var err error
		records, err = s.Confessions().ListConfessions(ctx, limit, offset)
		return err
	})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}

	out := make([]confessionResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toConfessionResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getConfession(w http.ResponseWriter, r *http.Request) {
	tctx, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errMissingIdentity)
		return
	}
	id := chi.URLParam(r, "id")

	var rec confession.Record
	err := h.app.Store.RunScoped(r.Context(), tctx, func(ctx context.Context, s storage.Scoped) error {
		var err error
		rec, err = s.Confessions().GetConfession(ctx, id)
		return err
	})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toConfessionResponse(rec))
}

func (h *handler) deleteConfession(w http.ResponseWriter, r *http.Request) {
	tctx, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errMissingIdentity)
		return
	}
	id := chi.URLParam(r, "id")

	err := h.app.Store.RunScoped(r.Context(), tctx, func(ctx context.Context, s storage.Scoped) error {
		return s.Confessions().DeleteConfession(ctx, id)
	})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) quickAnswer(w http.ResponseWriter, r *http.Request) {
	tctx, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errMissingIdentity)
		return
	}

	var payload quickAnswerRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	answer, err := h.app.Governor.QuickAnswer(r.Context(), tctx.CallerID, payload.Question)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

func (h *handler) budgetStatus(w http.ResponseWriter, r *http.Request) {
	st := h.app.Governor.BudgetStatus(r.Context())
	writeJSON(w, http.StatusOK, budgetStatusResponse{
		Period:   st.PeriodKey,
		SpentEUR: st.Spent,
		CapEUR:   st.Cap,
		WarnEUR:  st.Warn,
		Warned:   st.Warned,
		Allowed:  st.Allowed,
	})
}

func (h *handler) usageEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	events, err := h.app.Store.ListRecentUsageEvents(r.Context(), limit)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	out := make([]usageEventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, toUsageEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	writeJSON(w, http.StatusOK, h.app.Governor.Decisions(limit))
}

// errorStatus maps storage and tenant errors onto HTTP statuses. Absent and
// not-visible rows both surface as 404.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tenant.ErrInvalidContext):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
