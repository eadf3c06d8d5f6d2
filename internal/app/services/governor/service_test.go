package governor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/veiljournal/veil/internal/app/domain/analysis"
	"github.com/veiljournal/veil/internal/app/domain/usage"
	"github.com/veiljournal/veil/internal/app/services/heuristic"
	"github.com/veiljournal/veil/internal/app/services/inference"
	"github.com/veiljournal/veil/internal/app/storage/memory"
)

const modelPayload = `{"summary":"Une journée éprouvante au travail.","tags":["tristesse","fatigue"],"intensity":6,"reply":"Courage, cette fatigue ne durera pas toujours."}`

type stubInference struct {
	res     inference.CompletionResult
	err     error
	calls   int
	lastReq inference.CompletionRequest
	// hook runs after the call is counted, before returning. Tests use it
	// to cancel the request context mid-call.
	hook func()
}

func (s *stubInference) Complete(_ context.Context, req inference.CompletionRequest) (inference.CompletionResult, error) {
	s.calls++
	s.lastReq = req
	if s.hook != nil {
		s.hook()
	}
	if s.err != nil {
		return inference.CompletionResult{}, s.err
	}
	return s.res, nil
}

type stubModerator struct {
	verdict analysis.ModerationVerdict
	err     error
	calls   int
}

func (m *stubModerator) Classify(context.Context, string) (analysis.ModerationVerdict, error) {
	m.calls++
	if m.err != nil {
		return analysis.ModerationVerdict{}, m.err
	}
	return m.verdict, nil
}

type fixture struct {
	svc    *Service
	store  *memory.Store
	cache  Cache
	ledger *Ledger
}

// newFixture wires a governor over in-memory collaborators with a 20 EUR cap
// and a pinned reply picker, so degraded replies are deterministic.
func newFixture(t *testing.T, inf Inference, mod Moderator) *fixture {
	t.Helper()
	store := memory.New()
	ledger, err := NewLedger(context.Background(), store, 20, 18, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	cache := NewMemoryCache(16)
	svc, err := New(Deps{
		Cache:     cache,
		Ledger:    ledger,
		Inference: inf,
		Moderator: mod,
		Heuristic: heuristic.New(func(int) int { return 0 }),
		Usage:     store,
		Trail:     NewTrail(32, nil),
	}, Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{svc: svc, store: store, cache: cache, ledger: ledger}
}

func (f *fixture) lastDecision(t *testing.T) Decision {
	t.Helper()
	ds := f.svc.Decisions(0)
	if len(ds) == 0 {
		t.Fatal("no decisions recorded")
	}
	return ds[len(ds)-1]
}

func (f *fixture) usageEvents(t *testing.T) []usage.Event {
	t.Helper()
	evs, err := f.store.ListRecentUsageEvents(context.Background(), 100)
	if err != nil {
		t.Fatalf("ListRecentUsageEvents: %v", err)
	}
	return evs
}

func assertValid(t *testing.T, a analysis.Analysis) {
	t.Helper()
	if strings.TrimSpace(a.Summary) == "" || strings.TrimSpace(a.Reply) == "" {
		t.Fatalf("analysis missing mandatory fields: %+v", a)
	}
	if len(a.Tags) == 0 || len(a.Tags) > analysis.MaxTags {
		t.Fatalf("tag count %d out of bounds", len(a.Tags))
	}
	if a.Intensity < analysis.MinIntensity || a.Intensity > analysis.MaxIntensity {
		t.Fatalf("intensity %d out of bounds", a.Intensity)
	}
	if a.Source != analysis.SourceAI && a.Source != analysis.SourceHeuristic {
		t.Fatalf("unknown source %q", a.Source)
	}
}

func TestAnalyzeConfessionPrimaryPath(t *testing.T) {
	ctx := context.Background()
	inf := &stubInference{res: inference.CompletionResult{Text: modelPayload, InputTokens: 1000, OutputTokens: 500}}
	f := newFixture(t, inf, &stubModerator{})

	a := f.svc.AnalyzeConfession(ctx, "caller-a", "Je suis épuisé par cette semaine.")
	assertValid(t, a)
	if a.Source != analysis.SourceAI {
		t.Fatalf("source = %q, want ai", a.Source)
	}
	if a.Summary != "Une journée éprouvante au travail." || a.Intensity != 6 {
		t.Fatalf("model fields not carried through: %+v", a)
	}
	if inf.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", inf.calls)
	}
	if inf.lastReq.MaxTokens != 400 {
		t.Fatalf("analysis token budget = %d, want default 400", inf.lastReq.MaxTokens)
	}

	wantCost := usageCost(1000, 500)
	if got := f.svc.BudgetStatus(ctx).Spent; got != wantCost {
		t.Fatalf("spent = %v, want %v", got, wantCost)
	}
	if f.cache.Len() != 1 {
		t.Fatalf("cache Len = %d, want 1", f.cache.Len())
	}

	evs := f.usageEvents(t)
	if len(evs) != 1 {
		t.Fatalf("usage events = %d, want 1", len(evs))
	}
	ev := evs[0]
	if ev.CallerID != "caller-a" || ev.Mode != usage.ModeConfession || ev.PromptTokens != 1000 || ev.CompletionTokens != 500 || ev.Cost != wantCost {
		t.Fatalf("usage event = %+v", ev)
	}

	d := f.lastDecision(t)
	if d.Outcome != outcomePrimary || d.CacheHit || d.CostEUR != wantCost {
		t.Fatalf("decision = %+v", d)
	}
}

func TestAnalyzeConfessionCacheHit(t *testing.T) {
	ctx := context.Background()
	inf := &stubInference{res: inference.CompletionResult{Text: modelPayload, InputTokens: 1000, OutputTokens: 500}}
	f := newFixture(t, inf, &stubModerator{})

	first := f.svc.AnalyzeConfession(ctx, "caller-a", "Je suis épuisé par cette semaine.")
	second := f.svc.AnalyzeConfession(ctx, "caller-a", "Je suis épuisé par cette semaine.")

	if inf.calls != 1 {
		t.Fatalf("provider calls = %d, want 1 (second request must hit the cache)", inf.calls)
	}
	if second.Source != analysis.SourceAI || second.Summary != first.Summary {
		t.Fatalf("cache hit lost provenance or content: %+v", second)
	}
	if got := f.svc.BudgetStatus(ctx).Spent; got != usageCost(1000, 500) {
		t.Fatalf("cache hit charged the ledger: spent = %v", got)
	}

	d := f.lastDecision(t)
	if d.Outcome != outcomeCacheHit || !d.CacheHit {
		t.Fatalf("decision = %+v", d)
	}
}

func TestAnalyzeConfessionCacheKeyNormalization(t *testing.T) {
	ctx := context.Background()
	inf := &stubInference{res: inference.CompletionResult{Text: modelPayload, InputTokens: 10, OutputTokens: 10}}
	f := newFixture(t, inf, &stubModerator{})

	f.svc.AnalyzeConfession(ctx, "caller-a", "je suis triste ce soir")
	f.svc.AnalyzeConfession(ctx, "caller-a", "  JE SUIS TRISTE CE SOIR  ")
	if inf.calls != 1 {
		t.Fatalf("provider calls = %d, want 1 (case and padding must share a cache entry)", inf.calls)
	}

	// A different caller with identical content must miss: entries are
	// per-caller so one user's text never leaks into another's responses.
	f.svc.AnalyzeConfession(ctx, "caller-b", "je suis triste ce soir")
	if inf.calls != 2 {
		t.Fatalf("provider calls = %d, want 2 (cache must not cross callers)", inf.calls)
	}
}

func TestAnalyzeConfessionFlagged(t *testing.T) {
	ctx := context.Background()
	inf := &stubInference{res: inference.CompletionResult{Text: modelPayload}}
	mod := &stubModerator{verdict: analysis.ModerationVerdict{Flagged: true, Reason: "self-harm"}}
	f := newFixture(t, inf, mod)

	a := f.svc.AnalyzeConfession(ctx, "caller-a", "contenu signalé")
	assertValid(t, a)
	if a.Source != analysis.SourceHeuristic {
		t.Fatalf("flagged content analyzed with source %q, want heuristic", a.Source)
	}
	if inf.calls != 0 {
		t.Fatal("flagged content reached the provider")
	}
	if f.cache.Len() != 0 {
		t.Fatal("flagged content reached the cache")
	}
	if got := f.svc.BudgetStatus(ctx).Spent; got != 0 {
		t.Fatalf("flagged content charged the ledger: %v", got)
	}

	d := f.lastDecision(t)
	if d.Outcome != outcomeFlagged || !d.Flagged {
		t.Fatalf("decision = %+v", d)
	}
}

func TestAnalyzeConfessionModerationFailOpen(t *testing.T) {
	ctx := context.Background()
	inf := &stubInference{res: inference.CompletionResult{Text: modelPayload, InputTokens: 10, OutputTokens: 10}}
	mod := &stubModerator{err: errors.New("classifier down")}
	f := newFixture(t, inf, mod)

	a := f.svc.AnalyzeConfession(ctx, "caller-a", "Je suis triste.")
	if a.Source != analysis.SourceAI {
		t.Fatalf("moderation outage must fail open, got source %q", a.Source)
	}
	if mod.calls != 1 || inf.calls != 1 {
		t.Fatalf("calls: moderator %d, provider %d; want 1 and 1", mod.calls, inf.calls)
	}
}

func TestAnalyzeConfessionOverCap(t *testing.T) {
	ctx := context.Background()
	inf := &stubInference{res: inference.CompletionResult{Text: modelPayload}}
	f := newFixture(t, inf, &stubModerator{})

	if _, err := f.ledger.RecordUsage(ctx, 25); err != nil {
		t.Fatalf("seed spend: %v", err)
	}

	a := f.svc.AnalyzeConfession(ctx, "caller-a", "Je suis triste.")
	assertValid(t, a)
	if a.Source != analysis.SourceHeuristic {
		t.Fatalf("over-cap analysis source = %q, want heuristic", a.Source)
	}
	if inf.calls != 0 {
		t.Fatal("provider called over cap")
	}
	if f.cache.Len() != 0 {
		t.Fatal("degraded result was cached")
	}
	if d := f.lastDecision(t); d.Outcome != outcomeOverCap {
		t.Fatalf("decision = %+v", d)
	}
}

func TestAnalyzeConfessionProviderError(t *testing.T) {
	ctx := context.Background()
	inf := &stubInference{err: &inference.ProviderError{StatusCode: 503, Message: "overloaded"}}
	f := newFixture(t, inf, &stubModerator{})

	a := f.svc.AnalyzeConfession(ctx, "caller-a", "Je suis triste.")
	assertValid(t, a)
	if a.Source != analysis.SourceHeuristic {
		t.Fatalf("source = %q, want heuristic", a.Source)
	}
	if got := f.svc.BudgetStatus(ctx).Spent; got != 0 {
		t.Fatalf("failed call charged the ledger: %v", got)
	}
	if f.cache.Len() != 0 {
		t.Fatal("degraded result was cached")
	}
	if evs := f.usageEvents(t); len(evs) != 0 {
		t.Fatalf("failed call appended %d usage events", len(evs))
	}
	if d := f.lastDecision(t); d.Outcome != outcomeProviderError {
		t.Fatalf("decision = %+v", d)
	}
}

func TestAnalyzeConfessionBadPayloadStillCharges(t *testing.T) {
	ctx := context.Background()
	inf := &stubInference{res: inference.CompletionResult{Text: "Je ne peux pas analyser cela.", InputTokens: 800, OutputTokens: 10}}
	f := newFixture(t, inf, &stubModerator{})

	a := f.svc.AnalyzeConfession(ctx, "caller-a", "Je suis triste.")
	assertValid(t, a)
	if a.Source != analysis.SourceHeuristic {
		t.Fatalf("source = %q, want heuristic", a.Source)
	}

	// The call succeeded, so its cost is real and must be recorded even
	// though the reply was unusable. Only the cache write is skipped.
	wantCost := usageCost(800, 10)
	if got := f.svc.BudgetStatus(ctx).Spent; got != wantCost {
		t.Fatalf("spent = %v, want %v", got, wantCost)
	}
	if evs := f.usageEvents(t); len(evs) != 1 {
		t.Fatalf("usage events = %d, want 1", len(evs))
	}
	if f.cache.Len() != 0 {
		t.Fatal("unusable reply was cached")
	}
	d := f.lastDecision(t)
	if d.Outcome != outcomeBadPayload || d.CostEUR != wantCost {
		t.Fatalf("decision = %+v", d)
	}
}

func TestAnalyzeConfessionCancelledBeforeCall(t *testing.T) {
	inf := &stubInference{res: inference.CompletionResult{Text: modelPayload}}
	f := newFixture(t, inf, &stubModerator{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := f.svc.AnalyzeConfession(ctx, "caller-a", "Je suis triste.")
	assertValid(t, a)
	if a.Source != analysis.SourceHeuristic {
		t.Fatalf("source = %q, want heuristic", a.Source)
	}
	if inf.calls != 0 {
		t.Fatal("provider called on a dead context")
	}
	if d := f.lastDecision(t); d.Outcome != outcomeCancelled {
		t.Fatalf("decision = %+v", d)
	}
}

func TestAnalyzeConfessionCancelledMidCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inf := &stubInference{err: context.Canceled, hook: cancel}
	f := newFixture(t, inf, &stubModerator{})

	a := f.svc.AnalyzeConfession(ctx, "caller-a", "Je suis triste.")
	if a.Source != analysis.SourceHeuristic {
		t.Fatalf("source = %q, want heuristic", a.Source)
	}
	if got := f.svc.BudgetStatus(context.Background()).Spent; got != 0 {
		t.Fatalf("cancelled call charged the ledger: %v", got)
	}
	if evs := f.usageEvents(t); len(evs) != 0 {
		t.Fatalf("cancelled call appended %d usage events", len(evs))
	}
	if d := f.lastDecision(t); d.Outcome != outcomeCancelled {
		t.Fatalf("decision = %+v", d)
	}
}

func TestAnalyzeConfessionEmptyInput(t *testing.T) {
	ctx := context.Background()
	inf := &stubInference{res: inference.CompletionResult{Text: modelPayload}}
	mod := &stubModerator{}
	f := newFixture(t, inf, mod)

	for _, content := range []string{"", "   ", "\n\t"} {
		a := f.svc.AnalyzeConfession(ctx, "caller-a", content)
		assertValid(t, a)
		if a.Source != analysis.SourceHeuristic {
			t.Fatalf("empty input source = %q, want heuristic", a.Source)
		}
	}
	if mod.calls != 0 || inf.calls != 0 {
		t.Fatalf("empty input reached collaborators: moderator %d, provider %d", mod.calls, inf.calls)
	}
	if d := f.lastDecision(t); d.Outcome != outcomeEmptyInput {
		t.Fatalf("decision = %+v", d)
	}
}

func TestAnalyzeConfessionUnconfigured(t *testing.T) {
	f := newFixture(t, nil, &stubModerator{})

	a := f.svc.AnalyzeConfession(context.Background(), "caller-a", "Je suis triste.")
	assertValid(t, a)
	if a.Source != analysis.SourceHeuristic {
		t.Fatalf("source = %q, want heuristic", a.Source)
	}
	if d := f.lastDecision(t); d.Outcome != outcomeUnconfigured {
		t.Fatalf("decision = %+v", d)
	}
}

func TestAnalyzeConfessionUndecodableCacheEntry(t *testing.T) {
	ctx := context.Background()
	inf := &stubInference{res: inference.CompletionResult{Text: modelPayload, InputTokens: 10, OutputTokens: 10}}
	f := newFixture(t, inf, &stubModerator{})

	content := "Je suis triste ce soir."
	fp := fingerprint("caller-a", content, confessionSystemPrompt)
	f.cache.Put(ctx, fp, "pas du json", time.Minute)

	a := f.svc.AnalyzeConfession(ctx, "caller-a", content)
	if a.Source != analysis.SourceAI {
		t.Fatalf("source = %q, want ai (corrupt entry must fall through to the provider)", a.Source)
	}
	if inf.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", inf.calls)
	}

	// The successful result overwrites the corrupt entry.
	raw, ok := f.cache.Get(ctx, fp)
	if !ok {
		t.Fatal("entry missing after refresh")
	}
	if _, ok := decodeAnalysis(raw); !ok {
		t.Fatal("cache still holds an undecodable entry")
	}
}

func TestQuickAnswerPrimaryAndCache(t *testing.T) {
	ctx := context.Background()
	inf := &stubInference{res: inference.CompletionResult{Text: "  Bois un grand verre d'eau et respire.  ", InputTokens: 100, OutputTokens: 20}}
	f := newFixture(t, inf, &stubModerator{})

	answer, err := f.svc.QuickAnswer(ctx, "caller-a", "Comment me calmer avant de dormir ?")
	if err != nil {
		t.Fatalf("QuickAnswer: %v", err)
	}
	if answer != "Bois un grand verre d'eau et respire." {
		t.Fatalf("answer = %q, want trimmed provider text", answer)
	}
	if inf.lastReq.MaxTokens != 150 {
		t.Fatalf("quick token budget = %d, want default 150", inf.lastReq.MaxTokens)
	}

	again, err := f.svc.QuickAnswer(ctx, "caller-a", "Comment me calmer avant de dormir ?")
	if err != nil || again != answer {
		t.Fatalf("second answer = %q, %v; want cache hit with identical text", again, err)
	}
	if inf.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", inf.calls)
	}

	evs := f.usageEvents(t)
	if len(evs) != 1 || evs[0].Mode != usage.ModeQuickAnswer {
		t.Fatalf("usage events = %+v", evs)
	}
	if got := f.svc.BudgetStatus(ctx).Spent; got != usageCost(100, 20) {
		t.Fatalf("spent = %v, want %v", got, usageCost(100, 20))
	}
}

func TestQuickAnswerEmptyQuestion(t *testing.T) {
	f := newFixture(t, &stubInference{}, &stubModerator{})
	if _, err := f.svc.QuickAnswer(context.Background(), "caller-a", "   "); err == nil {
		t.Fatal("empty question accepted")
	}
}

func TestQuickAnswerDegradesToTemplate(t *testing.T) {
	ctx := context.Background()
	inf := &stubInference{err: errors.New("connection refused")}
	f := newFixture(t, inf, &stubModerator{})

	answer, err := f.svc.QuickAnswer(ctx, "caller-a", "Comment me calmer ?")
	if err != nil {
		t.Fatalf("degraded quick answer returned error: %v", err)
	}
	// The fixture pins the reply picker, so the degraded answer is exactly
	// the analyzer's first template.
	if want := heuristic.New(func(int) int { return 0 }).Reply(); answer != want {
		t.Fatalf("answer = %q, want %q", answer, want)
	}
	if f.cache.Len() != 0 {
		t.Fatal("degraded answer was cached")
	}
	if d := f.lastDecision(t); d.Outcome != outcomeProviderError {
		t.Fatalf("decision = %+v", d)
	}
}

func TestQuickAnswerBlankReplyDegrades(t *testing.T) {
	ctx := context.Background()
	inf := &stubInference{res: inference.CompletionResult{Text: "   ", InputTokens: 50, OutputTokens: 1}}
	f := newFixture(t, inf, &stubModerator{})

	answer, err := f.svc.QuickAnswer(ctx, "caller-a", "Comment me calmer ?")
	if err != nil || strings.TrimSpace(answer) == "" {
		t.Fatalf("blank provider reply must degrade to a template, got %q, %v", answer, err)
	}
	// Blank output still consumed tokens.
	if got := f.svc.BudgetStatus(ctx).Spent; got != usageCost(50, 1) {
		t.Fatalf("spent = %v, want %v", got, usageCost(50, 1))
	}
	if d := f.lastDecision(t); d.Outcome != outcomeBadPayload {
		t.Fatalf("decision = %+v", d)
	}
}

func TestDegradedResultsAlwaysValid(t *testing.T) {
	ctx := context.Background()
	inf := &stubInference{err: errors.New("down")}
	f := newFixture(t, inf, &stubModerator{})

	inputs := []string{
		"Je suis triste, anxieux, en colère, j'ai peur et je me sens seul.",
		"Tout va bien aujourd'hui !",
		strings.Repeat("émotions ", 300),
		"42",
	}
	for _, in := range inputs {
		assertValid(t, f.svc.AnalyzeConfession(ctx, "caller-a", in))
	}
}

func TestNewRequiresLedger(t *testing.T) {
	if _, err := New(Deps{}, Config{}, nil); err == nil {
		t.Fatal("governor built without a ledger")
	}
}
