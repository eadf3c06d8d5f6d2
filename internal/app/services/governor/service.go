// Package governor wraps the metered external inference call with a
// moderation gate, a deduplicating response cache, a monthly spending cap,
// and a deterministic heuristic fallback. Analysis requests never fail on
// AI infrastructure trouble; they degrade.
package governor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/veiljournal/veil/internal/app/domain/analysis"
	"github.com/veiljournal/veil/internal/app/domain/budget"
	"github.com/veiljournal/veil/internal/app/domain/usage"
	"github.com/veiljournal/veil/internal/app/metrics"
	"github.com/veiljournal/veil/internal/app/services/heuristic"
	"github.com/veiljournal/veil/internal/app/services/inference"
	"github.com/veiljournal/veil/internal/app/storage"
	"github.com/veiljournal/veil/pkg/logger"
)

// Inference is the primary-path capability the governor drives.
type Inference interface {
	Complete(ctx context.Context, req inference.CompletionRequest) (inference.CompletionResult, error)
}

// Moderator gates content before it reaches the cache or the provider.
type Moderator interface {
	Classify(ctx context.Context, text string) (analysis.ModerationVerdict, error)
}

// Decision outcomes recorded on the audit trail.
const (
	outcomePrimary       = "primary"
	outcomeCacheHit      = "cache_hit"
	outcomeEmptyInput    = "empty_input"
	outcomeFlagged       = "flagged"
	outcomeOverCap       = "over_cap"
	outcomeUnconfigured  = "unconfigured"
	outcomeCancelled     = "cancelled"
	outcomeProviderError = "provider_error"
	outcomeBadPayload    = "bad_payload"
)

// Config tunes the primary path.
type Config struct {
	CacheTTL          time.Duration
	Temperature       float64
	AnalysisMaxTokens int
	QuickMaxTokens    int
}

func (c *Config) applyDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	if c.AnalysisMaxTokens <= 0 {
		c.AnalysisMaxTokens = 400
	}
	if c.QuickMaxTokens <= 0 {
		c.QuickMaxTokens = 150
	}
}

// Deps are the collaborators a Service composes. Inference and Moderator may
// be nil: a nil Inference disables the primary path entirely, and a nil
// Moderator leaves the gate permanently open. Usage and Trail are optional
// observability hooks.
type Deps struct {
	Cache     Cache
	Ledger    *Ledger
	Inference Inference
	Moderator Moderator
	Heuristic *heuristic.Analyzer
	Usage     storage.UsageEventStore
	Trail     *Trail
}

// Service is the AI usage governor. All methods are safe for concurrent use.
type Service struct {
	cfg       Config
	cache     Cache
	ledger    *Ledger
	inference Inference
	moderator Moderator
	heuristic *heuristic.Analyzer
	usage     storage.UsageEventStore
	trail     *Trail
	log       *logger.Logger
}

// New assembles a governor. The ledger is the one collaborator without a
// sensible default; everything else is defaulted when nil.
func New(deps Deps, cfg Config, log *logger.Logger) (*Service, error) {
	if deps.Ledger == nil {
		return nil, fmt.Errorf("budget ledger required")
	}
	if log == nil {
		log = logger.NewDefault("governor")
	}
	if deps.Cache == nil {
		deps.Cache = NewMemoryCache(0)
	}
	if deps.Heuristic == nil {
		deps.Heuristic = heuristic.New(nil)
	}
	cfg.applyDefaults()

	if deps.Inference == nil {
		log.Warn("no inference client configured, serving heuristic results only")
	}
	if deps.Moderator == nil {
		log.Warn("no moderation client configured, gate is permanently open")
	}

	return &Service{
		cfg:       cfg,
		cache:     deps.Cache,
		ledger:    deps.Ledger,
		inference: deps.Inference,
		moderator: deps.Moderator,
		heuristic: deps.Heuristic,
		usage:     deps.Usage,
		trail:     deps.Trail,
		log:       log,
	}, nil
}

// AnalyzeConfession runs the gate -> cache -> budget -> provider pipeline
// for one confession. It never returns an error: every terminal path yields
// a structurally valid Analysis, falling back to the local analyzer when the
// primary path is unavailable or disallowed. Provenance is carried in
// Analysis.Source.
func (s *Service) AnalyzeConfession(ctx context.Context, callerID, content string) analysis.Analysis {
	d := Decision{Time: time.Now().UTC(), CallerID: callerID, Mode: usage.ModeConfession}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		d.Outcome = outcomeEmptyInput
		return s.degradeAnalysis(&d, content)
	}

	if verdict := s.moderate(ctx, trimmed); verdict.Flagged {
		d.Flagged = true
		d.Outcome = outcomeFlagged
		s.log.WithFields(map[string]interface{}{
			"caller_id": callerID,
			"reason":    verdict.Reason,
		}).Info("content flagged, analyzing locally")
		return s.degradeAnalysis(&d, content)
	}

	fp := fingerprint(callerID, trimmed, confessionSystemPrompt)
	if raw, ok := s.cache.Get(ctx, fp); ok {
		if a, ok := decodeAnalysis(raw); ok {
			metrics.RecordCacheEvent("hit")
			d.CacheHit = true
			d.Source = string(a.Source)
			d.Outcome = outcomeCacheHit
			s.finish(d)
			return a
		}
		s.log.Debug("undecodable cache entry treated as miss")
	}
	metrics.RecordCacheEvent("miss")

	text, ok := s.callProvider(ctx, &d, inference.CompletionRequest{
		SystemPrompt: confessionSystemPrompt,
		UserPrompt:   trimmed,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.AnalysisMaxTokens,
	})
	if !ok {
		return s.degradeAnalysis(&d, content)
	}

	a, ok := parseModelAnalysis(text)
	if !ok {
		d.Outcome = outcomeBadPayload
		s.log.Warn("model reply missing mandatory fields, analyzing locally")
		return s.degradeAnalysis(&d, content)
	}

	s.cache.Put(context.WithoutCancel(ctx), fp, encodeAnalysis(a), s.cfg.CacheTTL)
	d.Source = string(analysis.SourceAI)
	d.Outcome = outcomePrimary
	s.finish(d)
	return a
}

// QuickAnswer answers one short free-form question. It shares the cache,
// budget, and degradation machinery with AnalyzeConfession; only the prompt
// pair, the token budget, and the result shape differ. The returned error is
// non-nil only for empty input; infrastructure trouble degrades to one of
// the fixed empathetic templates.
func (s *Service) QuickAnswer(ctx context.Context, callerID, question string) (string, error) {
	trimmed := strings.TrimSpace(question)
	if trimmed == "" {
		return "", fmt.Errorf("question required")
	}

	d := Decision{Time: time.Now().UTC(), CallerID: callerID, Mode: usage.ModeQuickAnswer}

	if verdict := s.moderate(ctx, trimmed); verdict.Flagged {
		d.Flagged = true
		d.Outcome = outcomeFlagged
		return s.degradeQuick(&d), nil
	}

	fp := fingerprint(callerID, trimmed, quickSystemPrompt)
	if answer, ok := s.cache.Get(ctx, fp); ok && strings.TrimSpace(answer) != "" {
		metrics.RecordCacheEvent("hit")
		d.CacheHit = true
		d.Source = string(analysis.SourceAI)
		d.Outcome = outcomeCacheHit
		s.finish(d)
		return answer, nil
	}
	metrics.RecordCacheEvent("miss")

	text, ok := s.callProvider(ctx, &d, inference.CompletionRequest{
		SystemPrompt: quickSystemPrompt,
		UserPrompt:   trimmed,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.QuickMaxTokens,
	})
	if !ok {
		return s.degradeQuick(&d), nil
	}

	answer := strings.TrimSpace(text)
	if answer == "" {
		d.Outcome = outcomeBadPayload
		return s.degradeQuick(&d), nil
	}

	s.cache.Put(context.WithoutCancel(ctx), fp, answer, s.cfg.CacheTTL)
	d.Source = string(analysis.SourceAI)
	d.Outcome = outcomePrimary
	s.finish(d)
	return answer, nil
}

// BudgetStatus exposes the ledger's read model to callers.
func (s *Service) BudgetStatus(ctx context.Context) budget.Status {
	return s.ledger.Status(ctx)
}

// Decisions returns up to limit recent governor decisions, oldest first.
func (s *Service) Decisions(limit int) []Decision {
	return s.trail.Recent(limit)
}

// callProvider runs the budget gate and the external call, then the
// post-success bookkeeping. Bookkeeping runs on a context detached from
// cancellation: once cost is incurred, the ledger write, the usage event,
// and any subsequent cache write must not be torn by the caller hanging up.
// A false return means the caller must degrade; d.Outcome says why.
func (s *Service) callProvider(ctx context.Context, d *Decision, req inference.CompletionRequest) (string, bool) {
	if s.inference == nil {
		d.Outcome = outcomeUnconfigured
		return "", false
	}
	if !s.ledger.Allowed(ctx) {
		d.Outcome = outcomeOverCap
		s.log.WithField("caller_id", d.CallerID).Info("budget cap reached, analyzing locally")
		return "", false
	}
	if ctx.Err() != nil {
		d.Outcome = outcomeCancelled
		return "", false
	}

	res, err := s.inference.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			d.Outcome = outcomeCancelled
			metrics.RecordProviderCall(d.Mode, "cancelled")
		} else {
			d.Outcome = outcomeProviderError
			metrics.RecordProviderCall(d.Mode, "error")
		}
		s.log.WithError(err).Warn("inference call failed, analyzing locally")
		return "", false
	}
	metrics.RecordProviderCall(d.Mode, "success")

	bctx := context.WithoutCancel(ctx)
	cost := usageCost(res.InputTokens, res.OutputTokens)
	d.CostEUR = cost
	metrics.AddProviderCost(cost)
	if _, err := s.ledger.RecordUsage(bctx, cost); err != nil {
		s.log.WithError(err).Error("usage recording failed")
	}
	s.appendUsageEvent(bctx, d, res, cost)
	return res.Text, true
}

// moderate runs the gate. Any classifier failure is fail-open: keeping the
// journal available outweighs moderation strictness when infrastructure
// misbehaves. Flagged content never reaches cache or provider.
func (s *Service) moderate(ctx context.Context, text string) analysis.ModerationVerdict {
	if s.moderator == nil {
		return analysis.ModerationVerdict{}
	}
	verdict, err := s.moderator.Classify(ctx, text)
	if err != nil {
		metrics.RecordModerationFailOpen()
		s.log.WithError(err).Warn("moderation unavailable, continuing unmoderated")
		return analysis.ModerationVerdict{}
	}
	return verdict
}

func (s *Service) degradeAnalysis(d *Decision, content string) analysis.Analysis {
	a := s.heuristic.Analyze(content)
	d.Source = string(a.Source)
	s.finish(*d)
	return a
}

func (s *Service) degradeQuick(d *Decision) string {
	d.Source = string(analysis.SourceHeuristic)
	s.finish(*d)
	return s.heuristic.Reply()
}

func (s *Service) finish(d Decision) {
	metrics.RecordAnalysis(d.Mode, d.Source)
	s.trail.Record(d)
}

func (s *Service) appendUsageEvent(ctx context.Context, d *Decision, res inference.CompletionResult, cost float64) {
	if s.usage == nil {
		return
	}
	_, err := s.usage.InsertUsageEvent(ctx, usage.Event{
		CallerID:         d.CallerID,
		Mode:             d.Mode,
		PromptTokens:     res.InputTokens,
		CompletionTokens: res.OutputTokens,
		Cost:             cost,
	})
	if err != nil {
		s.log.WithError(err).Warn("usage event append failed")
	}
}
