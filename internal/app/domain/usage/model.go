package usage

import "time"

// Mode labels which prompt variant consumed the tokens.
const (
	ModeConfession  = "confession"
	ModeQuickAnswer = "quick_answer"
)

// Event is one append-only attribution record for a successful provider
// call. Events exist for cost attribution and audits; the spending cap
// itself is enforced by the budget ledger, not by replaying events.
type Event struct {
	ID               string
	CallerID         string
	Mode             string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	CreatedAt        time.Time
}
