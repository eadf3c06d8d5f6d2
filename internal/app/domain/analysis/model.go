package analysis

// Source identifies which path produced an analysis.
type Source string

const (
	// SourceAI marks results produced by the external inference provider.
	SourceAI Source = "ai"
	// SourceHeuristic marks results produced by the local fallback analyzer.
	SourceHeuristic Source = "heuristic"
)

// Tag and intensity bounds shared by every path that produces an Analysis.
// Intensity is clamped to the same range whether it was computed locally or
// reported by the model.
const (
	MaxTags      = 4
	MinIntensity = 1
	MaxIntensity = 10
)

// Analysis is the structured result of analyzing one confession. It is
// created once per request and never mutated afterwards. Tags are ordered by
// relevance (insertion order).
type Analysis struct {
	Summary   string
	Tags      []string
	Intensity int
	Reply     string
	Source    Source
}

// ModerationVerdict is the transient outcome of the moderation pre-check.
// It is never persisted.
type ModerationVerdict struct {
	Flagged bool
	Reason  string
}

// ClampIntensity forces a value into the canonical intensity range.
func ClampIntensity(v int) int {
	if v < MinIntensity {
		return MinIntensity
	}
	if v > MaxIntensity {
		return MaxIntensity
	}
	return v
}

// TruncateTags bounds a tag list to MaxTags, preserving order.
func TruncateTags(tags []string) []string {
	if len(tags) <= MaxTags {
		return tags
	}
	return tags[:MaxTags]
}
