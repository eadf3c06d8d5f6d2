package governor

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/veiljournal/veil/internal/app/domain/analysis"
	"github.com/veiljournal/veil/internal/app/services/heuristic"
)

// cachedAnalysis is the canonical JSON shape stored in the response cache
// for confession mode. Carrying source inside the payload lets a cache hit
// reproduce provenance exactly.
type cachedAnalysis struct {
	Summary   string   `json:"summary"`
	Tags      []string `json:"tags"`
	Intensity int      `json:"intensity"`
	Reply     string   `json:"reply"`
	Source    string   `json:"source"`
}

func encodeAnalysis(a analysis.Analysis) string {
	b, _ := json.Marshal(cachedAnalysis{
		Summary:   a.Summary,
		Tags:      a.Tags,
		Intensity: a.Intensity,
		Reply:     a.Reply,
		Source:    string(a.Source),
	})
	return string(b)
}

// decodeAnalysis rebuilds an Analysis from a cache entry. A stale or corrupt
// entry comes back !ok and the caller proceeds as on a miss.
func decodeAnalysis(raw string) (analysis.Analysis, bool) {
	var c cachedAnalysis
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return analysis.Analysis{}, false
	}
	if strings.TrimSpace(c.Summary) == "" || strings.TrimSpace(c.Reply) == "" {
		return analysis.Analysis{}, false
	}
	source := analysis.Source(c.Source)
	if source != analysis.SourceAI && source != analysis.SourceHeuristic {
		return analysis.Analysis{}, false
	}
	return analysis.Analysis{
		Summary:   c.Summary,
		Tags:      analysis.TruncateTags(c.Tags),
		Intensity: analysis.ClampIntensity(c.Intensity),
		Reply:     c.Reply,
		Source:    source,
	}, true
}

// parseModelAnalysis reads the model's reply leniently: code fences are
// stripped, the first balanced JSON object is extracted, and fields are read
// with gjson. Summary and reply are mandatory; tags and intensity are
// normalized into their bounds.
func parseModelAnalysis(text string) (analysis.Analysis, bool) {
	raw := extractJSONObject(text)
	if raw == "" || !gjson.Valid(raw) {
		return analysis.Analysis{}, false
	}
	doc := gjson.Parse(raw)

	summary := strings.TrimSpace(doc.Get("summary").String())
	reply := strings.TrimSpace(doc.Get("reply").String())
	if summary == "" || reply == "" {
		return analysis.Analysis{}, false
	}

	var tags []string
	for _, tag := range doc.Get("tags").Array() {
		cleaned := strings.ToLower(strings.TrimSpace(tag.String()))
		if cleaned != "" {
			tags = append(tags, cleaned)
		}
	}
	if len(tags) == 0 {
		tags = []string{heuristic.FallbackTag}
	}

	return analysis.Analysis{
		Summary:   summary,
		Tags:      analysis.TruncateTags(tags),
		Intensity: analysis.ClampIntensity(int(doc.Get("intensity").Int())),
		Reply:     reply,
		Source:    analysis.SourceAI,
	}, true
}

// extractJSONObject returns the first balanced JSON object in text, after
// stripping a surrounding markdown code fence if present. Braces inside JSON
// strings do not count toward balance.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
