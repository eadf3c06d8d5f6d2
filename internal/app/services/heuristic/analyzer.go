// Package heuristic provides the deterministic fallback analyzer used when
// the external inference path is unavailable, disallowed, or over budget. It
// performs no I/O and always produces a structurally valid analysis.
package heuristic

import (
	"math/rand"
	"strings"
	"unicode/utf8"

	"github.com/veiljournal/veil/internal/app/domain/analysis"
)

// summaryRuneBudget is the maximum number of runes kept before an ellipsis
// marker is appended.
const summaryRuneBudget = 160

// emptySummary stands in when the text collapses to nothing, so an Analysis
// always carries a non-empty summary.
const emptySummary = "Note vide."

// FallbackTag is emitted when no emotion keyword matches at all. The
// governor reuses it when the model returns an analysis without tags.
const FallbackTag = "réflexion"

// emotionOrder is the fixed priority order tags are emitted in. Linguistic
// accuracy of the lexicon is not a goal; the mapping only has to be stable.
var emotionOrder = []string{
	"tristesse",
	"anxiété",
	"colère",
	"peur",
	"solitude",
	"honte",
	"fatigue",
	"espoir",
	"joie",
}

// emotionStems maps each label to the keyword stems that signal it. A label
// scores one point per stem occurrence (substring, case-insensitive).
var emotionStems = map[string][]string{
	"tristesse": {"triste", "pleur", "chagrin", "deuil", "malheur", "mélancol"},
	"anxiété":   {"anxi", "angoiss", "inquiet", "inquièt", "stress", "panique"},
	"colère":    {"colèr", "coler", "rage", "furieu", "énerv", "enerv", "frustr"},
	"peur":      {"peur", "effray", "terrifi", "craint", "redout"},
	"solitude":  {"seul", "solitude", "isol", "abandonn"},
	"honte":     {"honte", "coupab", "culpabilit", "humili", "regret"},
	"fatigue":   {"fatigu", "épuis", "epuis", "insomnie", "sommeil"},
	"espoir":    {"espoir", "espér", "confian", "avenir"},
	"joie":      {"joie", "joyeu", "content", "sourire", "fier"},
}

// replyTemplates is the fixed set of empathetic replies; one is picked per
// analysis. Every degraded response is always one of these sentences.
var replyTemplates = []string{
	"Merci d'avoir partagé cela. Ce que tu ressens est légitime, et l'écrire est déjà un pas.",
	"Tu n'es pas seul·e face à ça. Prends le temps dont tu as besoin, sans te juger.",
	"C'est courageux de mettre des mots sur ce que tu traverses. Sois doux·ce avec toi-même.",
	"Ce que tu vis compte. Respire, relis-toi, et rappelle-toi que les émotions passent.",
	"Déposer ses pensées ici est une belle façon d'en prendre soin. Continue à ton rythme.",
}

// Analyzer derives a structured analysis from raw text without calling any
// external service. It is safe for concurrent use.
type Analyzer struct {
	pick func(n int) int
}

// New returns an Analyzer. pick selects the reply template index given the
// template count; nil selects uniformly at random. Tests inject a fixed
// picker for determinism.
func New(pick func(n int) int) *Analyzer {
	if pick == nil {
		pick = rand.Intn
	}
	return &Analyzer{pick: pick}
}

// Analyze classifies text into emotion tags, derives an intensity from
// keyword density and length, and selects an empathetic reply. It is a total
// function: any input, including empty text, yields a valid Analysis.
func (a *Analyzer) Analyze(text string) analysis.Analysis {
	perLabel, total := scores(strings.ToLower(text))

	var tags []string
	for _, label := range emotionOrder {
		if perLabel[label] == 0 {
			continue
		}
		if len(tags) < analysis.MaxTags {
			tags = append(tags, label)
		}
	}
	if len(tags) == 0 {
		tags = []string{FallbackTag}
	}

	intensity := analysis.ClampIntensity(1 + 2*total + utf8.RuneCountInString(text)/200)

	return analysis.Analysis{
		Summary:   summarize(text),
		Tags:      tags,
		Intensity: intensity,
		Reply:     a.Reply(),
		Source:    analysis.SourceHeuristic,
	}
}

// Reply picks one of the fixed empathetic templates. Exposed separately so
// the quick-answer degradation path can reuse template selection alone.
func (a *Analyzer) Reply() string {
	return replyTemplates[a.pick(len(replyTemplates))]
}

// scores counts stem occurrences per label over pre-lowered text and the
// grand total across all labels (including labels beyond the tag cap).
func scores(lower string) (map[string]int, int) {
	perLabel := make(map[string]int, len(emotionOrder))
	total := 0
	for _, label := range emotionOrder {
		n := 0
		for _, stem := range emotionStems[label] {
			n += strings.Count(lower, stem)
		}
		if n > 0 {
			perLabel[label] = n
			total += n
		}
	}
	return perLabel, total
}

// summarize collapses whitespace and truncates to the rune budget, marking
// truncation with an ellipsis.
func summarize(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if collapsed == "" {
		return emptySummary
	}
	runes := []rune(collapsed)
	if len(runes) <= summaryRuneBudget {
		return collapsed
	}
	return string(runes[:summaryRuneBudget]) + "…"
}
