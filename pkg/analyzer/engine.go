package analyzer

import (
	"sort"
	"unicode/utf8"

	"github.com/xhad/filingscan/internal/models"
	"github.com/xhad/filingscan/pkg/keywords"
	"github.com/xhad/filingscan/pkg/processor"
)

const (
	DefaultContextWindow    = 1
	DefaultMaxMatches       = 50
	DefaultMaxSentenceChars = 1500
	DefaultFallbackRadius   = 300
)

type EngineConfig struct {
	// ContextWindow is the number of sentences kept on each side of the
	// sentence holding a match. It is used as given, zero included.
	ContextWindow int
	// MaxMatches caps the detail list of an analysis. Counts are not capped.
	MaxMatches int
	// A sentence longer than MaxSentenceChars is treated as text without
	// usable sentence structure (tables, run-on extraction output) and the
	// context falls back to FallbackRadius characters on each side.
	MaxSentenceChars int
	FallbackRadius   int
}

// DefaultEngineConfig returns the settings used when none are configured.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ContextWindow:    DefaultContextWindow,
		MaxMatches:       DefaultMaxMatches,
		MaxSentenceChars: DefaultMaxSentenceChars,
		FallbackRadius:   DefaultFallbackRadius,
	}
}

// Engine scans text against a keyword index. It holds no mutable state, so
// one Engine may serve any number of goroutines.
type Engine struct {
	config    EngineConfig
	sentences processor.Processor
}

func NewEngine(config EngineConfig) *Engine {
	if config.ContextWindow < 0 {
		config.ContextWindow = 0
	}
	if config.MaxMatches <= 0 {
		config.MaxMatches = DefaultMaxMatches
	}
	if config.MaxSentenceChars <= 0 {
		config.MaxSentenceChars = DefaultMaxSentenceChars
	}
	if config.FallbackRadius <= 0 {
		config.FallbackRadius = DefaultFallbackRadius
	}

	return &Engine{
		config:    config,
		sentences: processor.New(),
	}
}

func (e *Engine) Config() EngineConfig { return e.config }

type hit struct {
	start, end int
	matcher    keywords.Matcher
}

// Scan returns every occurrence of every indexed phrase in text, ordered by
// offset. Matches at the same offset keep taxonomy order. Overlapping
// phrases are all reported.
func (e *Engine) Scan(text string, idx *keywords.Index, documentID string) []models.Match {
	var hits []hit
	for _, m := range idx.Matchers() {
		for _, loc := range m.FindAll(text) {
			hits = append(hits, hit{start: loc[0], end: loc[1], matcher: m})
		}
	}
	if len(hits) == 0 {
		return nil
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].start != hits[j].start {
			return hits[i].start < hits[j].start
		}
		return hits[i].matcher.Order < hits[j].matcher.Order
	})

	spans := e.sentences.SentenceSpans(text)
	matches := make([]models.Match, 0, len(hits))

	runeOffset, lastByte := 0, 0
	for _, h := range hits {
		runeOffset += utf8.RuneCountInString(text[lastByte:h.start])
		lastByte = h.start

		sentence, context := e.context(text, spans, h.start, h.end)
		matches = append(matches, models.Match{
			Phrase:      h.matcher.Term.Phrase,
			Text:        text[h.start:h.end],
			Category:    h.matcher.Term.Category,
			Subcategory: h.matcher.Term.Subcategory,
			Offset:      runeOffset,
			ByteOffset:  h.start,
			Sentence:    sentence,
			Context:     context,
			DocumentID:  documentID,
		})
	}

	return matches
}

// Analyze scans text and applies the per-filing cap.
func (e *Engine) Analyze(desc models.FilingDescriptor, documentID, text string, idx *keywords.Index) models.FilingAnalysis {
	return models.NewFilingAnalysis(desc, documentID, e.Scan(text, idx, documentID), e.config.MaxMatches)
}

// context returns the sentence holding [start, end) and the surrounding
// window with the matched text marked.
func (e *Engine) context(text string, spans []processor.Span, start, end int) (string, string) {
	first := sort.Search(len(spans), func(i int) bool { return spans[i].End > start })
	last := sort.Search(len(spans), func(i int) bool { return spans[i].End >= end })
	if first >= len(spans) || last >= len(spans) {
		return e.radius(text, start, end)
	}

	sentenceStart, sentenceEnd := spans[first].Start, spans[last].End
	if sentenceStart > start {
		sentenceStart = start
	}
	if utf8.RuneCountInString(text[sentenceStart:sentenceEnd]) > e.config.MaxSentenceChars {
		return e.radius(text, start, end)
	}

	from := spans[max(0, first-e.config.ContextWindow)].Start
	to := spans[min(len(spans)-1, last+e.config.ContextWindow)].End
	if from > start {
		from = start
	}

	return processor.Collapse(text[sentenceStart:sentenceEnd]), mark(text, from, start, end, to)
}

// radius is the fallback window of FallbackRadius characters each side.
func (e *Engine) radius(text string, start, end int) (string, string) {
	from := start
	for n := 0; n < e.config.FallbackRadius && from > 0; n++ {
		_, size := utf8.DecodeLastRuneInString(text[:from])
		from -= size
	}
	to := end
	for n := 0; n < e.config.FallbackRadius && to < len(text); n++ {
		_, size := utf8.DecodeRuneInString(text[to:])
		to += size
	}
	return processor.Collapse(text[from:to]), mark(text, from, start, end, to)
}

func mark(text string, from, start, end, to int) string {
	return processor.Collapse(text[from:start] + models.ContextOpen + text[start:end] + models.ContextClose + text[end:to])
}

// QuickScan reports which phrases occur in text, grouped by category, each
// phrase listed once in taxonomy order.
func QuickScan(text string, idx *keywords.Index) map[models.Category][]string {
	found := make(map[models.Category][]string)
	seen := make(map[models.Category]map[string]bool)
	for _, m := range idx.Matchers() {
		if !m.Found(text) {
			continue
		}
		cat := m.Term.Category
		if seen[cat] == nil {
			seen[cat] = make(map[string]bool)
		}
		if seen[cat][m.Term.Phrase] {
			continue
		}
		seen[cat][m.Term.Phrase] = true
		found[cat] = append(found[cat], m.Term.Phrase)
	}
	return found
}
