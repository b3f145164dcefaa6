package processor

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type ProcessorConfig struct {
	Terminators        string // runes that may end a sentence
	Closers            string // quotes and brackets allowed after a terminator
	PreserveLineBreaks bool
}

// Span is a half-open byte range [Start, End) of a text.
type Span struct {
	Start int
	End   int
}

func (s Span) Contains(offset int) bool {
	return offset >= s.Start && offset < s.End
}

type Processor struct {
	config ProcessorConfig
}

func NewWithConfig(config ProcessorConfig) Processor {
	if config.Terminators == "" {
		config.Terminators = ".!?"
	}
	if config.Closers == "" {
		config.Closers = "\"')]”’"
	}

	return Processor{
		config: config,
	}
}

func New() Processor {
	return NewWithConfig(ProcessorConfig{})
}

// Clean normalizes whitespace. With PreserveLineBreaks, paragraph breaks
// survive as a single newline; otherwise the text becomes one line.
func (p Processor) Clean(text string) string {
	if !p.config.PreserveLineBreaks {
		return Collapse(text)
	}

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = Collapse(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// Collapse replaces every whitespace run with a single space and trims the
// ends.
func Collapse(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// SentenceSpans splits text into sentences. A sentence ends at a
// terminator, optionally followed by closing quotes or brackets, when
// whitespace and then an upper-case letter or a digit follow. Spans exclude the
// whitespace between sentences and never overlap.
func (p Processor) SentenceSpans(text string) []Span {
	var spans []Span

	start := skip(text, 0, unicode.IsSpace)
	i := start
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !strings.ContainsRune(p.config.Terminators, r) {
			i += size
			continue
		}

		end := skip(text, i+size, func(r rune) bool {
			return strings.ContainsRune(p.config.Closers, r)
		})
		next := skip(text, end, unicode.IsSpace)
		if next > end && next < len(text) {
			if r, _ := utf8.DecodeRuneInString(text[next:]); unicode.IsUpper(r) || unicode.IsDigit(r) {
				spans = append(spans, Span{Start: start, End: end})
				start = next
			}
		}
		i = next
	}

	end := len(strings.TrimRightFunc(text, unicode.IsSpace))
	if end > start {
		spans = append(spans, Span{Start: start, End: end})
	}
	return spans
}

// SplitSentences returns the sentence texts of SentenceSpans.
func (p Processor) SplitSentences(text string) []string {
	spans := p.SentenceSpans(text)
	sentences := make([]string, len(spans))
	for i, s := range spans {
		sentences[i] = text[s.Start:s.End]
	}
	return sentences
}

// skip advances from i over runes matching keep.
func skip(text string, i int, keep func(rune) bool) int {
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !keep(r) {
			break
		}
		i += size
	}
	return i
}
