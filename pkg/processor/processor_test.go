package processor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xhad/filingscan/pkg/processor"
)

func TestProcessor_SplitSentences(t *testing.T) {
	p := processor.New()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "basic",
			text: "Our goal is net zero by 2030. Net Zero commitments continue.",
			want: []string{"Our goal is net zero by 2030.", "Net Zero commitments continue."},
		},
		{
			name: "lowercase continuation does not split",
			text: "Revenue grew 3.5 percent vs. last year. Costs fell!",
			want: []string{"Revenue grew 3.5 percent vs. last year.", "Costs fell!"},
		},
		{
			name: "sentence starting with a year",
			text: "Emissions fell sharply. 2030 targets remain in place.",
			want: []string{"Emissions fell sharply.", "2030 targets remain in place."},
		},
		{
			name: "decimal point does not split",
			text: "Emissions fell 3.5 percent.",
			want: []string{"Emissions fell 3.5 percent."},
		},
		{
			name: "closing quote stays with sentence",
			text: `He said "we will comply." The board agreed? Yes.`,
			want: []string{`He said "we will comply."`, "The board agreed?", "Yes."},
		},
		{
			name: "line breaks between sentences",
			text: "  First one.\n\nSecond one.  ",
			want: []string{"First one.", "Second one."},
		},
		{
			name: "no terminator",
			text: "a heading without punctuation",
			want: []string{"a heading without punctuation"},
		},
		{
			name: "empty",
			text: "   ",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.SplitSentences(tt.text)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProcessor_SentenceSpans(t *testing.T) {
	p := processor.New()
	text := "Our goal is net zero by 2030. Net Zero commitments continue."

	spans := p.SentenceSpans(text)

	assert.Equal(t, []processor.Span{{Start: 0, End: 29}, {Start: 30, End: 60}}, spans)
	assert.True(t, spans[0].Contains(12))
	assert.False(t, spans[0].Contains(29))
}

func TestProcessor_Clean(t *testing.T) {
	text := "  Item 1A.\tRisk   Factors \n\n\n Climate   change\n"

	assert.Equal(t, "Item 1A. Risk Factors Climate change", processor.New().Clean(text))

	p := processor.NewWithConfig(processor.ProcessorConfig{PreserveLineBreaks: true})
	assert.Equal(t, "Item 1A. Risk Factors\nClimate change", p.Clean(text))
}
