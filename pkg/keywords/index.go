package keywords

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xhad/filingscan/internal/models"
)

// Matcher finds every occurrence of one taxonomy term.
type Matcher struct {
	Term  models.Term
	Order int
	re    *regexp.Regexp
	// leading is set when the pattern opens with a word boundary.
	leading bool
}

// FindAll returns the byte ranges of every occurrence of the term in text,
// including occurrences that overlap an earlier one, such as the second
// "net zero net" in "net zero net zero net".
func (m Matcher) FindAll(text string) [][]int {
	var out [][]int
	for pos := 0; pos < len(text); {
		loc := m.re.FindStringIndex(text[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		_, size := utf8.DecodeRuneInString(text[start:])
		if size == 0 {
			size = 1
		}
		pos = start + size

		// text[pos:] starts a new input, so \b holds there even inside a word
		if m.leading && start > 0 {
			if prev, _ := utf8.DecodeLastRuneInString(text[:start]); isWordRune(prev) {
				continue
			}
		}
		out = append(out, []int{start, end})
	}
	return out
}

// Found reports whether the term occurs in text at all.
func (m Matcher) Found(text string) bool {
	return m.re.MatchString(text)
}

func (m Matcher) Pattern() string { return m.re.String() }

// Index is a compiled taxonomy. It is immutable after NewIndex and safe for
// concurrent use.
type Index struct {
	matchers []Matcher
	counts   map[models.SubcategoryKey]int
	order    []models.SubcategoryKey
}

// NewIndex compiles taxonomy. Phrases are matched case-insensitively on
// word boundaries, and any run of whitespace in a phrase matches any run of
// whitespace in the text. Later duplicates of a phrase within the same
// subcategory (ignoring case) are dropped.
func NewIndex(taxonomy models.Taxonomy) (*Index, error) {
	if taxonomy.Len() == 0 {
		return nil, &models.ConfigurationError{Field: "taxonomy", Reason: "taxonomy is empty"}
	}

	idx := &Index{counts: make(map[models.SubcategoryKey]int)}
	seen := make(map[models.SubcategoryKey]map[string]bool)

	for _, term := range taxonomy.Terms {
		if !term.Category.Valid() {
			return nil, &models.ConfigurationError{
				Field:  "taxonomy",
				Reason: "unknown category " + string(term.Category),
			}
		}
		if strings.TrimSpace(term.Subcategory) == "" {
			return nil, &models.ConfigurationError{
				Field:  "taxonomy." + string(term.Category),
				Reason: "subcategory name is empty",
			}
		}
		words := strings.Fields(term.Phrase)
		if len(words) == 0 {
			return nil, &models.ConfigurationError{
				Field:  "taxonomy." + string(term.Category) + "." + term.Subcategory,
				Reason: "phrase is empty",
			}
		}

		key := models.SubcategoryKey{Category: term.Category, Subcategory: term.Subcategory}
		norm := strings.ToLower(strings.Join(words, " "))
		if seen[key] == nil {
			seen[key] = make(map[string]bool)
			idx.order = append(idx.order, key)
		}
		if seen[key][norm] {
			continue
		}
		seen[key][norm] = true

		re, err := regexp.Compile(pattern(words))
		if err != nil {
			return nil, &models.ConfigurationError{Field: "taxonomy", Reason: err.Error()}
		}
		term.Phrase = strings.Join(words, " ")
		first, _ := utf8.DecodeRuneInString(words[0])
		idx.matchers = append(idx.matchers, Matcher{
			Term:    term,
			Order:   len(idx.matchers),
			re:      re,
			leading: isWordRune(first),
		})
		idx.counts[key]++
	}

	return idx, nil
}

// pattern builds the expression for one phrase. Word boundaries are only
// asserted next to word characters so phrases such as "S&P 500" or
// "(GHG)" still match.
func pattern(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}

	var b strings.Builder
	b.WriteString("(?i)")
	first, _ := utf8.DecodeRuneInString(words[0])
	if isWordRune(first) {
		b.WriteString(`\b`)
	}
	b.WriteString(strings.Join(quoted, `\s+`))
	lastWord := words[len(words)-1]
	last, _ := utf8.DecodeLastRuneInString(lastWord)
	if isWordRune(last) {
		b.WriteString(`\b`)
	}
	return b.String()
}

// isWordRune mirrors RE2's ASCII notion of \w.
func isWordRune(r rune) bool {
	return r < utf8.RuneSelf && (r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r))
}

// Matchers returns the compiled terms in taxonomy order.
func (idx *Index) Matchers() []Matcher {
	return idx.matchers
}

// KeywordCount returns the number of distinct phrases per subcategory.
func (idx *Index) KeywordCount() map[models.SubcategoryKey]int {
	out := make(map[models.SubcategoryKey]int, len(idx.counts))
	for k, v := range idx.counts {
		out[k] = v
	}
	return out
}

// Subcategories lists subcategories in taxonomy order.
func (idx *Index) Subcategories() []models.SubcategoryKey {
	out := make([]models.SubcategoryKey, len(idx.order))
	copy(out, idx.order)
	return out
}

// Phrases returns every distinct phrase in taxonomy order.
func (idx *Index) Phrases() []string {
	out := make([]string, len(idx.matchers))
	for i, m := range idx.matchers {
		out[i] = m.Term.Phrase
	}
	return out
}

func (idx *Index) Len() int { return len(idx.matchers) }
