package models

import (
	"fmt"
	"strings"
)

// Category is one of the closed set of ESG categories.
type Category string

const (
	Environmental Category = "environmental"
	Social        Category = "social"
	Governance    Category = "governance"
)

// Categories lists every valid category in report order.
var Categories = []Category{Environmental, Social, Governance}

// ParseCategory maps a taxonomy key onto a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

func (c Category) Valid() bool {
	switch c {
	case Environmental, Social, Governance:
		return true
	}
	return false
}

// Term is one (category, subcategory, phrase) triple of the taxonomy.
type Term struct {
	Category    Category
	Subcategory string
	Phrase      string
}

// Taxonomy is the keyword configuration flattened into an ordered list of
// terms. Order is insertion order: category, then subcategory, then phrase.
type Taxonomy struct {
	Terms []Term
}

// Add appends phrases under category/subcategory.
func (t *Taxonomy) Add(category Category, subcategory string, phrases ...string) {
	for _, p := range phrases {
		t.Terms = append(t.Terms, Term{Category: category, Subcategory: subcategory, Phrase: p})
	}
}

func (t Taxonomy) Len() int { return len(t.Terms) }

// SubcategoryKey identifies a subcategory within its category.
type SubcategoryKey struct {
	Category    Category
	Subcategory string
}

func (k SubcategoryKey) String() string {
	return string(k.Category) + "/" + k.Subcategory
}

// Match is one occurrence of a taxonomy phrase in a document.
//
// Offset is the character (rune) index of the match within the scanned text.
// Context holds the surrounding sentences with the matched text wrapped in
// ContextOpen and ContextClose.
type Match struct {
	Phrase      string
	Text        string
	Category    Category
	Subcategory string
	Offset      int
	ByteOffset  int
	Sentence    string
	Context     string
	DocumentID  string
}

const (
	ContextOpen  = "[["
	ContextClose = "]]"
)

// FilingAnalysis holds the matches found in one document. Counts are
// derived from the full match list when the analysis is built; the detail
// list may be capped.
type FilingAnalysis struct {
	descriptor        FilingDescriptor
	documentID        string
	matches           []Match
	categoryCounts    map[Category]int
	subcategoryCounts map[SubcategoryKey]int
	total             int
	truncated         bool
}

// NewFilingAnalysis builds an analysis from every match found in a document.
// The retained detail list is cut to limit entries when limit > 0, but
// counts cover all matches.
func NewFilingAnalysis(desc FilingDescriptor, documentID string, all []Match, limit int) FilingAnalysis {
	fa := FilingAnalysis{
		descriptor:        desc,
		documentID:        documentID,
		categoryCounts:    make(map[Category]int, len(Categories)),
		subcategoryCounts: make(map[SubcategoryKey]int),
		total:             len(all),
	}
	for _, m := range all {
		fa.categoryCounts[m.Category]++
		fa.subcategoryCounts[SubcategoryKey{Category: m.Category, Subcategory: m.Subcategory}]++
	}

	kept := all
	if limit > 0 && len(all) > limit {
		kept = all[:limit]
		fa.truncated = true
	}
	fa.matches = make([]Match, len(kept))
	copy(fa.matches, kept)

	return fa
}

func (fa FilingAnalysis) Descriptor() FilingDescriptor { return fa.descriptor }

func (fa FilingAnalysis) DocumentID() string { return fa.documentID }

// Matches returns a copy of the retained match list.
func (fa FilingAnalysis) Matches() []Match {
	out := make([]Match, len(fa.matches))
	copy(out, fa.matches)
	return out
}

// Count returns the number of matches in category, including any beyond
// the cap.
func (fa FilingAnalysis) Count(c Category) int {
	return fa.categoryCounts[c]
}

func (fa FilingAnalysis) CategoryCounts() map[Category]int {
	out := make(map[Category]int, len(fa.categoryCounts))
	for k, v := range fa.categoryCounts {
		out[k] = v
	}
	return out
}

func (fa FilingAnalysis) SubcategoryCounts() map[SubcategoryKey]int {
	out := make(map[SubcategoryKey]int, len(fa.subcategoryCounts))
	for k, v := range fa.subcategoryCounts {
		out[k] = v
	}
	return out
}

func (fa FilingAnalysis) Total() int { return fa.total }

// Truncated reports whether the detail list was cut to the cap.
func (fa FilingAnalysis) Truncated() bool { return fa.truncated }
