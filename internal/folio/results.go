package folio

import (
	"sort"
)

// ResultSet is the ordered collection of successfully refined pages. Pages
// that failed at any stage are absent; there are no placeholder entries.
type ResultSet struct {
	Folios []PageResult `json:"folios" yaml:"folios"`
}

// NewResultSet builds a result set ordered by page index. Input order does
// not matter, so workers may append results as they finish.
func NewResultSet(results []PageResult) ResultSet {
	out := make([]PageResult, len(results))
	copy(out, results)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Page < out[j].Page
	})
	return ResultSet{Folios: out}
}

// Len returns the number of folios in the set.
func (r ResultSet) Len() int {
	return len(r.Folios)
}

// Pages returns the page indices present in the set, in order.
func (r ResultSet) Pages() []int {
	pages := make([]int, len(r.Folios))
	for i, f := range r.Folios {
		pages[i] = f.Page
	}
	return pages
}
