package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList decides whether a search term must be left out of warming.
// Terms are compared in their normalized form (see NormalizeTerm), so
// "Ice Cream" and "ice   cream" are the same rule. Two matching modes:
//
//   - Exact match: the normalized term must equal the normalized rule.
//   - Regex match: the normalized term is tested against a compiled regexp.
//
// A nil *ExclusionList is safe to call; Matches always returns false.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles the given exact terms and regex patterns into an
// ExclusionList. Returns an error if any pattern fails to compile so that
// misconfiguration is caught at startup.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if n := NormalizeTerm(e); n != "" {
			el.exact[n] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Matches reports whether term is excluded from warming.
// Exact rules are checked first (O(1)), then regex patterns in order.
func (el *ExclusionList) Matches(term string) bool {
	if el == nil {
		return false
	}
	n := NormalizeTerm(term)
	if _, ok := el.exact[n]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(n) {
			return true
		}
	}
	return false
}

// Filter returns terms without the excluded ones, preserving order.
func (el *ExclusionList) Filter(terms []string) []string {
	if el.Len() == 0 {
		return terms
	}
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if !el.Matches(t) {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the total number of exclusion rules configured.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
