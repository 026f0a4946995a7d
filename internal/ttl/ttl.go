// Package ttl maps a product category to the lifetime of a cached search
// result. Perishable categories expire quickly; shelf-stable ones are kept
// for up to two weeks.
package ttl

import (
	"strings"
	"time"
)

// DefaultHours is used when no rule matches the category.
const DefaultHours = 24

type rule struct {
	needles []string
	hours   int
}

// rules are evaluated in order; the first rule with a matching needle wins.
var rules = []rule{
	{needles: []string{"meat", "seafood"}, hours: 24},
	{needles: []string{"produce"}, hours: 48},
	{needles: []string{"dairy"}, hours: 72},
	{needles: []string{"frozen"}, hours: 168},
	{needles: []string{"pantry", "grocery"}, hours: 336},
}

// Hours returns the cache lifetime in hours for category. Matching is a
// case-insensitive substring test, so "Meat & Seafood" and "FROZEN FOODS"
// both match.
func Hours(category string) int {
	c := strings.ToLower(category)
	if c == "" {
		return DefaultHours
	}
	for _, r := range rules {
		for _, n := range r.needles {
			if strings.Contains(c, n) {
				return r.hours
			}
		}
	}
	return DefaultHours
}

// For returns Hours(category) as a time.Duration.
func For(category string) time.Duration {
	return time.Duration(Hours(category)) * time.Hour
}
