package ttl

import (
	"testing"
	"time"
)

func TestHours(t *testing.T) {
	cases := []struct {
		category string
		want     int
	}{
		{"Meat & Seafood", 24},
		{"seafood", 24},
		{"Produce", 48},
		{"Dairy", 72},
		{"dairy & eggs", 72},
		{"Frozen", 168},
		{"FROZEN FOODS", 168},
		{"Pantry", 336},
		{"Grocery", 336},
		{"Natural & Organic", DefaultHours},
		{"", DefaultHours},
		// meat is checked before frozen.
		{"Frozen Meat", 24},
		// produce is checked before dairy.
		{"Produce & Dairy", 48},
	}
	for _, c := range cases {
		if got := Hours(c.category); got != c.want {
			t.Errorf("Hours(%q) = %d, want %d", c.category, got, c.want)
		}
	}
}

func TestFor(t *testing.T) {
	if got := For("Dairy"); got != 72*time.Hour {
		t.Fatalf("For(Dairy) = %v, want 72h", got)
	}
	if got := For("unknown"); got != 24*time.Hour {
		t.Fatalf("For(unknown) = %v, want 24h", got)
	}
}
