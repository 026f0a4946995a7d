package cache

import (
	"reflect"
	"testing"
)

func TestExclusionList_NilSafe(t *testing.T) {
	var el *ExclusionList
	if el.Matches("milk") {
		t.Fatal("nil ExclusionList must never match")
	}
	if el.Len() != 0 {
		t.Fatal("nil ExclusionList Len must be 0")
	}
	terms := []string{"milk", "eggs"}
	if got := el.Filter(terms); !reflect.DeepEqual(got, terms) {
		t.Fatalf("nil Filter = %v, want %v", got, terms)
	}
}

func TestExclusionList_ExactMatch(t *testing.T) {
	el, err := NewExclusionList([]string{"ice cream", "Beer"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		term string
		want bool
	}{
		{"ice cream", true},
		{"  Ice   Cream ", true}, // normalized before matching
		{"beer", true},
		{"BEER", true},
		{"ice", false},      // prefix only
		{"root beer", false}, // different term
	}
	for _, c := range cases {
		if got := el.Matches(c.term); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.term, got, c.want)
		}
	}
}

func TestExclusionList_RegexMatch(t *testing.T) {
	el, err := NewExclusionList(nil, []string{`^wine`, `_beer$`})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		term string
		want bool
	}{
		{"wine", true},
		{"Wine Red", true},
		{"root beer", true},
		{"beer", false},
		{"red wine", false},
	}
	for _, c := range cases {
		if got := el.Matches(c.term); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.term, got, c.want)
		}
	}
}

func TestExclusionList_Filter(t *testing.T) {
	el, err := NewExclusionList([]string{"eggs"}, []string{`^wine`})
	if err != nil {
		t.Fatal(err)
	}
	got := el.Filter([]string{"milk", "eggs", "wine", "bread"})
	want := []string{"milk", "bread"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Filter = %v, want %v", got, want)
	}
}

func TestExclusionList_InvalidPattern(t *testing.T) {
	_, err := NewExclusionList(nil, []string{`[invalid(`})
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestExclusionList_EmptyStringsSkipped(t *testing.T) {
	el, err := NewExclusionList([]string{"", "eggs", "   "}, []string{"", `^wine`})
	if err != nil {
		t.Fatal(err)
	}
	if el.Len() != 2 { // 1 exact + 1 regex
		t.Errorf("Len = %d, want 2", el.Len())
	}
}
