package cache

import "testing"

func TestNormalizeTerm(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"milk", "milk"},
		{"  Whole   Milk ", "whole_milk"},
		{"Chicken\tBreast\n", "chicken_breast"},
		{"PEANUT butter", "peanut_butter"},
		{"   ", ""},
	}
	for _, c := range cases {
		if got := NormalizeTerm(c.in); got != c.want {
			t.Errorf("NormalizeTerm(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestKeyID(t *testing.T) {
	a := Key{LocationID: "01400943", Term: "Whole Milk"}
	b := Key{LocationID: "01400943", Term: " whole   milk"}
	if a.ID() != "01400943_whole_milk" {
		t.Fatalf("ID = %q", a.ID())
	}
	if a.ID() != b.ID() {
		t.Fatalf("equivalent terms produced different ids: %q vs %q", a.ID(), b.ID())
	}
}
