package joincode

import (
	"strings"
	"testing"
)

func TestGenerate_RoundTripsThroughValidate(t *testing.T) {
	for i := 0; i < 500; i++ {
		code, err := Generate()
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if len(code) != Length {
			t.Fatalf("want length %d, got %q", Length, code)
		}
		for _, r := range code {
			if !strings.ContainsRune(Alphabet, r) {
				t.Fatalf("code %q contains %q outside alphabet", code, r)
			}
		}
		if !Validate(code) {
			t.Fatalf("generated code %q failed validation", code)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		code string
		want bool
	}{
		{name: "generated-style code", code: "ABC23", want: true},
		{name: "lowercase is normalized", code: "abc23", want: true},
		{name: "surrounding whitespace is trimmed", code: " ABC23 ", want: true},
		{name: "four chars allowed", code: "AB23", want: true},
		{name: "six chars allowed", code: "AB23CD", want: true},
		{name: "too short", code: "AB2", want: false},
		{name: "too long", code: "AB23CDE", want: false},
		{name: "empty", code: "", want: false},
		{name: "punctuation rejected", code: "AB-23", want: false},
		{name: "interior space rejected", code: "AB 23", want: false},
		// Looser than Generate: zeros and ones are fine on entry.
		{name: "lookalike chars accepted on entry", code: "O0I1A", want: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Validate(tc.code); got != tc.want {
				t.Fatalf("Validate(%q): got %v, want %v", tc.code, got, tc.want)
			}
		})
	}
}
