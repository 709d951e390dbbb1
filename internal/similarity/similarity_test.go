package similarity

import (
	"testing"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"Identical", "smith", "smith", 0},
		{"EmptyLeft", "", "abc", 3},
		{"EmptyRight", "abc", "", 3},
		{"BothEmpty", "", "", 0},
		{"Substitution", "kitten", "sitten", 1},
		{"Classic", "kitten", "sitting", 3},
		{"Insertion", "john", "johan", 1},
		{"Deletion", "john smith", "jon smith", 1},
		{"Unicode", "müller", "muller", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Distance(tt.a, tt.b); got != tt.want {
				t.Errorf("Distance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestDistanceSymmetry(t *testing.T) {
	pairs := [][2]string{
		{"kitten", "sitting"},
		{"acme corp", "acme corporation"},
		{"", "x"},
		{"short", "a much longer string"},
	}

	for _, p := range pairs {
		if Distance(p[0], p[1]) != Distance(p[1], p[0]) {
			t.Errorf("Distance not symmetric for %q / %q", p[0], p[1])
		}
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"Identical", "john smith", "john smith", 1.0},
		{"CaseInsensitive", "John Smith", "john smith", 1.0},
		{"BothEmpty", "", "", 1.0},
		{"OneEdit", "john smith", "jon smith", 0.9},
		{"Disjoint", "abc", "xyz", 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.a, tt.b)
			if got < tt.want-1e-9 || got > tt.want+1e-9 {
				t.Errorf("Score(%q, %q) = %.4f, want %.4f", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestScoreRange(t *testing.T) {
	pairs := [][2]string{
		{"a", "completely different"},
		{"acme", "acme inc"},
		{"x", ""},
	}

	for _, p := range pairs {
		got := Score(p[0], p[1])
		if got < 0 || got > 1 {
			t.Errorf("Score(%q, %q) = %.4f out of [0,1]", p[0], p[1], got)
		}
	}
}
