package referrals

import (
	"errors"
	"strings"
	"testing"
)

func TestRandomCodeGeneratorUsesAlphabetAndLength(t *testing.T) {
	generator := NewRandomCodeGenerator()
	for iteration := 0; iteration < 200; iteration++ {
		code, err := generator.Generate(DefaultCodeLength)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(code) != DefaultCodeLength {
			t.Fatalf("expected length %d, got %q", DefaultCodeLength, code)
		}
		for _, symbol := range code {
			if !strings.ContainsRune(CodeAlphabet, symbol) {
				t.Fatalf("unexpected symbol %q in %q", symbol, code)
			}
		}
	}
}

func TestRandomCodeGeneratorRejectsInvalidLength(t *testing.T) {
	generator := NewRandomCodeGenerator()
	for _, length := range []int{0, -1, maxCodeLength + 1} {
		if _, err := generator.Generate(length); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("length %d: expected ErrInvalidInput, got %v", length, err)
		}
	}
}

func TestNormalizeAndWellFormedCode(t *testing.T) {
	testCases := []struct {
		name       string
		raw        string
		normalized string
		wellFormed bool
	}{
		{name: "lowercase-padded", raw: "  ab12cd34 ", normalized: "AB12CD34", wellFormed: true},
		{name: "already-normalized", raw: "ZZZZZZZZ", normalized: "ZZZZZZZZ", wellFormed: true},
		{name: "blank", raw: "   ", normalized: "", wellFormed: false},
		{name: "punctuation", raw: "ab-12", normalized: "AB-12", wellFormed: false},
		{name: "non-ascii", raw: "ÄB12", normalized: "ÄB12", wellFormed: false},
		{name: "too-long", raw: strings.Repeat("A", maxCodeLength+1), normalized: strings.Repeat("A", maxCodeLength+1), wellFormed: false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			normalized := NormalizeCode(testCase.raw)
			if normalized != testCase.normalized {
				t.Fatalf("expected %q, got %q", testCase.normalized, normalized)
			}
			if IsWellFormedCode(normalized) != testCase.wellFormed {
				t.Fatalf("expected well formed %v for %q", testCase.wellFormed, normalized)
			}
		})
	}
}
