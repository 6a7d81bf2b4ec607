package referrals

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// CodeAlphabet lists the symbols attribution codes are drawn from.
const CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	// DefaultCodeLength gives roughly 2.8e12 combinations over CodeAlphabet.
	DefaultCodeLength = 8
	maxCodeLength     = 32
)

// CodeGenerator produces random candidate codes. Candidates are not guaranteed unique.
type CodeGenerator interface {
	Generate(length int) (string, error)
}

// RandomCodeGenerator draws symbols uniformly from CodeAlphabet.
type RandomCodeGenerator struct {
	reader io.Reader
}

// NewRandomCodeGenerator returns a generator backed by crypto/rand.
func NewRandomCodeGenerator() *RandomCodeGenerator {
	return &RandomCodeGenerator{reader: rand.Reader}
}

func (g *RandomCodeGenerator) Generate(length int) (string, error) {
	if length <= 0 || length > maxCodeLength {
		return "", fmt.Errorf("%w: code length %d outside 1..%d", ErrInvalidInput, length, maxCodeLength)
	}
	reader := g.reader
	if reader == nil {
		reader = rand.Reader
	}

	alphabetSize := big.NewInt(int64(len(CodeAlphabet)))
	code := make([]byte, length)
	for position := range code {
		index, err := rand.Int(reader, alphabetSize)
		if err != nil {
			return "", err
		}
		code[position] = CodeAlphabet[index.Int64()]
	}
	return string(code), nil
}

// NormalizeCode trims surrounding whitespace and upper-cases the code.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// IsWellFormedCode reports whether a normalized code only uses CodeAlphabet symbols.
func IsWellFormedCode(code string) bool {
	if code == "" || len(code) > maxCodeLength {
		return false
	}
	for _, symbol := range code {
		if !strings.ContainsRune(CodeAlphabet, symbol) {
			return false
		}
	}
	return true
}
