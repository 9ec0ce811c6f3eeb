package entitlement

import (
	"crypto/rand"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// KeyFormat selects the shape of generated license keys.
type KeyFormat string

const (
	// FormatStandard is four groups of four characters, e.g. "ABCD-EFGH-JKLM-NPQR".
	FormatStandard KeyFormat = "standard"
	// FormatLong is three groups of eight characters.
	FormatLong KeyFormat = "long"
	// FormatUUID is an upper-case random UUID.
	FormatUUID KeyFormat = "uuid"
)

// keyAlphabet excludes the confusable characters 0, O, 1 and I. It has 32
// symbols, so a random byte modulo 32 is unbiased.
const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var (
	standardKeyPattern = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{4}(-[A-HJ-NP-Z2-9]{4}){3}$`)
	longKeyPattern     = regexp.MustCompile(`^[A-Z0-9]{8}(-[A-Z0-9]{8}){2}$`)
)

// ParseKeyFormat parses a format name. The empty string selects FormatStandard.
func ParseKeyFormat(s string) (KeyFormat, error) {
	switch KeyFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatStandard:
		return FormatStandard, nil
	case FormatLong:
		return FormatLong, nil
	case FormatUUID:
		return FormatUUID, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKeyFormat, s)
}

// KeyGenerator produces license keys from a random source.
type KeyGenerator struct {
	rand io.Reader
}

// NewKeyGenerator returns a generator reading from r, or crypto/rand when r
// is nil.
func NewKeyGenerator(r io.Reader) *KeyGenerator {
	if r == nil {
		r = rand.Reader
	}
	return &KeyGenerator{rand: r}
}

// Generate returns a new key in the given format.
func (g *KeyGenerator) Generate(format KeyFormat) (string, error) {
	switch format {
	case FormatStandard:
		return g.grouped(4, 4)
	case FormatLong:
		return g.grouped(3, 8)
	case FormatUUID:
		id, err := uuid.NewRandomFromReader(g.rand)
		if err != nil {
			return "", fmt.Errorf("generate uuid key: %w", err)
		}
		return strings.ToUpper(id.String()), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKeyFormat, format)
	}
}

func (g *KeyGenerator) grouped(groups, size int) (string, error) {
	b := make([]byte, groups*size)
	if _, err := io.ReadFull(g.rand, b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	var sb strings.Builder
	sb.Grow(groups*size + groups - 1)
	for i, v := range b {
		if i > 0 && i%size == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(keyAlphabet[int(v)%len(keyAlphabet)])
	}
	return sb.String(), nil
}

// NormalizeKey trims and upper-cases a client-supplied key.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ValidFormat reports whether key is structurally a license key in any of
// the supported formats. It does not check existence.
func ValidFormat(key string) bool {
	key = NormalizeKey(key)
	switch {
	case standardKeyPattern.MatchString(key), longKeyPattern.MatchString(key):
		return true
	case len(key) == 36:
		_, err := uuid.Parse(key)
		return err == nil
	default:
		return false
	}
}
