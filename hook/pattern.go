package hook

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPattern is returned when a pattern string cannot be parsed.
	ErrInvalidPattern = errors.New("hook: invalid pattern")

	// ErrPatternNotFound is returned when a pattern has no match in the image.
	ErrPatternNotFound = errors.New("hook: pattern not found")

	// ErrPatternAmbiguous is returned when a pattern matches more than once.
	ErrPatternAmbiguous = errors.New("hook: pattern ambiguous")
)

// Pattern is a byte signature with wildcard positions.
type Pattern struct {
	text   string
	bytes  []byte
	wild   []bool
	anchor int // index of the first concrete byte, -1 if none
}

// ParsePattern parses a space separated signature such as "E8 ?? ?? ?? ?? 48 8B D8".
// Each token is two hex digits, or "??" / "?" for a wildcard.
func ParsePattern(s string) (Pattern, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Pattern{}, fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	canon := make([]string, len(fields))
	p := Pattern{
		bytes:  make([]byte, len(fields)),
		wild:   make([]bool, len(fields)),
		anchor: -1,
	}
	for i, tok := range fields {
		if tok == "??" || tok == "?" {
			p.wild[i] = true
			canon[i] = "??"
			continue
		}
		if len(tok) != 2 {
			return Pattern{}, fmt.Errorf("%w: token %q", ErrInvalidPattern, tok)
		}
		b, err := hex.DecodeString(tok)
		if err != nil {
			return Pattern{}, fmt.Errorf("%w: token %q", ErrInvalidPattern, tok)
		}
		p.bytes[i] = b[0]
		canon[i] = strings.ToUpper(tok)
		if p.anchor < 0 {
			p.anchor = i
		}
	}
	if p.anchor < 0 {
		return Pattern{}, fmt.Errorf("%w: only wildcards", ErrInvalidPattern)
	}
	p.text = strings.Join(canon, " ")
	return p, nil
}

// MustParsePattern is like ParsePattern but panics on error.
// It is intended for package-level signature tables.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the canonical text form: upper-case hex and "??" wildcards.
func (p Pattern) String() string {
	return p.text
}

// Len returns the number of bytes the pattern spans.
func (p Pattern) Len() int {
	return len(p.bytes)
}

// Match reports whether the pattern matches data at offset 0.
func (p Pattern) Match(data []byte) bool {
	if len(data) < len(p.bytes) {
		return false
	}
	for i, b := range p.bytes {
		if !p.wild[i] && data[i] != b {
			return false
		}
	}
	return true
}

// Scan returns the offsets of every match in data.
func (p Pattern) Scan(data []byte) []int {
	return p.scan(data, -1)
}

// FindUnique returns the offset of the single match in data.
func (p Pattern) FindUnique(data []byte) (int, error) {
	matches := p.scan(data, 2)
	switch len(matches) {
	case 0:
		return 0, fmt.Errorf("%w: %s", ErrPatternNotFound, p.text)
	case 1:
		return matches[0], nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrPatternAmbiguous, p.text)
	}
}

// scan collects up to limit matches; limit < 0 means no limit.
func (p Pattern) scan(data []byte, limit int) []int {
	if len(p.bytes) == 0 {
		return nil
	}
	var matches []int
	first := p.bytes[p.anchor]
	last := len(data) - len(p.bytes)
	for start := 0; start <= last; {
		// Jump to the next occurrence of the anchor byte.
		i := bytes.IndexByte(data[start+p.anchor:last+p.anchor+1], first)
		if i < 0 {
			break
		}
		start += i
		if p.Match(data[start:]) {
			matches = append(matches, start)
			if limit > 0 && len(matches) >= limit {
				break
			}
		}
		start++
	}
	return matches
}
