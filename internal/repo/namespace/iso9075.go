package namespace

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// EncodeISO9075 escapes a local name so that it is a valid NCName.
// Characters that may not appear at their position are written as _xHHHH_,
// and an underscore that would read as the start of an escape is itself
// escaped.
func EncodeISO9075(s string) string {
	if s == "" {
		return s
	}
	if isNCName(s) && !strings.Contains(s, "_x") {
		return s
	}

	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '_' && looksEscaped(runes[i:]):
			writeEscape(&b, r)
		case i == 0 && !isNameStart(r):
			writeEscape(&b, r)
		case i > 0 && !isNameChar(r):
			writeEscape(&b, r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DecodeISO9075 reverses EncodeISO9075. Malformed escapes are left as is.
func DecodeISO9075(s string) string {
	if !strings.Contains(s, "_x") {
		return s
	}
	var b strings.Builder
	runes := []rune(s)
	for i := 0; i < len(runes); {
		if n, r, ok := readEscape(runes[i:]); ok {
			b.WriteRune(r)
			i += n
			continue
		}
		b.WriteRune(runes[i])
		i++
	}
	return b.String()
}

func writeEscape(b *strings.Builder, r rune) {
	if r > 0xFFFF {
		fmt.Fprintf(b, "_x%08X_", r)
		return
	}
	fmt.Fprintf(b, "_x%04X_", r)
}

func looksEscaped(runes []rune) bool {
	_, _, ok := readEscape(runes)
	return ok
}

// readEscape reads _xHHHH_ or _xHHHHHHHH_ at the start of runes
func readEscape(runes []rune) (int, rune, bool) {
	if len(runes) < 7 || runes[0] != '_' || runes[1] != 'x' {
		return 0, 0, false
	}
	for _, width := range []int{4, 8} {
		end := 2 + width
		if len(runes) <= end || runes[end] != '_' {
			continue
		}
		v, err := strconv.ParseUint(string(runes[2:end]), 16, 32)
		if err != nil {
			continue
		}
		return end + 1, rune(v), true
	}
	return 0, 0, false
}

func isNCName(s string) bool {
	for i, r := range s {
		if i == 0 {
			if !isNameStart(r) {
				return false
			}
			continue
		}
		if !isNameChar(r) {
			return false
		}
	}
	return true
}

func isNameStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isNameChar(r rune) bool {
	if isNameStart(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.', '-', 0xB7:
		return true
	}
	return unicode.Is(unicode.Mn, r) || unicode.Is(unicode.Mc, r)
}
