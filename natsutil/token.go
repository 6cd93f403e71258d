package natsutil

import (
	"strings"
)

const hexDigits = "0123456789ABCDEF"

// Token encodes s as a single KV key or subject token. Letters, digits and
// '-' pass through; every other byte becomes '_' followed by two hex
// digits, so distinct inputs never share a token. The empty string
// encodes as "_".
func Token(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

// Key joins the encoded tokens with dots.
func Key(tokens ...string) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = Token(t)
	}
	return strings.Join(parts, ".")
}
