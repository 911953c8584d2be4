// Package payload decodes base64 strings captured from instrumented calls.
//
// Captured payloads are frequently truncated, unpadded or mixed with quoting
// and whitespace, so decoding is best effort: everything outside the alphabet
// is discarded, padding is restored and undecodable bytes are dropped from
// the resulting text.
package payload

import (
	"encoding/base64"
	"strings"
)

// StdAltChars are the two non-alphanumeric characters of standard base64.
const StdAltChars = "+/"

// URLAltChars are the two non-alphanumeric characters of URL-safe base64.
const URLAltChars = "-_"

// Decode decodes a standard base64 payload to text.
// The boolean is false when the payload cannot be decoded.
func Decode(s string) (string, bool) {
	return DecodeWithAltChars(s, StdAltChars)
}

// DecodeWithAltChars decodes using the given pair of alphabet characters
// for values 62 and 63. Invalid UTF-8 in the decoded bytes is dropped.
func DecodeWithAltChars(s, altChars string) (string, bool) {
	b, ok := DecodeBytes(s, altChars)
	if !ok {
		return "", false
	}
	return strings.ToValidUTF8(string(b), ""), true
}

// DecodeBytes strips characters outside the alphabet, pads to a multiple
// of four and decodes.
func DecodeBytes(s, altChars string) ([]byte, bool) {
	if len(altChars) != 2 {
		return nil, false
	}

	cleaned := strip(s, altChars[0], altChars[1])
	if missing := len(cleaned) % 4; missing != 0 {
		cleaned += strings.Repeat("=", 4-missing)
	}

	enc := base64.StdEncoding
	if altChars != StdAltChars {
		alphabet := "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789" + altChars
		enc = base64.NewEncoding(alphabet)
	}

	out, err := enc.DecodeString(cleaned)
	if err != nil {
		return nil, false
	}
	return out, true
}

func strip(s string, c62, c63 byte) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == c62 || c == c63:
			b.WriteByte(c)
		}
	}
	return b.String()
}
