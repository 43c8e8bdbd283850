// Package codec normalizes the snapshot column's possible wire
// representations back into raw snapshot bytes and defines the single
// canonical encoding used for writes.
//
// Historical rows can surface through a store client in several shapes: a
// raw byte buffer, a plain base64 string, a client binary-escaped hex string
// whose decoded UTF-8 content is itself base64, or a string whose character
// code points are the bytes. Decode tries an ordered list of format
// detectors and returns the first match. Malformed-but-present data degrades
// to absence rather than an error, so a corrupted legacy row never blocks a
// fresh document from being created.
package codec

import (
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"
)

// Format names reported by Decode, for logging which branch was taken.
const (
	FormatRaw        = "raw"
	FormatEscapedHex = "escaped_hex"
	FormatBase64     = "base64"
	FormatCharCodes  = "char_codes"
)

// escapePrefix is the two-character marker store clients prepend when they
// surface a binary column as a hex string (e.g. Postgres bytea hex output).
const escapePrefix = `\x`

// Encode returns the canonical on-write encoding of a snapshot: plain
// standard base64. Rows written this way stay decodable by the base64
// branch of Decode regardless of how the store client is configured.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode converts a column value of unknown shape into the original
// snapshot bytes. It returns the recovered bytes, the name of the format
// branch taken, and whether a usable snapshot was present at all.
//
// ok is false for nil values, empty values, and values that claim a format
// but fail to decode; callers should treat all of those as "no snapshot".
// Decode never returns an error: decode trouble is absence, not failure.
func Decode(v any) (data []byte, format string, ok bool) {
	switch val := v.(type) {
	case nil:
		return nil, "", false
	case []byte:
		if len(val) == 0 {
			return nil, "", false
		}
		return val, FormatRaw, true
	case string:
		if val == "" {
			return nil, "", false
		}
		for _, f := range stringFormats {
			if !f.match(val) {
				continue
			}
			b, err := f.decode(val)
			if err != nil {
				// The value claimed this format but its content is
				// unrecoverable. Fail open: report absence so the
				// caller can start from an empty document.
				return nil, f.name(), false
			}
			return b, f.name(), true
		}
		return nil, "", false
	default:
		return nil, "", false
	}
}

// stringFormat recognizes one textual representation of the snapshot column.
// Detectors are consulted in order; the first whose match reports true owns
// the value, even if its decode then fails.
type stringFormat interface {
	name() string
	match(s string) bool
	decode(s string) ([]byte, error)
}

// stringFormats is the ordered detector list. charCodes matches anything, so
// it must stay last.
var stringFormats = []stringFormat{
	escapedHexFormat{},
	base64Format{},
	charCodeFormat{},
}

// escapedHexFormat handles the double-encoded form: the store held a base64
// string in a binary column, and the client escaped those bytes as \x-prefixed
// hex. Stripping the prefix and hex-decoding yields the base64 text.
type escapedHexFormat struct{}

func (escapedHexFormat) name() string { return FormatEscapedHex }

func (escapedHexFormat) match(s string) bool {
	return strings.HasPrefix(s, escapePrefix)
}

func (escapedHexFormat) decode(s string) ([]byte, error) {
	inner, err := hex.DecodeString(s[len(escapePrefix):])
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(string(inner))
}

// base64Format handles rows already holding the canonical encoding.
type base64Format struct{}

// base64Alphabet matches standard base64 text with optional trailing padding.
var base64Alphabet = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

func (base64Format) name() string { return FormatBase64 }

func (base64Format) match(s string) bool {
	return len(s)%4 == 0 && base64Alphabet.MatchString(s)
}

func (base64Format) decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// charCodeFormat is the last-resort branch for rows written before any
// encoding convention existed: each character's code point is one byte.
// Code points above 0xFF keep their low byte.
type charCodeFormat struct{}

func (charCodeFormat) name() string { return FormatCharCodes }

func (charCodeFormat) match(string) bool { return true }

func (charCodeFormat) decode(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		out = append(out, byte(r))
	}
	return out, nil
}
