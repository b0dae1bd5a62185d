package wire

import (
	"math"
	"slices"
	"strconv"
)

// appendCanonical serializes a JSON value deterministically: object keys
// sorted, ", " and ": " separators and \u-escaped non-ASCII, matching the
// sorted-key form the original wire peers digest. Only the JSON types
// produced by encoding/json are handled.
func appendCanonical(b []byte, v any) []byte {
	switch t := v.(type) {
	case nil:
		return append(b, "null"...)
	case bool:
		if t {
			return append(b, "true"...)
		}
		return append(b, "false"...)
	case string:
		return appendQuoted(b, t)
	case float64:
		return appendNumber(b, t)
	case []any:
		b = append(b, '[')
		for i, e := range t {
			if i > 0 {
				b = append(b, ", "...)
			}
			b = appendCanonical(b, e)
		}
		return append(b, ']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		b = append(b, '{')
		for i, k := range keys {
			if i > 0 {
				b = append(b, ", "...)
			}
			b = appendQuoted(b, k)
			b = append(b, ": "...)
			b = appendCanonical(b, t[k])
		}
		return append(b, '}')
	default:
		// Unreachable for JSON-normalized input.
		return append(b, "null"...)
	}
}

// appendNumber prints integral values without a fraction so the digest does
// not depend on which side of a round-trip produced them.
func appendNumber(b []byte, f float64) []byte {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.AppendInt(b, int64(f), 10)
	}
	return strconv.AppendFloat(b, f, 'g', -1, 64)
}

func appendQuoted(b []byte, s string) []byte {
	b = append(b, '"')
	for _, r := range s {
		switch r {
		case '"':
			b = append(b, '\\', '"')
		case '\\':
			b = append(b, '\\', '\\')
		case '\n':
			b = append(b, '\\', 'n')
		case '\r':
			b = append(b, '\\', 'r')
		case '\t':
			b = append(b, '\\', 't')
		default:
			switch {
			case r < 0x20:
				b = appendEscape(b, uint16(r))
			case r < 0x80:
				b = append(b, byte(r))
			case r <= 0xFFFF:
				b = appendEscape(b, uint16(r))
			default:
				// Astral plane: UTF-16 surrogate pair.
				r -= 0x10000
				b = appendEscape(b, uint16(0xD800+(r>>10)))
				b = appendEscape(b, uint16(0xDC00+(r&0x3FF)))
			}
		}
	}
	return append(b, '"')
}

const hexDigits = "0123456789abcdef"

func appendEscape(b []byte, u uint16) []byte {
	return append(b, '\\', 'u',
		hexDigits[u>>12&0xF], hexDigits[u>>8&0xF], hexDigits[u>>4&0xF], hexDigits[u&0xF])
}
