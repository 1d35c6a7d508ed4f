package mimepart

import (
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// GuessEncoding maps a declared charset name onto one of the three encodings
// alarm senders are known to use. Anything unrecognised is read as UTF-8.
func GuessEncoding(charset string) encoding.Encoding {
	switch {
	case strings.Contains(charset, "1252"), strings.Contains(charset, "8859-1"):
		return charmap.Windows1252
	case strings.Contains(charset, "1250"), strings.Contains(charset, "8859-2"):
		return charmap.Windows1250
	default:
		return unicode.UTF8
	}
}

// DecodeQuotedPrintable unescapes quoted-printable input byte by byte and
// converts the result to a Go string using enc.
//
// "=\r\n" is a soft line break and "=XY" yields the byte 0xXY. Every other
// byte is copied through unchanged, including an "=" that is not followed by
// two hex digits and an "=" before a bare "\n".
func DecodeQuotedPrintable(input []byte, enc encoding.Encoding) (string, error) {
	out := make([]byte, 0, len(input))
	for i := 0; i < len(input); {
		c := input[i]
		if c != '=' {
			out = append(out, c)
			i++
			continue
		}
		switch {
		case i+2 < len(input) && input[i+1] == '\r' && input[i+2] == '\n':
			i += 3
		case i+2 < len(input) && isHex(input[i+1]) && isHex(input[i+2]):
			out = append(out, unhex(input[i+1])<<4|unhex(input[i+2]))
			i += 3
		default:
			out = append(out, c)
			i++
		}
	}
	return DecodeCharset(out, enc)
}

// DecodeCharset converts b from enc to UTF-8.
func DecodeCharset(b []byte, enc encoding.Encoding) (string, error) {
	if enc == nil || enc == unicode.UTF8 {
		return string(b), nil
	}
	s, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(s), nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
