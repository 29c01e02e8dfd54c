package mailparse

import (
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// decodeCharset converts data labelled with charset to UTF-8. Unknown labels
// and undecodable input fall back to toValidUTF8.
func decodeCharset(data []byte, charset string) string {
	charset = strings.ToLower(strings.TrimSpace(charset))
	switch charset {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return toValidUTF8(string(data))
	}

	enc, err := lookupEncoding(charset)
	if err != nil || enc == nil {
		return toValidUTF8(string(data))
	}

	decoded, err := io.ReadAll(transform.NewReader(strings.NewReader(string(data)), enc.NewDecoder()))
	if err != nil {
		return toValidUTF8(string(data))
	}
	return toValidUTF8(string(decoded))
}

func lookupEncoding(charset string) (encoding.Encoding, error) {
	switch charset {
	case "latin1", "latin-1":
		return charmap.ISO8859_1, nil
	case "cp1252":
		return charmap.Windows1252, nil
	}
	return ianaindex.IANA.Encoding(charset)
}

// toValidUTF8 returns s unchanged when it is valid UTF-8 and otherwise reads
// it as Latin-1, which maps every byte to a rune.
func toValidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().String(s)
	if err != nil {
		return strings.ToValidUTF8(s, "�")
	}
	return decoded
}
