package normalize

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Encoding names reported by DetectEncoding.
const (
	EncUTF8       = "utf-8"
	EncUTF16LE    = "utf-16le"
	EncUTF16BE    = "utf-16be"
	EncLatin1     = "iso-8859-1"
	EncCP1252     = "windows-1252"
	EncLatin9     = "iso-8859-15"
	EncBestEffort = "utf-8-replace"
)

type candidate struct {
	name string
	enc  encoding.Encoding
}

// Single-byte fallbacks in priority order. Latin-1 decodes every byte
// sequence, so candidates are ranked by how plausible the output looks
// rather than by whether decoding succeeds.
var singleByte = []candidate{
	{EncLatin1, charmap.ISO8859_1},
	{EncCP1252, charmap.Windows1252},
	{EncLatin9, charmap.ISO8859_15},
}

var frenchIndicators = []string{
	"à", "â", "ä", "ç", "è", "é", "ê", "ë", "î", "ï", "ô", "ö", "ù", "û", "ü", "ÿ",
	"À", "Â", "Ç", "È", "É", "Ê", "Î", "Ô", "Ù", "Û", "œ", "€",
}

// DecodeBytes turns b into a string and names the encoding used. It never
// fails: when nothing fits, invalid sequences are replaced with U+FFFD.
//
// Order:
//  1. BOM (UTF-8, UTF-16LE, UTF-16BE)
//  2. BOM-less UTF-16 (NUL-byte heuristic)
//  3. valid UTF-8
//  4. single-byte candidates: first one whose text contains French letters
//     and no C1 control characters, else the first without C1 controls
//  5. UTF-8 with replacement
func DecodeBytes(b []byte) (string, string) {
	switch {
	case bytes.HasPrefix(b, []byte{0xEF, 0xBB, 0xBF}):
		return decodeLossy(b[3:]), EncUTF8
	case bytes.HasPrefix(b, []byte{0xFF, 0xFE}):
		if s, err := decodeWith(unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM), b); err == nil {
			return s, EncUTF16LE
		}
	case bytes.HasPrefix(b, []byte{0xFE, 0xFF}):
		if s, err := decodeWith(unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM), b); err == nil {
			return s, EncUTF16BE
		}
	}

	if order, ok := looksUTF16(b); ok {
		if s, err := decodeWith(unicode.UTF16(order, unicode.IgnoreBOM), b); err == nil {
			if order == unicode.LittleEndian {
				return s, EncUTF16LE
			}
			return s, EncUTF16BE
		}
	}

	if utf8.Valid(b) {
		return string(b), EncUTF8
	}

	var fallback, fallbackName string
	for _, c := range singleByte {
		s, err := decodeWith(c.enc, b)
		if err != nil || hasC1Controls(s) || strings.ContainsRune(s, utf8.RuneError) {
			continue
		}
		if hasFrenchText(s) {
			return s, c.name
		}
		if fallbackName == "" {
			fallback, fallbackName = s, c.name
		}
	}
	if fallbackName != "" {
		return fallback, fallbackName
	}
	return decodeLossy(b), EncBestEffort
}

// DetectEncoding returns only the encoding name DecodeBytes would use.
func DetectEncoding(b []byte) string {
	_, name := DecodeBytes(b)
	return name
}

func decodeWith(enc encoding.Encoding, b []byte) (string, error) {
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeLossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

func hasC1Controls(s string) bool {
	for _, r := range s {
		if r >= 0x80 && r <= 0x9F {
			return true
		}
	}
	return false
}

func hasFrenchText(s string) bool {
	for _, ind := range frenchIndicators {
		if strings.Contains(s, ind) {
			return true
		}
	}
	return false
}

// looksUTF16 guesses byte order from NUL bytes: ASCII-heavy UTF-16 text has a
// zero in every other byte.
func looksUTF16(b []byte) (unicode.Endianness, bool) {
	if len(b) < 4 || len(b)%2 != 0 {
		return unicode.LittleEndian, false
	}
	var evenZero, oddZero int
	for i, c := range b {
		if c != 0 {
			continue
		}
		if i%2 == 0 {
			evenZero++
		} else {
			oddZero++
		}
	}
	half := len(b) / 2
	switch {
	case oddZero*10 >= half*3 && evenZero*10 < half:
		return unicode.LittleEndian, true
	case evenZero*10 >= half*3 && oddZero*10 < half:
		return unicode.BigEndian, true
	}
	return unicode.LittleEndian, false
}
