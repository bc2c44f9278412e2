// Package textenc turns uploaded statement bytes into UTF-8 text.
package textenc

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// charsetHeader finds the OFX 1.x SGML header line, e.g. "CHARSET:1252".
var charsetHeader = regexp.MustCompile(`(?im)^\s*CHARSET:\s*([A-Za-z0-9_\-]+)`)

// xmlEncoding finds the encoding attribute of an XML declaration.
var xmlEncoding = regexp.MustCompile(`(?i)<\?xml[^>]*encoding=["']([A-Za-z0-9_\-]+)["']`)

// Decode returns content as UTF-8 text.
//
// Valid UTF-8 is returned as is, minus a leading BOM. A UTF-16 BOM selects
// the UTF-16 decoder. Other bytes are decoded with the charset declared in an
// OFX or XML header, falling back to Windows-1252, which is what most bank
// exports use when they are not UTF-8.
func Decode(content []byte) (string, error) {
	if HasUTF16BOM(content) {
		dec := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()
		out, err := dec.Bytes(content)
		if err != nil {
			return "", fmt.Errorf("failed to decode UTF-16 content: %w", err)
		}
		return string(out), nil
	}

	content = bytes.TrimPrefix(content, utf8BOM)
	if utf8.Valid(content) {
		return string(content), nil
	}

	enc := Lookup(DeclaredCharset(content))
	out, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		return "", fmt.Errorf("failed to decode content: %w", err)
	}
	return string(out), nil
}

// HasUTF16BOM reports whether content starts with a UTF-16 byte order mark.
func HasUTF16BOM(content []byte) bool {
	return bytes.HasPrefix(content, []byte{0xFF, 0xFE}) || bytes.HasPrefix(content, []byte{0xFE, 0xFF})
}

// DeclaredCharset returns the charset named in the first 1 KiB of content, or "".
func DeclaredCharset(content []byte) string {
	head := content
	if len(head) > 1024 {
		head = head[:1024]
	}
	if m := charsetHeader.FindSubmatch(head); m != nil {
		return string(m[1])
	}
	if m := xmlEncoding.FindSubmatch(head); m != nil {
		return string(m[1])
	}
	return ""
}

// Lookup maps a declared charset name to a decoder. Unknown and empty names
// map to Windows-1252.
func Lookup(name string) encoding.Encoding {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "ISO-8859-1", "ISO8859-1", "LATIN1", "8859-1":
		return charmap.ISO8859_1
	case "ISO-8859-15", "LATIN9":
		return charmap.ISO8859_15
	case "437", "CP437":
		return charmap.CodePage437
	case "850", "CP850":
		return charmap.CodePage850
	default:
		// "1252", "WINDOWS-1252", "CP1252", "NONE", and anything unrecognized.
		return charmap.Windows1252
	}
}
