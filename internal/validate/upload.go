package validate

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/textenc"
)

const (
	// DefaultMaxUploadBytes is the default upload size ceiling (10 MiB).
	DefaultMaxUploadBytes int64 = 10 << 20

	sniffPrefixBytes = 4096

	// maxNonPrintablePercent is the largest share of control bytes a text
	// prefix may contain.
	maxNonPrintablePercent = 10
)

// allowedMIME lists the sniffed media types accepted per extension. txt is
// absent on purpose: any sniffed type passes for txt and the content-shape
// check decides.
var allowedMIME = map[string]map[string]bool{
	"csv": {"text/plain": true, "text/csv": true},
	"ofx": {"text/plain": true, "text/xml": true, "application/xml": true, "application/x-ofx": true},
	"qif": {"text/plain": true, "application/qif": true, "application/x-qif": true},
}

// RejectionError is a user-facing upload rejection.
type RejectionError struct {
	Filename string
	Reason   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Filename, e.Reason)
}

// Unwrap lets callers match with errors.Is(err, domain.ErrRejectedUpload).
func (e *RejectionError) Unwrap() error {
	return domain.ErrRejectedUpload
}

// FileValidator is the gatekeeper run before any parsing.
type FileValidator struct {
	MaxBytes int64
}

// NewFileValidator creates a validator. maxBytes <= 0 selects DefaultMaxUploadBytes.
func NewFileValidator(maxBytes int64) *FileValidator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &FileValidator{MaxBytes: maxBytes}
}

// Validate checks size, extension, sniffed MIME type and content shape, and
// returns the format derived from the extension. content may be nil, in
// which case only size and extension are checked.
func (v *FileValidator) Validate(filename string, size int64, content []byte) (domain.Format, error) {
	reject := func(format string, args ...any) (domain.Format, error) {
		return 0, &RejectionError{Filename: filename, Reason: fmt.Sprintf(format, args...)}
	}

	if size > v.MaxBytes {
		return reject("file is %d bytes, the limit is %d bytes", size, v.MaxBytes)
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	format, err := domain.FormatFromFilename(filename)
	if err != nil {
		return reject("unsupported file type %q (expected csv, ofx, qif or txt)", ext)
	}

	if content == nil {
		return format, nil
	}

	if allowed, ok := allowedMIME[ext]; ok {
		mime := mediaType(http.DetectContentType(content))
		if !allowed[mime] {
			return reject("content type %s does not match .%s", mime, ext)
		}
	}

	prefix := content
	if len(prefix) > sniffPrefixBytes {
		prefix = prefix[:sniffPrefixBytes]
	}
	if textenc.HasUTF16BOM(prefix) {
		// An odd cut would leave half a code unit.
		decoded, err := textenc.Decode(prefix[:len(prefix)&^1])
		if err != nil {
			return reject("file is not readable text")
		}
		prefix = []byte(decoded)
	}

	if bytes.IndexByte(prefix, 0) >= 0 {
		return reject("file appears to be binary")
	}
	if tooManyNonPrintable(prefix) {
		return reject("file contains too many non-printable characters")
	}

	if reason := sniff(format, prefix); reason != "" {
		return reject("%s", reason)
	}
	return format, nil
}

// sniff checks the format-specific markers and returns a rejection reason,
// or "" when the prefix looks like format.
func sniff(format domain.Format, prefix []byte) string {
	text := string(prefix)
	upper := strings.ToUpper(text)

	switch format {
	case domain.FormatCSV:
		lines := nonBlankLines(text)
		if len(lines) < 2 {
			return "CSV file needs a header row and at least one data row"
		}
		if !strings.ContainsAny(lines[0], ",;\t") {
			return "CSV header has no comma, semicolon or tab delimiter"
		}
	case domain.FormatOFX:
		if !strings.Contains(upper, "OFXHEADER:") && !strings.Contains(upper, "<OFX>") && !strings.Contains(upper, "<?OFX") {
			return "file does not look like OFX (no OFXHEADER or <OFX> marker)"
		}
	case domain.FormatQIF:
		if !strings.Contains(upper, "!TYPE:") && !strings.Contains(upper, "!ACCOUNT") {
			return "file does not look like QIF (no !Type: or !Account header)"
		}
		if !strings.Contains(text, "^") {
			return "QIF file has no ^ record terminator"
		}
	default:
		return fmt.Sprintf("unsupported format %s", format)
	}
	return ""
}

func nonBlankLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// tooManyNonPrintable reports whether ASCII control bytes other than tab,
// CR and LF exceed maxNonPrintablePercent of b. Bytes >= 0x80 count as
// printable since they belong to UTF-8 or single-byte encoded text.
func tooManyNonPrintable(b []byte) bool {
	n := 0
	for _, c := range b {
		if (c < 0x20 && c != '\t' && c != '\n' && c != '\r') || c == 0x7F {
			n++
		}
	}
	return n*100 > len(b)*maxNonPrintablePercent
}

func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(mt)
}
