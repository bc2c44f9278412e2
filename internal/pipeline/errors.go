package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/validate"
)

// RecordError is a hard failure on one record, such as a date in no known format.
type RecordError struct {
	Filename string
	Index    int // position among parsed records, 0-based
	Line     int // source line when known, else 0
	Err      error
}

func (e *RecordError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: record %d (line %d): %v", e.Filename, e.Index, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: record %d: %v", e.Filename, e.Index, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// UserMessage translates an import error into a message safe to show to the
// uploader. Full detail stays in err for server-side logging.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var rejection *validate.RejectionError
	if errors.As(err, &rejection) {
		return rejection.Error()
	}

	var record *RecordError
	if errors.As(err, &record) && errors.Is(err, domain.ErrUnrecognizedValue) {
		return fmt.Sprintf("%s: record %d has a date or amount in an unrecognized format", record.Filename, record.Index+1)
	}

	switch {
	case errors.Is(err, domain.ErrUnparseableFile):
		return "The file could not be read. Check that it is a valid CSV, OFX or QIF export."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "The import was cancelled."
	default:
		return "The import failed due to an internal error."
	}
}
