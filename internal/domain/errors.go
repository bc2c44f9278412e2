package domain

import "errors"

// Error taxonomy for an import. Wrap these with context and test with errors.Is.
var (
	// ErrRejectedUpload marks a file refused before any parsing.
	ErrRejectedUpload = errors.New("rejected upload")

	// ErrUnparseableFile marks a file whose top-level structure cannot be located.
	ErrUnparseableFile = errors.New("unparseable file")

	// ErrMissingField marks a record lacking a required field. The record is skipped.
	ErrMissingField = errors.New("missing required field")

	// ErrUnrecognizedValue marks a present field whose value matches no known format.
	// The import fails.
	ErrUnrecognizedValue = errors.New("unrecognized value")
)
