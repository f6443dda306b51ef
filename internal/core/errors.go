package core

import (
	"errors"
	"fmt"
	"strings"
)

// Ingestion errors are fatal to a batch and leave no state behind.
var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrEmptyFile         = errors.New("empty file")
	ErrMalformedFile     = errors.New("malformed file")
	ErrRowLimitExceeded  = errors.New("row limit exceeded")
	ErrFileTooLarge      = errors.New("file too large")
)

// Mapping, commit and session errors.
var (
	ErrMissingRequiredField = errors.New("missing required field")
	ErrInvalidMapping       = errors.New("invalid mapping")
	ErrDrawingLocked        = errors.New("drawing locked")
	ErrDrawingNotFound      = errors.New("drawing not found")
	ErrCommitFailed         = errors.New("commit failed")
	ErrNoMilestoneTemplate  = errors.New("no active milestone template")
	ErrInvalidTemplate      = errors.New("invalid milestone template")
	ErrBatchNotFound        = errors.New("import batch not found")
	ErrBatchNotReady        = errors.New("import batch not ready")
	ErrCommitInProgress     = errors.New("commit already in progress")
	ErrTooManyImports       = errors.New("too many imports in progress")
	ErrUnauthorized         = errors.New("not authorized for project")
	ErrRowAlreadyCommitted  = errors.New("row already committed")
)

// MissingFieldsError lists the required canonical fields a mapping lacks.
type MissingFieldsError struct {
	Fields []Field
}

func (e *MissingFieldsError) Error() string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = string(f)
	}
	return fmt.Sprintf("missing required field: %s", strings.Join(names, ", "))
}

func (e *MissingFieldsError) Unwrap() error { return ErrMissingRequiredField }

// LineError attaches a source line to a parse failure.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// SubBatchError reports why a sub-batch rolled back.
type SubBatchError struct {
	Index int
	Line  int // row that triggered the failure, 0 when not row-specific
	Err   error
}

func (e *SubBatchError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("sub-batch %d: line %d: %v", e.Index, e.Line, e.Err)
	}
	return fmt.Sprintf("sub-batch %d: %v", e.Index, e.Err)
}

func (e *SubBatchError) Unwrap() error { return e.Err }

// reasonFor renders the per-row reason reported for a failed sub-batch.
func reasonFor(err error) string {
	if errors.Is(err, ErrDrawingLocked) {
		return "DrawingLocked: retry"
	}
	var sbe *SubBatchError
	if errors.As(err, &sbe) {
		err = sbe.Err
	}
	return "CommitFailed: " + err.Error()
}
