// # Error Codes Reference
//
// This file defines user-friendly error messages with codes for support reference.
// When users encounter errors, they can quote the error code to support staff
// for faster diagnosis.
//
// # Ingestion Errors (IMP001-IMP099)
//
//	IMP001 - Unsupported format: only CSV and spreadsheet (.xlsx) files are accepted
//	IMP002 - Empty file: the file has a header row but no data rows
//	IMP003 - Malformed file: the file could not be decoded
//	IMP004 - Row limit exceeded: the file has more rows than allowed
//	IMP005 - File too large: the upload exceeds the size limit
//
// # Mapping Errors (MAP001-MAP099)
//
//	MAP001 - Missing required field: drawing number or component ID is unmapped
//	MAP002 - Invalid mapping: an override names an unknown field or header
//
// # Commit Errors (CMT001-CMT099, LCK001)
//
//	LCK001 - Drawing locked: another import is writing to the same drawing
//	CMT001 - Commit failed: a sub-batch rolled back
//	CMT002 - No milestone template: the project has no active template
//	CMT003 - Invalid milestone template: the stored template could not be read
//	CMT004 - Commit in progress: the batch is already being committed
//
// # Batch Errors (BAT001-BAT099)
//
//	BAT001 - Batch not found: the import expired or never existed
//	BAT002 - Batch not ready: the batch is still processing or failed
//	BAT003 - System busy: too many imports in progress
//	BAT004 - Not authorized: the caller cannot import into the project
//
// # Database Errors (DB001-DB099)
//
// Matched by pattern on the error text when no sentinel applies:
//
//	DB001 - Duplicate key         Patterns: "duplicate key", "violates unique"
//	DB003 - Foreign key           Patterns: "violates foreign key"
//	DB004 - Connection refused    Patterns: "connection refused"
//	DB005 - Connection reset      Patterns: "connection reset"
//	DB006 - Timeout               Patterns: "timeout", "deadline exceeded"
//	DB007 - Deadlock              Patterns: "deadlock"
//
// # Default Error (ERR000)
//
// Fallback when no sentinel or pattern matches. Check the application logs
// for the original technical error.

package core

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened (user-friendly)
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Error code for support reference
}

// sentinelMessages is checked with errors.Is before any text pattern.
// Order matters: wrapped errors can match more than one sentinel.
var sentinelMessages = []struct {
	err error
	msg UserMessage
}{
	{ErrUnsupportedFormat, UserMessage{"Only CSV and spreadsheet (.xlsx) files are supported", "Export the takeoff as CSV or .xlsx and upload again", "IMP001"}},
	{ErrEmptyFile, UserMessage{"The file contains no data rows", "Add component rows below the header row", "IMP002"}},
	{ErrMalformedFile, UserMessage{"The file could not be read", "Check the file is not corrupt and quotes are balanced", "IMP003"}},
	{ErrRowLimitExceeded, UserMessage{"The file has too many rows", "Split the file into smaller imports", "IMP004"}},
	{ErrFileTooLarge, UserMessage{"File exceeds maximum size limit", "Split the file into smaller imports", "IMP005"}},
	{ErrMissingRequiredField, UserMessage{"Drawing number and component ID must be mapped", "Choose the columns for the missing fields and resubmit", "MAP001"}},
	{ErrInvalidMapping, UserMessage{"The column mapping is invalid", "Map each field to one existing column", "MAP002"}},
	{ErrDrawingLocked, UserMessage{"Another import is updating the same drawing", "Retry the commit in a few moments", "LCK001"}},
	{ErrNoMilestoneTemplate, UserMessage{"The project has no active milestone template", "Configure a milestone template before importing", "CMT002"}},
	{ErrInvalidTemplate, UserMessage{"The project milestone template could not be read", "Re-save the milestone template and retry", "CMT003"}},
	{ErrCommitInProgress, UserMessage{"This import is already being committed", "Wait for the running commit to finish", "CMT004"}},
	{ErrCommitFailed, UserMessage{"Some rows could not be saved", "Review the failed rows and retry the commit", "CMT001"}},
	{ErrBatchNotFound, UserMessage{"Import session not found", "The import may have expired. Please upload the file again", "BAT001"}},
	{ErrBatchNotReady, UserMessage{"The import is not ready to commit", "Wait for processing to finish or fix the mapping", "BAT002"}},
	{ErrTooManyImports, UserMessage{"Too many imports in progress", "Please wait a moment and try again", "BAT003"}},
	{ErrUnauthorized, UserMessage{"You are not allowed to import into this project", "Ask a project admin for access", "BAT004"}},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps storage error text (case-insensitive) to user messages.
// The first matching pattern wins, so more specific patterns come first.
var errorPatterns = []errorPattern{
	{"duplicate key", UserMessage{"A component with this instance number already exists", "Retry the commit; instance numbers are recalculated", "DB001"}},
	{"violates unique", UserMessage{"A duplicate value was found", "Retry the commit; instance numbers are recalculated", "DB001"}},
	{"violates foreign key", UserMessage{"Referenced record does not exist", "Check that the drawing still exists", "DB003"}},
	{"connection refused", UserMessage{"Unable to connect to database", "Please try again in a few moments", "DB004"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Please try again", "DB005"}},
	{"deadline exceeded", UserMessage{"Operation timed out", "Try a smaller file or try again later", "DB006"}},
	{"timeout", UserMessage{"Operation timed out", "Try a smaller file or try again later", "DB006"}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Please try again", "DB007"}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error into a user-friendly message.
// Sentinel errors are matched first, then storage error text patterns.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, s := range sentinelMessages {
		if errors.Is(err, s.err) {
			return s.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError formats an error for display: message, code and action.
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
