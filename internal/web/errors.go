package web

// errors.go provides unified error responses for the API.
//
// Every error is:
//   - Logged with full technical details and the request id (server-side)
//   - Mapped via core.MapError to a user message with a stable code
//   - Returned as JSON with an HTTP status derived from that code

import (
	"errors"
	"net/http"
	"strings"

	"github.com/JonMunkholm/pipeimport/internal/core"
	"github.com/JonMunkholm/pipeimport/internal/logging"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
	// Fields lists unmapped required fields for MAP001.
	Fields []core.Field `json:"fields,omitempty"`
}

// statusByCode maps user message codes to HTTP status.
var statusByCode = map[string]int{
	"IMP001": http.StatusBadRequest,
	"IMP002": http.StatusUnprocessableEntity,
	"IMP003": http.StatusUnprocessableEntity,
	"IMP004": http.StatusRequestEntityTooLarge,
	"IMP005": http.StatusRequestEntityTooLarge,
	"MAP001": http.StatusUnprocessableEntity,
	"MAP002": http.StatusUnprocessableEntity,
	"LCK001": http.StatusConflict,
	"CMT001": http.StatusInternalServerError,
	"CMT002": http.StatusUnprocessableEntity,
	"CMT003": http.StatusUnprocessableEntity,
	"CMT004": http.StatusConflict,
	"BAT001": http.StatusNotFound,
	"BAT002": http.StatusConflict,
	"BAT003": http.StatusTooManyRequests,
	"BAT004": http.StatusForbidden,
	"DB004":  http.StatusServiceUnavailable,
	"DB005":  http.StatusServiceUnavailable,
	"DB006":  http.StatusGatewayTimeout,
}

// statusFor returns the HTTP status for a user message code.
func statusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError logs err and writes its user-facing form.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	msg := core.MapError(err)
	status := statusFor(msg.Code)

	log := logging.FromContext(r.Context())
	fields := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
		"mapped", core.IsUserFacing(err),
	}
	if status >= 500 {
		log.Errorw("request error", fields...)
	} else {
		log.Infow("request rejected", fields...)
	}

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "30")
	}
	resp := ErrorResponse{
		Error:   core.FormatUserError(err),
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	}
	var missing *core.MissingFieldsError
	if errors.As(err, &missing) {
		resp.Fields = missing.Fields
	}
	writeJSON(w, status, resp)
}

// writeRequestError reports a malformed request that never reached the pipeline.
func writeRequestError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error:   sanitizeErrorMessage(message),
		Message: sanitizeErrorMessage(message),
		Code:    code,
	})
}

// sanitizeErrorMessage keeps client-facing request errors to one short line.
func sanitizeErrorMessage(message string) string {
	message = strings.TrimSpace(message)
	if i := strings.IndexAny(message, "\r\n"); i >= 0 {
		message = message[:i]
	}
	const maxLen = 200
	if len(message) > maxLen {
		message = message[:maxLen] + "..."
	}
	return message
}
