package web

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/JonMunkholm/pipeimport/internal/core"
	"github.com/JonMunkholm/pipeimport/internal/logging"
)

// reportFlushInterval is how many CSV records are buffered between flushes.
const reportFlushInterval = 1000

// handleBatchAudit returns the audit history of a committed batch:
// ?offset=&limit=
func (s *Server) handleBatchAudit(w http.ResponseWriter, r *http.Request) {
	batchID, ok := uuidParam(w, r, "batchID")
	if !ok {
		return
	}

	page, err := s.service.BatchAudit(r.Context(), batchID, actorID(r), core.AuditQuery{
		Offset: parseIntParam(r, "offset", 0),
		Limit:  parseIntParam(r, "limit", core.DefaultAuditPageSize),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleRowReport streams the batch's candidate rows as CSV: ?verdict=
//
// Headers are written with the first record, so failures that happen
// before any row is produced still get a JSON error response.
func (s *Server) handleRowReport(w http.ResponseWriter, r *http.Request) {
	batchID, ok := uuidParam(w, r, "batchID")
	if !ok {
		return
	}
	verdict, ok := parseVerdict(w, r)
	if !ok {
		return
	}

	csvWriter := csv.NewWriter(w)
	started := false
	start := func() error {
		started = true
		filename := fmt.Sprintf("import_%s_%s.csv", batchID.String()[:8], time.Now().Format("20060102_150405"))
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		return csvWriter.Write(core.RowReportHeader)
	}

	rowCount := 0
	err := s.service.ExportRows(r.Context(), batchID, actorID(r), verdict, func(row *core.CandidateRow) error {
		if !started {
			if err := start(); err != nil {
				return err
			}
		}
		if err := csvWriter.Write(core.RowReportRecord(row)); err != nil {
			return err
		}

		rowCount++
		if rowCount%reportFlushInterval == 0 {
			csvWriter.Flush()
			if err := csvWriter.Error(); err != nil {
				return err
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		return nil
	})

	if err != nil && !started {
		s.respondError(w, r, err)
		return
	}
	if !started {
		if err := start(); err != nil {
			return
		}
	}
	csvWriter.Flush()

	// Headers are gone by now; all that is left is to log.
	if err == nil {
		err = csvWriter.Error()
	}
	if err != nil && r.Context().Err() == nil {
		logging.FromContext(r.Context()).Warnw("row report aborted",
			"batch_id", batchID, "rows_written", rowCount, "error", err)
	}
}

// parseVerdict reads the optional ?verdict= filter, writing a 400 when it
// names no verdict.
func parseVerdict(w http.ResponseWriter, r *http.Request) (core.Verdict, bool) {
	switch v := core.Verdict(strings.ToLower(r.URL.Query().Get("verdict"))); v {
	case "", core.VerdictAccepted, core.VerdictRejected, core.VerdictNeedsReview:
		return v, true
	default:
		writeRequestError(w, http.StatusBadRequest, "verdict must be accepted, rejected or needs_review", "REQ004")
		return "", false
	}
}
