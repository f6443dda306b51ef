package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/JonMunkholm/pipeimport/internal/core"
)

// handleUpload stages a multipart file upload.
//
// Form fields: file (required), contentType, autoCreateDrawings, mapping
// (JSON object of field -> header).
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "projectID")
	if !ok {
		return
	}

	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, r, core.ErrFileTooLarge)
			return
		}
		writeRequestError(w, http.StatusBadRequest, "invalid multipart form", "REQ002")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeRequestError(w, http.StatusBadRequest, "no file provided", "REQ003")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		writeRequestError(w, http.StatusBadRequest, "failed to read file", "REQ003")
		return
	}

	var overrides core.ColumnMapping
	if raw := r.FormValue("mapping"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			writeRequestError(w, http.StatusBadRequest, "invalid mapping format", "REQ004")
			return
		}
	}

	autoCreate := false
	if raw := r.FormValue("autoCreateDrawings"); raw != "" {
		autoCreate, err = strconv.ParseBool(raw)
		if err != nil {
			writeRequestError(w, http.StatusBadRequest, "autoCreateDrawings must be a boolean", "REQ004")
			return
		}
	}

	contentType := r.FormValue("contentType")
	if contentType == "" {
		contentType = header.Header.Get("Content-Type")
	}

	preview, err := s.service.Upload(r.Context(), core.UploadRequest{
		ProjectID:          projectID,
		ActorID:            actorID(r),
		FileName:           header.Filename,
		ContentType:        contentType,
		Data:               data,
		AutoCreateDrawings: autoCreate,
		Overrides:          overrides,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/imports/"+preview.BatchID.String())
	writeJSON(w, previewStatus(preview, http.StatusCreated), preview)
}

// previewStatus picks the response status for a preview.
func previewStatus(p *core.Preview, ready int) int {
	switch p.State {
	case core.BatchProcessing:
		return http.StatusAccepted
	case core.BatchNeedsMapping:
		return http.StatusUnprocessableEntity
	default:
		return ready
	}
}

// handleGetImport returns the batch preview. Clients poll it while the
// batch is processing.
func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	batchID, ok := uuidParam(w, r, "batchID")
	if !ok {
		return
	}
	preview, err := s.service.Get(r.Context(), batchID, actorID(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// handleListRows pages through candidate rows: ?verdict=&offset=&limit=
func (s *Server) handleListRows(w http.ResponseWriter, r *http.Request) {
	batchID, ok := uuidParam(w, r, "batchID")
	if !ok {
		return
	}

	verdict, ok := parseVerdict(w, r)
	if !ok {
		return
	}
	q := core.RowsQuery{
		Verdict: verdict,
		Offset:  parseIntParam(r, "offset", 0),
		Limit:   parseIntParam(r, "limit", core.DefaultRowsPageSize),
	}

	page, err := s.service.Rows(r.Context(), batchID, actorID(r), q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// RemapRequest is the body of PUT /api/imports/{batchID}/mapping.
type RemapRequest struct {
	Overrides core.ColumnMapping `json:"overrides"`
}

func (s *Server) handleRemap(w http.ResponseWriter, r *http.Request) {
	batchID, ok := uuidParam(w, r, "batchID")
	if !ok {
		return
	}

	var req RemapRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, http.StatusBadRequest, "invalid request body", "REQ004")
		return
	}

	preview, err := s.service.Remap(r.Context(), batchID, actorID(r), req.Overrides)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, previewStatus(preview, http.StatusOK), preview)
}

// CommitRequest is the optional body of POST /api/imports/{batchID}/commit.
type CommitRequest struct {
	IdempotencyToken string `json:"idempotencyToken"`
	SkipNeedsReview  bool   `json:"skipNeedsReview"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	batchID, ok := uuidParam(w, r, "batchID")
	if !ok {
		return
	}

	var req CommitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, http.StatusBadRequest, "invalid request body", "REQ004")
		return
	}
	if req.IdempotencyToken == "" {
		req.IdempotencyToken = r.Header.Get("Idempotency-Key")
	}

	result, err := s.service.Commit(r.Context(), batchID, actorID(r), core.CommitOptions{
		IdempotencyToken: req.IdempotencyToken,
		SkipNeedsReview:  req.SkipNeedsReview,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	batchID, ok := uuidParam(w, r, "batchID")
	if !ok {
		return
	}
	cancelled, err := s.service.CancelCommit(r.Context(), batchID, actorID(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if !cancelled {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"batchId":   batchID,
		"cancelled": cancelled,
	})
}

func (s *Server) handleLimiterStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.LimiterStatus())
}

// decodeJSON decodes an optional JSON body. An empty body leaves v unchanged.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
