package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/pipeimport/internal/config"
	"github.com/JonMunkholm/pipeimport/internal/core"
	"github.com/JonMunkholm/pipeimport/internal/memstore"
	"github.com/JonMunkholm/pipeimport/internal/session"
	"github.com/JonMunkholm/pipeimport/internal/web/middleware"
)

type testEnv struct {
	server  *Server
	store   *memstore.Store
	project uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memstore.New(memstore.WithDefaultTemplate([]byte(core.DefaultTemplateJSON)))
	svc := core.NewService(store, session.NewMemoryStore(time.Hour), core.ServiceConfig{
		SoftBudget:    5 * time.Second,
		MaxConcurrent: 2,
		MaxWait:       time.Second,
	})
	cfg := &config.Config{
		Server:  config.ServerConfig{RequestTimeout: 30 * time.Second},
		Import:  config.ImportConfig{MaxFileSize: 1 << 20},
		Metrics: config.MetricsConfig{Enabled: true},
	}
	srv := NewServer(svc, cfg, WithHealthCheck("store", func(context.Context) error { return nil }))
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testEnv{server: srv, store: store, project: uuid.New()}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if req.Header.Get(middleware.ActorHeader) == "" {
		req.Header.Set(middleware.ActorHeader, "alice")
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) upload(t *testing.T, fileName, body string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = fw.Write([]byte(body))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/projects/"+e.project.String()+"/imports", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return e.do(t, req)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const twoValves = "Drawing,Component,Type\nP-001,V-201,Valve\nP-001,V-201,Valve\n"

func TestUploadAndCommit(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddDrawing(env.project, "P-001")

	rec := env.upload(t, "bom.csv", twoValves, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	preview := decode[core.Preview](t, rec)
	assert.Equal(t, core.BatchReady, preview.State)
	assert.Equal(t, 2, preview.Summary.TotalRows)
	assert.Equal(t, "/api/imports/"+preview.BatchID.String(), rec.Header().Get("Location"))

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/imports/"+preview.BatchID.String()+"/commit", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[core.CommitResult](t, rec)
	assert.Equal(t, core.OutcomeFullySaved, result.Outcome)
	assert.Equal(t, 2, result.Counts.Committed)
	for _, row := range result.Rows {
		assert.Equal(t, 2, row.TotalInstances)
	}

	// Second commit is answered from the ledger.
	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/imports/"+preview.BatchID.String()+"/commit", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[core.CommitResult](t, rec).AlreadyCommitted)
}

func TestUpload_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		fileName string
		body     string
		fields   map[string]string
		status   int
		code     string
	}{
		{"empty file", "bom.csv", "Drawing,Component\n", nil, http.StatusUnprocessableEntity, "IMP002"},
		{"unsupported format", "bom.pdf", "%PDF-1.4", nil, http.StatusBadRequest, "IMP001"},
		{"bad mapping json", "bom.csv", twoValves, map[string]string{"mapping": "{"}, http.StatusBadRequest, "REQ004"},
		{"bad auto create flag", "bom.csv", twoValves, map[string]string{"autoCreateDrawings": "maybe"}, http.StatusBadRequest, "REQ004"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.upload(t, tt.fileName, tt.body, tt.fields)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestUpload_NeedsMappingThenRemap(t *testing.T) {
	env := newTestEnv(t)

	rec := env.upload(t, "bom.csv", "Qqq,Component\nP-001,V-201\n", map[string]string{"autoCreateDrawings": "true"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	preview := decode[core.Preview](t, rec)
	assert.Equal(t, core.BatchNeedsMapping, preview.State)
	require.NotNil(t, preview.Error)
	assert.Equal(t, "MAP001", preview.Error.Code)

	commitURL := "/api/imports/" + preview.BatchID.String() + "/commit"
	rec = env.do(t, httptest.NewRequest(http.MethodPost, commitURL, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "MAP001", errResp.Code)
	assert.Equal(t, []core.Field{core.FieldDrawingNumber}, errResp.Fields)

	body := `{"overrides":{"drawingNumber":"Qqq"}}`
	req := httptest.NewRequest(http.MethodPut, "/api/imports/"+preview.BatchID.String()+"/mapping", bytes.NewBufferString(body))
	rec = env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, core.BatchReady, decode[core.Preview](t, rec).State)

	rec = env.do(t, httptest.NewRequest(http.MethodPost, commitURL, bytes.NewBufferString(`{"idempotencyToken":"tok-1"}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, core.OutcomeFullySaved, decode[core.CommitResult](t, rec).Outcome)
}

func TestGetAndRows(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddDrawing(env.project, "P-001")

	csv := "Drawing,Component,Type\nP-001,V-201,Valve\nP-404,V-300,Valve\nP-001,,Valve\n"
	rec := env.upload(t, "bom.csv", csv, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[core.Preview](t, rec).BatchID.String()

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	preview := decode[core.Preview](t, rec)
	assert.Equal(t, 1, preview.Summary.Accepted)
	assert.Equal(t, 2, preview.Summary.Rejected)
	assert.Len(t, preview.ErrorSamples, 2)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports/"+id+"/rows?verdict=rejected&limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[core.RowsPage](t, rec)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, 3, page.Rows[0].Line)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports/"+id+"/rows?verdict=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportNotFoundAndBadID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "BAT001", decode[ErrorResponse](t, rec).Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMissingActorForbidden(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/imports/"+uuid.NewString(), nil)
	req.Header.Set(middleware.ActorHeader, " ")
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	// Unknown batches are reported before authorization.
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "bom.csv")
	_, _ = fw.Write([]byte(twoValves))
	_ = mw.Close()
	req = httptest.NewRequest(http.MethodPost, "/api/projects/"+env.project.String()+"/imports", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "BAT004", decode[ErrorResponse](t, rec).Code)
}

func TestCancelWithoutRunningCommit(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddDrawing(env.project, "P-001")
	rec := env.upload(t, "bom.csv", twoValves, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[core.Preview](t, rec).BatchID.String()

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/imports/"+id+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["cancelled"])
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHealth_FailingCheck(t *testing.T) {
	svc := core.NewService(memstore.New(), session.NewMemoryStore(time.Hour), core.ServiceConfig{})
	srv := NewServer(svc, &config.Config{}, WithHealthCheck("db", func(context.Context) error {
		return errors.New("connection refused")
	}))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrEmptyFile, http.StatusUnprocessableEntity},
		{core.ErrFileTooLarge, http.StatusRequestEntityTooLarge},
		{&core.MissingFieldsError{Fields: []core.Field{core.FieldDrawingNumber}}, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrap: %w", core.ErrDrawingLocked), http.StatusConflict},
		{core.ErrCommitInProgress, http.StatusConflict},
		{core.ErrBatchNotFound, http.StatusNotFound},
		{core.ErrTooManyImports, http.StatusTooManyRequests},
		{core.ErrUnauthorized, http.StatusForbidden},
		{errors.New("kaboom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(core.MapError(tt.err).Code))
		})
	}
}
