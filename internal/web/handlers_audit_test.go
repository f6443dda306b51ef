package web

import (
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/pipeimport/internal/core"
)

func TestBatchAudit(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddDrawing(env.project, "P-001")

	rec := env.upload(t, "bom.csv", twoValves, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[core.Preview](t, rec).BatchID.String()

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports/"+id+"/audit", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no history before commit")

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/imports/"+id+"/commit", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports/"+id+"/audit?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[core.AuditPage](t, rec)
	assert.Equal(t, 2, page.TotalCount)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, core.ActionImportCommit, page.Entries[0].Action)
	assert.Equal(t, "alice", page.Entries[0].ActorID)
	assert.Contains(t, string(page.Entries[0].Payload), `"sourceLine":2`)
}

func TestRowReport(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddDrawing(env.project, "P-001")

	body := "Drawing,Component,Type\nP-001,V-201,Valve\nP-404,\"V,300\",Valve\n"
	rec := env.upload(t, "bom.csv", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[core.Preview](t, rec).BatchID.String()

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports/"+id+"/report.csv", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment; filename=\"import_"+id[:8])

	records, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, core.RowReportHeader, records[0])
	assert.Equal(t, []string{"2", "accepted", "P-001", "V-201", "VALVE", "", "", ""}, records[1])
	assert.Equal(t, "V,300", records[2][3])
	assert.Equal(t, "UnknownDrawing: drawingNumber", records[2][6])

	t.Run("filter with no matches still has a header", func(t *testing.T) {
		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports/"+id+"/report.csv?verdict=needs_review", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		records, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
		require.NoError(t, err)
		assert.Equal(t, [][]string{core.RowReportHeader}, records)
	})

	t.Run("bad verdict", func(t *testing.T) {
		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports/"+id+"/report.csv?verdict=maybe", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown batch is a JSON error", func(t *testing.T) {
		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports/"+uuid.NewString()+"/report.csv", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		resp := decode[ErrorResponse](t, rec)
		assert.Equal(t, "BAT001", resp.Code)
		assert.Equal(t, "Import session not found", resp.Message)
		assert.Equal(t, "Import session not found (Code: BAT001). The import may have expired. Please upload the file again", resp.Error)
	})
}
