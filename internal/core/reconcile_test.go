package core

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(drawingID uuid.UUID, identifier string) *CandidateRow {
	return &CandidateRow{
		DrawingID: drawingID,
		Verdict:   VerdictAccepted,
		Values:    map[Field]string{FieldComponentIdentifier: identifier},
	}
}

func TestReconcile_FreshGroup(t *testing.T) {
	dwg := uuid.New()
	rows := []*CandidateRow{candidate(dwg, "V-201"), candidate(dwg, "V-201")}

	rec := Reconcile(rows, nil)

	require.Len(t, rec.Rows, 2)
	assert.Equal(t, 1, rec.Rows[0].InstanceNumber)
	assert.Equal(t, 2, rec.Rows[1].InstanceNumber)
	for _, r := range rec.Rows {
		assert.Equal(t, 2, r.TotalInstances)
		assert.Equal(t, dwg, r.DrawingID)
	}
	assert.Equal(t, []GroupTotal{{
		Key:   InstanceKey{DrawingID: dwg, Identifier: "V-201"},
		Added: 2,
		Total: 2,
	}}, rec.Groups)
}

func TestReconcile_ContinuesAfterExisting(t *testing.T) {
	dwgA, dwgB := uuid.New(), uuid.New()
	existing := map[InstanceKey]InstanceStats{
		// Instance 2 was deleted, so the count trails the highest number.
		{DrawingID: dwgA, Identifier: "V-201"}: {Count: 2, MaxInstance: 3},
	}
	rows := []*CandidateRow{
		candidate(dwgA, "V-201"),
		candidate(dwgA, "V-202"),
		candidate(dwgB, "V-201"),
		candidate(dwgA, "V-201"),
	}

	rec := Reconcile(rows, existing)

	tests := []struct {
		instance, total int
	}{
		{4, 4},
		{1, 1},
		{1, 1},
		{5, 4},
	}
	for i, tt := range tests {
		assert.Equal(t, tt.instance, rec.Rows[i].InstanceNumber, "row %d instance", i)
		assert.Equal(t, tt.total, rec.Rows[i].TotalInstances, "row %d total", i)
		assert.Same(t, rows[i], rec.Rows[i].Row)
	}

	require.Len(t, rec.Groups, 3)
	assert.Equal(t, "V-201", rec.Groups[0].Key.Identifier, "groups keep first-appearance order")
	assert.Equal(t, GroupTotal{Key: InstanceKey{dwgA, "V-201"}, Existing: 2, Added: 2, Total: 4}, rec.Groups[0])
	assert.Equal(t, dwgB, rec.Groups[2].Key.DrawingID)
}

func TestReconcile_Empty(t *testing.T) {
	rec := Reconcile(nil, map[InstanceKey]InstanceStats{{Identifier: "X"}: {Count: 1, MaxInstance: 1}})
	assert.Empty(t, rec.Rows)
	assert.Empty(t, rec.Groups)
}
