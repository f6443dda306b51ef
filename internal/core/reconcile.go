package core

import "github.com/google/uuid"

// groupKey identifies an instance group by drawing number before drawing ids
// are known.
type groupKey struct {
	drawing    string
	identifier string
}

// InstanceKey identifies the instances of one identifier on one drawing.
type InstanceKey struct {
	DrawingID  uuid.UUID
	Identifier string
}

// ReconciledRow is a candidate row with its concrete instance numbering.
type ReconciledRow struct {
	Row            *CandidateRow
	DrawingID      uuid.UUID
	InstanceNumber int
	TotalInstances int

	// ComponentID is assigned when the row is written.
	ComponentID uuid.UUID
}

// GroupTotal is the total every instance in a group must carry after commit.
type GroupTotal struct {
	Key      InstanceKey
	Existing int
	Added    int
	Total    int
}

// Reconciliation is the result of numbering one set of rows.
type Reconciliation struct {
	Rows   []ReconciledRow
	Groups []GroupTotal // in order of first appearance
}

// Reconcile assigns instance numbers to rows against a snapshot of existing
// instances. Rows must carry a resolved DrawingID. Within a group, rows are
// numbered in input order starting at existing max + 1, and the group total
// is existing count + new rows. Reconcile does not touch storage.
func Reconcile(rows []*CandidateRow, existing map[InstanceKey]InstanceStats) Reconciliation {
	rec := Reconciliation{Rows: make([]ReconciledRow, len(rows))}

	next := make(map[InstanceKey]int)
	order := make(map[InstanceKey]int)

	for i, row := range rows {
		key := InstanceKey{DrawingID: row.DrawingID, Identifier: row.Value(FieldComponentIdentifier)}
		if _, ok := next[key]; !ok {
			stats := existing[key]
			next[key] = stats.MaxInstance + 1
			order[key] = len(rec.Groups)
			rec.Groups = append(rec.Groups, GroupTotal{Key: key, Existing: stats.Count})
		}
		rec.Rows[i] = ReconciledRow{
			Row:            row,
			DrawingID:      row.DrawingID,
			InstanceNumber: next[key],
		}
		next[key]++
		rec.Groups[order[key]].Added++
	}

	for i := range rec.Groups {
		g := &rec.Groups[i]
		g.Total = g.Existing + g.Added
	}
	for i := range rec.Rows {
		r := &rec.Rows[i]
		key := InstanceKey{DrawingID: r.DrawingID, Identifier: r.Row.Value(FieldComponentIdentifier)}
		r.TotalInstances = rec.Groups[order[key]].Total
	}
	return rec
}
