package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultMapper() *Mapper {
	return NewMapper(DefaultAliases(), DefaultFuzzyThreshold)
}

func matchFor(t *testing.T, res MappingResult, f Field) FieldMatch {
	t.Helper()
	for _, m := range res.Matches {
		if m.Field == f {
			return m
		}
	}
	t.Fatalf("field %s not mapped; mapping = %v", f, res.Mapping)
	return FieldMatch{}
}

func TestMapper_Infer(t *testing.T) {
	tests := []struct {
		name    string
		headers []string
		field   Field
		header  string
		method  MatchMethod
	}{
		{"exact known header", []string{"Drawing Number", "Component ID"}, FieldDrawingNumber, "Drawing Number", MatchExact},
		{"exact field key", []string{"componentIdentifier", "drawingNumber"}, FieldComponentIdentifier, "componentIdentifier", MatchExact},
		{"exact ignores case", []string{"DRAWING NUMBER"}, FieldDrawingNumber, "DRAWING NUMBER", MatchExact},
		{"alias with punctuation", []string{"Dwg. No", "Tag"}, FieldDrawingNumber, "Dwg. No", MatchAlias},
		{"alias tag", []string{"Dwg. No", "Tag"}, FieldComponentIdentifier, "Tag", MatchAlias},
		{"alias type", []string{"Drawing", "Component", "Type"}, FieldComponentType, "Type", MatchAlias},
		{"fuzzy camel case", []string{"dwgNumber", "componentIdent"}, FieldComponentIdentifier, "componentIdent", MatchFuzzy},
		{"fuzzy reordered words", []string{"Number Drawing"}, FieldDrawingNumber, "Number Drawing", MatchFuzzy},
	}

	m := defaultMapper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Infer(tt.headers)
			got := matchFor(t, res, tt.field)
			assert.Equal(t, tt.header, got.Header)
			assert.Equal(t, tt.method, got.Method)
			assert.Equal(t, tt.header, res.Mapping[tt.field])
		})
	}
}

func TestMapper_InferReportsGaps(t *testing.T) {
	res := defaultMapper().Infer([]string{"Component", "Notes", "Qqq"})

	assert.Equal(t, []Field{FieldDrawingNumber}, res.MissingRequired)
	assert.Contains(t, res.Unmapped, FieldDrawingNumber)
	assert.Contains(t, res.Unmapped, FieldSize)
	assert.Equal(t, []string{"Notes", "Qqq"}, res.UnmappedHeaders)

	var missing *MissingFieldsError
	require.ErrorAs(t, res.Err(), &missing)
	assert.Equal(t, []Field{FieldDrawingNumber}, missing.Fields)
	assert.ErrorIs(t, res.Err(), ErrMissingRequiredField)
	assert.Equal(t, "missing required field: drawingNumber", res.Err().Error())
}

func TestMapper_InferOneHeaderPerField(t *testing.T) {
	res := defaultMapper().Infer([]string{"Drawing", "Drawing No", "Component"})

	got := matchFor(t, res, FieldDrawingNumber)
	assert.Equal(t, 0, got.Column, "first matching column wins")
	assert.Equal(t, []string{"Drawing No"}, res.UnmappedHeaders)
}

func TestMapper_InferIsDeterministic(t *testing.T) {
	headers := []string{"ISO", "Item No", "Item Type", "Desc", "NPS", "Pipe Spec", "Unit", "Test Pkg"}
	m := defaultMapper()
	first := m.Infer(headers)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, m.Infer(headers))
	}
}

func TestMapper_FuzzyThreshold(t *testing.T) {
	headers := []string{"Drawing Sheet Ref", "Component"}

	strict := NewMapper(AliasTable{}, 0.9).Infer(headers)
	assert.NotContains(t, strict.Mapping, FieldDrawingNumber)

	loose := NewMapper(AliasTable{}, 0.3).Infer(headers)
	assert.Equal(t, "Drawing Sheet Ref", loose.Mapping[FieldDrawingNumber])
	assert.Less(t, matchFor(t, loose, FieldDrawingNumber).Confidence, 1.0)
}

func TestMapper_FuzzyScoreMustExceedThreshold(t *testing.T) {
	// One of two tokens matches "Drawing Number": a score of exactly 0.5.
	headers := []string{"Drawing Sheet", "Component"}

	tests := []struct {
		name      string
		threshold float64
		want      bool
	}{
		{"below score", 0.49, true},
		{"equal to score", 0.5, false},
		{"above score", 0.51, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewMapper(AliasTable{}, tt.threshold).Infer(headers)
			_, mapped := res.Mapping[FieldDrawingNumber]
			assert.Equal(t, tt.want, mapped)
		})
	}
}

func TestNewMapper_ThresholdRange(t *testing.T) {
	for _, threshold := range []float64{-1, 0, 1, 1.5} {
		assert.Equal(t, DefaultFuzzyThreshold, NewMapper(nil, threshold).threshold, "threshold %g", threshold)
	}
	assert.Equal(t, 0.99, NewMapper(nil, 0.99).threshold)
}

func TestMapper_Apply(t *testing.T) {
	headers := []string{"Drawing", "Component", "Sheet Ref", "Type"}
	m := defaultMapper()

	t.Run("no overrides is inference", func(t *testing.T) {
		res, err := m.Apply(headers, nil)
		require.NoError(t, err)
		assert.Equal(t, m.Infer(headers), res)
	})

	t.Run("override wins and frees inferred header", func(t *testing.T) {
		res, err := m.Apply(headers, ColumnMapping{FieldDrawingNumber: "Sheet Ref"})
		require.NoError(t, err)
		got := matchFor(t, res, FieldDrawingNumber)
		assert.Equal(t, "Sheet Ref", got.Header)
		assert.Equal(t, MatchManual, got.Method)
		assert.Contains(t, res.UnmappedHeaders, "Drawing")
	})

	t.Run("override steals a header from another field", func(t *testing.T) {
		res, err := m.Apply(headers, ColumnMapping{FieldDescription: "Type"})
		require.NoError(t, err)
		assert.Equal(t, "Type", res.Mapping[FieldDescription])
		assert.NotContains(t, res.Mapping, FieldComponentType)
	})

	t.Run("empty override clears a field", func(t *testing.T) {
		res, err := m.Apply(headers, ColumnMapping{FieldComponentIdentifier: ""})
		require.NoError(t, err)
		assert.Equal(t, []Field{FieldComponentIdentifier}, res.MissingRequired)
	})

	t.Run("case-insensitive header", func(t *testing.T) {
		res, err := m.Apply(headers, ColumnMapping{FieldArea: "sheet ref"})
		require.NoError(t, err)
		assert.Equal(t, "Sheet Ref", res.Mapping[FieldArea])
	})

	errTests := []struct {
		name      string
		overrides ColumnMapping
	}{
		{"unknown field", ColumnMapping{"colour": "Type"}},
		{"unknown header", ColumnMapping{FieldArea: "Zone"}},
		{"header used twice", ColumnMapping{FieldArea: "Type", FieldSystem: "Type"}},
	}
	for _, tt := range errTests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Apply(headers, tt.overrides)
			assert.ErrorIs(t, err, ErrInvalidMapping)
		})
	}
}

func TestLoadAliases(t *testing.T) {
	t.Run("empty path is built-in table", func(t *testing.T) {
		table, err := LoadAliases("")
		require.NoError(t, err)
		assert.Contains(t, table[FieldDrawingNumber], "Dwg No")
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "aliases.yaml")
		require.NoError(t, os.WriteFile(path, []byte("drawingNumber:\n  - Blatt\ncomponentIdentifier:\n  - Kennung\n"), 0o600))

		table, err := LoadAliases(path)
		require.NoError(t, err)

		res := NewMapper(table, 0).Infer([]string{"BLATT", "kennung"})
		assert.Empty(t, res.MissingRequired)
		assert.Equal(t, MatchAlias, matchFor(t, res, FieldDrawingNumber).Method)
	})

	t.Run("unknown field", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "aliases.yaml")
		require.NoError(t, os.WriteFile(path, []byte("colour:\n  - Farbe\n"), 0o600))
		_, err := LoadAliases(path)
		assert.ErrorContains(t, err, "unknown field")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadAliases(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestTokenizeHeader(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Drawing No.", []string{"drawing", "number"}},
		{"componentType", []string{"component", "type"}},
		{"DWG_NO", []string{"drawing", "number"}},
		{"DWGNumber", []string{"drawing", "number"}},
		{"  ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, tokenizeHeader(tt.in))
		})
	}
}

func TestTokenOverlap(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"drawing", "number"}, []string{"drawing", "number"}, 1},
		{"order ignored", []string{"number", "drawing"}, []string{"drawing", "number"}, 1},
		{"extra word lowers score", []string{"drawing", "sheet", "number"}, []string{"drawing", "number"}, 2.0 / 3.0},
		{"prefix abbreviation", []string{"draw", "number"}, []string{"drawing", "number"}, 1},
		{"typo", []string{"drawng", "number"}, []string{"drawing", "number"}, 1},
		{"empty", nil, []string{"drawing"}, 0},
		{"unrelated", []string{"weight"}, []string{"drawing"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tokenOverlap(tt.a, tt.b), 1e-9)
		})
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"drawing", "drawnig", 2},
		{"same", "same", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshtein(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
		assert.Equal(t, tt.want, levenshtein(tt.b, tt.a), "symmetric %q vs %q", tt.a, tt.b)
	}
	assert.InDelta(t, 1.0, levenshteinNormalized("", ""), 1e-9)
	assert.InDelta(t, 1.0-2.0/7.0, levenshteinNormalized("drawing", "drawnig"), 1e-9)
}
