package core

// mapper.go infers a ColumnMapping from raw headers.
//
// Stages run in order and each canonical field keeps the first stage that
// maps it:
//  1. Exact: case-insensitive match on the field's known header (or its key)
//  2. Alias: normalized match against the alias table
//  3. Fuzzy: token overlap against the known header and aliases
//
// Manual overrides are applied last and always win. The result depends only
// on the header list, so the same headers always produce the same mapping.

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFuzzyThreshold is the token-overlap ratio a fuzzy match must exceed.
const DefaultFuzzyThreshold = 0.8

// Confidence reported per stage; fuzzy matches report their overlap score.
const (
	confidenceExact  = 1.0
	confidenceAlias  = 0.95
	confidenceManual = 1.0
)

//go:embed aliases.yaml
var defaultAliasYAML []byte

// ColumnMapping maps a canonical field to a raw header name.
// A field that is absent, or mapped to "", is unmapped.
type ColumnMapping map[Field]string

// MatchMethod records which stage produced a mapping.
type MatchMethod string

const (
	MatchExact  MatchMethod = "exact"
	MatchAlias  MatchMethod = "alias"
	MatchFuzzy  MatchMethod = "fuzzy"
	MatchManual MatchMethod = "manual"
)

// FieldMatch is one mapped canonical field.
type FieldMatch struct {
	Field      Field       `json:"field"`
	Header     string      `json:"header"`
	Column     int         `json:"column"`
	Method     MatchMethod `json:"method"`
	Confidence float64     `json:"confidence"`
}

// MappingResult is the mapping plus per-field confidence and gaps.
type MappingResult struct {
	Mapping         ColumnMapping `json:"mapping"`
	Matches         []FieldMatch  `json:"matches"`
	Unmapped        []Field       `json:"unmapped"`
	UnmappedHeaders []string      `json:"unmappedHeaders"`
	MissingRequired []Field       `json:"missingRequired,omitempty"`
}

// Err returns a *MissingFieldsError when a required field is unmapped.
func (r MappingResult) Err() error {
	if len(r.MissingRequired) == 0 {
		return nil
	}
	return &MissingFieldsError{Fields: r.MissingRequired}
}

// Column returns the raw column index mapped to f.
func (r MappingResult) Column(f Field) (int, bool) {
	for _, m := range r.Matches {
		if m.Field == f {
			return m.Column, true
		}
	}
	return -1, false
}

// AliasTable lists curated header synonyms per canonical field.
type AliasTable map[Field][]string

// DefaultAliases returns the built-in alias table.
func DefaultAliases() AliasTable {
	table, err := parseAliases(defaultAliasYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded alias table: %v", err))
	}
	return table
}

// LoadAliases reads an alias table from a YAML file. An empty path returns
// the built-in table.
func LoadAliases(path string) (AliasTable, error) {
	if path == "" {
		return DefaultAliases(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alias file: %w", err)
	}
	return parseAliases(data)
}

func parseAliases(data []byte) (AliasTable, error) {
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse alias table: %w", err)
	}
	table := make(AliasTable, len(raw))
	for name, aliases := range raw {
		spec, ok := LookupField(name)
		if !ok {
			return nil, fmt.Errorf("parse alias table: unknown field %q", name)
		}
		table[spec.Field] = aliases
	}
	return table, nil
}

// Mapper infers column mappings. It is immutable and safe for concurrent use.
type Mapper struct {
	threshold float64
	fields    []FieldSpec
	known     map[Field][]string   // normalized exact names
	aliases   map[Field][]string   // normalized aliases
	tokens    map[Field][][]string // token lists of known names and aliases
}

// NewMapper builds a Mapper. A threshold outside (0, 1) uses DefaultFuzzyThreshold.
func NewMapper(aliases AliasTable, threshold float64) *Mapper {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultFuzzyThreshold
	}
	m := &Mapper{
		threshold: threshold,
		fields:    CanonicalFields(),
		known:     make(map[Field][]string),
		aliases:   make(map[Field][]string),
		tokens:    make(map[Field][][]string),
	}
	for _, spec := range m.fields {
		for _, name := range []string{spec.Header, string(spec.Field)} {
			m.known[spec.Field] = append(m.known[spec.Field], strings.ToLower(strings.TrimSpace(name)))
			m.tokens[spec.Field] = append(m.tokens[spec.Field], tokenizeHeader(name))
		}
		for _, alias := range aliases[spec.Field] {
			if norm := normalizeHeader(alias); norm != "" {
				m.aliases[spec.Field] = append(m.aliases[spec.Field], norm)
				m.tokens[spec.Field] = append(m.tokens[spec.Field], tokenizeHeader(alias))
			}
		}
	}
	return m
}

// Infer returns the best-effort mapping for headers.
func (m *Mapper) Infer(headers []string) MappingResult {
	matched := make(map[Field]FieldMatch)
	usedCol := make(map[int]bool)

	claim := func(spec FieldSpec, col int, method MatchMethod, confidence float64) {
		matched[spec.Field] = FieldMatch{
			Field:      spec.Field,
			Header:     headers[col],
			Column:     col,
			Method:     method,
			Confidence: confidence,
		}
		usedCol[col] = true
	}

	// Stage 1: exact
	for _, spec := range m.fields {
		for col, h := range headers {
			if usedCol[col] {
				continue
			}
			if containsString(m.known[spec.Field], strings.ToLower(strings.TrimSpace(h))) {
				claim(spec, col, MatchExact, confidenceExact)
				break
			}
		}
	}

	// Stage 2: alias
	for _, spec := range m.fields {
		if _, done := matched[spec.Field]; done {
			continue
		}
		for col, h := range headers {
			if usedCol[col] {
				continue
			}
			if containsString(m.aliases[spec.Field], normalizeHeader(h)) {
				claim(spec, col, MatchAlias, confidenceAlias)
				break
			}
		}
	}

	// Stage 3: fuzzy. Candidates are ranked globally so the strongest pair
	// wins a contested header; ties fall back to field order, then column.
	type candidate struct {
		spec  FieldSpec
		order int
		col   int
		score float64
	}
	var candidates []candidate
	for order, spec := range m.fields {
		if _, done := matched[spec.Field]; done {
			continue
		}
		for col, h := range headers {
			if usedCol[col] {
				continue
			}
			ht := tokenizeHeader(h)
			best := 0.0
			for _, nt := range m.tokens[spec.Field] {
				if s := tokenOverlap(ht, nt); s > best {
					best = s
				}
			}
			if best > m.threshold {
				candidates = append(candidates, candidate{spec, order, col, best})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].order != candidates[j].order {
			return candidates[i].order < candidates[j].order
		}
		return candidates[i].col < candidates[j].col
	})
	for _, c := range candidates {
		if _, done := matched[c.spec.Field]; done || usedCol[c.col] {
			continue
		}
		claim(c.spec, c.col, MatchFuzzy, c.score)
	}

	return m.result(headers, matched)
}

// Apply infers a mapping and then applies manual overrides. An override to
// "" clears a field. Overriding a header that another field inferred leaves
// that other field unmapped.
func (m *Mapper) Apply(headers []string, overrides ColumnMapping) (MappingResult, error) {
	inferred := m.Infer(headers)
	if len(overrides) == 0 {
		return inferred, nil
	}

	for f := range overrides {
		if _, ok := LookupField(string(f)); !ok {
			return MappingResult{}, fmt.Errorf("%w: unknown field %q", ErrInvalidMapping, f)
		}
	}

	matched := make(map[Field]FieldMatch, len(inferred.Matches))
	for _, fm := range inferred.Matches {
		matched[fm.Field] = fm
	}

	idx := make(map[string]int, len(headers))
	for col, h := range headers {
		idx[h] = col
	}
	lowerIdx := MakeHeaderIndex(headers)

	claimed := make(map[int]Field)
	for _, spec := range m.fields {
		header, ok := overrides[spec.Field]
		if !ok {
			continue
		}
		delete(matched, spec.Field)
		if strings.TrimSpace(header) == "" {
			continue
		}

		col, found := idx[header]
		if !found {
			col, found = lowerIdx[strings.ToLower(strings.TrimSpace(header))]
		}
		if !found {
			return MappingResult{}, fmt.Errorf("%w: header %q not found for %s", ErrInvalidMapping, header, spec.Field)
		}
		if other, dup := claimed[col]; dup {
			return MappingResult{}, fmt.Errorf("%w: header %q mapped to both %s and %s", ErrInvalidMapping, headers[col], other, spec.Field)
		}
		claimed[col] = spec.Field
		matched[spec.Field] = FieldMatch{
			Field:      spec.Field,
			Header:     headers[col],
			Column:     col,
			Method:     MatchManual,
			Confidence: confidenceManual,
		}
	}

	// Inferred fields lose headers that an override claimed.
	for f, fm := range matched {
		if fm.Method == MatchManual {
			continue
		}
		if _, taken := claimed[fm.Column]; taken {
			delete(matched, f)
		}
	}

	return m.result(headers, matched), nil
}

// result assembles a MappingResult in canonical field order.
func (m *Mapper) result(headers []string, matched map[Field]FieldMatch) MappingResult {
	res := MappingResult{Mapping: make(ColumnMapping, len(matched))}
	usedCol := make(map[int]bool, len(matched))

	for _, spec := range m.fields {
		fm, ok := matched[spec.Field]
		if !ok {
			res.Unmapped = append(res.Unmapped, spec.Field)
			continue
		}
		res.Mapping[spec.Field] = fm.Header
		res.Matches = append(res.Matches, fm)
		usedCol[fm.Column] = true
	}
	for _, f := range RequiredFields() {
		if _, ok := matched[f]; !ok {
			res.MissingRequired = append(res.MissingRequired, f)
		}
	}
	for col, h := range headers {
		if !usedCol[col] {
			res.UnmappedHeaders = append(res.UnmappedHeaders, h)
		}
	}
	return res
}

func containsString(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
