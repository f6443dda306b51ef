package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// MilestoneDefinition is one ordered checkpoint in a template.
type MilestoneDefinition struct {
	Name     string `json:"name"`
	Sequence int    `json:"sequence"`
}

// MilestoneTemplate is a project's active milestone configuration.
// Read-only to the import pipeline.
type MilestoneTemplate struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Version   int

	Categories map[TypeCategory][]MilestoneDefinition

	// TypeCategories overrides the registry's type-to-category defaults.
	TypeCategories map[string]TypeCategory
}

// templateDocument is the stored JSON shape. Category entries may be
// objects or bare names; bare names take their position as sequence.
type templateDocument struct {
	Version        int                                 `json:"version"`
	Categories     map[string][]templateMilestoneEntry `json:"categories"`
	TypeCategories map[string]string                   `json:"typeCategories"`
}

type templateMilestoneEntry struct {
	MilestoneDefinition
}

func (e *templateMilestoneEntry) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		e.Name = name
		return nil
	}
	return json.Unmarshal(data, &e.MilestoneDefinition)
}

// ParseMilestoneTemplate decodes a stored template. Some rows hold the
// document as a JSON string wrapping the JSON object; that encoding is
// unwrapped before decoding.
func ParseMilestoneTemplate(raw []byte) (*MilestoneTemplate, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidTemplate)
	}

	// Unwrap at most twice; deeper nesting is not something writers produce.
	for i := 0; i < 2 && raw[0] == '"'; i++ {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
		raw = bytes.TrimSpace([]byte(inner))
		if len(raw) == 0 {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidTemplate)
		}
	}

	var doc templateDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	if len(doc.Categories) == 0 {
		return nil, fmt.Errorf("%w: no categories", ErrInvalidTemplate)
	}

	tpl := &MilestoneTemplate{
		Version:        doc.Version,
		Categories:     make(map[TypeCategory][]MilestoneDefinition, len(doc.Categories)),
		TypeCategories: make(map[string]TypeCategory, len(doc.TypeCategories)),
	}
	for cat, entries := range doc.Categories {
		defs, err := normalizeDefinitions(entries)
		if err != nil {
			return nil, fmt.Errorf("%w: category %s: %v", ErrInvalidTemplate, cat, err)
		}
		tpl.Categories[TypeCategory(strings.ToLower(strings.TrimSpace(cat)))] = defs
	}
	for code, cat := range doc.TypeCategories {
		tpl.TypeCategories[NormalizeComponentType(code)] = TypeCategory(strings.ToLower(strings.TrimSpace(cat)))
	}
	return tpl, nil
}

// normalizeDefinitions orders entries by sequence and rejects blank or
// repeated names.
func normalizeDefinitions(entries []templateMilestoneEntry) ([]MilestoneDefinition, error) {
	defs := make([]MilestoneDefinition, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		d := e.MilestoneDefinition
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return nil, fmt.Errorf("milestone %d has no name", i+1)
		}
		key := strings.ToLower(d.Name)
		if seen[key] {
			return nil, fmt.Errorf("milestone %q listed twice", d.Name)
		}
		seen[key] = true
		if d.Sequence == 0 {
			d.Sequence = i + 1
		}
		defs = append(defs, d)
	}
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Sequence < defs[j].Sequence })
	return defs, nil
}

// CategoryFor resolves a component type to its milestone category.
func (t *MilestoneTemplate) CategoryFor(componentType string) (TypeCategory, bool) {
	if cat, ok := t.TypeCategories[componentType]; ok {
		return cat, true
	}
	if ct, ok := LookupType(componentType); ok {
		return ct.Category, true
	}
	return "", false
}

// MilestonesFor returns the milestone set for a component type.
func (t *MilestoneTemplate) MilestonesFor(componentType string) ([]MilestoneDefinition, error) {
	cat, ok := t.CategoryFor(componentType)
	if !ok {
		return nil, fmt.Errorf("%w: type %s has no category", ErrNoMilestoneTemplate, componentType)
	}
	defs, ok := t.Categories[cat]
	if !ok {
		return nil, fmt.Errorf("%w: no milestones for category %s", ErrNoMilestoneTemplate, cat)
	}
	return defs, nil
}

// DefaultTemplateJSON is the template seeded for projects in development mode.
const DefaultTemplateJSON = `{
  "version": 1,
  "categories": {
    "full": ["Receive", "Erect", "Connect", "Support", "Punch", "Test", "Restore"],
    "reduced": ["Receive", "Install", "Punch", "Test", "Restore"],
    "field_weld": ["Fit-up", "Weld Made", "Punch", "Test", "Restore"],
    "insulation": ["Insulate", "Metal Out"],
    "paint": ["Primer", "Finish Coat"]
  }
}`
