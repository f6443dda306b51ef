package core

import (
	"fmt"
	"sort"
	"sync"
)

// TypeCategory selects which milestone set a component type receives.
type TypeCategory string

const (
	CategoryFull       TypeCategory = "full"
	CategoryReduced    TypeCategory = "reduced"
	CategoryFieldWeld  TypeCategory = "field_weld"
	CategoryInsulation TypeCategory = "insulation"
	CategoryPaint      TypeCategory = "paint"
)

// DefaultComponentType is assigned when a row leaves the type blank.
const DefaultComponentType = "MISC"

// ComponentType is a known component type code and its default category.
type ComponentType struct {
	Code     string
	Category TypeCategory
}

var (
	typeRegistry   = make(map[string]ComponentType)
	typeRegistryMu sync.RWMutex
)

func init() {
	for _, t := range []ComponentType{
		{"SPOOL", CategoryFull},
		{"PIPE", CategoryFull},
		{"VALVE", CategoryFull},
		{"FITTING", CategoryFull},
		{"FLANGE", CategoryFull},
		{"INSTRUMENT", CategoryFull},
		{DefaultComponentType, CategoryFull},
		{"SUPPORT", CategoryReduced},
		{"HANGER", CategoryReduced},
		{"GASKET", CategoryReduced},
		{"BOLT", CategoryReduced},
		{"FIELD_WELD", CategoryFieldWeld},
		{"INSULATION", CategoryInsulation},
		{"PAINT", CategoryPaint},
	} {
		RegisterType(t)
	}
}

// RegisterType adds a component type to the registry.
// Panics if the code is already registered.
func RegisterType(t ComponentType) {
	typeRegistryMu.Lock()
	defer typeRegistryMu.Unlock()

	if _, exists := typeRegistry[t.Code]; exists {
		panic(fmt.Sprintf("component type already registered: %s", t.Code))
	}
	typeRegistry[t.Code] = t
}

// LookupType returns a registered component type by normalized code.
func LookupType(code string) (ComponentType, bool) {
	typeRegistryMu.RLock()
	defer typeRegistryMu.RUnlock()

	t, ok := typeRegistry[code]
	return t, ok
}

// TypeCodes returns all registered codes sorted alphabetically.
func TypeCodes() []string {
	typeRegistryMu.RLock()
	defer typeRegistryMu.RUnlock()

	codes := make([]string, 0, len(typeRegistry))
	for code := range typeRegistry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
