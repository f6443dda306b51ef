package core

// Field is a canonical schema field that raw headers are mapped onto.
type Field string

const (
	FieldDrawingNumber       Field = "drawingNumber"
	FieldComponentIdentifier Field = "componentIdentifier"
	FieldComponentType       Field = "componentType"
	FieldDescription         Field = "description"
	FieldSize                Field = "size"
	FieldMaterialSpec        Field = "materialSpec"
	FieldArea                Field = "area"
	FieldSystem              Field = "system"
	FieldTestPackage         Field = "testPackage"
	FieldCommodityCode       Field = "commodityCode"
	FieldReceivedDate        Field = "receivedDate"
)

// FieldType represents the expected data type for a canonical field.
type FieldType int

const (
	FieldText FieldType = iota
	FieldEnum
	FieldDate
	FieldDimension
)

// FieldSpec defines the known header and validation rules for a canonical field.
type FieldSpec struct {
	Field      Field
	Header     string // Known header name, matched case-insensitively
	Type       FieldType
	Required   bool
	MaxLength  int
	Normalizer func(string) string
}

// canonicalFields is ordered; mapping and validation walk it front to back.
var canonicalFields = []FieldSpec{
	{Field: FieldDrawingNumber, Header: "Drawing Number", Type: FieldText, Required: true, MaxLength: 100, Normalizer: NormalizeDrawingNumber},
	{Field: FieldComponentIdentifier, Header: "Component ID", Type: FieldText, Required: true, MaxLength: 100, Normalizer: NormalizeIdentifier},
	{Field: FieldComponentType, Header: "Component Type", Type: FieldEnum, Normalizer: NormalizeComponentType},
	{Field: FieldDescription, Header: "Description", Type: FieldText, MaxLength: 500},
	{Field: FieldSize, Header: "Size", Type: FieldDimension, MaxLength: 50, Normalizer: NormalizeSize},
	{Field: FieldMaterialSpec, Header: "Material Spec", Type: FieldText, MaxLength: 100},
	{Field: FieldArea, Header: "Area", Type: FieldText, MaxLength: 100},
	{Field: FieldSystem, Header: "System", Type: FieldText, MaxLength: 100},
	{Field: FieldTestPackage, Header: "Test Package", Type: FieldText, MaxLength: 100},
	{Field: FieldCommodityCode, Header: "Commodity Code", Type: FieldText, MaxLength: 100},
	{Field: FieldReceivedDate, Header: "Received Date", Type: FieldDate},
}

// CanonicalFields returns the canonical schema in mapping order.
func CanonicalFields() []FieldSpec {
	out := make([]FieldSpec, len(canonicalFields))
	copy(out, canonicalFields)
	return out
}

// RequiredFields lists the fields a mapping must cover.
func RequiredFields() []Field {
	var out []Field
	for _, spec := range canonicalFields {
		if spec.Required {
			out = append(out, spec.Field)
		}
	}
	return out
}

// LookupField returns the spec for a canonical field name.
func LookupField(name string) (FieldSpec, bool) {
	for _, spec := range canonicalFields {
		if string(spec.Field) == name {
			return spec, true
		}
	}
	return FieldSpec{}, false
}
