package core

// convert.go provides cell cleanup and normalization for spreadsheet data.
//
// These functions handle the messy reality of exported piping takeoffs:
//   - Multiple date formats (US, EU, ISO, etc.)
//   - Nominal sizes written as fractions, mixed numbers, reducers or DN
//   - Drawing numbers and identifiers with stray case and spacing
//   - Excel formula prefixes (="value")
//
// All ToPg* functions return pgtype values with Valid=false for empty/invalid input,
// allowing the database to handle NULLs appropriately.

import (
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would result in dates more than this many years in the future
// are assumed to be in the previous century.
var TwoDigitYearPivot = 20

// Date layouts split by year format for proper 2-digit year handling
var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006", "2-Jan-2006", "02-Jan-06",
		"2006-01-02T15:04:05Z07:00", "2006-01-02 15:04:05",
		"20060102",
	}
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)

	// sizeNumber is one nominal size: 2, 0.75, .5, 1/2, 1-1/2, 1 1/2
	sizeNumber = `(?:\d+(?:\.\d+)?|\.\d+|\d+/\d+|\d+[- ]\d+/\d+)`
	sizeRegex  = regexp.MustCompile(`^` + sizeNumber + `(?:X` + sizeNumber + `)?$`)
	dnRegex    = regexp.MustCompile(`^DN ?(\d{1,4})$`)
	fraction   = regexp.MustCompile(`(\d+)/(\d+)`)
)

// ToPgText converts a string to pgtype.Text.
// Returns invalid if the string is empty or only whitespace.
func ToPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// ToPgDate converts a string to pgtype.Date.
// Supports multiple date formats and handles 2-digit years with pivot.
func ToPgDate(s string) pgtype.Date {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Date{Valid: false}
	}

	// Try 4-digit year layouts first (unambiguous)
	for _, layout := range fourDigitYearLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			y, m, d := t.Date()
			return pgtype.Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Valid: true}
		}
	}

	// Try 2-digit year layouts with pivot year adjustment
	currentYear := time.Now().Year()
	pivotYear := currentYear + TwoDigitYearPivot

	for _, layout := range twoDigitYearLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return pgtype.Date{Time: t, Valid: true}
		}
	}

	return pgtype.Date{Valid: false}
}

// ParseDimension reports whether s is a nominal size token and returns its
// canonical spelling. Inch marks are dropped, mixed numbers use a dash and
// reducing sizes are joined with a lowercase x ("3x2"). Metric sizes come
// back as "DN50".
func ParseDimension(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "", false
	}

	if m := dnRegex.FindStringSubmatch(s); m != nil {
		return "DN" + m[1], true
	}

	s = strings.ReplaceAll(s, `"`, "")
	s = strings.ReplaceAll(s, "INCHES", "")
	s = strings.ReplaceAll(s, "INCH", "")
	s = strings.ReplaceAll(s, "IN", "")
	s = strings.ReplaceAll(s, "×", "X")
	s = strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
	s = strings.ReplaceAll(s, " X ", "X")
	s = strings.ReplaceAll(s, " X", "X")
	s = strings.ReplaceAll(s, "X ", "X")

	if !sizeRegex.MatchString(s) {
		return "", false
	}
	for _, m := range fraction.FindAllStringSubmatch(s, -1) {
		if strings.TrimLeft(m[2], "0") == "" {
			return "", false
		}
	}

	s = strings.ReplaceAll(s, " ", "-")
	return strings.ReplaceAll(s, "X", "x"), true
}

// NormalizeSize returns the canonical spelling of a size, or the trimmed
// input when it is not a recognised token (validation reports that case).
func NormalizeSize(s string) string {
	if norm, ok := ParseDimension(s); ok {
		return norm
	}
	return strings.TrimSpace(s)
}

// NormalizeDrawingNumber upper-cases a drawing number and collapses internal
// whitespace so "dwg-100 " and "DWG-100" resolve to the same drawing.
func NormalizeDrawingNumber(s string) string {
	s = strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
	return strings.ToUpper(s)
}

// NormalizeIdentifier trims and upper-cases a component identifier.
func NormalizeIdentifier(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeComponentType maps free-form type text onto a registered code:
// upper-case, spaces and dashes become underscores, and a trailing plural
// S is dropped when that yields a known type ("Valves" -> "VALVE").
// Blank input becomes DefaultComponentType.
func NormalizeComponentType(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultComponentType
	}
	s = strings.ToUpper(whitespaceRun.ReplaceAllString(s, "_"))
	s = strings.ReplaceAll(s, "-", "_")

	if _, ok := LookupType(s); ok {
		return s
	}
	if singular := strings.TrimSuffix(s, "S"); singular != s {
		if _, ok := LookupType(singular); ok {
			return singular
		}
	}
	return s
}

// MakeHeaderIndex creates a HeaderIndex from a header row.
// Keys are lowercased for case-insensitive matching.
func MakeHeaderIndex(header []string) HeaderIndex {
	idx := make(HeaderIndex, len(header))
	for i, h := range header {
		key := strings.ToLower(CleanCell(h))
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

// CleanCell removes common spreadsheet artifacts from a cell value:
// - Trims whitespace
// - Removes Excel formula prefix (="...")
// - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	// Remove leading '='
	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	// Remove any surrounding quotes
	s = strings.Trim(s, `"'`)

	return strings.TrimSpace(s)
}
