package calibre

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/slongfield/pyfmt"
)

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// CalibreCustomColumn is a single user-defined column value, as nested
// inside a book's user_metadata map under "#value#". isReadColumn,
// isReadDateColumn, and favoriteColumn lookups all resolve through this
// type.
type CalibreCustomColumn struct {
	Value    interface{}          `json:"#value#" mapstructure:"#value#"`
	Label    string               `json:"label" mapstructure:"label"`
	Datatype CalCustomColDataType `json:"datatype" mapstructure:"datatype"`
	Name     string               `json:"name" mapstructure:"name"`
	IsCustom bool                 `json:"is_custom" mapstructure:"is_custom"`
}

// CalCustomColDataType is the data type a custom column holds.
type CalCustomColDataType string

// KnownType reports whether the data type is one this package knows how
// to format.
func (t CalCustomColDataType) KnownType() bool {
	switch t {
	case "int", "series", "bool", "text", "composite", "rating",
		"comments", "enumeration", "datetime", "float":
		return true
	}
	return false
}

// Bool returns the column's value coerced to a bool. Missing or
// wrong-typed columns default to false, per the §4.B lookup contract.
func (c *CalibreCustomColumn) Bool() bool {
	if c == nil || c.Value == nil {
		return false
	}
	b, ok := c.Value.(bool)
	return ok && b
}

// String returns the column's value coerced to its display string.
// Missing or unknown-typed columns default to "".
func (c *CalibreCustomColumn) String() string {
	if c == nil || c.Value == nil || !c.Datatype.KnownType() {
		return ""
	}
	switch c.Datatype {
	case "text", "comments", "series", "enumeration", "datetime", "composite":
		if s, ok := c.Value.(string); ok {
			return s
		}
		return ""
	case "float":
		if f, ok := c.Value.(float64); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	case "int", "rating":
		if f, ok := c.Value.(float64); ok {
			return strconv.Itoa(int(f))
		}
	case "bool":
		if b, ok := c.Value.(bool); ok {
			return strconv.FormatBool(b)
		}
	}
	return ""
}

// FormattedNumber renders an int/float custom column through a
// Calibre-style Python format string (e.g. "{:.1f}"), falling back to a
// plain decimal rendering if the format string is empty or invalid.
func (c *CalibreCustomColumn) FormattedNumber(pyFormat string) string {
	if c == nil || c.Value == nil {
		return ""
	}
	f, ok := c.Value.(float64)
	if !ok {
		return ""
	}
	if pyFormat == "" {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if c.Datatype == "int" {
		if s, err := pyfmt.Fmt(pyFormat, int(f)); err == nil {
			return s
		}
		return strconv.Itoa(int(f))
	}
	if s, err := pyfmt.Fmt(pyFormat, f); err == nil {
		return s
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// DateTime parses a datetime custom column's ISO-8601 value.
func (c *CalibreCustomColumn) DateTime() (time.Time, bool) {
	if c == nil || c.Datatype != "datetime" {
		return time.Time{}, false
	}
	s, ok := c.Value.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// UserMetadataBool looks up <col>["#value#"] inside a user_metadata map
// and coerces it to bool, defaulting to false for a missing column - the
// lookup contract spec.md §4.B specifies for readColumn/favoriteColumn.
func UserMetadataBool(userMetadata map[string]CalibreCustomColumn, column string) bool {
	if column == "" {
		return false
	}
	col, ok := userMetadata[column]
	if !ok {
		return false
	}
	return col.Bool()
}

// UserMetadataString looks up <col>["#value#"] inside a user_metadata map
// and coerces it to its display string, defaulting to "" for a missing
// column - the lookup contract spec.md §4.B specifies for
// readDateColumn.
func UserMetadataString(userMetadata map[string]CalibreCustomColumn, column string) string {
	if column == "" {
		return ""
	}
	col, ok := userMetadata[column]
	if !ok {
		return ""
	}
	return strings.TrimSpace(col.String())
}
