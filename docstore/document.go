package docstore

import (
	"time"

	"github.com/bytedance/sonic"
)

// Document is a snapshot of a stored document. Field values are kept in their
// encoded form and decoded on access.
type Document struct {
	Path   string
	fields map[string]string
}

func newDocument(path string, fields map[string]string) *Document {
	return &Document{Path: path, fields: fields}
}

// ID returns the last segment of the document path.
func (d *Document) ID() string {
	_, id, err := splitDoc(d.Path)
	if err != nil {
		return ""
	}
	return id
}

// Has reports whether the document carries field.
func (d *Document) Has(field string) bool {
	_, ok := d.fields[field]
	return ok
}

// Decode unmarshals field into v. A missing field leaves v untouched.
func (d *Document) Decode(field string, v any) error {
	raw, ok := d.fields[field]
	if !ok {
		return nil
	}
	return sonic.UnmarshalString(raw, v)
}

// String returns a string field, or "" when missing or of another type.
func (d *Document) String(field string) string {
	var s string
	if err := d.Decode(field, &s); err != nil {
		return ""
	}
	return s
}

// Int returns an integer field, or 0 when missing or of another type.
func (d *Document) Int(field string) int64 {
	var n int64
	if err := d.Decode(field, &n); err != nil {
		return 0
	}
	return n
}

// Float returns a numeric field, or 0 when missing or of another type.
func (d *Document) Float(field string) float64 {
	var f float64
	if err := d.Decode(field, &f); err != nil {
		return 0
	}
	return f
}

// Time returns a timestamp field, or the zero time when missing or malformed.
func (d *Document) Time(field string) time.Time {
	var t time.Time
	if err := d.Decode(field, &t); err != nil {
		return time.Time{}
	}
	return t
}

// Strings returns a string list field, or nil when missing or of another type.
func (d *Document) Strings(field string) []string {
	var ss []string
	if err := d.Decode(field, &ss); err != nil {
		return nil
	}
	return ss
}
