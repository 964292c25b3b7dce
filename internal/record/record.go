// Package record turns raw notification payloads into typed sensor records and
// assigns them synthetic wall-clock timestamps.
//
// The peripheral has no real-time clock and may flush historical samples in a
// burst, so timestamps are reconstructed from a fixed sampling cadence instead
// of host receipt time.
package record

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the declared type of a record field
type Kind int

const (
	KindFloat Kind = iota
	KindInt
	KindString
)

// String returns the config spelling of the kind
func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind converts a config spelling into a Kind
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float", "number", "":
		return KindFloat, nil
	case "int", "integer":
		return KindInt, nil
	case "string", "text":
		return KindString, nil
	default:
		return 0, fmt.Errorf("unknown field type %q (must be float, int, or string)", s)
	}
}

// Field describes one column of a record
type Field struct {
	Name     string
	Kind     Kind
	Optional bool
}

// Schema is the ordered list of fields expected on every line.
// Optional fields may only appear after all required ones.
type Schema []Field

// Names returns the field names in order
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// Required returns the number of leading non-optional fields
func (s Schema) Required() int {
	n := 0
	for _, f := range s {
		if f.Optional {
			break
		}
		n++
	}
	return n
}

// Validate checks that the schema is usable for decoding
func (s Schema) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("schema has no fields")
	}
	seen := make(map[string]struct{}, len(s))
	optional := false
	for i, f := range s {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("field %d has no name", i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("duplicate field name %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		if optional && !f.Optional {
			return fmt.Errorf("required field %q follows an optional field", f.Name)
		}
		optional = optional || f.Optional
	}
	return nil
}

// Value is one decoded field. Raw keeps the text exactly as received so the
// sink can persist it without float re-formatting.
type Value struct {
	Kind  Kind
	Raw   string
	Float float64
	Int   int64
}

// Record is one decoded measurement. Index is the sample index within the
// session and is zero until the record is stamped.
type Record struct {
	Index  uint64
	Values []Value
}

// Stamped is a record with its reconstructed timestamp
type Stamped struct {
	Record
	Timestamp time.Time
}

// Fields returns the raw text of every value in order
func (r Record) Fields() []string {
	out := make([]string, len(r.Values))
	for i, v := range r.Values {
		out[i] = v.Raw
	}
	return out
}
