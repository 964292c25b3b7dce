package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultDelimiter separates fields within a line
const DefaultDelimiter = ","

// ErrInvalidUTF8 marks a line that is not valid UTF-8 text
var ErrInvalidUTF8 = errors.New("invalid UTF-8")

// DecodeError reports a single malformed line. It never aborts decoding of
// the remaining lines in the payload.
type DecodeError struct {
	Line  int    // zero-based line number within the payload
	Text  string // the offending line, trimmed
	Field string // field name, empty for line-level problems
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("line %d %q: field %q: %v", e.Line, e.Text, e.Field, e.Err)
	}
	return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder parses newline-delimited text payloads against a Schema.
// It holds no mutable state and is safe for concurrent use.
type Decoder struct {
	schema    Schema
	delimiter string
	required  int
}

// NewDecoder creates a decoder for the schema. An empty delimiter selects DefaultDelimiter.
func NewDecoder(schema Schema, delimiter string) (*Decoder, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	return &Decoder{
		schema:    schema,
		delimiter: delimiter,
		required:  schema.Required(),
	}, nil
}

// Schema returns the schema the decoder was built with
func (d *Decoder) Schema() Schema {
	return d.schema
}

// Delimiter returns the field delimiter
func (d *Decoder) Delimiter() string {
	return d.delimiter
}

// Decode splits raw into lines and parses each into a Record, preserving
// order. Blank lines are ignored. Lines that fail to parse are returned as
// DecodeErrors. An empty payload yields no records and no errors.
func (d *Decoder) Decode(raw []byte) ([]Record, []*DecodeError) {
	if len(raw) == 0 {
		return nil, nil
	}

	var (
		records []Record
		errs    []*DecodeError
	)
	for i, line := range strings.Split(string(raw), "\n") {
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if !utf8.ValidString(text) {
			errs = append(errs, &DecodeError{Line: i, Text: text, Err: ErrInvalidUTF8})
			continue
		}
		rec, err := d.decodeLine(i, text)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

func (d *Decoder) decodeLine(n int, text string) (Record, *DecodeError) {
	parts := strings.Split(text, d.delimiter)
	if len(parts) < d.required || len(parts) > len(d.schema) {
		return Record{}, &DecodeError{
			Line: n,
			Text: text,
			Err:  fmt.Errorf("got %d fields, want %s", len(parts), d.fieldCountDescription()),
		}
	}

	values := make([]Value, len(parts))
	for i, part := range parts {
		field := d.schema[i]
		v, err := parseValue(field.Kind, strings.TrimSpace(part))
		if err != nil {
			return Record{}, &DecodeError{Line: n, Text: text, Field: field.Name, Err: err}
		}
		values[i] = v
	}
	return Record{Values: values}, nil
}

func (d *Decoder) fieldCountDescription() string {
	if d.required == len(d.schema) {
		return strconv.Itoa(d.required)
	}
	return fmt.Sprintf("%d to %d", d.required, len(d.schema))
}

func parseValue(kind Kind, raw string) (Value, error) {
	v := Value{Kind: kind, Raw: raw}
	switch kind {
	case KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("not a number: %w", errors.Unwrap(err))
		}
		v.Float = f
	case KindInt:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("not an integer: %w", errors.Unwrap(err))
		}
		v.Int = i
		v.Float = float64(i)
	case KindString:
		if strings.ContainsAny(raw, "\"\r\n") {
			return Value{}, fmt.Errorf("text contains quote or line break")
		}
	default:
		return Value{}, fmt.Errorf("unsupported kind %s", kind)
	}
	return v, nil
}
