package record_test

import (
	"errors"
	"testing"

	"github.com/srg/blelog/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoFloatSchema() record.Schema {
	return record.Schema{
		{Name: "value1", Kind: record.KindFloat},
		{Name: "value2", Kind: record.KindFloat},
	}
}

func newDecoder(t *testing.T, schema record.Schema) *record.Decoder {
	t.Helper()
	dec, err := record.NewDecoder(schema, "")
	require.NoError(t, err, "decoder creation MUST succeed")
	return dec
}

func TestDecoder_TwoLinePayload(t *testing.T) {
	// GOAL: Verify a batched payload yields one record per line with parsed float fields
	//
	// TEST SCENARIO: "1.23,4.56\n7.89,0.12\n" → two records → fields match in order

	dec := newDecoder(t, twoFloatSchema())

	records, errs := dec.Decode([]byte("1.23,4.56\n7.89,0.12\n"))

	assert.Empty(t, errs, "well-formed payload MUST NOT produce decode errors")
	require.Len(t, records, 2, "MUST decode two records")
	assert.Equal(t, 1.23, records[0].Values[0].Float)
	assert.Equal(t, 4.56, records[0].Values[1].Float)
	assert.Equal(t, 7.89, records[1].Values[0].Float)
	assert.Equal(t, 0.12, records[1].Values[1].Float)
	assert.Equal(t, []string{"1.23", "4.56"}, records[0].Fields(), "raw text MUST be preserved")
}

func TestDecoder_PartialFailure(t *testing.T) {
	// GOAL: Verify malformed lines are reported individually while good lines still decode in order
	//
	// TEST SCENARIO: N good lines interleaved with M bad lines → N records in original order, M errors

	dec := newDecoder(t, twoFloatSchema())

	payload := "1,2\n" +
		"oops\n" +
		"3,4\n" +
		"5,abc\n" +
		"6,7,8\n" +
		"9,10\n"

	records, errs := dec.Decode([]byte(payload))

	require.Len(t, records, 3, "MUST decode exactly the well-formed lines")
	assert.Equal(t, []string{"1", "2"}, records[0].Fields())
	assert.Equal(t, []string{"3", "4"}, records[1].Fields())
	assert.Equal(t, []string{"9", "10"}, records[2].Fields())

	require.Len(t, errs, 3, "MUST report one error per malformed line")
	assert.Equal(t, 1, errs[0].Line)
	assert.Equal(t, 3, errs[1].Line)
	assert.Equal(t, "value2", errs[1].Field, "field-level error MUST name the field")
	assert.Equal(t, 4, errs[2].Line)
	assert.Contains(t, errs[2].Error(), "got 3 fields, want 2")
}

func TestDecoder_EdgeCases(t *testing.T) {
	dec := newDecoder(t, twoFloatSchema())

	tests := []struct {
		name        string
		payload     []byte
		wantRecords int
		wantErrors  int
	}{
		{name: "nil payload", payload: nil},
		{name: "empty payload", payload: []byte{}},
		{name: "only newlines", payload: []byte("\n\n\r\n")},
		{name: "no trailing newline", payload: []byte("1,2"), wantRecords: 1},
		{name: "CRLF line endings", payload: []byte("1,2\r\n3,4\r\n"), wantRecords: 2},
		{name: "whitespace around fields", payload: []byte(" 1 , 2 \n"), wantRecords: 1},
		{name: "invalid utf-8", payload: []byte{0xff, 0xfe, ',', '1', '\n', '1', ',', '2'}, wantRecords: 1, wantErrors: 1},
		{name: "empty field", payload: []byte("1,\n"), wantErrors: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, errs := dec.Decode(tt.payload)
			assert.Len(t, records, tt.wantRecords)
			assert.Len(t, errs, tt.wantErrors)
		})
	}
}

func TestDecoder_InvalidUTF8IsTyped(t *testing.T) {
	dec := newDecoder(t, twoFloatSchema())

	_, errs := dec.Decode([]byte{0xc3, 0x28})

	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], record.ErrInvalidUTF8), "error chain MUST contain ErrInvalidUTF8")
}

func TestDecoder_IsPure(t *testing.T) {
	// GOAL: Verify decoding has no hidden state
	//
	// TEST SCENARIO: Decode the same payload twice → identical results

	dec := newDecoder(t, twoFloatSchema())
	payload := []byte("1.5,2.5\nbad\n3.5,4.5\n")

	first, firstErrs := dec.Decode(payload)
	second, secondErrs := dec.Decode(payload)

	assert.Equal(t, first, second, "records MUST be identical across calls")
	assert.Equal(t, firstErrs, secondErrs, "errors MUST be identical across calls")
}

func TestDecoder_OptionalAndTypedFields(t *testing.T) {
	schema := record.Schema{
		{Name: "time_ms", Kind: record.KindInt},
		{Name: "adc", Kind: record.KindInt},
		{Name: "voltage", Kind: record.KindFloat, Optional: true},
		{Name: "note", Kind: record.KindString, Optional: true},
	}
	dec := newDecoder(t, schema)

	records, errs := dec.Decode([]byte("100,512\n200,513,1.65\n300,514,1.66,ok\n1.5,2\n"))

	require.Len(t, records, 3)
	assert.Len(t, records[0].Values, 2, "optional fields MAY be absent")
	assert.Equal(t, int64(200), records[1].Values[0].Int)
	assert.Equal(t, 1.65, records[1].Values[2].Float)
	assert.Equal(t, "ok", records[2].Values[3].Raw)

	require.Len(t, errs, 1, "float in int field MUST fail")
	assert.Equal(t, "time_ms", errs[0].Field)
}

func TestSchema_Validate(t *testing.T) {
	tests := []struct {
		name    string
		schema  record.Schema
		wantErr string
	}{
		{name: "empty", schema: record.Schema{}, wantErr: "no fields"},
		{name: "unnamed", schema: record.Schema{{Name: " "}}, wantErr: "has no name"},
		{name: "duplicate", schema: record.Schema{{Name: "a"}, {Name: "a"}}, wantErr: "duplicate"},
		{name: "required after optional", schema: record.Schema{{Name: "a", Optional: true}, {Name: "b"}}, wantErr: "follows an optional"},
		{name: "valid", schema: record.Schema{{Name: "a"}, {Name: "b", Optional: true}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]record.Kind{
		"float":   record.KindFloat,
		"":        record.KindFloat,
		"INT":     record.KindInt,
		"integer": record.KindInt,
		"string":  record.KindString,
	} {
		got, err := record.ParseKind(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := record.ParseKind("bool")
	assert.Error(t, err, "unknown kinds MUST be rejected")
}
