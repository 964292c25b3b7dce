// Package sink persists stamped records to append-only storage.
//
// Every successful Append is durable before it returns. A failed Append
// leaves previously written records intact and writes nothing of the failed
// record.
package sink

import (
	"fmt"

	"github.com/srg/blelog/internal/record"
)

// Sink appends stamped records to durable storage. Implementations are used
// from a single pipeline goroutine.
type Sink interface {
	Append(rec record.Stamped) error
	Close() error
}

// Format selects the storage backend
type Format string

const (
	FormatCSV    Format = "csv"
	FormatSQLite Format = "sqlite"
)

// ParseFormat validates a config spelling of Format
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, "":
		return FormatCSV, nil
	case FormatSQLite:
		return FormatSQLite, nil
	default:
		return "", fmt.Errorf("unknown sink format %q (must be csv or sqlite)", s)
	}
}

// WriteError reports a record that could not be persisted
type WriteError struct {
	Index uint64 // sample index of the record that was not written
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("record %d not written: %v", e.Index, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// TimestampHeader is the name of the leading column
const TimestampHeader = "timestamp"

// Header returns the column names for a schema, timestamp first
func Header(fields []string) []string {
	return append([]string{TimestampHeader}, fields...)
}
