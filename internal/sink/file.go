package sink

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/record"
)

// DefaultTimeLayout matches the "%Y-%m-%d %H:%M:%S" layout of the sensor logs
const DefaultTimeLayout = "2006-01-02 15:04:05"

// ErrClosed is returned by Append after Close
var ErrClosed = errors.New("sink closed")

// FileOptions configures a FileSink
type FileOptions struct {
	Delimiter  string
	TimeLayout string
	Logger     *logrus.Logger
}

// appendFile is the subset of *os.File the sink needs
type appendFile interface {
	io.Writer
	io.ReaderAt
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Close() error
}

// openAppendFile opens path for appending (can be overridden in tests)
var openAppendFile = func(path string) (appendFile, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
}

// FileSink appends records as delimited text lines to a single file
type FileSink struct {
	mu        sync.Mutex
	path      string
	file      appendFile
	size      int64
	delimiter string
	layout    string
	logger    *logrus.Logger
	closed    bool
}

// OpenFile opens path in append mode. Existing content is never truncated;
// an unterminated last line is closed with a newline so new records start
// on a line of their own. The header line is written only when the file is
// empty.
func OpenFile(path string, header []string, opts FileOptions) (*FileSink, error) {
	if opts.Delimiter == "" {
		opts.Delimiter = record.DefaultDelimiter
	}
	if opts.TimeLayout == "" {
		opts.TimeLayout = DefaultTimeLayout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	f, err := openAppendFile(path)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}

	s := &FileSink{
		path:      path,
		file:      f,
		delimiter: opts.Delimiter,
		layout:    opts.TimeLayout,
		logger:    opts.Logger,
	}

	if err := s.bootstrap(header); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileSink) bootstrap(header []string) error {
	stat, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat output file: %w", err)
	}
	s.size = stat.Size()

	if s.size > 0 {
		if err := s.terminateLastLine(); err != nil {
			return err
		}
	}
	if s.size > 0 || len(header) == 0 {
		return nil
	}

	if err := s.writeLine([]byte(strings.Join(header, s.delimiter) + "\n")); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	s.logger.WithField("path", s.path).Debug("Created output file with header")
	return nil
}

// terminateLastLine appends a newline when the file does not end with one
func (s *FileSink) terminateLastLine() error {
	var last [1]byte
	if _, err := s.file.ReadAt(last[:], s.size-1); err != nil {
		return fmt.Errorf("read output tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}

	s.logger.WithField("path", s.path).Warn("Output file does not end with a newline, terminating last line")
	if err := s.writeLine([]byte("\n")); err != nil {
		return fmt.Errorf("terminate last line: %w", err)
	}
	return nil
}

// Append writes rec as one line and syncs it to disk
func (s *FileSink) Append(rec record.Stamped) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &WriteError{Index: rec.Index, Err: ErrClosed}
	}

	if err := s.writeLine(s.format(rec)); err != nil {
		return &WriteError{Index: rec.Index, Err: err}
	}
	return nil
}

func (s *FileSink) format(rec record.Stamped) []byte {
	var b bytes.Buffer
	b.WriteString(rec.Timestamp.Format(s.layout))
	for _, v := range rec.Values {
		b.WriteString(s.delimiter)
		b.WriteString(v.Raw)
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// writeLine writes line with a single call and rolls back on failure so the
// file never ends with a torn line
func (s *FileSink) writeLine(line []byte) error {
	n, err := s.file.Write(line)
	if err == nil && n < len(line) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = s.file.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := s.file.Truncate(s.size); terr != nil {
				s.logger.WithFields(logrus.Fields{
					"path":  s.path,
					"error": terr,
				}).Error("Failed to roll back partial write")
			}
		}
		return err
	}
	s.size += int64(n)
	return nil
}

// Path returns the output file path
func (s *FileSink) Path() string {
	return s.path
}

// Close closes the file. It is safe to call more than once.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
