package testutils

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T the asserter needs
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// TextAssertOptions controls how output is normalized before comparison
type TextAssertOptions struct {
	TrimSpace        bool `default:"false"`
	IgnoreEmptyLines bool `default:"false"`
	EnableColors     bool `default:"false"`
	MaxDiffLines     int  `default:"200"` // longer diffs are cut
}

// TextOption is a functional option for configuring TextAsserter
type TextOption func(*TextAssertOptions)

// TextAsserter compares produced text (log files, console output) with the
// expected text and reports a unified diff on mismatch
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

// NewTextAsserter creates a TextAsserter with default options
func NewTextAsserter(t TestingT, opts ...TextOption) *TextAsserter {
	options := TextAssertOptions{}
	defaults.SetDefaults(&options)
	for _, opt := range opts {
		opt(&options)
	}
	return &TextAsserter{t: t, options: options}
}

// Options returns a copy of the current options
func (ta *TextAsserter) Options() TextAssertOptions {
	return ta.options
}

// Assert compares actual text against expected text
func (ta *TextAsserter) Assert(actual, expected string) bool {
	ta.t.Helper()
	if d := ta.Diff(actual, expected); d != "" {
		ta.t.Errorf("Text assertion failed - unified diff:\n%s", d)
		return false
	}
	return true
}

// AssertFile compares the content of the file at path against expected text
func (ta *TextAsserter) AssertFile(path, expected string) bool {
	ta.t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		ta.t.Errorf("failed to read %s: %v", path, err)
		return false
	}
	return ta.Assert(string(data), expected)
}

// Diff returns the unified diff between expected and actual, or "" when
// they match after normalization
func (ta *TextAsserter) Diff(actual, expected string) string {
	a := ta.normalize(actual)
	e := ta.normalize(expected)
	if a == e {
		return ""
	}

	edits := myers.ComputeEdits("", e, a)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits))

	lines := strings.Split(unified, "\n")
	if ta.options.MaxDiffLines > 0 && len(lines) > ta.options.MaxDiffLines {
		omitted := len(lines) - ta.options.MaxDiffLines
		lines = append(lines[:ta.options.MaxDiffLines], fmt.Sprintf("... %d more diff lines", omitted))
	}
	if ta.options.EnableColors {
		lines = colorize(lines)
	}
	return strings.Join(lines, "\n")
}

func colorize(lines []string) []string {
	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	out := make([]string, len(lines))
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			out[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			out[i] = red.Sprint(visibleWhitespace(line))
		case strings.HasPrefix(line, "+"):
			out[i] = green.Sprint(visibleWhitespace(line))
		default:
			out[i] = line
		}
	}
	return out
}

// visibleWhitespace shows spaces, tabs and carriage returns in changed lines
func visibleWhitespace(line string) string {
	return strings.NewReplacer(" ", "·", "\t", "→", "\r", "␍").Replace(line)
}

func (ta *TextAsserter) normalize(text string) string {
	if ta.options.TrimSpace {
		text = strings.TrimSpace(text)
	}
	if !ta.options.IgnoreEmptyLines {
		return text
	}

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// WithTrimSpace trims leading and trailing whitespace from the whole text
func WithTrimSpace(trim bool) TextOption {
	return func(opts *TextAssertOptions) {
		opts.TrimSpace = trim
	}
}

// WithIgnoreEmptyLines drops blank lines before comparing
func WithIgnoreEmptyLines(ignore bool) TextOption {
	return func(opts *TextAssertOptions) {
		opts.IgnoreEmptyLines = ignore
	}
}

// WithEnableColors colors the diff output
func WithEnableColors(enable bool) TextOption {
	return func(opts *TextAssertOptions) {
		opts.EnableColors = enable
	}
}

// WithMaxDiffLines limits the reported diff length; 0 disables the limit
func WithMaxDiffLines(n int) TextOption {
	return func(opts *TextAssertOptions) {
		opts.MaxDiffLines = n
	}
}
