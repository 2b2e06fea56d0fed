package testutils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"

	"github.com/srg/blueconsole/internal/transport"
	"github.com/srg/blueconsole/internal/transport/simulated"
)

// TestingT is the part of testing.T the asserters need.
type TestingT interface {
	Errorf(format string, args ...interface{})
	Helper()
}

// DiffOptions controls how two texts are compared and reported.
type DiffOptions struct {
	TrimSpace                bool   `default:"true"`
	IgnoreTrailingWhitespace bool   `default:"true"`
	Colors                   bool   `default:"false"`
	ExpectedLabel            string `default:"expected"`
	ActualLabel              string `default:"actual"`
}

// DiffOption adjusts DiffOptions.
type DiffOption func(*DiffOptions)

// WithColors toggles ANSI colors in reported diffs.
func WithColors(on bool) DiffOption {
	return func(o *DiffOptions) { o.Colors = on }
}

// WithExactWhitespace compares texts byte for byte.
func WithExactWhitespace() DiffOption {
	return func(o *DiffOptions) {
		o.TrimSpace = false
		o.IgnoreTrailingWhitespace = false
	}
}

// TextAsserter fails a test with a unified diff when two texts differ.
type TextAsserter struct {
	t    TestingT
	opts DiffOptions
}

// NewTextAsserter returns an asserter with tag defaults and opts applied.
func NewTextAsserter(t TestingT, opts ...DiffOption) *TextAsserter {
	o := DiffOptions{}
	defaults.SetDefaults(&o)
	for _, fn := range opts {
		fn(&o)
	}
	return &TextAsserter{t: t, opts: o}
}

// Options returns the effective options.
func (a *TextAsserter) Options() DiffOptions {
	return a.opts
}

// Equal reports whether actual matches expected, failing the test with a
// diff when it does not.
func (a *TextAsserter) Equal(expected, actual string) bool {
	a.t.Helper()
	d := Diff(expected, actual, a.opts)
	if d == "" {
		return true
	}
	a.t.Errorf("Text mismatch:\n%s", d)
	return false
}

// Diff returns a unified diff between expected and actual after
// normalization, or "" when they match.
func Diff(expected, actual string, opts DiffOptions) string {
	e, a := normalize(expected, opts), normalize(actual, opts)
	if e == a {
		return ""
	}
	edits := myers.ComputeEdits("", e, a)
	unified := fmt.Sprint(gotextdiff.ToUnified(opts.ExpectedLabel, opts.ActualLabel, e, edits))
	if !opts.Colors {
		return unified
	}
	return colorize(unified)
}

func normalize(text string, opts DiffOptions) string {
	if opts.TrimSpace {
		text = strings.TrimSpace(text)
	}
	if !opts.IgnoreTrailingWhitespace {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return strings.Join(lines, "\n")
}

func colorize(diff string) string {
	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(visibleWhitespace(line))
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(visibleWhitespace(line))
		}
	}
	return strings.Join(lines, "\n")
}

func visibleWhitespace(line string) string {
	line = strings.ReplaceAll(line, " ", "·")
	return strings.ReplaceAll(line, "\t", "→")
}

// WireLog renders recorded writes one per line as
// "<mode> <char> <payload>", where the payload is quoted text for console
// traffic and hex otherwise.
func WireLog(writes []simulated.Write) string {
	var b strings.Builder
	for _, w := range writes {
		mode := "rsp"
		if w.Mode == transport.WithoutResponse {
			mode = "cmd"
		}
		fmt.Fprintf(&b, "%s %s %s\n", mode, transport.ShortenUUID(w.Char), payload(w.Data))
	}
	return b.String()
}

func payload(data []byte) string {
	for _, c := range data {
		if (c < 0x20 && c != '\n' && c != '\r' && c != '\t') || c > 0x7e {
			return fmt.Sprintf("% x", data)
		}
	}
	return fmt.Sprintf("%q", data)
}
