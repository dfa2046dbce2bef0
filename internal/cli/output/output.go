// Package output renders CLI results as aligned tables, JSON, or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects the rendering of structured results.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat maps a flag value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown output format %q (table, json, yaml)", s)
	}
}

// Tabular is implemented by results that know their own table layout.
type Tabular interface {
	TableHeader() []string
	TableRows() [][]string
}

// Printer writes results in one configured format.
type Printer struct {
	out    io.Writer
	format Format
	color  bool
}

// NewPrinter creates a printer for the given writer and format.
func NewPrinter(out io.Writer, format Format, color bool) *Printer {
	return &Printer{out: out, format: format, color: color}
}

// Stdout returns a colored table printer on standard output.
func Stdout() *Printer {
	return NewPrinter(os.Stdout, FormatTable, true)
}

// Format returns the configured format.
func (p *Printer) Format() Format { return p.format }

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer { return p.out }

// Print renders v. Table format requires v to implement Tabular and
// falls back to JSON when it does not.
func (p *Printer) Print(v any) error {
	switch p.format {
	case FormatTable:
		if tab, ok := v.(Tabular); ok {
			return Table(p.out, tab)
		}
		return encodeJSON(p.out, v)
	case FormatJSON:
		return encodeJSON(p.out, v)
	case FormatYAML:
		return encodeYAML(p.out, v)
	default:
		return fmt.Errorf("unknown output format %q", p.format)
	}
}

// Printf writes a formatted line outside any structured format.
func (p *Printer) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

// Println writes its arguments followed by a newline.
func (p *Printer) Println(args ...any) {
	_, _ = fmt.Fprintln(p.out, args...)
}

// Success writes msg in green when color is enabled.
func (p *Printer) Success(msg string) { p.paint("32", msg) }

// Warning writes msg in yellow when color is enabled.
func (p *Printer) Warning(msg string) { p.paint("33", msg) }

// Error writes msg in red when color is enabled.
func (p *Printer) Error(msg string) { p.paint("31", msg) }

func (p *Printer) paint(code, msg string) {
	if p.color {
		_, _ = fmt.Fprintf(p.out, "\033[%sm%s\033[0m\n", code, msg)
		return
	}
	_, _ = fmt.Fprintln(p.out, msg)
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func encodeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	return enc.Encode(v)
}
