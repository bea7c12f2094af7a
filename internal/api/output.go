// Package api renders command results for the CLI.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OutputFormat defines the output format for CLI commands.
type OutputFormat string

const (
	OutputFormatYAML OutputFormat = "yaml"
	OutputFormatJSON OutputFormat = "json"
)

// DefaultOutput is the default output format.
var DefaultOutput OutputFormat = OutputFormatYAML

// ParseFormat accepts "yaml", "yml" or "json" in any case. An empty string
// selects DefaultOutput.
func ParseFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultOutput, nil
	case "yaml", "yml":
		return OutputFormatYAML, nil
	case "json":
		return OutputFormatJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want yaml or json)", s)
	}
}

// Printer writes results in one format.
type Printer struct {
	Format OutputFormat
	W      io.Writer
}

// NewPrinter returns a printer writing to stdout.
func NewPrinter(format string) (*Printer, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return &Printer{Format: f, W: os.Stdout}, nil
}

// Print writes data as one document.
func (p *Printer) Print(data any) error {
	return OutputTo(p.W, p.Format, data)
}

// OutputTo writes data to the given writer in the specified format.
func OutputTo(w io.Writer, format OutputFormat, data any) error {
	switch format {
	case OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputFormatYAML:
		// Go through JSON so both formats share the json tags. JSON is
		// valid YAML, so yaml.v3 reads it back with ints kept intact.
		js, err := json.Marshal(data)
		if err != nil {
			return err
		}
		var doc any
		if err := yaml.Unmarshal(js, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
