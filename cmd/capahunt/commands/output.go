package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// render writes v in the format selected by --output. Text rendering is up
// to each command; this handles the structured formats.
func render(w io.Writer, v interface{}, text func(io.Writer) error) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	case "text", "":
		return text(w)
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
}
