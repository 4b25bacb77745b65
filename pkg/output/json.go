package output

import (
	"encoding/json"
	"io"

	"github.com/vcrhonek/rebase-helper/pkg/results"
)

// JSON writes the report as an indented JSON document.
type JSON struct{}

func (JSON) Name() string      { return "json" }
func (JSON) Extension() string { return "json" }

// Render implements Tool.
func (JSON) Render(w io.Writer, report *results.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(report)
}
