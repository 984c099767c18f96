package batch

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MeKo-Tech/folio/internal/folio"
	"github.com/MeKo-Tech/folio/internal/pipeline"
)

// Output formats understood by FormatResults.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatText = "text"
)

type document struct {
	Folios []folio.PageResult `json:"folios" yaml:"folios"`
	Report pipeline.Report    `json:"report" yaml:"report"`
}

// formatBatchResults renders the result set and its report.
func formatBatchResults(set folio.ResultSet, report pipeline.Report, format string) (string, error) {
	doc := document{Folios: set.Folios, Report: report}
	if doc.Folios == nil {
		doc.Folios = []folio.PageResult{}
	}

	switch format {
	case FormatJSON, "":
		bts, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", err
		}
		return string(bts) + "\n", nil
	case FormatYAML:
		bts, err := yaml.Marshal(doc)
		return string(bts), err
	case FormatText:
		return formatText(set, report), nil
	default:
		return "", fmt.Errorf("unsupported output format %q", format)
	}
}

// formatText renders one section per folio followed by a summary line.
func formatText(set folio.ResultSet, report pipeline.Report) string {
	var out strings.Builder
	for i, f := range set.Folios {
		if i > 0 {
			out.WriteString("\n")
		}
		fmt.Fprintf(&out, "# Page %d (%s)\n", f.Page, filepath.Base(f.Image))
		fmt.Fprintf(&out, "\n## Transcription\n%s\n", strings.TrimSpace(f.Folio.Transcription))
		fmt.Fprintf(&out, "\n## Translation\n%s\n", strings.TrimSpace(f.Folio.Translation))
		if d := strings.TrimSpace(f.Folio.IllustrationDescription); d != "" {
			fmt.Fprintf(&out, "\n## Illustration\n%s\n", d)
		}
	}
	if len(set.Folios) > 0 {
		out.WriteString("\n")
	}
	fmt.Fprintf(&out, "Processed %d of %d folios", set.Len(), report.Pages)
	if !report.Complete {
		fmt.Fprintf(&out, " (%d excluded)", len(report.Excluded))
	}
	out.WriteString("\n")
	return out.String()
}
