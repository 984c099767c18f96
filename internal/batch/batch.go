// Package batch discovers command inputs and writes pipeline results: the
// combined result document, one <stem>_folio.json per page and a statistics
// summary.
package batch

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MeKo-Tech/folio/internal/folio"
	"github.com/MeKo-Tech/folio/internal/pipeline"
)

// FolioSuffix is appended to a page stem for its refined result file.
const FolioSuffix = "_folio.json"

// Result holds what a command produced.
type Result struct {
	Set      folio.ResultSet
	Report   pipeline.Report
	Duration time.Duration
}

// FormatResults formats the result in the given format (json, yaml or text).
func (r *Result) FormatResults(format string) (string, error) {
	return formatBatchResults(r.Set, r.Report, format)
}

// SaveResults writes the formatted result to outputFile, or to w when
// outputFile is empty.
func (r *Result) SaveResults(w io.Writer, format, outputFile string) error {
	output, err := r.FormatResults(format)
	if err != nil {
		return fmt.Errorf("failed to format results: %w", err)
	}

	if outputFile == "" {
		_, err = io.WriteString(w, output)
		return err
	}
	if dir := filepath.Dir(outputFile); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(outputFile, []byte(output), 0o600); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}

// WriteFolioFiles writes every folio of the set to dir as <stem>_folio.json
// and returns the written paths in page order.
func (r *Result) WriteFolioFiles(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	paths := make([]string, 0, r.Set.Len())
	for _, f := range r.Set.Folios {
		data, err := json.MarshalIndent(f.Folio, "", "  ")
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, folioStem(f)+FolioSuffix)
		if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
			return paths, fmt.Errorf("failed to write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func folioStem(f folio.PageResult) string {
	if f.Image == "" {
		return fmt.Sprintf("page_%d", f.Page)
	}
	base := filepath.Base(f.Image)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// PrintStats prints processing statistics.
func (r *Result) PrintStats(w io.Writer) {
	rep := r.Report
	_, _ = fmt.Fprintf(w, "\nProcessing Statistics:\n")
	_, _ = fmt.Fprintf(w, "  Run: %s\n", rep.RunID)
	_, _ = fmt.Fprintf(w, "  Pages: %d\n", rep.Pages)
	_, _ = fmt.Fprintf(w, "  Transcribed: %d\n", rep.Transcribed)
	_, _ = fmt.Fprintf(w, "  Refined: %d\n", rep.Refined)
	_, _ = fmt.Fprintf(w, "  Excluded: %d\n", len(rep.Excluded))
	for _, e := range rep.Excluded {
		_, _ = fmt.Fprintf(w, "    page %d (%s): %s\n", e.Page, e.Stage, e.Reason)
	}
	_, _ = fmt.Fprintf(w, "  Complete: %t\n", rep.Complete)
	_, _ = fmt.Fprintf(w, "  Duration: %v\n", r.Duration.Round(time.Millisecond))
	if rep.Refined > 0 && r.Duration > 0 {
		_, _ = fmt.Fprintf(w, "  Avg per folio: %v\n", (r.Duration / time.Duration(rep.Refined)).Round(time.Millisecond))
	}
}
