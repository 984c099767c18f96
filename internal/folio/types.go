// Package folio holds the data model shared by every pipeline stage: page
// images, raw transcriptions, refined folios and the ordered result set.
package folio

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PageImage is one rasterized manuscript page.
type PageImage struct {
	// Index is the 1-based page number within the source document.
	Index int `json:"index" yaml:"index"`
	// Path is the image file on disk.
	Path string `json:"path" yaml:"path"`
	// Content is the encoded image (JPEG or PNG). Nil until loaded.
	Content []byte `json:"-" yaml:"-"`
}

// Stem returns the file name of the page without directory and extension.
func (p PageImage) Stem() string {
	base := filepath.Base(p.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ID returns a human readable identifier used in logs and errors.
func (p PageImage) ID() string {
	if p.Path == "" {
		return fmt.Sprintf("page %d", p.Index)
	}
	return fmt.Sprintf("page %d (%s)", p.Index, filepath.Base(p.Path))
}

// RawTranscription is the unrefined HTR output for one page.
type RawTranscription struct {
	Page PageImage `json:"page" yaml:"page"`
	Text string    `json:"text" yaml:"text"`
}

// RefinedFolio is the terminal record for one page. All three fields are set
// together; a failed refinement produces no RefinedFolio at all.
type RefinedFolio struct {
	Transcription           string `json:"transcription" yaml:"transcription"`
	Translation             string `json:"translation" yaml:"translation"`
	IllustrationDescription string `json:"illustration_description" yaml:"illustration_description"`
}

// PageResult couples a refined folio with the page it was produced from.
type PageResult struct {
	Page  int          `json:"page" yaml:"page"`
	Image string       `json:"image" yaml:"image"`
	Folio RefinedFolio `json:"folio" yaml:"folio"`
}
