package batch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/MeKo-Tech/folio/internal/folio"
	"github.com/MeKo-Tech/folio/internal/pipeline"
	"github.com/MeKo-Tech/folio/internal/utils"
)

// ErrNoInputs is returned when discovery finds nothing to process.
var ErrNoInputs = errors.New("no input files found")

// DiscoverImages lists the JPEG and PNG page images directly inside dir in natural order
// (page_2 before page_10) and numbers them from 1.
func DiscoverImages(dir string) ([]folio.PageImage, error) {
	files, err := discoverInDirectory(dir, utils.IsSupportedImage)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrNoInputs, dir)
	}

	pages := make([]folio.PageImage, len(files))
	for i, f := range files {
		pages[i] = folio.PageImage{Index: i + 1, Path: f}
	}
	return pages, nil
}

// DiscoverTranscripts loads raw transcriptions from a single <stem>_ocr.txt
// file or from every such file in a directory. The page image is expected
// next to the transcript as <stem>.jpg.
func DiscoverTranscripts(path string) ([]folio.RawTranscription, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot access %s: %w", path, err)
	}

	var files []string
	if info.IsDir() {
		files, err = discoverInDirectory(path, isTranscript)
		if err != nil {
			return nil, err
		}
	} else {
		files = []string{path}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no *%s files in %s", ErrNoInputs, pipeline.TranscriptSuffix, path)
	}

	raws := make([]folio.RawTranscription, 0, len(files))
	for i, f := range files {
		text, err := os.ReadFile(f) //nolint:gosec // G304: paths come from the command line
		if err != nil {
			return nil, fmt.Errorf("read transcript: %w", err)
		}
		raws = append(raws, folio.RawTranscription{
			Page: folio.PageImage{Index: i + 1, Path: ImagePathFor(f)},
			Text: string(text),
		})
	}
	return raws, nil
}

// ImagePathFor maps dir/<stem>_ocr.txt to dir/<stem>.jpg.
func ImagePathFor(transcriptPath string) string {
	dir, base := filepath.Split(transcriptPath)
	stem := strings.TrimSuffix(base, pipeline.TranscriptSuffix)
	if stem == base {
		stem = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return filepath.Join(dir, stem+".jpg")
}

// discoverInDirectory lists the regular files directly in dir accepted by
// keep, in natural order.
func discoverInDirectory(dir string, keep func(name string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read directory %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !keep(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	slices.SortFunc(files, func(a, b string) int {
		return naturalCompare(filepath.Base(a), filepath.Base(b))
	})
	return files, nil
}

func isTranscript(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), pipeline.TranscriptSuffix)
}

// naturalCompare orders strings with embedded numbers by numeric value.
func naturalCompare(a, b string) int {
	for a != "" && b != "" {
		ca, cb := rune(a[0]), rune(b[0])
		if unicode.IsDigit(ca) && unicode.IsDigit(cb) {
			na, restA := leadingNumber(a)
			nb, restB := leadingNumber(b)
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			a, b = restA, restB
			continue
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
		a, b = a[1:], b[1:]
	}
	return len(a) - len(b)
}

func leadingNumber(s string) (uint64, string) {
	end := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) })
	if end < 0 {
		end = len(s)
	}
	n, _ := strconv.ParseUint(s[:end], 10, 64)
	return n, s[end:]
}
