// Package pdf splits scanned manuscript PDFs into one JPEG per page.
package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/MeKo-Tech/folio/internal/folio"
)

// DefaultJPEGQuality is used when Options.JPEGQuality is unset.
const DefaultJPEGQuality = 90

// Options control rasterization.
type Options struct {
	// Pages is a page range such as "1-3,7". Empty selects every page.
	Pages string
	// Password decrypts protected documents.
	Password    string
	JPEGQuality int
}

// extractor is the narrow slice of pdfcpu the rasterizer needs.
type extractor interface {
	// Open returns a readable copy of path, decrypting it when needed.
	Open(path, password string) (string, func(), error)
	PageCount(path string) (int, error)
	// ExtractPage writes every image embedded on page into dir.
	ExtractPage(path, dir string, page int) error
}

type pdfcpuExtractor struct{}

func (pdfcpuExtractor) Open(path, password string) (string, func(), error) {
	return decrypt(path, password)
}

func (pdfcpuExtractor) PageCount(path string) (int, error) {
	return api.PageCountFile(path)
}

func (pdfcpuExtractor) ExtractPage(path, dir string, page int) error {
	return api.ExtractImagesFile(path, dir, []string{strconv.Itoa(page)}, nil)
}

// Rasterizer turns a PDF into page images on disk. Scanned manuscripts
// carry one raster image per page; the largest image found on a page is
// taken as the page scan.
type Rasterizer struct {
	opts   Options
	ext    extractor
	logger *slog.Logger
}

// NewRasterizer creates a rasterizer. A nil logger discards output.
func NewRasterizer(opts Options, logger *slog.Logger) *Rasterizer {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = DefaultJPEGQuality
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Rasterizer{opts: opts, ext: pdfcpuExtractor{}, logger: logger}
}

// Split writes page_<n>.jpg into outputDir for every selected page and
// returns the pages in document order. It either succeeds for every page or
// fails as a whole: on error no page files are left behind and the error
// wraps folio.ErrRasterization.
func (r *Rasterizer) Split(ctx context.Context, documentPath, outputDir string) ([]folio.PageImage, error) {
	pages, err := r.split(ctx, documentPath, outputDir)
	if err != nil {
		for _, p := range pages {
			_ = os.Remove(p.Path)
		}
		return nil, fmt.Errorf("%w: %s: %w", folio.ErrRasterization, documentPath, err)
	}
	return pages, nil
}

func (r *Rasterizer) split(ctx context.Context, documentPath, outputDir string) ([]folio.PageImage, error) {
	source, cleanup, err := r.ext.Open(documentPath, r.opts.Password)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	count, err := r.ext.PageCount(source)
	if err != nil {
		return nil, fmt.Errorf("failed to count pages: %w", err)
	}
	if count == 0 {
		return nil, errors.New("document has no pages")
	}

	selected, err := selectPages(r.opts.Pages, count)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tempDir, err := os.MkdirTemp("", "folio-extract-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(tempDir) }()

	r.logger.Info("splitting document", "path", documentPath, "pages", len(selected), "page_count", count)

	out := make([]folio.PageImage, 0, len(selected))
	for _, n := range selected {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		page, err := r.rasterizePage(source, tempDir, outputDir, n)
		if err != nil {
			return out, fmt.Errorf("page %d: %w", n, err)
		}
		r.logger.Debug("page written", "page", n, "path", page.Path, "bytes", len(page.Content))
		out = append(out, page)
	}

	return out, nil
}

func (r *Rasterizer) rasterizePage(source, tempDir, outputDir string, n int) (folio.PageImage, error) {
	pageDir := filepath.Join(tempDir, strconv.Itoa(n))
	if err := os.Mkdir(pageDir, 0o750); err != nil {
		return folio.PageImage{}, err
	}

	if err := r.ext.ExtractPage(source, pageDir, n); err != nil {
		return folio.PageImage{}, fmt.Errorf("failed to extract images: %w", err)
	}

	scan, err := largestImage(pageDir)
	if err != nil {
		return folio.PageImage{}, err
	}

	img, err := imaging.Open(scan, imaging.AutoOrientation(true))
	if err != nil {
		return folio.PageImage{}, fmt.Errorf("failed to decode %s: %w", filepath.Base(scan), err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flatten(img), imaging.JPEG, imaging.JPEGQuality(r.opts.JPEGQuality)); err != nil {
		return folio.PageImage{}, fmt.Errorf("failed to encode page: %w", err)
	}

	path := filepath.Join(outputDir, fmt.Sprintf("page_%d.jpg", n))
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return folio.PageImage{}, fmt.Errorf("failed to write page: %w", err)
	}

	return folio.PageImage{Index: n, Path: path, Content: buf.Bytes()}, nil
}

// largestImage returns the biggest extracted file in dir.
func largestImage(dir string) (string, error) {
	var (
		best     string
		bestSize int64 = -1
	)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > bestSize {
			best, bestSize = path, info.Size()
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if best == "" {
		return "", errors.New("page contains no raster image")
	}
	return best, nil
}

// flatten composites transparent scans onto white so JPEG output does not
// turn transparent areas black.
func flatten(img image.Image) image.Image {
	if opaque, ok := img.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), image.White.C)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}
