package testutil

import (
	"image"
	"image/color"
	"image/draw"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ImageSize represents image dimensions.
type ImageSize struct {
	Width  int
	Height int
}

// FolioSize is small enough to keep fixtures cheap and large enough for a
// few lines of text.
var FolioSize = ImageSize{Width: 240, Height: 320}

// Parchment is the background colour of generated folios.
var Parchment = color.RGBA{R: 0xf1, G: 0xe3, B: 0xc3, A: 0xff}

// FolioImageConfig holds configuration for generating page images.
type FolioImageConfig struct {
	Lines      []string
	Size       ImageSize
	Background color.Color
	Ink        color.Color
	FontFace   font.Face
	// Rotation in degrees, to imitate a skewed scan.
	Rotation float64
}

// DefaultFolioImageConfig returns a default configuration for page images.
func DefaultFolioImageConfig() FolioImageConfig {
	return FolioImageConfig{
		Lines:      []string{"In principio erat verbum"},
		Size:       FolioSize,
		Background: Parchment,
		Ink:        color.RGBA{R: 0x3b, G: 0x24, B: 0x12, A: 0xff},
		FontFace:   basicfont.Face7x13,
	}
}

// GenerateFolioImage renders the configured lines top-left aligned, like a
// written page.
func GenerateFolioImage(config FolioImageConfig) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, config.Size.Width, config.Size.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{config.Background}, image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{config.Ink},
		Face: config.FontFace,
	}
	lineHeight := config.FontFace.Metrics().Height.Ceil() + 4
	margin := config.Size.Width / 10
	for i, line := range config.Lines {
		drawer.Dot = fixed.P(margin, margin+(i+1)*lineHeight)
		drawer.DrawString(line)
	}

	if config.Rotation != 0 {
		rotated := imaging.Rotate(img, config.Rotation, config.Background)
		rgba := image.NewRGBA(rotated.Bounds())
		draw.Draw(rgba, rgba.Bounds(), rotated, rotated.Bounds().Min, draw.Src)
		return rgba
	}
	return img
}

// FolioImage renders text (one line per newline) with the default settings.
func FolioImage(text string) image.Image {
	config := DefaultFolioImageConfig()
	config.Lines = strings.Split(text, "\n")
	return GenerateFolioImage(config)
}

// CreateTestImage creates a solid image with the specified dimensions and
// colour.
func CreateTestImage(width, height int, backgroundColor color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{backgroundColor}, image.Point{}, draw.Src)
	return img
}

// SaveImage saves img to path; the format follows the file extension.
func SaveImage(t *testing.T, img image.Image, path string) {
	t.Helper()

	dir := filepath.Dir(path)
	require.NoError(t, EnsureDir(dir), "Failed to create directory %s", dir)
	require.NoError(t, imaging.Save(img, path, imaging.JPEGQuality(85)), "Failed to save image %s", path)
}

// LoadImage loads an image from the specified path.
func LoadImage(t *testing.T, path string) image.Image {
	t.Helper()

	img, err := imaging.Open(path)
	require.NoError(t, err, "Failed to open image file %s", path)
	return img
}
