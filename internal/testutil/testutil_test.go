package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetProjectRoot(t *testing.T) {
	root, err := GetProjectRoot()
	require.NoError(t, err)
	assert.True(t, FileExists(filepath.Join(root, "go.mod")))
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(dir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.False(t, FileExists(filepath.Join(dir, "missing")))
}

func TestGenerateFolioImage(t *testing.T) {
	config := DefaultFolioImageConfig()
	config.Lines = []string{"Kyrie", "eleison"}
	img := GenerateFolioImage(config)
	assert.Equal(t, FolioSize.Width, img.Bounds().Dx())
	assert.Equal(t, FolioSize.Height, img.Bounds().Dy())

	blank := CreateTestImage(FolioSize.Width, FolioSize.Height, Parchment)
	assert.NotEqual(t, blank, img, "text is drawn")
}

func TestGenerateFolioImageRotated(t *testing.T) {
	config := DefaultFolioImageConfig()
	config.Rotation = 90
	img := GenerateFolioImage(config)
	assert.Equal(t, FolioSize.Height, img.Bounds().Dx())
	assert.Equal(t, FolioSize.Width, img.Bounds().Dy())
}

func TestSaveAndLoadImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "page.jpg")
	SaveImage(t, FolioImage("Gloria"), path)
	img := LoadImage(t, path)
	assert.Equal(t, FolioSize.Width, img.Bounds().Dx())
}

func TestTranscriptDir(t *testing.T) {
	dir := TranscriptDir(t, t.TempDir(), "one", "two")
	for _, name := range []string{"page_1.jpg", "page_2.jpg", "page_1_ocr.txt", "page_2_ocr.txt"} {
		assert.True(t, FileExists(filepath.Join(dir, name)), name)
	}
	data, err := os.ReadFile(filepath.Join(dir, "page_2_ocr.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestWorkedExample(t *testing.T) {
	out, img := WorkedExample(t, t.TempDir())
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.JSONEq(t, ExampleAnswer, string(data))
	assert.True(t, FileExists(img))
}
