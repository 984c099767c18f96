package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// ExampleAnswer is the expected output of the worked example fixture.
const ExampleAnswer = `{"transcription": {"text": "Beatus vir"}, "translation": {"text": "Blessed is the man"}, "illustration": {"description": "Historiated initial B"}}`

// WorkedExample writes the worked example pair into dir and returns the
// output and image paths.
func WorkedExample(t *testing.T, dir string) (outputPath, imagePath string) {
	t.Helper()

	outputPath = filepath.Join(dir, "example_output.json")
	imagePath = filepath.Join(dir, "example.jpg")
	require.NoError(t, EnsureDir(dir))
	require.NoError(t, os.WriteFile(outputPath, []byte(ExampleAnswer), 0o600))
	SaveImage(t, FolioImage("Beatus vir qui non abiit"), imagePath)
	return outputPath, imagePath
}

// PageImages writes n rendered pages named page_<i>.jpg into dir and returns
// their paths.
func PageImages(t *testing.T, dir string, n int) []string {
	t.Helper()

	paths := make([]string, n)
	for i := range n {
		paths[i] = filepath.Join(dir, fmt.Sprintf("page_%d.jpg", i+1))
		SaveImage(t, FolioImage(fmt.Sprintf("Folio %d recto", i+1)), paths[i])
	}
	return paths
}

// TranscriptDir writes page_<i>_ocr.txt with the given texts, each next to
// its page_<i>.jpg, and returns dir.
func TranscriptDir(t *testing.T, dir string, texts ...string) string {
	t.Helper()

	PageImages(t, dir, len(texts))
	for i, text := range texts {
		path := filepath.Join(dir, fmt.Sprintf("page_%d_ocr.txt", i+1))
		require.NoError(t, os.WriteFile(path, []byte(text), 0o600))
	}
	return dir
}
