package support

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MeKo-Tech/folio/internal/testutil"
)

// TestContext holds the state of one scenario.
type TestContext struct {
	// Command execution state
	LastCommand  string
	LastOutput   string
	LastLog      string
	LastError    error
	LastDuration time.Duration

	// Test environment
	TempDir string
	// Settings are written to folio.yaml before every command.
	Settings map[string]any

	// Fake services
	Transkribus *testutil.FakeTranskribus
	OpenAI      *testutil.FakeOpenAI
	// jobScripts maps an upload number to the job states it replays.
	jobScripts map[int][]string
}

// NewTestContext creates a scenario context with its own temp directory.
func NewTestContext() (*TestContext, error) {
	tempDir, err := os.MkdirTemp("", "folio-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	return &TestContext{
		TempDir: tempDir,
		Settings: map[string]any{
			"output_dir":   filepath.Join(tempDir, "output"),
			"metrics_file": filepath.Join(tempDir, "folio.prom"),
		},
	}, nil
}

// Cleanup stops the fake services and removes the temp directory.
func (testCtx *TestContext) Cleanup() error {
	if testCtx.Transkribus != nil {
		testCtx.Transkribus.Close()
	}
	if testCtx.OpenAI != nil {
		testCtx.OpenAI.Close()
	}
	if err := os.RemoveAll(testCtx.TempDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove temp directory %s: %w", testCtx.TempDir, err)
	}
	return nil
}

// Path resolves a scenario-relative path inside the temp directory.
func (testCtx *TestContext) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(testCtx.TempDir, rel)
}

// section returns the nested settings map for key, creating it.
func (testCtx *TestContext) section(key string) map[string]any {
	if m, ok := testCtx.Settings[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	testCtx.Settings[key] = m
	return m
}

// substituteCommandVariables expands $TMP to the scenario temp directory.
func (testCtx *TestContext) substituteCommandVariables(command string) string {
	return strings.ReplaceAll(command, "$TMP", testCtx.TempDir)
}
