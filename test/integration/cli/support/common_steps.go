package support

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"gopkg.in/yaml.v3"

	"github.com/MeKo-Tech/folio/cmd/folio/cmd"
)

// writeConfig renders the scenario settings into folio.yaml.
func (testCtx *TestContext) writeConfig() (string, error) {
	data, err := yaml.Marshal(testCtx.Settings)
	if err != nil {
		return "", err
	}
	path := filepath.Join(testCtx.TempDir, "folio.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// iRunCommand executes a folio command line in-process and stores the
// result. The leading "folio" is optional.
func (testCtx *TestContext) iRunCommand(command string) error {
	command = testCtx.substituteCommandVariables(command)
	testCtx.LastCommand = command

	parts := strings.Fields(command)
	if len(parts) > 0 && parts[0] == "folio" {
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return errors.New("empty command")
	}
	if !slices.Contains(parts, "--config") && parts[0] != "config" {
		cfg, err := testCtx.writeConfig()
		if err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		parts = append(parts, "--config", cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	root := cmd.NewRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(parts)

	start := time.Now()
	testCtx.LastError = root.ExecuteContext(ctx)
	testCtx.LastDuration = time.Since(start)
	testCtx.LastOutput = stdout.String()
	testCtx.LastLog = stderr.String()
	return nil
}

// theCommandShouldSucceed verifies the command succeeded.
func (testCtx *TestContext) theCommandShouldSucceed() error {
	if testCtx.LastError != nil {
		return fmt.Errorf("command failed: %w\nLog: %s", testCtx.LastError, testCtx.LastLog)
	}
	return nil
}

// theCommandShouldFail verifies the command failed.
func (testCtx *TestContext) theCommandShouldFail() error {
	if testCtx.LastError == nil {
		return fmt.Errorf("command succeeded when it should have failed\nOutput: %s", testCtx.LastOutput)
	}
	return nil
}

// theOutputShouldContain verifies the output contains specific text.
func (testCtx *TestContext) theOutputShouldContain(expectedText string) error {
	if !strings.Contains(testCtx.LastOutput, expectedText) {
		return fmt.Errorf("output does not contain '%s'\nActual output: %s", expectedText, testCtx.LastOutput)
	}
	return nil
}

// theLogShouldReport looks for a log record with the given message.
func (testCtx *TestContext) theLogShouldReport(message string) error {
	for _, line := range strings.Split(testCtx.LastLog, "\n") {
		var record struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal([]byte(line), &record) == nil && record.Msg == message {
			return nil
		}
	}
	return fmt.Errorf("no log record %q\nLog: %s", message, testCtx.LastLog)
}

// theErrorShouldMention verifies the error message contains specific text.
func (testCtx *TestContext) theErrorShouldMention(errorText string) error {
	if testCtx.LastError == nil {
		return fmt.Errorf("no error occurred, but expected error containing '%s'", errorText)
	}
	if !strings.Contains(strings.ToLower(testCtx.LastError.Error()), strings.ToLower(errorText)) {
		return fmt.Errorf("error does not contain '%s'\nActual error: %v", errorText, testCtx.LastError)
	}
	return nil
}

// resultDocument is the part of the json output the steps inspect.
type resultDocument struct {
	Folios []struct {
		Page  int `json:"page"`
		Folio struct {
			Transcription string `json:"transcription"`
			Translation   string `json:"translation"`
		} `json:"folio"`
	} `json:"folios"`
	Report struct {
		Complete bool `json:"complete"`
		Excluded []struct {
			Page   int    `json:"page"`
			Stage  string `json:"stage"`
			Reason string `json:"reason"`
		} `json:"excluded"`
	} `json:"report"`
}

func (testCtx *TestContext) document() (resultDocument, error) {
	var doc resultDocument
	if err := json.Unmarshal([]byte(testCtx.LastOutput), &doc); err != nil {
		return doc, fmt.Errorf("output is not a result document: %w\nOutput: %s", err, testCtx.LastOutput)
	}
	return doc, nil
}

// theResultShouldContainPages checks the page indices of the result set.
func (testCtx *TestContext) theResultShouldContainPages(list string) error {
	doc, err := testCtx.document()
	if err != nil {
		return err
	}
	var want, got []string
	for _, p := range strings.Split(list, ",") {
		want = append(want, strings.TrimSpace(p))
	}
	for _, f := range doc.Folios {
		got = append(got, fmt.Sprint(f.Page))
	}
	if !slices.Equal(want, got) {
		return fmt.Errorf("result pages %v, want %v", got, want)
	}
	return nil
}

// pageShouldBeExcluded checks the run report names the page and stage.
func (testCtx *TestContext) pageShouldBeExcluded(page int, stage string) error {
	doc, err := testCtx.document()
	if err != nil {
		return err
	}
	for _, e := range doc.Report.Excluded {
		if e.Page == page && e.Stage == stage {
			return nil
		}
	}
	return fmt.Errorf("page %d not excluded at %s: %+v", page, stage, doc.Report.Excluded)
}

func (testCtx *TestContext) theRunShouldBeIncomplete() error {
	doc, err := testCtx.document()
	if err != nil {
		return err
	}
	if doc.Report.Complete {
		return errors.New("report is marked complete")
	}
	return nil
}

func (testCtx *TestContext) theFileShouldExist(path string) error {
	if _, err := os.Stat(testCtx.Path(path)); err != nil {
		return fmt.Errorf("expected file %s: %w", path, err)
	}
	return nil
}

func (testCtx *TestContext) theFileShouldNotExist(path string) error {
	if _, err := os.Stat(testCtx.Path(path)); err == nil {
		return fmt.Errorf("file %s should not exist", path)
	}
	return nil
}

func (testCtx *TestContext) theFileShouldContain(path, text string) error {
	data, err := os.ReadFile(testCtx.Path(path))
	if err != nil {
		return err
	}
	if !strings.Contains(string(data), text) {
		return fmt.Errorf("%s does not contain %q\nContent: %s", path, text, data)
	}
	return nil
}

func (testCtx *TestContext) theSettingIs(key, value string) error {
	target := testCtx.Settings
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := target[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			target[part] = next
		}
		target = next
	}
	target[parts[len(parts)-1]] = testCtx.substituteCommandVariables(value)
	return nil
}

// RegisterCommonSteps registers command, output and file steps.
func (testCtx *TestContext) RegisterCommonSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the setting "([^"]*)" is "([^"]*)"$`, testCtx.theSettingIs)
	sc.Step(`^I run "([^"]*)"$`, testCtx.iRunCommand)
	sc.Step(`^the command should succeed$`, testCtx.theCommandShouldSucceed)
	sc.Step(`^the command should fail$`, testCtx.theCommandShouldFail)
	sc.Step(`^the output should contain "([^"]*)"$`, testCtx.theOutputShouldContain)
	sc.Step(`^the log should report "([^"]*)"$`, testCtx.theLogShouldReport)
	sc.Step(`^the error should mention "([^"]*)"$`, testCtx.theErrorShouldMention)
	sc.Step(`^the result should contain pages "([^"]*)"$`, testCtx.theResultShouldContainPages)
	sc.Step(`^page (\d+) should be excluded at the "([^"]*)" stage$`, testCtx.pageShouldBeExcluded)
	sc.Step(`^the run should be incomplete$`, testCtx.theRunShouldBeIncomplete)
	sc.Step(`^the file "([^"]*)" should exist$`, testCtx.theFileShouldExist)
	sc.Step(`^the file "([^"]*)" should not exist$`, testCtx.theFileShouldNotExist)
	sc.Step(`^the file "([^"]*)" should contain "([^"]*)"$`, testCtx.theFileShouldContain)
}
