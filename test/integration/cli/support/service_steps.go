package support

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cucumber/godog"
	"github.com/disintegration/imaging"

	"github.com/MeKo-Tech/folio/internal/testutil"
)

// aTranskribusService starts the fake HTR service and points the
// configuration at it. Jobs finish on their first poll unless a scenario
// scripts them.
func (testCtx *TestContext) aTranskribusService() error {
	scripts := map[int][]string{}
	testCtx.Transkribus = testutil.StartFakeTranskribus()
	testCtx.Transkribus.States = func(upload int) []string {
		if states, ok := scripts[upload]; ok {
			return states
		}
		return []string{"FINISHED"}
	}
	testCtx.jobScripts = scripts

	s := testCtx.section("transkribus")
	s["username"] = "scribe"
	s["password"] = "quill"
	s["collection_id"] = "4242"
	s["base_url"] = testCtx.Transkribus.URL()
	s["output_dir"] = filepath.Join(testCtx.TempDir, "transkribus_output")
	s["poll_interval"] = "1ms"
	s["requests_per_second"] = 0
	return nil
}

func (testCtx *TestContext) jobReportsThen(job int, state string, polls int, final string) error {
	if testCtx.jobScripts == nil {
		return fmt.Errorf("no Transkribus service started")
	}
	testCtx.jobScripts[job] = append(testutil.Repeat(state, polls), final)
	return nil
}

func (testCtx *TestContext) jobNeverFinishes(job int) error {
	if testCtx.jobScripts == nil {
		return fmt.Errorf("no Transkribus service started")
	}
	testCtx.jobScripts[job] = []string{"RUNNING"}
	return nil
}

func (testCtx *TestContext) jobShouldHaveBeenPolled(job, polls int) error {
	if got := testCtx.Transkribus.Polls(job); got != polls {
		return fmt.Errorf("job %d polled %d times, want %d", job, got, polls)
	}
	return nil
}

// aVisionModelService starts the fake chat completions service and writes
// the worked example the refine stage requires.
func (testCtx *TestContext) aVisionModelService() error {
	testCtx.OpenAI = testutil.StartFakeOpenAI()

	dir := filepath.Join(testCtx.TempDir, "example")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	outputPath := filepath.Join(dir, "example_output.json")
	imagePath := filepath.Join(dir, "example.jpg")
	if err := os.WriteFile(outputPath, []byte(testutil.ExampleAnswer), 0o600); err != nil {
		return err
	}
	if err := imaging.Save(testutil.FolioImage("Beatus vir"), imagePath); err != nil {
		return err
	}

	s := testCtx.section("openai")
	s["api_key"] = "sk-test"
	s["base_url"] = testCtx.OpenAI.URL()
	s["example_output_path"] = outputPath
	s["example_image_path"] = imagePath
	s["requests_per_second"] = 0
	return nil
}

// theModelAnswersInvalidJSONFor makes the model reply with a body that is
// not JSON whenever the request carries marker.
func (testCtx *TestContext) theModelAnswersInvalidJSONFor(marker string) error {
	testCtx.OpenAI.Answer = func(body string) string {
		if strings.Contains(body, marker) {
			return "I could not read this folio."
		}
		return testutil.FolioAnswer("Beatus vir", "Blessed is the man", "")
	}
	return nil
}

func (testCtx *TestContext) theModelShouldHaveReceived(requests int) error {
	if got := testCtx.OpenAI.Requests(); got != requests {
		return fmt.Errorf("vision model received %d requests, want %d", got, requests)
	}
	return nil
}

func (testCtx *TestContext) theModelShouldHaveBeenTold(text string) error {
	if !testCtx.OpenAI.Received(text) {
		return fmt.Errorf("no request to the vision model contained %q", text)
	}
	return nil
}

// pageImagesIn writes n rendered page_<i>.jpg files into dir.
func (testCtx *TestContext) pageImagesIn(n int, dir string) error {
	dir = testCtx.Path(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	for i := 1; i <= n; i++ {
		img := testutil.FolioImage(fmt.Sprintf("Folio %d recto", i))
		if err := imaging.Save(img, filepath.Join(dir, fmt.Sprintf("page_%d.jpg", i))); err != nil {
			return err
		}
	}
	return nil
}

// transcriptsIn writes page_<i>_ocr.txt and page_<i>.jpg for every row of
// a one-column table.
func (testCtx *TestContext) transcriptsIn(dir string, table *godog.Table) error {
	if err := testCtx.pageImagesIn(len(table.Rows), dir); err != nil {
		return err
	}
	for i, row := range table.Rows {
		if len(row.Cells) == 0 {
			return fmt.Errorf("row %d has no cells", i+1)
		}
		path := filepath.Join(testCtx.Path(dir), fmt.Sprintf("page_%d_ocr.txt", i+1))
		if err := os.WriteFile(path, []byte(row.Cells[0].Value), 0o600); err != nil {
			return err
		}
	}
	return nil
}

// RegisterServiceSteps registers the fake service and fixture steps.
func (testCtx *TestContext) RegisterServiceSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a Transkribus service$`, testCtx.aTranskribusService)
	sc.Step(`^Transkribus job (\d+) reports "([^"]*)" for (\d+) polls then "([^"]*)"$`, testCtx.jobReportsThen)
	sc.Step(`^Transkribus job (\d+) never finishes$`, testCtx.jobNeverFinishes)
	sc.Step(`^Transkribus job (\d+) should have been polled (\d+) times$`, testCtx.jobShouldHaveBeenPolled)
	sc.Step(`^a vision model service$`, testCtx.aVisionModelService)
	sc.Step(`^the vision model answers invalid JSON for "([^"]*)"$`, testCtx.theModelAnswersInvalidJSONFor)
	sc.Step(`^the vision model should have received (\d+) requests$`, testCtx.theModelShouldHaveReceived)
	sc.Step(`^the vision model should have been told "([^"]*)"$`, testCtx.theModelShouldHaveBeenTold)
	sc.Step(`^(\d+) page images in "([^"]*)"$`, testCtx.pageImagesIn)
	sc.Step(`^transcripts in "([^"]*)":$`, testCtx.transcriptsIn)
}
