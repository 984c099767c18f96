package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/folio/internal/folio"
	"github.com/MeKo-Tech/folio/internal/htr"
	"github.com/MeKo-Tech/folio/internal/refine"
	"github.com/MeKo-Tech/folio/internal/remote"
)

type fakeRasterizer struct {
	pages int
	err   error
}

func (f *fakeRasterizer) Split(_ context.Context, _ string, outputDir string) ([]folio.PageImage, error) {
	if f.err != nil {
		return nil, fmt.Errorf("%w: %w", folio.ErrRasterization, f.err)
	}
	pages := make([]folio.PageImage, f.pages)
	for i := range pages {
		n := i + 1
		pages[i] = folio.PageImage{Index: n, Path: filepath.Join(outputDir, fmt.Sprintf("page_%d.jpg", n))}
	}
	return pages, nil
}

// fakeHTR finishes every job unless the page index has an override.
type fakeHTR struct {
	mu        sync.Mutex
	authErr   error
	outcomes  map[int]htr.JobOutcome
	submitErr map[int]error
	submitted []int
	runIDs    []string
}

func pageFromPath(path string) int {
	var n int
	_, _ = fmt.Sscanf(filepath.Base(path), "page_%d.jpg", &n)
	return n
}

func (f *fakeHTR) Authenticate(_ context.Context, creds htr.Credentials) (htr.Session, error) {
	if f.authErr != nil {
		return htr.Session{}, fmt.Errorf("%w: %w", folio.ErrAuth, f.authErr)
	}
	return htr.Session{ID: "session-" + creds.Username}, nil
}

func (f *fakeHTR) SubmitPage(ctx context.Context, _ htr.Session, collectionID, imagePath string) (htr.JobHandle, error) {
	n := pageFromPath(imagePath)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, n)
	f.runIDs = append(f.runIDs, remote.RequestMetaFromContext(ctx).RunID)
	if err := f.submitErr[n]; err != nil {
		return htr.JobHandle{}, err
	}
	return htr.JobHandle{JobID: fmt.Sprintf("job-%d", n), DocumentID: fmt.Sprint(n), CollectionID: collectionID, PageNumber: 1}, nil
}

func (f *fakeHTR) AwaitCompletion(_ context.Context, _ htr.Session, job htr.JobHandle,
	_ time.Duration, maxAttempts int,
) (htr.JobOutcome, error) {
	var n int
	_, _ = fmt.Sscanf(job.JobID, "job-%d", &n)
	f.mu.Lock()
	defer f.mu.Unlock()
	if out, ok := f.outcomes[n]; ok {
		if out.State == htr.StateTimedOut {
			out.Polls = maxAttempts
		}
		return out, nil
	}
	return htr.JobOutcome{State: htr.StateFinished, Polls: 2, Text: fmt.Sprintf("raw %d", n)}, nil
}

func (f *fakeHTR) submittedPages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.submitted...)
}

// fakeRefiner echoes the raw text unless the page is set to fail.
type fakeRefiner struct {
	mu       sync.Mutex
	fail     map[int]error
	seen     []int
	inFlight int
	peak     int
	delay    time.Duration
}

func (f *fakeRefiner) Refine(ctx context.Context, page folio.PageImage, rawText, sharedContext string,
	_ refine.WorkedExample,
) (folio.RefinedFolio, error) {
	f.mu.Lock()
	f.seen = append(f.seen, page.Index)
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	err := f.fail[page.Index]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if err != nil {
		return folio.RefinedFolio{}, err
	}
	if ctx.Err() != nil {
		return folio.RefinedFolio{}, ctx.Err()
	}
	return folio.RefinedFolio{
		Transcription:           strings.ToUpper(rawText),
		Translation:             "translated " + rawText,
		IllustrationDescription: sharedContext,
	}, nil
}

func (f *fakeRefiner) seenPages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.seen...)
}

func rawTranscriptions(n int) []folio.RawTranscription {
	raws := make([]folio.RawTranscription, n)
	for i := range raws {
		idx := i + 1
		raws[i] = folio.RawTranscription{
			Page: folio.PageImage{Index: idx, Path: fmt.Sprintf("page_%d.jpg", idx)},
			Text: fmt.Sprintf("raw %d", idx),
		}
	}
	return raws
}

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestRunAllPagesSucceed(t *testing.T) {
	dir := t.TempDir()
	h := &fakeHTR{}
	r := &fakeRefiner{}
	cfg := DefaultConfig()
	cfg.Credentials = htr.Credentials{Username: "monk"}
	cfg.CollectionID = "77"
	cfg.TranscriptDir = filepath.Join(dir, "transcripts")
	cfg.Context = "Psalter"

	o := New(&fakeRasterizer{pages: 3}, h, r, cfg)
	set, report, err := o.Run(context.Background(), "codex.pdf", dir)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, set.Pages())
	assert.Equal(t, "RAW 2", set.Folios[1].Folio.Transcription)
	assert.Equal(t, "Psalter", set.Folios[1].Folio.IllustrationDescription)
	assert.Equal(t, filepath.Join(dir, "page_2.jpg"), set.Folios[1].Image)

	assert.Equal(t, StageDone, report.Stage)
	assert.True(t, report.Complete)
	assert.Equal(t, 3, report.Pages)
	assert.Equal(t, 3, report.Transcribed)
	assert.Equal(t, 3, report.Refined)
	assert.Empty(t, report.Excluded)
	assert.NotEmpty(t, report.RunID)

	for _, id := range h.runIDs {
		assert.Equal(t, report.RunID, id, "run id travels with every request")
	}

	got, err := os.ReadFile(filepath.Join(cfg.TranscriptDir, "page_3_ocr.txt"))
	require.NoError(t, err)
	assert.Equal(t, "raw 3", string(got))
}

func TestRunKeepsRunIDFromContext(t *testing.T) {
	dir := t.TempDir()
	h := &fakeHTR{}
	cfg := DefaultConfig()
	cfg.TranscriptDir = filepath.Join(dir, "transcripts")

	ctx := remote.WithRequestMeta(context.Background(), remote.RequestMeta{RunID: "served-run"})
	_, report, err := New(&fakeRasterizer{pages: 2}, h, &fakeRefiner{}, cfg).Run(ctx, "codex.pdf", dir)
	require.NoError(t, err)

	assert.Equal(t, "served-run", report.RunID)
	for _, id := range h.runIDs {
		assert.Equal(t, "served-run", id)
	}
}

func TestRunExcludesUnfinishedJobs(t *testing.T) {
	h := &fakeHTR{outcomes: map[int]htr.JobOutcome{
		2: {State: htr.StateTimedOut},
		3: {State: htr.StateFailed, Polls: 4},
		4: {State: htr.StateCanceled, Polls: 1},
	}}
	r := &fakeRefiner{}

	var logs bytes.Buffer
	o := New(&fakeRasterizer{pages: 5}, h, r, DefaultConfig()).WithLogger(bufferLogger(&logs))
	set, report, err := o.Run(context.Background(), "codex.pdf", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 5}, set.Pages())
	assert.Equal(t, []int{1, 5}, r.seenPages(), "unfinished pages never reach refinement")
	assert.False(t, report.Complete)
	assert.Equal(t, 2, report.Transcribed)
	require.Len(t, report.Excluded, 3)
	assert.Equal(t, Exclusion{Page: 2, Stage: "transcribe", Reason: "htr job did not finish: job job-2 TIMED_OUT after 30 polls"},
		report.Excluded[0])
	assert.Contains(t, report.Excluded[1].Reason, "FAILED")
	assert.Contains(t, report.Excluded[2].Reason, "CANCELED")
	assert.Contains(t, logs.String(), "processed 2 of 5 folios")
}

func TestRunSubmissionFailureIsolated(t *testing.T) {
	h := &fakeHTR{submitErr: map[int]error{1: fmt.Errorf("%w: upload rejected", folio.ErrSubmission)}}
	o := New(&fakeRasterizer{pages: 2}, h, &fakeRefiner{}, DefaultConfig())

	set, report, err := o.Run(context.Background(), "codex.pdf", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []int{2}, set.Pages())
	assert.Equal(t, []int{1, 2}, h.submittedPages())
	require.Len(t, report.Excluded, 1)
	assert.Equal(t, 1, report.Excluded[0].Page)
}

func TestRunRasterizationFailureIsFatal(t *testing.T) {
	h := &fakeHTR{}
	o := New(&fakeRasterizer{err: errors.New("not a pdf")}, h, &fakeRefiner{}, DefaultConfig())

	set, report, err := o.Run(context.Background(), "broken.pdf", t.TempDir())
	require.ErrorIs(t, err, folio.ErrRasterization)
	assert.Zero(t, set.Len())
	assert.Equal(t, StageFailed, report.Stage)
	assert.False(t, report.Complete)
	assert.Contains(t, report.Error, "not a pdf")
	assert.Empty(t, h.submittedPages(), "no HTR work after a failed split")
}

func TestRunAuthenticationFailureIsFatal(t *testing.T) {
	h := &fakeHTR{authErr: errors.New("403")}
	r := &fakeRefiner{}
	o := New(&fakeRasterizer{pages: 2}, h, r, DefaultConfig())

	_, report, err := o.Run(context.Background(), "codex.pdf", t.TempDir())
	require.ErrorIs(t, err, folio.ErrAuth)
	assert.Equal(t, StageFailed, report.Stage)
	assert.Equal(t, 2, report.Pages)
	assert.Empty(t, h.submittedPages())
	assert.Empty(t, r.seenPages())
}

func TestRunRequiresCollaborators(t *testing.T) {
	_, report, err := New(nil, &fakeHTR{}, &fakeRefiner{}, Config{}).Run(context.Background(), "x.pdf", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, StageFailed, report.Stage)
}

func TestRefineAllSchemaFailureExcludesOnlyThatPage(t *testing.T) {
	r := &fakeRefiner{fail: map[int]error{2: fmt.Errorf("%w: missing translation.text", folio.ErrSchema)}}
	o := New(nil, nil, r, DefaultConfig())

	set, pageErrs, err := o.RefineAll(context.Background(), rawTranscriptions(3))
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, []int{1, 3}, set.Pages())
	require.Len(t, pageErrs, 1)
	assert.Equal(t, 2, pageErrs[0].Page.Index)
	assert.Equal(t, "refine", pageErrs[0].Stage)
	assert.ErrorIs(t, pageErrs[0], folio.ErrSchema)
}

func TestRefineAllBatches(t *testing.T) {
	var logs bytes.Buffer
	r := &fakeRefiner{delay: time.Millisecond}
	cfg := DefaultConfig()
	cfg.Workers = 4
	o := New(nil, nil, r, cfg).WithLogger(bufferLogger(&logs))

	set, pageErrs, err := o.RefineAll(context.Background(), rawTranscriptions(45))
	require.NoError(t, err)
	assert.Empty(t, pageErrs)
	assert.Equal(t, 45, set.Len())
	for i, p := range set.Pages() {
		assert.Equal(t, i+1, p)
	}

	assert.Equal(t, 3, strings.Count(logs.String(), "refining batch"))
	assert.Contains(t, logs.String(), "batch=3 batches=3 pages=5")
	assert.LessOrEqual(t, r.peak, 4)
}

func TestRefineAllSequentialByDefault(t *testing.T) {
	r := &fakeRefiner{}
	o := New(nil, nil, r, Config{})

	_, _, err := o.RefineAll(context.Background(), rawTranscriptions(5))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, r.seenPages())
	assert.Equal(t, 1, r.peak)
}

func TestRefineAllCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &cancelingRefiner{cancel: cancel, at: 2}
	o := New(nil, nil, r, DefaultConfig())

	_, _, err := o.RefineAll(ctx, rawTranscriptions(5))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, r.calls)
}

type cancelingRefiner struct {
	cancel context.CancelFunc
	at     int
	calls  int
}

func (c *cancelingRefiner) Refine(ctx context.Context, page folio.PageImage, _, _ string,
	_ refine.WorkedExample,
) (folio.RefinedFolio, error) {
	c.calls++
	if page.Index == c.at {
		c.cancel()
		return folio.RefinedFolio{}, ctx.Err()
	}
	return folio.RefinedFolio{Transcription: "ok"}, nil
}

func TestRefineAllNormalizesText(t *testing.T) {
	r := &fakeRefiner{}
	o := New(nil, nil, r, DefaultConfig())

	raws := []folio.RawTranscription{{Page: folio.PageImage{Index: 1}, Text: "Ave Maria\u0300"}}
	set, _, err := o.RefineAll(context.Background(), raws)
	require.NoError(t, err)
	assert.Equal(t, "translated Ave Mari\u00e0", set.Folios[0].Folio.Translation)
}

func TestStageMethodsRequireClients(t *testing.T) {
	o := New(nil, nil, nil, DefaultConfig())
	_, _, err := o.Transcribe(context.Background(), nil)
	require.Error(t, err)
	_, _, err = o.RefineAll(context.Background(), nil)
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := New(nil, nil, nil, Config{Workers: -1}).Config()
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
}

func TestMetricsTextfile(t *testing.T) {
	m := NewMetrics()
	h := &fakeHTR{outcomes: map[int]htr.JobOutcome{1: {State: htr.StateFailed, Polls: 3}}}
	r := &fakeRefiner{fail: map[int]error{3: folio.ErrSchema}}
	o := New(&fakeRasterizer{pages: 3}, h, r, DefaultConfig()).WithMetrics(m)

	_, _, err := o.Run(context.Background(), "codex.pdf", t.TempDir())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "folio.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	assert.Contains(t, text, `folio_pages_total{outcome="excluded",stage="transcribe"} 1`)
	assert.Contains(t, text, `folio_pages_total{outcome="ok",stage="transcribe"} 2`)
	assert.Contains(t, text, `folio_pages_total{outcome="excluded",stage="refine"} 1`)
	assert.Contains(t, text, `folio_pages_total{outcome="ok",stage="refine"} 1`)
	assert.Contains(t, text, `folio_runs_total{complete="false",stage="done"} 1`)
	assert.Contains(t, text, "folio_htr_polls_count 3")
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.page(StageRefine, nil)
	m.polls(3)
	m.run(Report{})
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "rasterize", StageRasterize.String())
	assert.Equal(t, "done", StageDone.String())
	assert.Equal(t, "failed", StageFailed.String())
	assert.Equal(t, "unknown", Stage(42).String())
	text, err := StageTranscribe.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "transcribe", string(text))

	var st Stage
	require.NoError(t, st.UnmarshalText([]byte("refine")))
	assert.Equal(t, StageRefine, st)
	assert.Error(t, st.UnmarshalText([]byte("bind")))
}
