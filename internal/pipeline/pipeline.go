// Package pipeline sequences the stages of a manuscript run: rasterize the
// document, transcribe every page with HTR, refine every transcription with
// a vision model and collect the results in page order.
//
// Failures of a single page only remove that page from the result set.
// Rasterization, authentication and cancellation end the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/folio/internal/common"
	"github.com/MeKo-Tech/folio/internal/folio"
	"github.com/MeKo-Tech/folio/internal/htr"
	"github.com/MeKo-Tech/folio/internal/refine"
	"github.com/MeKo-Tech/folio/internal/remote"
)

// Defaults applied to zero Config fields.
const (
	DefaultPollInterval = 10 * time.Second
	DefaultMaxAttempts  = 30
	DefaultBatchSize    = 20
	DefaultWorkers      = 1
)

// Rasterizer splits a document into page images.
type Rasterizer interface {
	Split(ctx context.Context, documentPath, outputDir string) ([]folio.PageImage, error)
}

// HTRClient is the part of the HTR service used by the pipeline.
type HTRClient interface {
	Authenticate(ctx context.Context, creds htr.Credentials) (htr.Session, error)
	SubmitPage(ctx context.Context, session htr.Session, collectionID, imagePath string) (htr.JobHandle, error)
	AwaitCompletion(ctx context.Context, session htr.Session, job htr.JobHandle,
		interval time.Duration, maxAttempts int) (htr.JobOutcome, error)
}

// Refiner turns one raw transcription into a refined folio.
type Refiner interface {
	Refine(ctx context.Context, page folio.PageImage, rawText, sharedContext string,
		example refine.WorkedExample) (folio.RefinedFolio, error)
}

// Config holds the per-run settings of an Orchestrator.
type Config struct {
	Credentials  htr.Credentials
	CollectionID string
	// TranscriptDir receives <stem>_ocr.txt files. Empty disables writing.
	TranscriptDir string
	PollInterval  time.Duration
	MaxAttempts   int

	// Context is shared free text sent with every page.
	Context string
	Example refine.WorkedExample
	// BatchSize groups pages for logging and scheduling; a batch finishes
	// before the next one starts.
	BatchSize int
	// Workers bounds concurrent page calls within a stage.
	Workers int
}

// DefaultConfig returns the sequential reference configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		MaxAttempts:  DefaultMaxAttempts,
		BatchSize:    DefaultBatchSize,
		Workers:      DefaultWorkers,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

// Orchestrator runs the stages. Collaborators a caller does not need may be
// nil: the htr command never refines and the refine command never
// rasterizes.
type Orchestrator struct {
	rasterizer Rasterizer
	htr        HTRClient
	refiner    Refiner
	cfg        Config
	logger     *slog.Logger
	progress   ProgressCallback
	metrics    *Metrics
}

// New creates an orchestrator.
func New(rasterizer Rasterizer, htrClient HTRClient, refiner Refiner, cfg Config) *Orchestrator {
	return &Orchestrator{
		rasterizer: rasterizer,
		htr:        htrClient,
		refiner:    refiner,
		cfg:        cfg.withDefaults(),
		logger:     slog.New(slog.DiscardHandler),
		progress:   NoOpProgressCallback{},
	}
}

// WithLogger sets the logger. Nil keeps the current one.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	if logger != nil {
		o.logger = logger
	}
	return o
}

// WithProgress sets the progress callback. Nil disables reporting.
func (o *Orchestrator) WithProgress(cb ProgressCallback) *Orchestrator {
	if cb == nil {
		cb = NoOpProgressCallback{}
	}
	o.progress = cb
	return o
}

// WithMetrics records run statistics into m.
func (o *Orchestrator) WithMetrics(m *Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// log returns the logger scoped to the run carried by ctx.
func (o *Orchestrator) log(ctx context.Context) *slog.Logger {
	if id := remote.RequestMetaFromContext(ctx).RunID; id != "" {
		return o.logger.With("run_id", id)
	}
	return o.logger
}

// Run executes RASTERIZE, TRANSCRIBE and REFINE on documentPath, writing page
// images to outputDir. The report is filled in even when an error is
// returned. A run id already on ctx is kept; otherwise a new one is made.
func (o *Orchestrator) Run(ctx context.Context, documentPath, outputDir string) (folio.ResultSet, Report, error) {
	runID := remote.RequestMetaFromContext(ctx).RunID
	if runID == "" {
		runID = uuid.NewString()
		ctx = remote.WithRequestMeta(ctx, remote.RequestMeta{RunID: runID})
	}
	logger := o.log(ctx)

	report := Report{RunID: runID, Document: documentPath, Stage: StageRasterize}
	fail := func(err error) (folio.ResultSet, Report, error) {
		failed := report.Stage
		report.Stage = StageFailed
		report.Error = err.Error()
		logger.Error("pipeline failed", "stage", failed.String(), "error", err)
		o.metrics.run(report)
		return folio.ResultSet{}, report, fmt.Errorf("%s: %w", failed, err)
	}

	if o.rasterizer == nil || o.htr == nil || o.refiner == nil {
		return fail(errMissingCollaborator)
	}

	logger.Info("stage started", "stage", StageRasterize.String(), "document", documentPath)
	timer := common.NewNamedTimer(StageRasterize.String())
	pages, err := o.rasterizer.Split(ctx, documentPath, outputDir)
	report.Durations.Rasterize = timer.Stop()
	o.metrics.stage(StageRasterize, report.Durations.Rasterize)
	if err != nil {
		return fail(err)
	}
	report.Pages = len(pages)
	logger.Info("stage finished", "stage", StageRasterize.String(), "pages", len(pages), "duration", timer)

	report.Stage = StageTranscribe
	logger.Info("stage started", "stage", StageTranscribe.String(), "pages", len(pages))
	timer = common.NewNamedTimer(StageTranscribe.String())
	raws, pageErrs, err := o.Transcribe(ctx, pages)
	report.Durations.Transcribe = timer.Stop()
	o.metrics.stage(StageTranscribe, report.Durations.Transcribe)
	if err != nil {
		return fail(err)
	}
	report.Transcribed = len(raws)
	report.Excluded = append(report.Excluded, Exclusions(pageErrs)...)
	logger.Info("stage finished", "stage", StageTranscribe.String(), "transcribed", len(raws),
		"excluded", len(pageErrs), "duration", timer)

	report.Stage = StageRefine
	logger.Info("stage started", "stage", StageRefine.String(), "pages", len(raws))
	timer = common.NewNamedTimer(StageRefine.String())
	set, pageErrs, err := o.RefineAll(ctx, raws)
	report.Durations.Refine = timer.Stop()
	o.metrics.stage(StageRefine, report.Durations.Refine)
	if err != nil {
		return fail(err)
	}
	report.Refined = set.Len()
	report.Excluded = append(report.Excluded, Exclusions(pageErrs)...)
	logger.Info("stage finished", "stage", StageRefine.String(), "refined", set.Len(),
		"excluded", len(pageErrs), "duration", timer)

	report.Stage = StageDone
	report.Complete = report.Refined == report.Pages
	logger.Info(fmt.Sprintf("processed %d of %d folios", report.Refined, report.Pages), "complete", report.Complete)
	o.metrics.run(report)
	return set, report, nil
}

var errMissingCollaborator = errors.New("rasterizer, htr client and refiner are required")

// Exclusions converts page errors into report entries.
func Exclusions(errs []*folio.PageError) []Exclusion {
	out := make([]Exclusion, 0, len(errs))
	for _, e := range errs {
		out = append(out, Exclusion{Page: e.Page.Index, Stage: e.Stage, Reason: e.Err.Error()})
	}
	return out
}
