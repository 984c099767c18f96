package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/MeKo-Tech/folio/internal/folio"
	"github.com/MeKo-Tech/folio/internal/htr"
	"github.com/MeKo-Tech/folio/internal/remote"
)

// ErrJobUnfinished marks a page whose HTR job failed, was canceled or timed
// out.
var ErrJobUnfinished = errors.New("htr job did not finish")

// TranscriptSuffix is appended to a page stem for its raw transcription file.
const TranscriptSuffix = "_ocr.txt"

// Transcribe authenticates once and runs one HTR job per page. Pages whose
// job does not finish, or whose submission or retrieval fails, are returned
// as page errors and left out of the transcriptions. The error return is
// reserved for failures that end the stage: authentication and
// cancellation.
func (o *Orchestrator) Transcribe(ctx context.Context, pages []folio.PageImage) (
	[]folio.RawTranscription, []*folio.PageError, error,
) {
	if o.htr == nil {
		return nil, nil, errors.New("transcribe: no htr client configured")
	}
	logger := o.log(ctx)

	session, err := o.htr.Authenticate(ctx, o.cfg.Credentials)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("htr session established")

	if o.cfg.TranscriptDir != "" {
		if err := os.MkdirAll(o.cfg.TranscriptDir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create transcript directory: %w", err)
		}
	}

	raws := make([]folio.RawTranscription, len(pages))
	errs := make([]error, len(pages))

	progress := newProgressCounter(o.progress, StageTranscribe, len(pages))
	defer progress.finish()

	err = runPool(ctx, len(pages), o.cfg.Workers, func(ctx context.Context, i int) error {
		page := pages[i]
		raw, err := o.transcribePage(ctx, session, page)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			errs[i] = err
			logger.Warn("page excluded", "stage", StageTranscribe.String(), "page", page.Index, "error", err)
		} else {
			raws[i] = raw
		}
		o.metrics.page(StageTranscribe, err)
		progress.step(page.Index, err)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	out := make([]folio.RawTranscription, 0, len(pages))
	var pageErrs []*folio.PageError
	for i, page := range pages {
		if errs[i] != nil {
			pageErrs = append(pageErrs, &folio.PageError{Page: page, Stage: StageTranscribe.String(), Err: errs[i]})
			continue
		}
		out = append(out, raws[i])
	}
	return out, pageErrs, nil
}

func (o *Orchestrator) transcribePage(ctx context.Context, session htr.Session, page folio.PageImage) (
	folio.RawTranscription, error,
) {
	ctx = remote.WithRequestMeta(ctx, remote.RequestMeta{Page: page.Index, Stage: StageTranscribe.String()})
	logger := o.log(ctx).With("page", page.Index)

	job, err := o.htr.SubmitPage(ctx, session, o.cfg.CollectionID, page.Path)
	if err != nil {
		return folio.RawTranscription{}, err
	}
	logger.Debug("page submitted", "job_id", job.JobID, "document_id", job.DocumentID)

	outcome, err := o.htr.AwaitCompletion(ctx, session, job, o.cfg.PollInterval, o.cfg.MaxAttempts)
	o.metrics.polls(outcome.Polls)
	if err != nil {
		return folio.RawTranscription{}, err
	}
	if outcome.State != htr.StateFinished {
		return folio.RawTranscription{}, fmt.Errorf("%w: job %s %s after %d polls",
			ErrJobUnfinished, job.JobID, outcome.State, outcome.Polls)
	}

	raw := folio.RawTranscription{Page: page, Text: norm.NFC.String(outcome.Text)}
	if o.cfg.TranscriptDir != "" {
		path := filepath.Join(o.cfg.TranscriptDir, page.Stem()+TranscriptSuffix)
		if err := os.WriteFile(path, []byte(raw.Text), 0o600); err != nil {
			return folio.RawTranscription{}, fmt.Errorf("write transcript: %w", err)
		}
		logger.Debug("transcript written", "path", path, "polls", outcome.Polls)
	}
	return raw, nil
}

// RefineAll refines the transcriptions in batches of Config.BatchSize and
// returns the successful pages ordered by page index. A failing page is
// reported as a page error and never affects its siblings or later batches.
// Only cancellation ends the stage early.
func (o *Orchestrator) RefineAll(ctx context.Context, raws []folio.RawTranscription) (
	folio.ResultSet, []*folio.PageError, error,
) {
	if o.refiner == nil {
		return folio.ResultSet{}, nil, errors.New("refine: no refiner configured")
	}
	logger := o.log(ctx)

	results := make([]folio.PageResult, len(raws))
	errs := make([]error, len(raws))

	progress := newProgressCounter(o.progress, StageRefine, len(raws))
	defer progress.finish()

	size := o.cfg.BatchSize
	batches := (len(raws) + size - 1) / size
	for start := 0; start < len(raws); start += size {
		end := min(start+size, len(raws))
		logger.Info("refining batch", "batch", start/size+1, "batches", batches, "pages", end-start)

		err := runPool(ctx, end-start, o.cfg.Workers, func(ctx context.Context, j int) error {
			i := start + j
			page := raws[i].Page
			refined, err := o.refinePage(ctx, raws[i])
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				errs[i] = err
				logger.Warn("page excluded", "stage", StageRefine.String(), "page", page.Index, "error", err)
			} else {
				results[i] = folio.PageResult{Page: page.Index, Image: page.Path, Folio: refined}
			}
			o.metrics.page(StageRefine, err)
			progress.step(page.Index, err)
			return nil
		})
		if err != nil {
			return folio.ResultSet{}, nil, err
		}
	}

	ok := make([]folio.PageResult, 0, len(raws))
	var pageErrs []*folio.PageError
	for i, raw := range raws {
		if errs[i] != nil {
			pageErrs = append(pageErrs, &folio.PageError{Page: raw.Page, Stage: StageRefine.String(), Err: errs[i]})
			continue
		}
		ok = append(ok, results[i])
	}
	return folio.NewResultSet(ok), pageErrs, nil
}

func (o *Orchestrator) refinePage(ctx context.Context, raw folio.RawTranscription) (folio.RefinedFolio, error) {
	ctx = remote.WithRequestMeta(ctx, remote.RequestMeta{Page: raw.Page.Index, Stage: StageRefine.String()})
	return o.refiner.Refine(ctx, raw.Page, norm.NFC.String(raw.Text), o.cfg.Context, o.cfg.Example)
}

// runPool calls fn for 0..n-1 with at most workers calls in flight. The first
// error returned by fn cancels the remaining calls and is returned.
func runPool(ctx context.Context, n, workers int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i := range n {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
