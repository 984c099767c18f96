package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/folio/internal/batch"
	"github.com/MeKo-Tech/folio/internal/pipeline"
	"github.com/MeKo-Tech/folio/internal/refine"
)

func newHTRCommand(a *app) *cobra.Command {
	htrCmd := &cobra.Command{
		Use:   "htr <input_dir>",
		Short: "Transcribe page images with Transkribus",
		Long: `Upload every page image in input_dir (png, jpg, jpeg) to Transkribus,
wait for the recognition jobs and write <stem>_ocr.txt per page into the
transkribus output directory.

Examples:
  folio htr pages/
  folio htr pages/ --model Mittelalterliche_Schriften_M2.4`,
		Args: cobra.ExactArgs(1),
		RunE: a.runHTR,
	}

	f := htrCmd.Flags()
	f.String("model", "", "Transkribus HTR model")
	f.String("transcript-dir", "", "directory for the raw transcriptions")
	configFlag(f, "model", "transkribus.model")
	configFlag(f, "transcript-dir", "transkribus.output_dir")
	return htrCmd
}

func (a *app) runHTR(cmd *cobra.Command, args []string) error {
	if err := a.cfg.RequireKeys("htr"); err != nil {
		return err
	}

	pages, err := batch.DiscoverImages(args[0])
	if err != nil {
		return err
	}

	ctx, runID, metrics := newRun(cmd.Context())
	client := a.htrClient()
	orch := a.orchestrator(nil, client, nil, refine.WorkedExample{}, metrics, cmd.ErrOrStderr())
	a.logger.Info("transcribing pages", "run_id", runID, "input", args[0], "pages", len(pages),
		"model", client.Model())

	start := time.Now()
	raws, pageErrs, err := orch.Transcribe(ctx, pages)
	if err != nil {
		return err
	}
	a.logger.Info(fmt.Sprintf("transcribed %d of %d pages", len(raws), len(pages)),
		"run_id", runID, "transcript_dir", a.cfg.Transkribus.OutputDir)

	res := &batch.Result{
		Report: pipeline.Report{
			RunID:       runID,
			Document:    args[0],
			Stage:       pipeline.StageDone,
			Pages:       len(pages),
			Transcribed: len(raws),
			Excluded:    pipeline.Exclusions(pageErrs),
			Durations:   pipeline.StageDurations{Transcribe: time.Since(start)},
			Complete:    len(raws) == len(pages),
		},
		Duration: time.Since(start),
	}
	res.PrintStats(cmd.OutOrStdout())
	return a.writeMetrics(metrics)
}
