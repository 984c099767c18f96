package cmd

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/folio/internal/batch"
	"github.com/MeKo-Tech/folio/internal/config"
	"github.com/MeKo-Tech/folio/internal/pipeline"
)

func newRefineCommand(a *app) *cobra.Command {
	refineCmd := &cobra.Command{
		Use:   "refine <input_path>",
		Short: "Refine raw HTR transcriptions with a vision model",
		Long: `Refine raw transcriptions into corrected transcriptions, English
translations and illustration descriptions.

input_path is a single <stem>_ocr.txt file or a directory of them. The page
image is expected next to each transcript as <stem>.jpg.

Examples:
  folio refine transkribus_output/
  folio refine transkribus_output/page_3_ocr.txt --model gpt-4o-mini
  folio refine transkribus_output/ --context "Book of hours, Paris, c. 1420"`,
		Args: cobra.ExactArgs(1),
		RunE: a.runRefine,
	}

	f := refineCmd.Flags()
	f.String("model", "", fmt.Sprintf("refinement model (%s)", strings.Join(config.RefineModels, ", ")))
	f.String("context", "", "shared context sent with every page")
	f.Int("workers", config.DefaultConfig().OpenAI.Workers, "concurrent refinement requests")
	configFlag(f, "model", "openai.model")
	configFlag(f, "context", "openai.context")
	configFlag(f, "workers", "openai.workers")
	outputFlags(f)

	refineCmd.RegisterFlagCompletionFunc("model", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) { //nolint:errcheck
		return slices.Clone(config.RefineModels), cobra.ShellCompDirectiveNoFileComp
	})
	return refineCmd
}

func (a *app) runRefine(cmd *cobra.Command, args []string) error {
	if err := a.cfg.RequireKeys("refine"); err != nil {
		return err
	}

	raws, err := batch.DiscoverTranscripts(args[0])
	if err != nil {
		return err
	}
	example, err := a.workedExample()
	if err != nil {
		return err
	}
	refiner, err := a.refineClient()
	if err != nil {
		return err
	}

	ctx, runID, metrics := newRun(cmd.Context())
	orch := a.orchestrator(nil, nil, refiner, example, metrics, cmd.ErrOrStderr())
	a.logger.Info("refining transcriptions", "run_id", runID, "input", args[0], "pages", len(raws),
		"model", refiner.Model())

	start := time.Now()
	set, pageErrs, err := orch.RefineAll(ctx, raws)
	if err != nil {
		return err
	}

	report := pipeline.Report{
		RunID:       runID,
		Document:    args[0],
		Stage:       pipeline.StageDone,
		Pages:       len(raws),
		Transcribed: len(raws),
		Refined:     set.Len(),
		Excluded:    pipeline.Exclusions(pageErrs),
		Durations:   pipeline.StageDurations{Refine: time.Since(start)},
		Complete:    set.Len() == len(raws),
	}
	a.logger.Info(fmt.Sprintf("processed %d of %d folios", set.Len(), len(raws)),
		"run_id", runID, "complete", report.Complete)

	return a.finish(cmd.OutOrStdout(), &batch.Result{Set: set, Report: report, Duration: time.Since(start)}, metrics)
}
