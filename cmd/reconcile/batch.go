package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/irt-reconciliation-engine/internal/batch"
	"github.com/irt-reconciliation-engine/internal/domain"
	"github.com/irt-reconciliation-engine/internal/importer"
)

var (
	batchConcurrency   int
	batchThreshold     int
	batchMaxCandidates int
)

func init() {
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 4, "Studies scored in parallel")
	batchCmd.Flags().IntVar(&batchThreshold, "threshold", domain.HighBandFloor, "Minimum score for a suggested match (0 disables)")
	batchCmd.Flags().IntVar(&batchMaxCandidates, "max-candidates", domain.DefaultCandidates, "Candidates kept per record")
	rootCmd.AddCommand(batchCmd)
}

var batchCmd = &cobra.Command{
	Use:   "batch STUDY=IRT.csv [STUDY=IRT.csv...]",
	Short: "Score IRT exports against their studies' referrals",
	Long: `Score one or more IRT exports, each against the referral pool of its study.

A record gets a suggested match when its top candidate reaches the threshold
and scores strictly higher than the runner-up.

Examples:
  reconcile batch study-1=exports/site-a.csv
  reconcile batch --threshold 90 study-1=a.csv study-2=b.csv --human`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatch,
}

func parseJobArg(arg string) (study, path string, err error) {
	study, path, ok := strings.Cut(arg, "=")
	study, path = strings.TrimSpace(study), strings.TrimSpace(path)
	if !ok || study == "" || path == "" {
		return "", "", fmt.Errorf("expected STUDY=FILE, got %q", arg)
	}
	return study, path, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger()

	jobs := make([]batch.Job, 0, len(args))
	for _, arg := range args {
		study, path, err := parseJobArg(arg)
		if err != nil {
			exitWithError(ExitError, "%v", err)
		}
		records, _, err := importer.NewCSVRecordSource(path).LoadRecords(ctx)
		if err != nil {
			exitWithError(ExitDataError, "reading %s: %v", path, err)
		}
		jobs = append(jobs, batch.Job{StudyID: study, Records: records})
	}

	source := mustLoadReferrals(logger)
	reconciler := batch.NewReconciler(newEngine(logger), source, logger,
		batch.WithConcurrency(batchConcurrency),
		batch.WithAutoAcceptThreshold(batchThreshold),
		batch.WithMaxCandidates(batchMaxCandidates),
	)

	results, err := reconciler.Run(ctx, jobs)
	if err != nil {
		exitWithError(ExitError, "batch reconciliation: %v", err)
	}

	if !humanOutput {
		return outputJSON(results)
	}

	for _, result := range results {
		if result.Error != "" {
			outputHuman("%s: failed: %s\n\n", result.StudyID, result.Error)
			continue
		}
		outputHuman("%s: %d records, %d referrals, %d suggested\n",
			result.StudyID, len(result.Proposals), result.PoolSize, result.Suggested)
		for _, p := range result.Proposals {
			outputHuman("  %s", padRight(truncateString(p.Record.SubjectID, SubjectColWidth), SubjectColWidth))
			switch {
			case p.Suggested != nil:
				outputHuman("  -> %-24s %3d  %s\n",
					truncateString(p.Suggested.Referral.FullName(), NameColWidth), p.Suggested.ConfidenceScore, p.Suggested.Band)
			case len(p.Candidates) > 0:
				top := p.Candidates[0]
				outputHuman("  ?  %-24s %3d  %s\n",
					truncateString(top.Referral.FullName(), NameColWidth), top.ConfidenceScore, top.Band)
			default:
				outputHuman("  no candidates\n")
			}
		}
		outputHuman("\n")
	}
	return nil
}

func padRight(s string, width int) string {
	if n := len([]rune(s)); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
