package main

import (
	"github.com/spf13/cobra"

	"github.com/irt-reconciliation-engine/internal/domain"
)

var (
	scoreStudy  string
	scoreRecord domain.ImportedRecord
	scoreLimit  int
)

func init() {
	scoreCmd.Flags().StringVar(&scoreStudy, "study", "", "Study whose referrals are scored (required)")
	scoreCmd.Flags().StringVar(&scoreRecord.SubjectID, "subject", "", "IRT subject id")
	scoreCmd.Flags().StringVar(&scoreRecord.DateOfBirth, "dob", "", "Date of birth")
	scoreCmd.Flags().StringVar(&scoreRecord.FirstName, "first-name", "", "First name")
	scoreCmd.Flags().StringVar(&scoreRecord.LastName, "last-name", "", "Last name")
	scoreCmd.Flags().StringVar(&scoreRecord.Initials, "initials", "", "Subject initials")
	scoreCmd.Flags().StringVar(&scoreRecord.SiteNumber, "site", "", "Site number")
	scoreCmd.Flags().StringVar(&scoreRecord.ICFSignDate, "icf-date", "", "ICF sign date")
	scoreCmd.Flags().StringVar(&scoreRecord.EnrollmentDate, "enrollment-date", "", "Enrollment date")
	scoreCmd.Flags().IntVar(&scoreLimit, "limit", domain.DefaultCandidates, "Candidates to show (0 = all)")
	_ = scoreCmd.MarkFlagRequired("study")
	rootCmd.AddCommand(scoreCmd)
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Rank a study's referrals for one subject",
	Long: `Rank a study's referrals for a single subject described on the command line,
with the per-criterion reasons behind each score.

Examples:
  reconcile score --study study-1 --dob 1980-05-12 --site 101 --initials AL
  reconcile score --study study-1 --first-name Ana --last-name Lopez --limit 0 --human`,
	RunE: runScore,
}

func runScore(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	source := mustLoadReferrals(logger)

	pool, err := source.ListCandidates(cmd.Context(), scoreStudy)
	if err != nil {
		exitWithError(ExitError, "loading study %s: %v", scoreStudy, err)
	}

	engine := newEngine(logger)
	var candidates []domain.MatchCandidate
	if scoreLimit > 0 {
		candidates = engine.TopCandidates(scoreRecord, pool, scoreLimit)
	} else {
		candidates = engine.FindMatches(scoreRecord, pool)
	}
	if candidates == nil {
		candidates = []domain.MatchCandidate{}
	}

	if !humanOutput {
		return outputJSON(candidates)
	}

	if len(candidates) == 0 {
		outputHuman("No referrals for study %s\n", scoreStudy)
		return nil
	}
	for i, c := range candidates {
		outputHuman("%d. %-24s %3d  %s  (%s)\n", i+1,
			truncateString(c.Referral.FullName(), NameColWidth), c.ConfidenceScore, c.Band, c.ReferralID)
		for _, reason := range c.MatchReasons {
			mark := "-"
			if reason.Matched {
				mark = "+"
			}
			outputHuman("     %s %-10s %s\n", mark, reason.Criterion, reason.Details)
		}
	}
	return nil
}
