// Package main provides the reconcile CLI: offline batch scoring and archive maintenance.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/irt-reconciliation-engine/internal/config"
	"github.com/irt-reconciliation-engine/internal/importer"
	"github.com/irt-reconciliation-engine/internal/service"
)

// Version is set at build time via ldflags
var Version = "dev"

var (
	humanOutput   bool
	verbose       bool
	referralsPath string
	icfTolerance  int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Offline IRT reconciliation tools",
	Long: `reconcile scores IRT subject exports against study referrals without
starting a server, and maintains the session archive.

Settings are read from IRT_* environment variables; a .env file in the
working directory is loaded first. All commands output JSON by default.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Load .env file if present
	_ = godotenv.Load()

	lite := config.LoadLiteConfig()
	rootCmd.PersistentFlags().BoolVar(&humanOutput, "human", false, "Use human-readable output instead of JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log progress to stderr")
	rootCmd.PersistentFlags().StringVar(&referralsPath, "referrals", lite.ReferralsPath(), "Referral CSV file")
	rootCmd.PersistentFlags().IntVar(&icfTolerance, "icf-tolerance", lite.ICFToleranceDays, "ICF date tolerance in days")
	rootCmd.Version = Version
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{})
	if verbose {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}
	return logger
}

// mustLoadReferrals reads the referral file up front so a bad path fails before scoring.
func mustLoadReferrals(logger *logrus.Logger) *importer.CSVCandidateSource {
	source := importer.NewCSVCandidateSource(referralsPath, logger)
	if err := source.Reload(); err != nil {
		exitWithError(ExitConfigError, "loading referrals: %v", err)
	}
	return source
}

func newEngine(logger *logrus.Logger) *service.MatchEngine {
	return service.NewMatchEngine(logger, service.WithICFTolerance(icfTolerance))
}
