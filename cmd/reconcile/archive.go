package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/irt-reconciliation-engine/internal/config"
	"github.com/irt-reconciliation-engine/internal/ledger"
)

var (
	archiveDBPath      string
	archivePostgresURL string
	archiveFile        string
)

func init() {
	lite := config.LoadLiteConfig()
	for _, cmd := range []*cobra.Command{exportArchiveCmd, importArchiveCmd} {
		cmd.Flags().StringVar(&archiveDBPath, "db", lite.ArchiveDBPath(), "SQLite archive database")
		cmd.Flags().StringVar(&archivePostgresURL, "postgres", os.Getenv("IRT_ARCHIVE_POSTGRES_URL"), "PostgreSQL URL; overrides --db")
	}
	exportArchiveCmd.Flags().StringVarP(&archiveFile, "out", "o", "", "Output file (default stdout)")
	importArchiveCmd.Flags().StringVarP(&archiveFile, "in", "i", "", "Archive JSON file (default stdin)")
	rootCmd.AddCommand(exportArchiveCmd)
	rootCmd.AddCommand(importArchiveCmd)
}

var exportArchiveCmd = &cobra.Command{
	Use:   "export-archive",
	Short: "Dump every archived session as JSON",
	Long: `Dump every archived reconciliation session, with its decisions and summary,
as a single JSON document.

Examples:
  reconcile export-archive -o sessions.json
  reconcile export-archive --postgres postgres://recon@db/irt_reconciliation`,
	Args: cobra.NoArgs,
	RunE: runExportArchive,
}

var importArchiveCmd = &cobra.Command{
	Use:   "import-archive",
	Short: "Load sessions from an export-archive dump",
	Long: `Load sessions from a JSON document written by export-archive. Sessions
already present in the archive are skipped.

Examples:
  reconcile import-archive -i sessions.json --db ./archive.db`,
	Args: cobra.NoArgs,
	RunE: runImportArchive,
}

func openStore() ledger.Store {
	var (
		store ledger.Store
		err   error
	)
	if archivePostgresURL != "" {
		store, err = ledger.NewPostgresStoreFromURL(archivePostgresURL)
	} else {
		store, err = ledger.NewSQLiteStore(archiveDBPath)
	}
	if err != nil {
		exitWithError(ExitConfigError, "opening archive: %v", err)
	}
	return store
}

func runExportArchive(cmd *cobra.Command, args []string) error {
	store := openStore()
	defer store.Close()

	var out io.Writer = os.Stdout
	if archiveFile != "" {
		f, err := os.Create(archiveFile)
		if err != nil {
			exitWithError(ExitError, "creating %s: %v", archiveFile, err)
		}
		defer f.Close()
		out = f
	}

	if err := store.ExportJSON(cmd.Context(), out); err != nil {
		exitWithError(ExitError, "exporting archive: %v", err)
	}

	if archiveFile != "" {
		count, _ := store.Count(cmd.Context())
		if humanOutput {
			outputHuman("Exported %d sessions to %s\n", count, archiveFile)
			return nil
		}
		return outputJSON(map[string]interface{}{"path": archiveFile, "sessions": count})
	}
	return nil
}

func runImportArchive(cmd *cobra.Command, args []string) error {
	store := openStore()
	defer store.Close()

	var in io.Reader = os.Stdin
	if archiveFile != "" {
		f, err := os.Open(archiveFile)
		if err != nil {
			exitWithError(ExitError, "opening %s: %v", archiveFile, err)
		}
		defer f.Close()
		in = f
	}

	imported, skipped, err := store.ImportJSON(cmd.Context(), in)
	if err != nil {
		exitWithError(ExitDataError, "importing archive: %v", err)
	}

	if humanOutput {
		outputHuman("Imported %d sessions (%d skipped)\n", imported, skipped)
		return nil
	}
	return outputJSON(map[string]int{"imported": imported, "skipped": skipped})
}
