package commands

import (
	"log/slog"
	"os"
	"time"

	"labmigrate/lib/configutil"
	"labmigrate/lib/elabftw"
	"labmigrate/lib/labfolder"
	"labmigrate/lib/serviceutil"
	"labmigrate/lib/telemetry"
	"labmigrate/services/migrate"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type Config struct {
	Elabftw struct {
		BaseURL string `json:"base_url"`
		APIKey  string `json:"api_key"`
	} `json:"elabftw"`
}

var runFlags struct {
	username         string
	password         string
	url              string
	authors          []string
	entriesSnapshot  string
	useSnapshot      bool
	isaIDs           string
	namelist         string
	exportCacheDir   string
	pdfCacheDir      string
	restrictToExport bool
	category         int
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.username, "username", "u", "", "Labfolder username (or LABFOLDER_USERNAME)")
	f.StringVarP(&runFlags.password, "password", "p", "", "Labfolder password (or LABFOLDER_PASSWORD)")
	f.StringVar(&runFlags.url, "url", "https://labfolder.labforward.app/api/v2", "Labfolder API URL")
	f.StringArrayVarP(&runFlags.authors, "author", "a", nil, "Author first name to include (repeatable)")
	f.StringVar(&runFlags.entriesSnapshot, "entries-snapshot", "", "Path to a parquet file used to cache entries")
	f.BoolVar(&runFlags.useSnapshot, "use-snapshot", false, "Skip fetching and read entries from --entries-snapshot")
	f.StringVar(&runFlags.isaIDs, "isa-ids", "", "CSV mapping owner names to linked resource ids")
	f.StringVar(&runFlags.namelist, "namelist", "", "CSV mapping first/last names to destination user ids")
	f.StringVar(&runFlags.exportCacheDir, "export-cache-dir", "exports/xhtml", "Directory caching downloaded export bundles")
	f.StringVar(&runFlags.pdfCacheDir, "pdf-cache-dir", "exports/pdf", "Directory caching per-project PDF exports")
	f.BoolVar(&runFlags.restrictToExport, "only-projects-from-export", false, "Process only projects present in the cached export bundle")
	f.IntVar(&runFlags.category, "category", 83, "Destination record category id")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Migrates source projects into destination records.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		// optional .env holding credentials, flags win
		godotenv.Load()
		if runFlags.username == "" {
			runFlags.username = os.Getenv("LABFOLDER_USERNAME")
		}
		if runFlags.password == "" {
			runFlags.password = os.Getenv("LABFOLDER_PASSWORD")
		}

		tel, err := telemetry.SetupFromEnv(ctx, "labmigrate")
		if err != nil {
			serviceutil.Fatal("failed to setup telemetry", err)
		}
		defer tel.Shutdown(ctx)

		cfg, err := configutil.ReadConfig[Config]("config.json5")
		if err != nil {
			serviceutil.Fatal("failed to read config.json5", err)
		}

		source, err := labfolder.NewClient(labfolder.ClientOptions{
			BaseURL:  runFlags.url,
			Email:    runFlags.username,
			Password: runFlags.password,
		}, slog.Default())
		if err != nil {
			serviceutil.Fatal("failed to initialize source client", err)
		}
		err = source.Login(ctx)
		if err != nil {
			serviceutil.Fatal("failed to login to source system", err)
		}
		slog.Info("source session established", "scratch", source.ScratchDir())

		dest := elabftw.NewClient(elabftw.ClientOptions{
			BaseURL: cfg.Elabftw.BaseURL,
			APIKey:  cfg.Elabftw.APIKey,
		}, slog.Default())

		service, err := migrate.NewService(source, source, dest, migrate.Options{
			Category:         runFlags.category,
			Authors:          runFlags.authors,
			SnapshotPath:     runFlags.entriesSnapshot,
			UseSnapshot:      runFlags.useSnapshot,
			ISATablePath:     runFlags.isaIDs,
			NamelistPath:     runFlags.namelist,
			ExportCacheDir:   runFlags.exportCacheDir,
			PDFCacheDir:      runFlags.pdfCacheDir,
			RestrictToExport: runFlags.restrictToExport,
		}, slog.Default())
		if err != nil {
			serviceutil.Fatal("failed to initialize migration service", err)
		}

		t1 := time.Now()
		err = service.Run(ctx)
		if err != nil {
			serviceutil.Fatal("migration aborted", err)
		}
		slog.Info("migration time", "seconds", time.Since(t1).Seconds())
	},
}
