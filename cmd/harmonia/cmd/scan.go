package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/harmonia-media/harmonia/internal/catalog"
	"github.com/harmonia-media/harmonia/internal/config"
	"github.com/harmonia-media/harmonia/internal/database"
	"github.com/harmonia-media/harmonia/internal/download"
	"github.com/harmonia-media/harmonia/internal/logutil"
	"github.com/harmonia-media/harmonia/internal/torrentd"
	"github.com/harmonia-media/harmonia/internal/watchdog"
)

var scanDryRun bool

func init() {
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the catalog for missing media files",
		Long: `Compare the catalog against the media directory and report files that are
referenced but absent on disk. Without --dry-run, missing files are queued
for repair.`,
		RunE: runScan,
	}

	scanCmd.Flags().BoolVar(&scanDryRun, "dry-run", false, "report missing files without queueing repairs")

	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Default().Error("Failed to load config", "error", err)
		return err
	}

	logutil.Setup(cfg.Log)

	db, err := database.Open(database.Config{DatabasePath: cfg.Database.Path})
	if err != nil {
		return fmt.Errorf("failed to open queue database: %w", err)
	}
	defer db.Close()

	cat, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to open catalog database: %w", err)
	}
	defer cat.Close()

	client := torrentd.NewClient(torrentd.Config{
		BaseURL:  cfg.Fulfillment.URL,
		APIToken: cfg.Fulfillment.APIToken,
		Timeout:  cfg.Fulfillment.Timeout(),
	})

	audit := download.NewAuditLogger(db.Audit)

	manager := download.NewManager(db.Queue, audit, client, cat, download.ManagerConfig{
		Limits: download.Limits{
			MaxSubmissionsPerHour: cfg.Download.MaxSubmissionsPerHour,
			MaxSubmissionsPerDay:  cfg.Download.MaxSubmissionsPerDay,
		},
		Retry: download.RetryPolicy{
			MaxRetries:     cfg.Download.MaxRetries,
			InitialBackoff: cfg.Download.InitialBackoff(),
			MaxBackoff:     cfg.Download.MaxBackoff(),
			Multiplier:     cfg.Download.BackoffMultiplier,
		},
		WatchdogMaxRetries: cfg.Watchdog.MaxRetries,
		MediaRoot:          cfg.Catalog.MediaRoot,
	})

	wd := watchdog.New(cat, afero.NewOsFs(), manager, audit, watchdog.Config{
		MediaRoot:  cfg.Catalog.MediaRoot,
		BatchSize:  cfg.Watchdog.BatchSize,
		MaxRetries: cfg.Watchdog.MaxRetries,
	})

	mode := watchdog.ModeActual
	if scanDryRun {
		mode = watchdog.ModeDryRun
	}

	report, err := wd.Scan(cmd.Context(), mode)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	printReport(cmd, report)
	return nil
}

func printReport(cmd *cobra.Command, report *watchdog.Report) {
	cmd.Printf("Scan complete (%s) in %s\n", report.Mode, report.Duration.Round(time.Millisecond))
	cmd.Printf("  Tracks scanned:  %d\n", report.TracksScanned)
	cmd.Printf("  Images scanned:  %d\n", report.AlbumImagesScanned+report.ArtistImagesScanned)
	cmd.Printf("  Missing:         %d\n", report.TotalMissing())

	for _, track := range report.MissingTracks {
		cmd.Printf("    track         %s  %s - %s\n", track.TrackID, track.ArtistName, track.TrackName)
	}
	for _, image := range report.MissingAlbumImages {
		cmd.Printf("    album image   %s  %s\n", image.EntityID, image.EntityName)
	}
	for _, image := range report.MissingArtistImages {
		cmd.Printf("    artist image  %s  %s\n", image.EntityID, image.EntityName)
	}

	if report.Mode == watchdog.ModeActual {
		cmd.Printf("  Queued:          %d\n", report.Queued)
		cmd.Printf("  Skipped:         %d\n", report.Skipped)
	}
}
