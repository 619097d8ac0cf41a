// Package watchdog reconciles the catalog against the filesystem: it
// finds tracks and images the catalog references but whose files are
// missing, and queues repair downloads for them.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/harmonia-media/harmonia/internal/catalog"
	"github.com/harmonia-media/harmonia/internal/database"
	"github.com/harmonia-media/harmonia/internal/download"
)

// Mode selects whether a scan only reports or also queues repairs.
type Mode string

const (
	// ModeDryRun reports missing files without mutating anything.
	ModeDryRun Mode = "dry_run"
	// ModeActual queues repair downloads for missing files.
	ModeActual Mode = "actual"
)

// MissingTrack describes one track whose audio file is absent.
type MissingTrack struct {
	TrackID    string `json:"track_id"`
	TrackName  string `json:"track_name"`
	AlbumName  string `json:"album_name"`
	ArtistName string `json:"artist_name"`
}

// MissingImage describes one album or artist image that is absent.
type MissingImage struct {
	ImageID    string `json:"image_id"`
	EntityID   string `json:"entity_id"`
	EntityName string `json:"entity_name"`
}

// Report summarizes one scan.
type Report struct {
	Mode                Mode           `json:"mode"`
	StartedAt           time.Time      `json:"started_at"`
	Duration            time.Duration  `json:"duration"`
	TracksScanned       int            `json:"tracks_scanned"`
	AlbumImagesScanned  int            `json:"album_images_scanned"`
	ArtistImagesScanned int            `json:"artist_images_scanned"`
	MissingTracks       []MissingTrack `json:"missing_tracks"`
	MissingAlbumImages  []MissingImage `json:"missing_album_images"`
	MissingArtistImages []MissingImage `json:"missing_artist_images"`
	Queued              int            `json:"queued"`
	Skipped             int            `json:"skipped"`
}

// TotalMissing returns the number of missing files found.
func (r *Report) TotalMissing() int {
	return len(r.MissingTracks) + len(r.MissingAlbumImages) + len(r.MissingArtistImages)
}

// Clean reports whether the scan found nothing missing.
func (r *Report) Clean() bool {
	return r.TotalMissing() == 0
}

// Enqueuer admits repair requests into the download queue. Satisfied by
// the download manager.
type Enqueuer interface {
	Enqueue(ctx context.Context, req download.EnqueueRequest) (*database.QueueItem, error)
}

// Config holds watchdog configuration.
type Config struct {
	// MediaRoot is the filesystem root catalog URIs resolve against.
	MediaRoot string
	// BatchSize is how many tracks are checked between context checks.
	BatchSize int
	// MaxRetries is the reduced retry budget for queued repairs.
	MaxRetries int
}

// Watchdog scans the catalog for missing files.
type Watchdog struct {
	catalog catalog.Store
	fs      afero.Fs
	queue   Enqueuer
	audit   *download.AuditLogger
	config  Config
	log     *slog.Logger
}

// New creates a watchdog scanning fs for the files the catalog references.
func New(cat catalog.Store, fs afero.Fs, queue Enqueuer, audit *download.AuditLogger, config Config) *Watchdog {
	if config.BatchSize == 0 {
		config.BatchSize = 200
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 5
	}

	return &Watchdog{
		catalog: cat,
		fs:      fs,
		queue:   queue,
		audit:   audit,
		config:  config,
		log:     slog.Default().With("component", "watchdog"),
	}
}

// Scan walks the whole catalog and reports every piece of content whose
// file is missing. In ModeActual it also queues repairs for content not
// already in flight; a catalog read failure aborts the scan, individual
// enqueue failures only count as skipped. Every scan leaves one audit
// entry.
func (w *Watchdog) Scan(ctx context.Context, mode Mode) (*Report, error) {
	start := time.Now()
	report := &Report{Mode: mode, StartedAt: start.UTC()}

	w.log.InfoContext(ctx, "Starting missing files scan", "mode", mode)

	if err := w.scanTracks(ctx, report); err != nil {
		return nil, err
	}
	if err := w.scanImages(ctx, report); err != nil {
		return nil, err
	}

	if mode == ModeActual {
		w.queueRepairs(ctx, report)
	}

	report.Duration = time.Since(start)
	w.recordScan(report)

	w.log.InfoContext(ctx, "Missing files scan finished",
		"mode", mode,
		"tracks_scanned", report.TracksScanned,
		"missing", report.TotalMissing(),
		"queued", report.Queued,
		"skipped", report.Skipped,
		"duration", report.Duration)

	return report, nil
}

func (w *Watchdog) scanTracks(ctx context.Context, report *Report) error {
	ids, err := w.catalog.TrackIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate tracks: %w", err)
	}

	for batchStart := 0; batchStart < len(ids); batchStart += w.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(batchStart+w.config.BatchSize, len(ids))
		for _, id := range ids[batchStart:end] {
			track, err := w.catalog.Track(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to load track %s: %w", id, err)
			}
			if track == nil {
				continue
			}

			report.TracksScanned++
			if w.fileExists(track.AudioURI) {
				continue
			}

			report.MissingTracks = append(report.MissingTracks, MissingTrack{
				TrackID:    track.ID,
				TrackName:  track.Name,
				AlbumName:  track.AlbumName,
				ArtistName: track.ArtistName,
			})
		}
	}

	return nil
}

func (w *Watchdog) scanImages(ctx context.Context, report *Report) error {
	albumImages, err := w.catalog.AlbumImages(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate album images: %w", err)
	}
	report.AlbumImagesScanned = len(albumImages)
	report.MissingAlbumImages = w.missingImages(albumImages)

	if err := ctx.Err(); err != nil {
		return err
	}

	artistImages, err := w.catalog.ArtistImages(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate artist images: %w", err)
	}
	report.ArtistImagesScanned = len(artistImages)
	report.MissingArtistImages = w.missingImages(artistImages)

	return nil
}

func (w *Watchdog) missingImages(images []catalog.Image) []MissingImage {
	var missing []MissingImage
	for _, img := range images {
		if w.fileExists(img.Path) {
			continue
		}
		missing = append(missing, MissingImage{
			ImageID:    img.ID,
			EntityID:   img.EntityID,
			EntityName: img.EntityName,
		})
	}
	return missing
}

// fileExists reports whether the catalog URI resolves to a real file. An
// empty URI means the content was never acquired.
func (w *Watchdog) fileExists(uri string) bool {
	if uri == "" {
		return false
	}

	exists, err := afero.Exists(w.fs, catalog.ResolvePath(w.config.MediaRoot, uri))
	if err != nil {
		w.log.Warn("File check failed, treating as missing", "uri", uri, "error", err)
		return false
	}
	return exists
}

func (w *Watchdog) queueRepairs(ctx context.Context, report *Report) {
	enqueue := func(req download.EnqueueRequest) {
		req.Source = database.SourceWatchdog
		req.MaxRetries = w.config.MaxRetries

		_, err := w.queue.Enqueue(ctx, req)
		switch {
		case err == nil:
			report.Queued++
		case errors.Is(err, download.ErrAlreadyQueued):
			report.Skipped++
		default:
			w.log.WarnContext(ctx, "Repair enqueue failed",
				"content_type", req.ContentType,
				"content_id", req.ContentID,
				"error", err)
			report.Skipped++
		}
	}

	for _, track := range report.MissingTracks {
		enqueue(download.EnqueueRequest{
			ContentType: database.ContentTypeTrackAudio,
			ContentID:   track.TrackID,
			ContentName: track.TrackName,
			ArtistName:  track.ArtistName,
		})
	}
	for _, img := range report.MissingAlbumImages {
		enqueue(download.EnqueueRequest{
			ContentType: database.ContentTypeAlbumImage,
			ContentID:   img.EntityID,
			ContentName: img.EntityName,
		})
	}
	for _, img := range report.MissingArtistImages {
		enqueue(download.EnqueueRequest{
			ContentType: database.ContentTypeArtistImage,
			ContentID:   img.EntityID,
			ContentName: img.EntityName,
		})
	}
}

func (w *Watchdog) recordScan(report *Report) {
	w.audit.WatchdogScan(map[string]any{
		"mode":                  report.Mode,
		"tracks_scanned":        report.TracksScanned,
		"album_images_scanned":  report.AlbumImagesScanned,
		"artist_images_scanned": report.ArtistImagesScanned,
		"missing":               report.TotalMissing(),
		"queued":                report.Queued,
		"skipped":               report.Skipped,
		"duration_ms":           report.Duration.Milliseconds(),
	})
}
