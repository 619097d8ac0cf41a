package watchdog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonia-media/harmonia/internal/catalog"
	"github.com/harmonia-media/harmonia/internal/database"
	"github.com/harmonia-media/harmonia/internal/download"
)

type fakeCatalog struct {
	tracks       []*catalog.Track
	albumImages  []catalog.Image
	artistImages []catalog.Image
	trackErr     error
}

func (f *fakeCatalog) TrackIDs(ctx context.Context) ([]string, error) {
	if f.trackErr != nil {
		return nil, f.trackErr
	}
	ids := make([]string, len(f.tracks))
	for i, tr := range f.tracks {
		ids[i] = tr.ID
	}
	return ids, nil
}

func (f *fakeCatalog) Track(ctx context.Context, id string) (*catalog.Track, error) {
	for _, tr := range f.tracks {
		if tr.ID == id {
			return tr, nil
		}
	}
	return nil, nil
}

func (f *fakeCatalog) AlbumTracks(ctx context.Context, albumID string) ([]*catalog.Track, error) {
	return nil, nil
}

func (f *fakeCatalog) AlbumImages(ctx context.Context) ([]catalog.Image, error) {
	return f.albumImages, nil
}

func (f *fakeCatalog) ArtistImages(ctx context.Context) ([]catalog.Image, error) {
	return f.artistImages, nil
}

// fakeEnqueuer records repair requests; selected content IDs report as
// already queued.
type fakeEnqueuer struct {
	requests      []download.EnqueueRequest
	alreadyQueued map[string]bool
	failIDs       map[string]bool
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, req download.EnqueueRequest) (*database.QueueItem, error) {
	if f.alreadyQueued[req.ContentID] {
		return nil, download.ErrAlreadyQueued
	}
	if f.failIDs[req.ContentID] {
		return nil, errors.New("enqueue blew up")
	}
	f.requests = append(f.requests, req)
	return &database.QueueItem{ID: "item-" + req.ContentID}, nil
}

type watchdogFixture struct {
	watchdog *Watchdog
	fs       afero.Fs
	catalog  *fakeCatalog
	queue    *fakeEnqueuer
	db       *database.DB
}

func setupWatchdog(t *testing.T) *watchdogFixture {
	t.Helper()

	db, err := database.Open(database.Config{
		DatabasePath: filepath.Join(t.TempDir(), "queue.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fs := afero.NewMemMapFs()
	cat := &fakeCatalog{
		tracks: []*catalog.Track{
			{ID: "t1", Name: "Present", AlbumName: "Album", ArtistName: "Artist", AudioURI: "audio/t1.flac"},
			{ID: "t2", Name: "Gone", AlbumName: "Album", ArtistName: "Artist", AudioURI: "audio/t2.flac"},
			{ID: "t3", Name: "Never Acquired", AlbumName: "Album", ArtistName: "Artist"},
		},
		albumImages: []catalog.Image{
			{ID: "i1", EntityID: "al1", EntityName: "Album", Path: "images/al1.jpg"},
			{ID: "i2", EntityID: "al2", EntityName: "Other Album", Path: "images/al2.jpg"},
		},
		artistImages: []catalog.Image{
			{ID: "i3", EntityID: "ar1", EntityName: "Artist", Path: ""},
		},
	}

	// Only t1's audio and al1's image exist on disk.
	require.NoError(t, afero.WriteFile(fs, "/media/audio/t1.flac", []byte("flac"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/media/images/al1.jpg", []byte("jpg"), 0o644))

	queue := &fakeEnqueuer{alreadyQueued: map[string]bool{}, failIDs: map[string]bool{}}
	wd := New(cat, fs, queue, download.NewAuditLogger(db.Audit), Config{
		MediaRoot: "/media",
		BatchSize: 2,
	})

	return &watchdogFixture{watchdog: wd, fs: fs, catalog: cat, queue: queue, db: db}
}

func TestScan_DryRunFindsMissingWithoutQueueing(t *testing.T) {
	fx := setupWatchdog(t)

	report, err := fx.watchdog.Scan(context.Background(), ModeDryRun)
	require.NoError(t, err)

	assert.Equal(t, 3, report.TracksScanned)
	assert.Equal(t, 2, report.AlbumImagesScanned)
	assert.Equal(t, 1, report.ArtistImagesScanned)

	require.Len(t, report.MissingTracks, 2)
	assert.Equal(t, "t2", report.MissingTracks[0].TrackID, "File referenced but absent")
	assert.Equal(t, "t3", report.MissingTracks[1].TrackID, "Empty URI counts as missing")
	assert.Equal(t, "Gone", report.MissingTracks[0].TrackName)

	require.Len(t, report.MissingAlbumImages, 1)
	assert.Equal(t, "al2", report.MissingAlbumImages[0].EntityID)
	require.Len(t, report.MissingArtistImages, 1)

	assert.Equal(t, 4, report.TotalMissing())
	assert.False(t, report.Clean())

	// Dry run never mutates.
	assert.Zero(t, report.Queued)
	assert.Zero(t, report.Skipped)
	assert.Empty(t, fx.queue.requests)
}

func TestScan_ActualQueuesRepairs(t *testing.T) {
	fx := setupWatchdog(t)

	report, err := fx.watchdog.Scan(context.Background(), ModeActual)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Queued)
	assert.Zero(t, report.Skipped)
	assert.Equal(t, report.TotalMissing(), report.Queued+report.Skipped)

	require.Len(t, fx.queue.requests, 4)
	for _, req := range fx.queue.requests {
		assert.Equal(t, database.SourceWatchdog, req.Source)
		assert.Equal(t, 5, req.MaxRetries, "Repairs carry the reduced retry budget")
	}

	assert.Equal(t, database.ContentTypeTrackAudio, fx.queue.requests[0].ContentType)
	assert.Equal(t, database.ContentTypeAlbumImage, fx.queue.requests[2].ContentType)
	assert.Equal(t, database.ContentTypeArtistImage, fx.queue.requests[3].ContentType)
}

func TestScan_ActualSkipsInFlightContent(t *testing.T) {
	fx := setupWatchdog(t)
	fx.queue.alreadyQueued["t2"] = true
	fx.queue.failIDs["al2"] = true

	report, err := fx.watchdog.Scan(context.Background(), ModeActual)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Queued)
	assert.Equal(t, 2, report.Skipped, "Already-queued and failed enqueues both count as skipped")
	assert.Equal(t, report.TotalMissing(), report.Queued+report.Skipped)
}

func TestScan_CatalogFailureAborts(t *testing.T) {
	fx := setupWatchdog(t)
	fx.catalog.trackErr = errors.New("catalog db gone")

	report, err := fx.watchdog.Scan(context.Background(), ModeActual)
	require.Error(t, err)
	assert.Nil(t, report)
	assert.Empty(t, fx.queue.requests, "Aborted scans queue nothing")
}

func TestScan_CancelledBetweenBatches(t *testing.T) {
	fx := setupWatchdog(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.watchdog.Scan(ctx, ModeDryRun)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScan_CleanCatalog(t *testing.T) {
	fx := setupWatchdog(t)

	// Materialize everything the catalog references.
	require.NoError(t, afero.WriteFile(fx.fs, "/media/audio/t2.flac", []byte("flac"), 0o644))
	require.NoError(t, afero.WriteFile(fx.fs, "/media/images/al2.jpg", []byte("jpg"), 0o644))
	fx.catalog.tracks[2].AudioURI = "audio/t1.flac"
	fx.catalog.artistImages[0].Path = "images/al1.jpg"

	report, err := fx.watchdog.Scan(context.Background(), ModeActual)
	require.NoError(t, err)

	assert.True(t, report.Clean())
	assert.Zero(t, report.Queued)
	assert.Empty(t, fx.queue.requests)
}

func TestScan_AlwaysWritesAuditEntry(t *testing.T) {
	fx := setupWatchdog(t)

	_, err := fx.watchdog.Scan(context.Background(), ModeDryRun)
	require.NoError(t, err)
	_, err = fx.watchdog.Scan(context.Background(), ModeActual)
	require.NoError(t, err)

	entries, err := fx.db.Audit.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, database.AuditWatchdogScan, e.EventType)
		assert.NotNil(t, e.Details)
	}
}
