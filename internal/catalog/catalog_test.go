package catalog

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCatalogDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE artists (id TEXT PRIMARY KEY, name TEXT NOT NULL);
		CREATE TABLE albums (id TEXT PRIMARY KEY, name TEXT NOT NULL, artist_name TEXT NOT NULL);
		CREATE TABLE tracks (
			id TEXT PRIMARY KEY, name TEXT NOT NULL, album_id TEXT NOT NULL,
			audio_uri TEXT, track_number INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE images (id TEXT PRIMARY KEY, entity_id TEXT NOT NULL, entity_type TEXT NOT NULL, path TEXT);
	`
	_, err = db.Exec(schema)
	require.NoError(t, err)

	seed := `
		INSERT INTO artists VALUES ('ar1', 'The Artist');
		INSERT INTO albums VALUES ('al1', 'First Album', 'The Artist');
		INSERT INTO tracks VALUES ('t1', 'Opener', 'al1', 'audio/t1.flac', 1);
		INSERT INTO tracks VALUES ('t2', 'Closer', 'al1', NULL, 2);
		INSERT INTO images VALUES ('img-al1', 'al1', 'album', 'images/al1.jpg');
		INSERT INTO images VALUES ('img-ar1', 'ar1', 'artist', NULL);
	`
	_, err = db.Exec(seed)
	require.NoError(t, err)

	return db
}

func setupStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(setupCatalogDB(t))
	require.NoError(t, err)
	return store
}

func TestTrackIDs(t *testing.T) {
	store := setupStore(t)

	ids, err := store.TrackIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids)
}

func TestTrack(t *testing.T) {
	store := setupStore(t)

	track, err := store.Track(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, track)
	assert.Equal(t, "Opener", track.Name)
	assert.Equal(t, "First Album", track.AlbumName)
	assert.Equal(t, "The Artist", track.ArtistName)
	assert.Equal(t, "audio/t1.flac", track.AudioURI)

	// A NULL audio_uri comes back empty.
	track, err = store.Track(context.Background(), "t2")
	require.NoError(t, err)
	require.NotNil(t, track)
	assert.Empty(t, track.AudioURI)

	// Missing tracks return nil without an error.
	track, err = store.Track(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, track)
}

func TestTrack_CachesLookups(t *testing.T) {
	store := setupStore(t)

	first, err := store.Track(context.Background(), "t1")
	require.NoError(t, err)

	// Second lookup is served from cache even if the row disappears.
	_, err = store.db.Exec(`DELETE FROM tracks WHERE id = 't1'`)
	require.NoError(t, err)

	second, err := store.Track(context.Background(), "t1")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestAlbumTracks(t *testing.T) {
	store := setupStore(t)

	tracks, err := store.AlbumTracks(context.Background(), "al1")
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, "Opener", tracks[0].Name)
	assert.Equal(t, "Closer", tracks[1].Name)
}

func TestImages(t *testing.T) {
	store := setupStore(t)

	albums, err := store.AlbumImages(context.Background())
	require.NoError(t, err)
	require.Len(t, albums, 1)
	assert.Equal(t, "al1", albums[0].EntityID)
	assert.Equal(t, "First Album", albums[0].EntityName)
	assert.Equal(t, "images/al1.jpg", albums[0].Path)

	artists, err := store.ArtistImages(context.Background())
	require.NoError(t, err)
	require.Len(t, artists, 1)
	assert.Empty(t, artists[0].Path, "NULL image path comes back empty")
}

func TestResolvePath(t *testing.T) {
	assert.Empty(t, ResolvePath("/media", ""))
	assert.Equal(t, filepath.Join("/media", "audio/t1.flac"), ResolvePath("/media", "audio/t1.flac"))
	assert.Equal(t, "/abs/t1.flac", ResolvePath("/media", "/abs/t1.flac"))
}
