// Package catalog provides read access to the media catalog consumed by
// the download pipeline: track metadata for building fulfillment tickets
// and file references for the missing-files watchdog.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
)

// Track is the catalog's view of one track.
type Track struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	AlbumID    string `json:"album_id"`
	AlbumName  string `json:"album_name"`
	ArtistName string `json:"artist_name"`
	// AudioURI is the path of the audio file relative to the media root,
	// empty when no audio has been acquired yet.
	AudioURI string `json:"audio_uri"`
	// TrackNumber within the album, zero when unknown.
	TrackNumber int `json:"track_number"`
}

// Image is one album or artist image reference.
type Image struct {
	ID         string `json:"id"`
	EntityID   string `json:"entity_id"`
	EntityName string `json:"entity_name"`
	// Path of the image file relative to the media root, empty when no
	// image has been acquired yet.
	Path string `json:"path"`
}

// Store is the catalog read interface consumed by the pipeline.
type Store interface {
	// TrackIDs returns all track IDs in the catalog.
	TrackIDs(ctx context.Context) ([]string, error)
	// Track returns a track by ID, or nil when it does not exist.
	Track(ctx context.Context, id string) (*Track, error)
	// AlbumTracks returns the tracks of an album ordered by number.
	AlbumTracks(ctx context.Context, albumID string) ([]*Track, error)
	// AlbumImages returns all album image references.
	AlbumImages(ctx context.Context) ([]Image, error)
	// ArtistImages returns all artist image references.
	ArtistImages(ctx context.Context) ([]Image, error)
}

// SQLiteStore reads the catalog from its SQLite database. Track lookups
// go through an LRU cache; the watchdog touches every track on each scan
// and most of them never change between scans.
type SQLiteStore struct {
	db     *sql.DB
	tracks *lru.Cache[string, *Track]
}

// trackCacheSize bounds the track lookup cache.
const trackCacheSize = 4096

// Open opens the catalog database read-only.
func Open(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=10000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}

	return NewSQLiteStore(conn)
}

// NewSQLiteStore wraps an existing catalog connection.
func NewSQLiteStore(conn *sql.DB) (*SQLiteStore, error) {
	cache, err := lru.New[string, *Track](trackCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create track cache: %w", err)
	}

	return &SQLiteStore{db: conn, tracks: cache}, nil
}

// Close closes the catalog database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// TrackIDs returns all track IDs in the catalog.
func (s *SQLiteStore) TrackIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tracks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list track ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan track id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

const trackColumns = `t.id, t.name, t.album_id, a.name, a.artist_name, t.audio_uri, t.track_number`

func scanTrack(row interface{ Scan(dest ...interface{}) error }) (*Track, error) {
	var track Track
	var audioURI sql.NullString
	err := row.Scan(&track.ID, &track.Name, &track.AlbumID, &track.AlbumName,
		&track.ArtistName, &audioURI, &track.TrackNumber)
	if err != nil {
		return nil, err
	}
	track.AudioURI = audioURI.String
	return &track, nil
}

// Track returns a track by ID, or nil when it does not exist.
func (s *SQLiteStore) Track(ctx context.Context, id string) (*Track, error) {
	if track, ok := s.tracks.Get(id); ok {
		return track, nil
	}

	query := fmt.Sprintf(`
		SELECT %s FROM tracks t
		JOIN albums a ON a.id = t.album_id
		WHERE t.id = ?
	`, trackColumns)

	track, err := scanTrack(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get track: %w", err)
	}

	s.tracks.Add(id, track)
	return track, nil
}

// AlbumTracks returns the tracks of an album ordered by track number.
func (s *SQLiteStore) AlbumTracks(ctx context.Context, albumID string) ([]*Track, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tracks t
		JOIN albums a ON a.id = t.album_id
		WHERE t.album_id = ?
		ORDER BY t.track_number ASC
	`, trackColumns)

	rows, err := s.db.QueryContext(ctx, query, albumID)
	if err != nil {
		return nil, fmt.Errorf("failed to list album tracks: %w", err)
	}
	defer rows.Close()

	var tracks []*Track
	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		tracks = append(tracks, track)
	}

	return tracks, rows.Err()
}

// AlbumImages returns all album image references.
func (s *SQLiteStore) AlbumImages(ctx context.Context) ([]Image, error) {
	return s.images(ctx, `
		SELECT i.id, i.entity_id, a.name, i.path FROM images i
		JOIN albums a ON a.id = i.entity_id
		WHERE i.entity_type = 'album'
	`)
}

// ArtistImages returns all artist image references.
func (s *SQLiteStore) ArtistImages(ctx context.Context) ([]Image, error) {
	return s.images(ctx, `
		SELECT i.id, i.entity_id, ar.name, i.path FROM images i
		JOIN artists ar ON ar.id = i.entity_id
		WHERE i.entity_type = 'artist'
	`)
}

func (s *SQLiteStore) images(ctx context.Context, query string) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		var path sql.NullString
		if err := rows.Scan(&img.ID, &img.EntityID, &img.EntityName, &path); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		img.Path = path.String
		images = append(images, img)
	}

	return images, rows.Err()
}

// ResolvePath joins a catalog-relative URI onto the media root. Absolute
// URIs are returned unchanged.
func ResolvePath(mediaRoot, uri string) string {
	if uri == "" {
		return ""
	}
	if filepath.IsAbs(uri) {
		return uri
	}
	return filepath.Join(mediaRoot, uri)
}
