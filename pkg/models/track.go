package models

import "time"

// Placeholder values stored on tracks whose tags do not carry the field.
const (
	UnknownArtist      = "Unknown Artist"
	UnknownAlbum       = "Unknown Album"
	UnknownAlbumArtist = "Unknown Album Artist"
	UnknownComposer    = "Unknown Composer"
	UnknownGenre       = "Unknown Genre"
	UnknownYear        = "Unknown Year"
)

// Track is an immutable snapshot of a catalog row. Identity is ID; UpdatedAt
// is the row version used to validate cached copies.
type Track struct {
	ID               int64          `json:"id"`
	FolderID         int64          `json:"folderId"`
	AlbumID          *int64         `json:"albumId,omitempty"`
	Path             string         `json:"path"`
	Filename         string         `json:"filename"`
	Title            string         `json:"title"`
	Artist           string         `json:"artist"`
	Album            string         `json:"album"`
	AlbumArtist      string         `json:"albumArtist"`
	Composer         string         `json:"composer"`
	Genre            string         `json:"genre"`
	Year             int            `json:"year"`
	ReleaseDate      string         `json:"releaseDate,omitempty"`
	TrackNumber      int            `json:"trackNumber"`
	TrackTotal       int            `json:"trackTotal"`
	DiscNumber       int            `json:"discNumber"`
	DiscTotal        int            `json:"discTotal"`
	Duration         float64        `json:"duration"` // in seconds
	Format           string         `json:"format"`
	Codec            string         `json:"codec,omitempty"`
	Bitrate          int            `json:"bitrate"`
	SampleRate       int            `json:"sampleRate"`
	BitDepth         int            `json:"bitDepth"`
	Channels         int            `json:"channels"`
	FileSize         int64          `json:"fileSize"`
	ArtworkID        string         `json:"artworkId,omitempty"`
	IsFavorite       bool           `json:"isFavorite"`
	PlayCount        int            `json:"playCount"`
	LastPlayed       *time.Time     `json:"lastPlayed,omitempty"`
	IsDuplicate      bool           `json:"isDuplicate"`
	PrimaryTrackID   *int64         `json:"primaryTrackId,omitempty"`
	DuplicateGroupID string         `json:"duplicateGroupId,omitempty"`
	ExtendedMetadata map[string]any `json:"extendedMetadata,omitempty"`
	DateAdded        time.Time      `json:"dateAdded"`
	DateModified     int64          `json:"dateModified"` // file mtime, unix nanoseconds
	UpdatedAt        int64          `json:"updatedAt"`    // row version, unix nanoseconds
}

// TrackMetadata is what an extractor returns for one file. Every field except
// Duration is optional; nil means the source did not provide it.
type TrackMetadata struct {
	Title       *string
	Artist      *string
	Album       *string
	AlbumArtist *string
	Composer    *string
	Genre       *string
	Year        *int
	ReleaseDate *string
	Label       *string
	TrackNumber *int
	TrackTotal  *int
	DiscNumber  *int
	DiscTotal   *int
	Codec       *string
	Bitrate     *int
	SampleRate  *int
	BitDepth    *int
	Channels    *int

	Duration float64

	Artwork         []byte
	ArtworkMIMEType string

	Extended map[string]any
}

// String returns a pointer to s, for building TrackMetadata literals.
func String(s string) *string { return &s }

// Int returns a pointer to n, for building TrackMetadata literals.
func Int(n int) *int { return &n }
