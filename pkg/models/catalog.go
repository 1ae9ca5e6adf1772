package models

import "time"

// Folder is a library root the user added.
type Folder struct {
	ID          int64      `json:"id"`
	Path        string     `json:"path"`
	TrackCount  int        `json:"trackCount"`
	Bookmark    []byte     `json:"-"`
	DateAdded   time.Time  `json:"dateAdded"`
	DateUpdated time.Time  `json:"dateUpdated"`
	LastScanned *time.Time `json:"lastScanned,omitempty"`
}

// Artist is a deduplicated artist row keyed by NormalizedName.
type Artist struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	NormalizedName string `json:"normalizedName"`
	SortName       string `json:"sortName"`
	ArtworkID      string `json:"artworkId,omitempty"`
	TotalTracks    int    `json:"totalTracks"`
	TotalAlbums    int    `json:"totalAlbums"`
}

// Album is a deduplicated album row keyed by (NormalizedTitle, ArtistKey).
type Album struct {
	ID              int64  `json:"id"`
	Title           string `json:"title"`
	NormalizedTitle string `json:"normalizedTitle"`
	ArtistKey       string `json:"artistKey"`
	SortTitle       string `json:"sortTitle"`
	ReleaseYear     int    `json:"releaseYear,omitempty"`
	ReleaseDate     string `json:"releaseDate,omitempty"`
	TrackTotal      int    `json:"trackTotal,omitempty"`
	DiscTotal       int    `json:"discTotal,omitempty"`
	Label           string `json:"label,omitempty"`
	ArtworkID       string `json:"artworkId,omitempty"`
	TotalTracks     int    `json:"totalTracks"`
}

// Genre is a genre row keyed by its exact name.
type Genre struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Track artist roles.
const (
	RoleArtist      = "artist"
	RoleComposer    = "composer"
	RoleAlbumArtist = "album_artist"
)

// Album artist roles.
const (
	RolePrimary  = "primary"
	RoleFeatured = "featured"
)
