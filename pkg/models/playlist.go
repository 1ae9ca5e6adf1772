package models

import "time"

// Playlist types.
const (
	PlaylistRegular = "regular"
	PlaylistSmart   = "smart"
)

// Playlist represents a user playlist or a rule-based smart playlist.
type Playlist struct {
	ID                int64          `json:"id"`
	Name              string         `json:"name"`
	Type              string         `json:"type"`
	IsUserEditable    bool           `json:"isUserEditable"`
	IsContentEditable bool           `json:"isContentEditable"`
	Criteria          *SmartCriteria `json:"criteria,omitempty"`
	TrackCount        int            `json:"trackCount"`
	DateCreated       time.Time      `json:"dateCreated"`
	DateModified      time.Time      `json:"dateModified"`
}

// IsSmart reports whether membership is computed from rules.
func (p Playlist) IsSmart() bool { return p.Type == PlaylistSmart }

// PlaylistTrack represents the relationship between playlists and tracks
type PlaylistTrack struct {
	PlaylistID int64     `json:"playlistId"`
	TrackID    int64     `json:"trackId"`
	Position   int       `json:"position"`
	DateAdded  time.Time `json:"dateAdded"`
}

// SmartCriteria is the persisted rule set of a smart playlist.
type SmartCriteria struct {
	Match    string      `json:"match"` // "all" or "any"
	Rules    []SmartRule `json:"rules"`
	SortBy   string      `json:"sortBy,omitempty"`
	SortDesc bool        `json:"sortDesc,omitempty"`
	Limit    int         `json:"limit,omitempty"`
}

// SmartRule is one condition of a smart playlist.
type SmartRule struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value"`
}
