package models

import "time"

// Pinned item types.
const (
	PinLibraryFilter = "library_filter"
	PinEntity        = "entity"
	PinPlaylist      = "playlist"
)

// PinnedItem is a shortcut to a library filter, an entity or a playlist.
type PinnedItem struct {
	ID          int64     `json:"id"`
	ItemType    string    `json:"itemType"`
	FilterType  string    `json:"filterType,omitempty"`
	FilterValue string    `json:"filterValue,omitempty"`
	EntityID    *int64    `json:"entityId,omitempty"`
	PlaylistID  *int64    `json:"playlistId,omitempty"`
	DisplayName string    `json:"displayName"`
	SortOrder   int       `json:"sortOrder"`
	DateAdded   time.Time `json:"dateAdded"`
}
