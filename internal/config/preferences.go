package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/BurntSushi/toml"
)

// Track sort fields accepted by SetTrackSort.
var trackSortFields = []string{"title", "artist", "album", "album_artist", "year", "date_added", "duration", "play_count", "last_played"}

// PreferenceValues is the persisted shape of user preferences.
type PreferenceValues struct {
	HideDuplicates bool     `toml:"hide_duplicates"`
	TrackSort      string   `toml:"track_sort"`
	SortDescending bool     `toml:"sort_descending"`
	VisibleColumns []string `toml:"visible_columns"`
}

// DefaultPreferences returns the preferences of a fresh install.
func DefaultPreferences() PreferenceValues {
	return PreferenceValues{
		HideDuplicates: false,
		TrackSort:      "artist",
		SortDescending: false,
		VisibleColumns: []string{"title", "artist", "album", "duration"},
	}
}

// Preferences is the live, concurrency-safe preferences context. Readers
// see the value current at query time. A nil *Preferences reads as defaults.
type Preferences struct {
	mutex  sync.RWMutex
	path   string
	values PreferenceValues
}

// NewPreferences wraps values without a backing file.
func NewPreferences(values PreferenceValues) *Preferences {
	return &Preferences{values: values}
}

// LoadPreferences reads preferences from path, using defaults when the file
// does not exist yet.
func LoadPreferences(path string) (*Preferences, error) {
	p := &Preferences{path: path, values: DefaultPreferences()}
	if path == "" {
		return p, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return p, nil
	}
	if _, err := toml.DecodeFile(path, &p.values); err != nil {
		return nil, fmt.Errorf("failed to parse preferences file: %w", err)
	}
	if !slices.Contains(trackSortFields, p.values.TrackSort) {
		p.values.TrackSort = DefaultPreferences().TrackSort
	}
	return p, nil
}

// Save writes preferences back to their file, if they have one.
func (p *Preferences) Save() error {
	if p == nil || p.path == "" {
		return nil
	}
	values := p.Snapshot()

	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create preferences directory: %w", err)
	}
	file, err := os.Create(p.path)
	if err != nil {
		return fmt.Errorf("failed to create preferences file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(values); err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the current values.
func (p *Preferences) Snapshot() PreferenceValues {
	if p == nil {
		return DefaultPreferences()
	}
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	v := p.values
	v.VisibleColumns = slices.Clone(p.values.VisibleColumns)
	return v
}

// HideDuplicates reports whether duplicate tracks are hidden from listings.
func (p *Preferences) HideDuplicates() bool {
	if p == nil {
		return false
	}
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.values.HideDuplicates
}

// SetHideDuplicates toggles duplicate hiding.
func (p *Preferences) SetHideDuplicates(hide bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.values.HideDuplicates = hide
}

// TrackSort returns the track sort field and direction.
func (p *Preferences) TrackSort() (field string, descending bool) {
	if p == nil {
		d := DefaultPreferences()
		return d.TrackSort, d.SortDescending
	}
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.values.TrackSort, p.values.SortDescending
}

// SetTrackSort changes the track sort.
func (p *Preferences) SetTrackSort(field string, descending bool) error {
	if !slices.Contains(trackSortFields, field) {
		return fmt.Errorf("invalid track sort field: %s", field)
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.values.TrackSort = field
	p.values.SortDescending = descending
	return nil
}

// VisibleColumns returns the listing columns the user chose.
func (p *Preferences) VisibleColumns() []string {
	return p.Snapshot().VisibleColumns
}

// SetVisibleColumns replaces the visible listing columns.
func (p *Preferences) SetVisibleColumns(columns []string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.values.VisibleColumns = slices.Clone(columns)
}
