package playlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"legato/internal/catalog"
	"legato/internal/config"
	"legato/internal/database"
	"legato/internal/events"
	"legato/internal/pinned"
	"legato/pkg/models"
)

type fixture struct {
	db       *database.Database
	prefs    *config.Preferences
	notifier *events.Notifier
	store    *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Conn().Exec(
		"INSERT INTO folders (id, path, date_added, date_updated) VALUES (1, '/music', ?, ?)",
		time.Now().UTC(), time.Now().UTC(),
	); err != nil {
		t.Fatalf("Failed to create folder: %v", err)
	}

	prefs := config.NewPreferences(config.DefaultPreferences())
	notifier := events.NewNotifier()
	store := NewStore(db, prefs, notifier, logger)
	t.Cleanup(store.Close)
	return &fixture{db: db, prefs: prefs, notifier: notifier, store: store}
}

var trackSeq int

func (f *fixture) addTrack(t *testing.T, title string, playCount int, lastPlayed *time.Time) int64 {
	t.Helper()
	trackSeq++
	path := fmt.Sprintf("/music/%d.mp3", trackSeq)
	res, err := f.db.Conn().Exec(`
		INSERT INTO tracks (folder_id, path, filename, title, artist, album, album_artist, composer, genre,
			play_count, last_played, date_added)
		VALUES (1, ?, ?, ?, 'Artist', 'Album', 'Artist', ?, ?, ?, ?, ?)`,
		path, filepath.Base(path), title, models.UnknownComposer, models.UnknownGenre,
		playCount, lastPlayed, time.Now().UTC())
	if err != nil {
		t.Fatalf("Failed to insert track: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func (f *fixture) builtin(t *testing.T, name string) models.Playlist {
	t.Helper()
	playlists, err := f.store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, p := range playlists {
		if p.Name == name && !p.IsUserEditable {
			return p
		}
	}
	t.Fatalf("Built-in playlist %q not found", name)
	return models.Playlist{}
}

func (f *fixture) members(t *testing.T, id int64) []string {
	t.Helper()
	tracks, err := f.store.Tracks(context.Background(), id)
	if err != nil {
		t.Fatalf("Tracks failed: %v", err)
	}
	out := make([]string, len(tracks))
	for i, tr := range tracks {
		out[i] = tr.Title
	}
	return out
}

func TestRegularPlaylist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addTrack(t, "A", 0, nil)
	b := f.addTrack(t, "B", 0, nil)
	c := f.addTrack(t, "C", 0, nil)

	p, err := f.store.Create(ctx, "  Road Trip ")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if p.Name != "Road Trip" || p.IsSmart() || !p.IsUserEditable || !p.IsContentEditable {
		t.Errorf("Unexpected playlist: %+v", p)
	}

	t.Run("AddDedupes", func(t *testing.T) {
		if err := f.store.AddTracks(ctx, p.ID, []int64{a, b, a}); err != nil {
			t.Fatalf("AddTracks failed: %v", err)
		}
		if got := f.members(t, p.ID); !reflect.DeepEqual(got, []string{"A", "B"}) {
			t.Errorf("Expected [A B], got %v", got)
		}
		if err := f.store.AddTracks(ctx, p.ID, []int64{b}); err != nil {
			t.Fatalf("AddTracks failed: %v", err)
		}
		if got := f.members(t, p.ID); !reflect.DeepEqual(got, []string{"A", "B"}) {
			t.Errorf("Expected re-adding to keep order, got %v", got)
		}
	})

	t.Run("Move", func(t *testing.T) {
		if err := f.store.MoveTrack(ctx, p.ID, b, 0); err != nil {
			t.Fatalf("MoveTrack failed: %v", err)
		}
		if got := f.members(t, p.ID); !reflect.DeepEqual(got, []string{"B", "A"}) {
			t.Errorf("Expected [B A], got %v", got)
		}
		if err := f.store.MoveTrack(ctx, p.ID, c, 0); !errors.Is(err, catalog.ErrTrackNotFound) {
			t.Errorf("Expected ErrTrackNotFound for a non-member, got %v", err)
		}
	})

	t.Run("PositionsAreDense", func(t *testing.T) {
		if err := f.store.RemoveTracks(ctx, p.ID, []int64{b}); err != nil {
			t.Fatalf("RemoveTracks failed: %v", err)
		}
		if err := f.store.AddTracks(ctx, p.ID, []int64{c}); err != nil {
			t.Fatalf("AddTracks failed: %v", err)
		}
		rows, err := f.db.Conn().Query("SELECT position FROM playlist_tracks WHERE playlist_id = ? ORDER BY position", p.ID)
		if err != nil {
			t.Fatalf("Failed to read positions: %v", err)
		}
		defer rows.Close()
		want := 0
		for rows.Next() {
			var pos int
			if err := rows.Scan(&pos); err != nil {
				t.Fatalf("Failed to scan position: %v", err)
			}
			if pos != want {
				t.Errorf("Expected position %d, got %d", want, pos)
			}
			want++
		}
	})

	t.Run("SaveReplaces", func(t *testing.T) {
		if err := f.store.Save(ctx, p.ID, []int64{c, b, a}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if got := f.members(t, p.ID); !reflect.DeepEqual(got, []string{"C", "B", "A"}) {
			t.Errorf("Expected [C B A], got %v", got)
		}
		got, err := f.store.Get(ctx, p.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.TrackCount != 3 {
			t.Errorf("Expected 3 tracks, got %d", got.TrackCount)
		}
		if err := f.store.Save(ctx, p.ID, []int64{a, 9999}); err == nil {
			t.Error("Expected error for unknown track")
		}
		if got := f.members(t, p.ID); len(got) != 3 {
			t.Errorf("Expected failed save to roll back, got %v", got)
		}
	})

	t.Run("HidesDuplicates", func(t *testing.T) {
		if _, err := f.db.Conn().Exec("UPDATE tracks SET is_duplicate = 1 WHERE id = ?", b); err != nil {
			t.Fatalf("Failed to flag duplicate: %v", err)
		}
		f.prefs.SetHideDuplicates(true)
		defer f.prefs.SetHideDuplicates(false)
		if got := f.members(t, p.ID); !reflect.DeepEqual(got, []string{"C", "A"}) {
			t.Errorf("Expected [C A], got %v", got)
		}
	})

	t.Run("RenameAndDelete", func(t *testing.T) {
		if err := f.store.Rename(ctx, p.ID, "Long Drive"); err != nil {
			t.Fatalf("Rename failed: %v", err)
		}
		if err := f.store.Rename(ctx, p.ID, " "); err == nil {
			t.Error("Expected error for empty name")
		}

		pins := pinned.NewStore(f.db)
		if _, err := pins.Pin(ctx, models.PinnedItem{ItemType: models.PinLibraryFilter, FilterType: "genre", FilterValue: "Rock"}); err != nil {
			t.Fatalf("Pin failed: %v", err)
		}
		if _, err := pins.Pin(ctx, models.PinnedItem{ItemType: models.PinPlaylist, PlaylistID: &p.ID, DisplayName: "Long Drive"}); err != nil {
			t.Fatalf("Pin failed: %v", err)
		}
		if err := pins.Move(ctx, 2, 0); err != nil {
			t.Fatalf("Move failed: %v", err)
		}

		if err := f.store.Delete(ctx, p.ID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := f.store.Get(ctx, p.ID); !errors.Is(err, ErrPlaylistNotFound) {
			t.Errorf("Expected ErrPlaylistNotFound, got %v", err)
		}
		items, err := pins.List(ctx)
		if err != nil {
			t.Fatalf("List pins failed: %v", err)
		}
		if len(items) != 1 || items[0].SortOrder != 0 {
			t.Errorf("Expected one compacted pin, got %+v", items)
		}
	})
}

func TestBuiltinPlaylists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.EnsureDefaults(ctx); err != nil {
		t.Fatalf("EnsureDefaults failed: %v", err)
	}
	if err := f.store.EnsureDefaults(ctx); err != nil {
		t.Fatalf("EnsureDefaults failed: %v", err)
	}
	playlists, err := f.store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(playlists) != 3 {
		t.Fatalf("Expected 3 built-in playlists, got %d", len(playlists))
	}

	now := time.Now().UTC()
	yesterday := now.AddDate(0, 0, -1)
	lastMonth := now.AddDate(0, 0, -30)
	f.addTrack(t, "Often", 5, &yesterday)
	f.addTrack(t, "Sometimes", 3, &lastMonth)
	rare := f.addTrack(t, "Rarely", 1, nil)

	t.Run("MostPlayed", func(t *testing.T) {
		p := f.builtin(t, MostPlayed)
		if got := f.members(t, p.ID); !reflect.DeepEqual(got, []string{"Often", "Sometimes"}) {
			t.Errorf("Expected [Often Sometimes], got %v", got)
		}
	})

	t.Run("RecentlyPlayed", func(t *testing.T) {
		p := f.builtin(t, RecentlyPlayed)
		if got := f.members(t, p.ID); !reflect.DeepEqual(got, []string{"Often"}) {
			t.Errorf("Expected [Often], got %v", got)
		}
	})

	t.Run("ReadOnly", func(t *testing.T) {
		p := f.builtin(t, MostPlayed)
		if err := f.store.Rename(ctx, p.ID, "Mine"); !errors.Is(err, ErrReadOnlyPlaylist) {
			t.Errorf("Expected ErrReadOnlyPlaylist on rename, got %v", err)
		}
		if err := f.store.Delete(ctx, p.ID); !errors.Is(err, ErrReadOnlyPlaylist) {
			t.Errorf("Expected ErrReadOnlyPlaylist on delete, got %v", err)
		}
		if err := f.store.AddTracks(ctx, p.ID, []int64{rare}); !errors.Is(err, ErrReadOnlyPlaylist) {
			t.Errorf("Expected ErrReadOnlyPlaylist on add, got %v", err)
		}
		if err := f.store.Save(ctx, p.ID, []int64{rare}); !errors.Is(err, ErrReadOnlyPlaylist) {
			t.Errorf("Expected ErrReadOnlyPlaylist on save, got %v", err)
		}
	})

	t.Run("FavoritesToggle", func(t *testing.T) {
		p := f.builtin(t, Favorites)
		if got := f.members(t, p.ID); len(got) != 0 {
			t.Fatalf("Expected no favorites, got %v", got)
		}

		var updated []int64
		cancel := f.notifier.Subscribe(func(ev events.Event) {
			if ev.Kind == events.TrackUpdated {
				updated = append(updated, ev.TrackIDs...)
			}
		})
		defer cancel()

		if err := f.store.AddTracks(ctx, p.ID, []int64{rare}); err != nil {
			t.Fatalf("AddTracks on favorites failed: %v", err)
		}
		if got := f.members(t, p.ID); !reflect.DeepEqual(got, []string{"Rarely"}) {
			t.Errorf("Expected [Rarely], got %v", got)
		}
		if !reflect.DeepEqual(updated, []int64{rare}) {
			t.Errorf("Expected a track update event for %d, got %v", rare, updated)
		}

		if err := f.store.RemoveTracks(ctx, p.ID, []int64{rare}); err != nil {
			t.Fatalf("RemoveTracks on favorites failed: %v", err)
		}
		if got := f.members(t, p.ID); len(got) != 0 {
			t.Errorf("Expected favorites to be empty, got %v", got)
		}
	})

	t.Run("CacheClearedOnLibraryChange", func(t *testing.T) {
		p := f.builtin(t, Favorites)
		if got := f.members(t, p.ID); len(got) != 0 {
			t.Fatalf("Expected no favorites, got %v", got)
		}
		if err := catalog.NewTracks(f.db, f.notifier).SetFavorite(ctx, rare, true); err != nil {
			t.Fatalf("SetFavorite failed: %v", err)
		}
		if got := f.members(t, p.ID); !reflect.DeepEqual(got, []string{"Rarely"}) {
			t.Errorf("Expected cached results to be dropped, got %v", got)
		}
	})
}

func TestSmartPlaylist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTrack(t, "Alpha", 2, nil)
	f.addTrack(t, "Beta", 7, nil)
	f.addTrack(t, "Gamma", 0, nil)

	p, err := f.store.CreateSmart(ctx, "Any", models.SmartCriteria{
		Match: "any",
		Rules: []models.SmartRule{
			{Field: "play_count", Op: OpGte, Value: "5"},
			{Field: "artist", Op: OpContains, Value: "nope"},
			{Field: "is_favorite", Op: OpEq, Value: "true"},
		},
		SortBy: "title",
	})
	if err != nil {
		t.Fatalf("CreateSmart failed: %v", err)
	}
	if got := f.members(t, p.ID); !reflect.DeepEqual(got, []string{"Beta"}) {
		t.Errorf("Expected [Beta], got %v", got)
	}
	if !p.IsUserEditable || p.IsContentEditable {
		t.Errorf("Expected an editable smart playlist with read-only content, got %+v", p)
	}

	if err := f.store.SetCriteria(ctx, p.ID, models.SmartCriteria{
		Rules:  []models.SmartRule{{Field: "play_count", Op: OpLte, Value: "2"}},
		SortBy: "title",
	}); err != nil {
		t.Fatalf("SetCriteria failed: %v", err)
	}
	if got := f.members(t, p.ID); !reflect.DeepEqual(got, []string{"Alpha", "Gamma"}) {
		t.Errorf("Expected [Alpha Gamma], got %v", got)
	}
	if err := f.store.AddTracks(ctx, p.ID, []int64{1}); !errors.Is(err, ErrReadOnlyPlaylist) {
		t.Errorf("Expected ErrReadOnlyPlaylist, got %v", err)
	}

	if _, err := f.store.CreateSmart(ctx, "Bad", models.SmartCriteria{
		Rules: []models.SmartRule{{Field: "path", Op: OpEq, Value: "/etc"}},
	}); err == nil {
		t.Error("Expected error for a field outside the whitelist")
	}
}

func TestSmartPlaylistFollowsTrackSort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTrack(t, "Alpha", 2, nil)
	f.addTrack(t, "Beta", 7, nil)
	f.addTrack(t, "Gamma", 0, nil)

	if err := f.prefs.SetTrackSort("title", false); err != nil {
		t.Fatalf("SetTrackSort failed: %v", err)
	}
	p, err := f.store.CreateSmart(ctx, "Everything", models.SmartCriteria{
		Rules: []models.SmartRule{{Field: "play_count", Op: OpGte, Value: "0"}},
	})
	if err != nil {
		t.Fatalf("CreateSmart failed: %v", err)
	}
	if got := f.members(t, p.ID); !reflect.DeepEqual(got, []string{"Alpha", "Beta", "Gamma"}) {
		t.Fatalf("Expected [Alpha Beta Gamma], got %v", got)
	}

	if err := f.prefs.SetTrackSort("title", true); err != nil {
		t.Fatalf("SetTrackSort failed: %v", err)
	}
	if got := f.members(t, p.ID); !reflect.DeepEqual(got, []string{"Gamma", "Beta", "Alpha"}) {
		t.Errorf("Expected [Gamma Beta Alpha] after reversing the sort, got %v", got)
	}

	if err := f.prefs.SetTrackSort("play_count", true); err != nil {
		t.Fatalf("SetTrackSort failed: %v", err)
	}
	if got := f.members(t, p.ID); !reflect.DeepEqual(got, []string{"Beta", "Alpha", "Gamma"}) {
		t.Errorf("Expected [Beta Alpha Gamma] sorted by play count, got %v", got)
	}
}

func TestCompileCriteria(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	valid := []struct {
		name     string
		criteria models.SmartCriteria
		where    string
		args     []any
	}{
		{"Empty", models.SmartCriteria{}, "1 = 1", nil},
		{
			"All",
			models.SmartCriteria{Rules: []models.SmartRule{
				{Field: "genre", Op: OpEq, Value: "Rock"},
				{Field: "duration", Op: OpGte, Value: "120.5"},
			}},
			"(t.genre = ? COLLATE NOCASE AND t.duration >= ?)",
			[]any{"Rock", 120.5},
		},
		{
			"WithinDays",
			models.SmartCriteria{Match: "any", Rules: []models.SmartRule{
				{Field: "date_added", Op: OpWithinDays, Value: "7"},
				{Field: "album", Op: OpContains, Value: "50%"},
			}},
			`(t.date_added >= ? OR t.album LIKE ? ESCAPE '\')`,
			[]any{time.Date(2024, 6, 8, 12, 0, 0, 0, time.UTC), `%50\%%`},
		},
	}
	for _, tt := range valid {
		t.Run(tt.name, func(t *testing.T) {
			where, args, err := compileCriteria(tt.criteria, now)
			if err != nil {
				t.Fatalf("compileCriteria failed: %v", err)
			}
			if where != tt.where {
				t.Errorf("where = %q, want %q", where, tt.where)
			}
			if !reflect.DeepEqual(args, tt.args) {
				t.Errorf("args = %v, want %v", args, tt.args)
			}
		})
	}

	invalid := map[string]models.SmartCriteria{
		"Match":     {Match: "some"},
		"SortBy":    {SortBy: "path"},
		"Field":     {Rules: []models.SmartRule{{Field: "path", Op: OpEq, Value: "x"}}},
		"Op":        {Rules: []models.SmartRule{{Field: "genre", Op: OpGte, Value: "x"}}},
		"Bool":      {Rules: []models.SmartRule{{Field: "is_favorite", Op: OpEq, Value: "maybe"}}},
		"Days":      {Rules: []models.SmartRule{{Field: "last_played", Op: OpWithinDays, Value: "-1"}}},
		"Date":      {Rules: []models.SmartRule{{Field: "date_added", Op: OpGte, Value: "yesterday"}}},
		"BadNumber": {Rules: []models.SmartRule{{Field: "year", Op: OpEq, Value: "nineteen"}}},
	}
	for name, c := range invalid {
		if _, _, err := compileCriteria(c, now); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
