package query

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"legato/internal/cache"
	"legato/internal/catalog"
	"legato/internal/config"
	"legato/internal/database"
	"legato/internal/resolver"
	"legato/pkg/models"
)

type fixture struct {
	db     *database.Database
	prefs  *config.Preferences
	engine *Engine
	ids    map[string]int64
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
		time.Now(), time.Now(),
	); err != nil {
		t.Fatalf("Failed to create folder: %v", err)
	}

	r := resolver.New([]string{"Simon & Garfunkel"},
		resolver.DuplicateOptions{Enabled: true, DurationTolerance: 2}, logger)

	tracks := []struct {
		key string
		tr  models.Track
	}{
		{"come", models.Track{Title: "Come Together", Artist: "The Beatles", Album: "Abbey Road",
			AlbumArtist: "The Beatles", Genre: "Rock", Year: 1969, Duration: 259, Bitrate: 320}},
		{"something", models.Track{Title: "Something", Artist: "Beatles", Album: "Abbey Road",
			AlbumArtist: "The Beatles", Genre: "Rock; Pop", Year: 1969, Duration: 182, Bitrate: 320}},
		{"boxer", models.Track{Title: "The Boxer", Artist: "Simon & Garfunkel", Album: "Bridge Over Troubled Water",
			Composer: "Paul Simon", Genre: "Folk", Year: 1970, Duration: 308, Bitrate: 256}},
		{"untitled", models.Track{Title: "Untitled", Duration: 60}},
		{"come-copy", models.Track{Title: "Come Together", Artist: "The Beatles", Album: "Abbey Road",
			AlbumArtist: "The Beatles", Genre: "Rock", Year: 1969, Duration: 259.5, Bitrate: 128}},
	}

	ids := make(map[string]int64)
	err = db.WithWriteTx(context.Background(), func(tx *sql.Tx) error {
		for i, item := range tracks {
			id, err := insertTrack(tx, r, i, item.tr)
			if err != nil {
				return err
			}
			ids[item.key] = id
		}
		return r.RecomputeAllDuplicates(tx)
	})
	if err != nil {
		t.Fatalf("Failed to seed tracks: %v", err)
	}

	prefs := config.NewPreferences(config.DefaultPreferences())
	return &fixture{
		db:     db,
		prefs:  prefs,
		engine: New(db, prefs, cache.NewTrackCache(16, time.Minute), logger),
		ids:    ids,
	}
}

func insertTrack(tx *sql.Tx, r *resolver.Resolver, n int, tr models.Track) (int64, error) {
	tr.Path = fmt.Sprintf("/music/%02d.mp3", n)
	for _, f := range []struct {
		v *string
		p string
	}{
		{&tr.Artist, models.UnknownArtist},
		{&tr.Album, models.UnknownAlbum},
		{&tr.AlbumArtist, models.UnknownAlbumArtist},
		{&tr.Composer, models.UnknownComposer},
		{&tr.Genre, models.UnknownGenre},
	} {
		if *f.v == "" {
			*f.v = f.p
		}
	}
	dedupTitle, dedupArtist := r.DedupKeys(tr)
	res, err := tx.Exec(`
		INSERT INTO tracks (folder_id, path, filename, title, artist, album, album_artist, composer, genre,
			year, duration, bitrate, date_added, dedup_title, dedup_artist)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.Path, filepath.Base(tr.Path), tr.Title, tr.Artist, tr.Album, tr.AlbumArtist, tr.Composer, tr.Genre,
		tr.Year, tr.Duration, tr.Bitrate, time.Now(), dedupTitle, dedupArtist)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, r.LinkTrack(tx, id, r.Entities(tr, ""))
}

func titles(tracks []models.Track) []string {
	out := make([]string, len(tracks))
	for i, tr := range tracks {
		out[i] = tr.Title
	}
	return out
}

func TestDistinctValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		dim  Dimension
		want []string
	}{
		{DimArtist, []string{"The Beatles", "Simon & Garfunkel", models.UnknownArtist}},
		{DimAlbumArtist, []string{"The Beatles", models.UnknownAlbumArtist}},
		{DimComposer, []string{"Paul Simon", models.UnknownComposer}},
		{DimAlbum, []string{"Abbey Road", "Bridge Over Troubled Water", models.UnknownAlbum}},
		{DimGenre, []string{"Folk", "Pop", "Rock", models.UnknownGenre}},
		{DimYear, []string{"1969", "1970", models.UnknownYear}},
		{DimDecade, []string{"1960s", "1970s", models.UnknownYear}},
	}
	for _, tt := range tests {
		t.Run(string(tt.dim), func(t *testing.T) {
			got, err := f.engine.DistinctValues(ctx, tt.dim)
			if err != nil {
				t.Fatalf("DistinctValues failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DistinctValues(%s) = %v, want %v", tt.dim, got, tt.want)
			}
		})
	}

	t.Run("PlaceholderOnlyWhenCarried", func(t *testing.T) {
		if _, err := f.db.Conn().Exec("DELETE FROM tracks WHERE id = ?", f.ids["untitled"]); err != nil {
			t.Fatalf("Failed to delete track: %v", err)
		}
		got, err := f.engine.DistinctValues(ctx, DimArtist)
		if err != nil {
			t.Fatalf("DistinctValues failed: %v", err)
		}
		if want := []string{"The Beatles", "Simon & Garfunkel"}; !reflect.DeepEqual(got, want) {
			t.Errorf("Expected %v, got %v", want, got)
		}
	})

	t.Run("UnknownDimension", func(t *testing.T) {
		if _, err := f.engine.DistinctValues(ctx, "mood"); err == nil {
			t.Error("Expected error for unknown dimension")
		}
	})
}

func TestTracksByFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"ArtistByAnySpelling", Filter{DimArtist, "beatles"}, 3},
		{"ArtistPlaceholder", Filter{DimArtist, models.UnknownArtist}, 1},
		{"Composer", Filter{DimComposer, "Paul Simon"}, 1},
		{"Album", Filter{DimAlbum, "abbey road"}, 3},
		{"Genre", Filter{DimGenre, "Pop"}, 1},
		{"Year", Filter{DimYear, "1970"}, 1},
		{"Decade", Filter{DimDecade, "1960s"}, 3},
		{"UnknownYear", Filter{DimDecade, models.UnknownYear}, 1},
		{"NoMatch", Filter{DimArtist, "Nobody"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.engine.TracksByFilter(ctx, tt.filter)
			if err != nil {
				t.Fatalf("TracksByFilter failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("Expected %d tracks, got %d: %v", tt.want, len(got), titles(got))
			}
		})
	}

	t.Run("InvalidDecade", func(t *testing.T) {
		if _, err := f.engine.TracksByFilter(ctx, Filter{DimDecade, "1965s"}); err == nil {
			t.Error("Expected error for invalid decade")
		}
	})
}

func TestHideDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var isDup bool
	if err := f.db.Conn().QueryRow("SELECT is_duplicate FROM tracks WHERE id = ?", f.ids["come-copy"]).Scan(&isDup); err != nil {
		t.Fatalf("Failed to read duplicate flag: %v", err)
	}
	if !isDup {
		t.Fatal("Expected the low bitrate copy to be a duplicate")
	}

	before, err := f.engine.TracksByFilter(ctx, Filter{DimArtist, "The Beatles"})
	if err != nil {
		t.Fatalf("TracksByFilter failed: %v", err)
	}
	f.prefs.SetHideDuplicates(true)
	after, err := f.engine.TracksByFilter(ctx, Filter{DimArtist, "The Beatles"})
	if err != nil {
		t.Fatalf("TracksByFilter failed: %v", err)
	}
	if len(before) != 3 || len(after) != 2 {
		t.Errorf("Expected 3 then 2 tracks, got %d then %d", len(before), len(after))
	}
	for _, tr := range after {
		if tr.ID == f.ids["come-copy"] {
			t.Error("Duplicate leaked into a hidden listing")
		}
	}

	counts, err := f.engine.Counts(ctx, DimArtist, 10, 0)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts.Items[0].Value != "The Beatles" || counts.Items[0].TrackCount != 2 {
		t.Errorf("Expected The Beatles with 2 tracks, got %+v", counts.Items[0])
	}

	_, info, err := f.engine.Tracks(ctx, Page{})
	if err != nil {
		t.Fatalf("Tracks failed: %v", err)
	}
	if info.Total != 4 {
		t.Errorf("Expected 4 visible tracks, got %d", info.Total)
	}
}

func TestCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	page, err := f.engine.Counts(ctx, DimArtist, 10, 0)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	want := []ValueCount{
		{"The Beatles", 3},
		{"Simon & Garfunkel", 1},
		{models.UnknownArtist, 1},
	}
	if !reflect.DeepEqual(page.Items, want) {
		t.Errorf("Counts = %+v, want %+v", page.Items, want)
	}
	if page.Page.Total != 3 {
		t.Errorf("Expected total 3, got %d", page.Page.Total)
	}

	t.Run("Pagination", func(t *testing.T) {
		page, err := f.engine.Counts(ctx, DimArtist, 1, 1)
		if err != nil {
			t.Fatalf("Counts failed: %v", err)
		}
		if len(page.Items) != 1 || page.Items[0].Value != "Simon & Garfunkel" {
			t.Errorf("Unexpected page: %+v", page.Items)
		}
		if page.Page != (PageInfo{Limit: 1, Offset: 1, Total: 3}) {
			t.Errorf("Unexpected page info: %+v", page.Page)
		}
	})

	t.Run("NormalizesBounds", func(t *testing.T) {
		page, err := f.engine.Counts(ctx, DimGenre, -5, -2)
		if err != nil {
			t.Fatalf("Counts failed: %v", err)
		}
		if page.Page.Limit != defaultPageLimit || page.Page.Offset != 0 {
			t.Errorf("Expected normalized bounds, got %+v", page.Page)
		}
	})
}

func TestTracksContaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.engine.TracksContaining(ctx, DimArtist, "GARF")
	if err != nil {
		t.Fatalf("TracksContaining failed: %v", err)
	}
	if len(got) != 1 || got[0].Title != "The Boxer" {
		t.Errorf("Expected The Boxer, got %v", titles(got))
	}

	got, err = f.engine.TracksContaining(ctx, DimArtist, "%")
	if err != nil {
		t.Fatalf("TracksContaining failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected a literal percent to match nothing, got %v", titles(got))
	}

	if _, err := f.engine.TracksContaining(ctx, DimYear, "19"); err == nil {
		t.Error("Expected error for contains on year")
	}
}

func TestTracksSortedByPreference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.prefs.SetTrackSort("title", false); err != nil {
		t.Fatalf("SetTrackSort failed: %v", err)
	}
	got, info, err := f.engine.Tracks(ctx, Page{Limit: 2})
	if err != nil {
		t.Fatalf("Tracks failed: %v", err)
	}
	if want := []string{"Come Together", "Come Together"}; !reflect.DeepEqual(titles(got), want) {
		t.Errorf("Expected %v, got %v", want, titles(got))
	}
	if info.Total != 5 || info.Limit != 2 {
		t.Errorf("Unexpected page info: %+v", info)
	}

	if err := f.prefs.SetTrackSort("duration", true); err != nil {
		t.Fatalf("SetTrackSort failed: %v", err)
	}
	got, _, err = f.engine.Tracks(ctx, Page{Limit: 1})
	if err != nil {
		t.Fatalf("Tracks failed: %v", err)
	}
	if len(got) != 1 || got[0].Title != "The Boxer" {
		t.Errorf("Expected the longest track first, got %v", titles(got))
	}
}

func TestTrackByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.ids["boxer"]

	first, err := f.engine.TrackByID(ctx, id)
	if err != nil {
		t.Fatalf("TrackByID failed: %v", err)
	}
	if f.engine.cache.Len() != 1 {
		t.Errorf("Expected the track to be cached, cache holds %d", f.engine.cache.Len())
	}

	if err := catalog.NewTracks(f.db, nil).SetFavorite(ctx, id, true); err != nil {
		t.Fatalf("SetFavorite failed: %v", err)
	}
	second, err := f.engine.TrackByID(ctx, id)
	if err != nil {
		t.Fatalf("TrackByID failed: %v", err)
	}
	if !second.IsFavorite || second.UpdatedAt == first.UpdatedAt {
		t.Errorf("Expected a fresh row after the version changed, got %+v", second)
	}

	if _, err := f.engine.TrackByID(ctx, 9999); err != catalog.ErrTrackNotFound {
		t.Errorf("Expected ErrTrackNotFound, got %v", err)
	}
}
