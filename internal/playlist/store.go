package playlist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"legato/internal/catalog"
	"legato/internal/config"
	"legato/internal/database"
	"legato/internal/events"
	"legato/internal/pinned"
	"legato/internal/query"
	"legato/pkg/models"
)

var (
	// ErrPlaylistNotFound is returned for unknown playlist ids.
	ErrPlaylistNotFound = errors.New("playlist not found")
	// ErrReadOnlyPlaylist is returned when an edit targets a playlist that
	// does not allow it.
	ErrReadOnlyPlaylist = errors.New("playlist is read-only")
)

const (
	playlistColumns = `id, name, type, is_user_editable, is_content_editable, smart_criteria,
		date_created, date_modified`

	resultCacheSize = 64
	resultCacheTTL  = 5 * time.Minute
)

// resultKey holds every preference a smart result depends on.
type resultKey struct {
	playlistID     int64
	hideDuplicates bool
	sortField      string
	sortDesc       bool
}

// Store persists regular and smart playlists. Smart results are cached
// until the next library change.
type Store struct {
	db       *database.Database
	prefs    *config.Preferences
	notifier *events.Notifier
	logger   *logrus.Logger

	results     *expirable.LRU[resultKey, []models.Track]
	unsubscribe func()
}

// NewStore creates a playlist store and subscribes its result cache to
// library change events. notifier may be nil.
func NewStore(db *database.Database, prefs *config.Preferences, notifier *events.Notifier, logger *logrus.Logger) *Store {
	s := &Store{
		db:          db,
		prefs:       prefs,
		notifier:    notifier,
		logger:      logger,
		results:     expirable.NewLRU[resultKey, []models.Track](resultCacheSize, nil, resultCacheTTL),
		unsubscribe: func() {},
	}
	if notifier != nil {
		s.unsubscribe = notifier.Subscribe(func(events.Event) {
			s.results.Purge()
		})
	}
	return s
}

// Close detaches the store from the event stream.
func (s *Store) Close() {
	s.unsubscribe()
}

// Create adds an empty regular playlist.
func (s *Store) Create(ctx context.Context, name string) (models.Playlist, error) {
	return s.insert(ctx, name, models.PlaylistRegular, true, true, nil)
}

// CreateSmart adds a rule-based playlist.
func (s *Store) CreateSmart(ctx context.Context, name string, criteria models.SmartCriteria) (models.Playlist, error) {
	if err := ValidateCriteria(criteria); err != nil {
		return models.Playlist{}, err
	}
	return s.insert(ctx, name, models.PlaylistSmart, true, false, &criteria)
}

func (s *Store) insert(ctx context.Context, name, kind string, userEditable, contentEditable bool, criteria *models.SmartCriteria) (models.Playlist, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Playlist{}, fmt.Errorf("playlist name cannot be empty")
	}
	encoded, err := encodeCriteria(criteria)
	if err != nil {
		return models.Playlist{}, err
	}

	var id int64
	err = s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.Exec(`
			INSERT INTO playlists (name, type, is_user_editable, is_content_editable, smart_criteria, date_created, date_modified)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			name, kind, userEditable, contentEditable, encoded, now, now)
		if err != nil {
			return fmt.Errorf("create playlist: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return models.Playlist{}, err
	}
	s.changed(id)
	return s.Get(ctx, id)
}

// Rename changes a playlist's name.
func (s *Store) Rename(ctx context.Context, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("playlist name cannot be empty")
	}
	err := s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		p, err := getPlaylist(tx, id)
		if err != nil {
			return err
		}
		if !p.IsUserEditable {
			return ErrReadOnlyPlaylist
		}
		_, err = tx.Exec("UPDATE playlists SET name = ?, date_modified = ? WHERE id = ?", name, time.Now().UTC(), id)
		return err
	})
	if err != nil {
		return err
	}
	s.changed(id)
	return nil
}

// SetCriteria replaces the rules of a user smart playlist.
func (s *Store) SetCriteria(ctx context.Context, id int64, criteria models.SmartCriteria) error {
	if err := ValidateCriteria(criteria); err != nil {
		return err
	}
	encoded, err := encodeCriteria(&criteria)
	if err != nil {
		return err
	}
	err = s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		p, err := getPlaylist(tx, id)
		if err != nil {
			return err
		}
		if !p.IsSmart() || !p.IsUserEditable {
			return ErrReadOnlyPlaylist
		}
		_, err = tx.Exec("UPDATE playlists SET smart_criteria = ?, date_modified = ? WHERE id = ?", encoded, time.Now().UTC(), id)
		return err
	})
	if err != nil {
		return err
	}
	s.changed(id)
	return nil
}

// Delete removes a playlist. Pins of the playlist go with it and the
// remaining pins are renumbered.
func (s *Store) Delete(ctx context.Context, id int64) error {
	err := s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		p, err := getPlaylist(tx, id)
		if err != nil {
			return err
		}
		if !p.IsUserEditable {
			return ErrReadOnlyPlaylist
		}
		if _, err := tx.Exec("DELETE FROM playlists WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete playlist %d: %w", id, err)
		}
		return pinned.CompactTx(tx)
	})
	if err != nil {
		return err
	}
	s.changed(id)
	return nil
}

// Get returns one playlist with its current track count.
func (s *Store) Get(ctx context.Context, id int64) (models.Playlist, error) {
	p, err := scanPlaylist(s.db.Conn().QueryRowContext(ctx, "SELECT "+playlistColumns+" FROM playlists WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Playlist{}, ErrPlaylistNotFound
		}
		return models.Playlist{}, fmt.Errorf("get playlist %d: %w", id, err)
	}
	if err := s.fillCount(ctx, &p); err != nil {
		return models.Playlist{}, err
	}
	return p, nil
}

// List returns every playlist, built-in smart playlists first.
func (s *Store) List(ctx context.Context) ([]models.Playlist, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		"SELECT "+playlistColumns+" FROM playlists ORDER BY is_user_editable, name COLLATE NOCASE, id")
	if err != nil {
		return nil, fmt.Errorf("list playlists: %w", err)
	}
	playlists := make([]models.Playlist, 0)
	for rows.Next() {
		p, err := scanPlaylist(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan playlist: %w", err)
		}
		playlists = append(playlists, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range playlists {
		if err := s.fillCount(ctx, &playlists[i]); err != nil {
			return nil, err
		}
	}
	return playlists, nil
}

// Tracks returns the members of a playlist in order.
func (s *Store) Tracks(ctx context.Context, id int64) ([]models.Track, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsSmart() {
		return s.evaluate(ctx, p)
	}
	return s.regularTracks(ctx, id)
}

func (s *Store) regularTracks(ctx context.Context, id int64) ([]models.Track, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		"SELECT "+catalog.TrackColumns+`
		FROM playlist_tracks pt
		JOIN tracks t ON t.id = pt.track_id
		WHERE pt.playlist_id = ?`+query.DuplicateScope(s.prefs, "t")+`
		ORDER BY pt.position`, id)
	if err != nil {
		return nil, fmt.Errorf("list playlist tracks: %w", err)
	}
	return catalog.ScanTracks(rows)
}

func (s *Store) evaluate(ctx context.Context, p models.Playlist) ([]models.Track, error) {
	criteria := models.SmartCriteria{}
	if p.Criteria != nil {
		criteria = *p.Criteria
	}
	field, desc := s.prefs.TrackSort()
	if criteria.SortBy != "" {
		field, desc = criteria.SortBy, criteria.SortDesc
	}

	key := resultKey{playlistID: p.ID, hideDuplicates: s.prefs.HideDuplicates(), sortField: field, sortDesc: desc}
	if tracks, ok := s.results.Get(key); ok {
		return tracks, nil
	}

	where, args, err := compileCriteria(criteria, time.Now())
	if err != nil {
		return nil, fmt.Errorf("compile smart playlist %d: %w", p.ID, err)
	}
	stmt := "SELECT " + catalog.TrackColumns + " FROM tracks t WHERE " + where +
		query.DuplicateScope(s.prefs, "t") + " ORDER BY " + query.OrderBy(field, desc)
	if criteria.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, criteria.Limit)
	}

	rows, err := s.db.Conn().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("evaluate smart playlist %d: %w", p.ID, err)
	}
	tracks, err := catalog.ScanTracks(rows)
	if err != nil {
		return nil, err
	}
	s.results.Add(key, tracks)
	return tracks, nil
}

func (s *Store) fillCount(ctx context.Context, p *models.Playlist) error {
	if p.IsSmart() {
		tracks, err := s.evaluate(ctx, *p)
		if err != nil {
			return err
		}
		p.TrackCount = len(tracks)
		return nil
	}
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM playlist_tracks pt JOIN tracks t ON t.id = pt.track_id
		WHERE pt.playlist_id = ?`+query.DuplicateScope(s.prefs, "t"), p.ID).Scan(&p.TrackCount)
	if err != nil {
		return fmt.Errorf("count playlist %d: %w", p.ID, err)
	}
	return nil
}

func (s *Store) changed(id int64) {
	s.results.Purge()
	s.notifier.Publish(events.Event{Kind: events.PlaylistChanged, PlaylistID: id})
}

func getPlaylist(q interface {
	QueryRow(query string, args ...any) *sql.Row
}, id int64) (models.Playlist, error) {
	p, err := scanPlaylist(q.QueryRow("SELECT "+playlistColumns+" FROM playlists WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Playlist{}, ErrPlaylistNotFound
	}
	return p, err
}

func scanPlaylist(row interface{ Scan(dest ...any) error }) (models.Playlist, error) {
	var (
		p        models.Playlist
		criteria sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Type, &p.IsUserEditable, &p.IsContentEditable, &criteria,
		&p.DateCreated, &p.DateModified); err != nil {
		return models.Playlist{}, err
	}
	if criteria.Valid && criteria.String != "" {
		var c models.SmartCriteria
		if err := json.Unmarshal([]byte(criteria.String), &c); err != nil {
			return models.Playlist{}, fmt.Errorf("decode criteria of playlist %d: %w", p.ID, err)
		}
		p.Criteria = &c
	}
	return p, nil
}

func encodeCriteria(c *models.SmartCriteria) (any, error) {
	if c == nil {
		return nil, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode smart criteria: %w", err)
	}
	return string(data), nil
}
