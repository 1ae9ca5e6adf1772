package playlist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"legato/pkg/models"
)

// Built-in smart playlist names.
const (
	Favorites      = "Favorites"
	MostPlayed     = "Most Played"
	RecentlyPlayed = "Recently Played"
)

type builtin struct {
	name            string
	contentEditable bool
	criteria        models.SmartCriteria
}

var builtins = []builtin{
	{
		name:            Favorites,
		contentEditable: true,
		criteria: models.SmartCriteria{
			Match:  "all",
			Rules:  []models.SmartRule{{Field: "is_favorite", Op: OpEq, Value: "true"}},
			SortBy: "title",
		},
	},
	{
		name: MostPlayed,
		criteria: models.SmartCriteria{
			Match:    "all",
			Rules:    []models.SmartRule{{Field: "play_count", Op: OpGte, Value: "3"}},
			SortBy:   "play_count",
			SortDesc: true,
			Limit:    25,
		},
	},
	{
		name: RecentlyPlayed,
		criteria: models.SmartCriteria{
			Match:    "all",
			Rules:    []models.SmartRule{{Field: "last_played", Op: OpWithinDays, Value: "14"}},
			SortBy:   "last_played",
			SortDesc: true,
			Limit:    25,
		},
	},
}

// EnsureDefaults creates any missing built-in smart playlist. Built-ins
// cannot be renamed or deleted.
func (s *Store) EnsureDefaults(ctx context.Context) error {
	created := 0
	err := s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		for _, b := range builtins {
			var id int64
			err := tx.QueryRow(
				"SELECT id FROM playlists WHERE name = ? AND type = ? AND is_user_editable = 0",
				b.name, models.PlaylistSmart).Scan(&id)
			if err == nil {
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("find built-in playlist %q: %w", b.name, err)
			}

			encoded, err := encodeCriteria(&b.criteria)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			if _, err := tx.Exec(`
				INSERT INTO playlists (name, type, is_user_editable, is_content_editable, smart_criteria, date_created, date_modified)
				VALUES (?, ?, 0, ?, ?, ?, ?)`,
				b.name, models.PlaylistSmart, b.contentEditable, encoded, now, now); err != nil {
				return fmt.Errorf("create built-in playlist %q: %w", b.name, err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if created > 0 {
		s.results.Purge()
		s.logger.WithField("count", created).Info("Created built-in playlists")
	}
	return nil
}
