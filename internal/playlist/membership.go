package playlist

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"legato/internal/catalog"
	"legato/internal/events"
)

// Save replaces the membership of a regular playlist with trackIDs, in
// order. Repeated ids keep their first position.
func (s *Store) Save(ctx context.Context, id int64, trackIDs []int64) error {
	err := s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if err := requireRegular(tx, id); err != nil {
			return err
		}
		return saveTx(tx, id, trackIDs)
	})
	if err != nil {
		return err
	}
	s.changed(id)
	return nil
}

// AddTracks appends tracks to a playlist. On a favorites playlist it marks
// the tracks as favorites instead.
func (s *Store) AddTracks(ctx context.Context, id int64, trackIDs []int64) error {
	return s.editMembership(ctx, id, trackIDs, true, func(current []int64) []int64 {
		return append(current, trackIDs...)
	})
}

// RemoveTracks drops tracks from a playlist. On a favorites playlist it
// clears their favorite flag instead.
func (s *Store) RemoveTracks(ctx context.Context, id int64, trackIDs []int64) error {
	return s.editMembership(ctx, id, trackIDs, false, func(current []int64) []int64 {
		return slices.DeleteFunc(current, func(tid int64) bool {
			return slices.Contains(trackIDs, tid)
		})
	})
}

// MoveTrack moves one member of a regular playlist to index, clamped to the
// playlist bounds.
func (s *Store) MoveTrack(ctx context.Context, id, trackID int64, index int) error {
	err := s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if err := requireRegular(tx, id); err != nil {
			return err
		}
		current, err := memberIDs(tx, id)
		if err != nil {
			return err
		}
		from := slices.Index(current, trackID)
		if from < 0 {
			return fmt.Errorf("track %d is not in playlist %d: %w", trackID, id, catalog.ErrTrackNotFound)
		}
		current = slices.Delete(current, from, from+1)
		index = max(0, min(index, len(current)))
		current = slices.Insert(current, index, trackID)
		return saveTx(tx, id, current)
	})
	if err != nil {
		return err
	}
	s.changed(id)
	return nil
}

func (s *Store) editMembership(ctx context.Context, id int64, trackIDs []int64, add bool, edit func([]int64) []int64) error {
	toggled := false
	err := s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		p, err := getPlaylist(tx, id)
		if err != nil {
			return err
		}
		if p.IsSmart() {
			if !favoritesShaped(p.Criteria) {
				return ErrReadOnlyPlaylist
			}
			for _, tid := range trackIDs {
				if err := catalog.SetFavoriteTx(tx, tid, add); err != nil {
					return err
				}
			}
			toggled = true
			return nil
		}
		if !p.IsContentEditable {
			return ErrReadOnlyPlaylist
		}
		current, err := memberIDs(tx, id)
		if err != nil {
			return err
		}
		return saveTx(tx, id, edit(current))
	})
	if err != nil {
		return err
	}
	if toggled {
		s.notifier.Publish(events.Event{Kind: events.TrackUpdated, TrackIDs: slices.Clone(trackIDs)})
	}
	s.changed(id)
	return nil
}

func requireRegular(tx *sql.Tx, id int64) error {
	p, err := getPlaylist(tx, id)
	if err != nil {
		return err
	}
	if p.IsSmart() || !p.IsContentEditable {
		return ErrReadOnlyPlaylist
	}
	return nil
}

func memberIDs(tx *sql.Tx, id int64) ([]int64, error) {
	rows, err := tx.Query("SELECT track_id FROM playlist_tracks WHERE playlist_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("load playlist members: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var tid int64
		if err := rows.Scan(&tid); err != nil {
			return nil, err
		}
		ids = append(ids, tid)
	}
	return ids, rows.Err()
}

// saveTx rewrites membership with dense positions, keeping the date a track
// was first added.
func saveTx(tx *sql.Tx, id int64, trackIDs []int64) error {
	added := make(map[int64]time.Time)
	rows, err := tx.Query("SELECT track_id, date_added FROM playlist_tracks WHERE playlist_id = ?", id)
	if err != nil {
		return fmt.Errorf("load playlist members: %w", err)
	}
	for rows.Next() {
		var tid int64
		var at time.Time
		if err := rows.Scan(&tid, &at); err != nil {
			rows.Close()
			return err
		}
		added[tid] = at
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM playlist_tracks WHERE playlist_id = ?", id); err != nil {
		return fmt.Errorf("clear playlist %d: %w", id, err)
	}

	now := time.Now().UTC()
	seen := make(map[int64]bool, len(trackIDs))
	position := 0
	for _, tid := range trackIDs {
		if seen[tid] {
			continue
		}
		seen[tid] = true
		at, ok := added[tid]
		if !ok {
			at = now
		}
		if _, err := tx.Exec(
			"INSERT INTO playlist_tracks (playlist_id, track_id, position, date_added) VALUES (?, ?, ?, ?)",
			id, tid, position, at,
		); err != nil {
			return fmt.Errorf("add track %d to playlist %d: %w", tid, id, err)
		}
		position++
	}

	_, err = tx.Exec("UPDATE playlists SET date_modified = ? WHERE id = ?", now, id)
	return err
}

