package resolver

import (
	"database/sql"
	"fmt"
)

// UpdateStatistics recomputes derived counts from non-duplicate tracks.
// Rows whose counts did not change are not written.
func (r *Resolver) UpdateStatistics(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		UPDATE albums SET total_tracks = c.n
		FROM (
			SELECT al.id AS id, COUNT(t.id) AS n
			FROM albums al
			LEFT JOIN tracks t ON t.album_id = al.id AND t.is_duplicate = 0
			GROUP BY al.id
		) AS c
		WHERE c.id = albums.id AND albums.total_tracks != c.n`); err != nil {
		return fmt.Errorf("update album statistics: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE artists SET total_tracks = c.tracks, total_albums = c.albums
		FROM (
			SELECT ar.id AS id,
				(SELECT COUNT(DISTINCT ta.track_id)
				 FROM track_artists ta
				 JOIN tracks t ON t.id = ta.track_id
				 WHERE ta.artist_id = ar.id AND t.is_duplicate = 0) AS tracks,
				(SELECT COUNT(*) FROM (
					SELECT t.album_id
					FROM track_artists ta
					JOIN tracks t ON t.id = ta.track_id
					WHERE ta.artist_id = ar.id AND t.is_duplicate = 0 AND t.album_id IS NOT NULL
					UNION
					SELECT aa.album_id
					FROM album_artists aa
					JOIN albums al ON al.id = aa.album_id
					WHERE aa.artist_id = ar.id AND al.total_tracks > 0
				)) AS albums
			FROM artists ar
		) AS c
		WHERE c.id = artists.id
		  AND (artists.total_tracks != c.tracks OR artists.total_albums != c.albums)`); err != nil {
		return fmt.Errorf("update artist statistics: %w", err)
	}

	return nil
}
