package search

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"

	"legato/internal/catalog"
	"legato/internal/config"
	"legato/internal/database"
	"legato/internal/normalize"
	"legato/internal/query"
	"legato/pkg/models"
)

const populateSQL = `
	INSERT INTO tracks_fts (docid, title, artist, album, album_artist, composer, genre, year)
	SELECT id, fold(title), fold(artist), fold(album), fold(album_artist), fold(composer), fold(genre),
		CASE WHEN year > 0 THEN CAST(year AS TEXT) ELSE '' END
	FROM tracks`

// Index is the full-text search surface over tracks. The index rows are
// maintained by triggers, so they commit with the track rows they mirror.
type Index struct {
	db     *database.Database
	prefs  *config.Preferences
	logger *logrus.Logger
	limit  int
}

// New creates a search index reader. limit caps results when a caller does
// not pass its own.
func New(db *database.Database, prefs *config.Preferences, logger *logrus.Logger, limit int) *Index {
	if limit <= 0 {
		limit = 200
	}
	return &Index{db: db, prefs: prefs, logger: logger, limit: limit}
}

// Search returns tracks matching every word of text as a prefix, best match
// first. Failures are logged and yield no results.
func (ix *Index) Search(ctx context.Context, text string, limit int) []models.Track {
	match := MatchExpression(text)
	if match == "" {
		return []models.Track{}
	}
	if limit <= 0 {
		limit = ix.limit
	}

	rows, err := ix.db.Conn().QueryContext(ctx,
		"SELECT m.info, "+catalog.TrackColumns+`
		FROM (SELECT docid, matchinfo(tracks_fts, 'pcx') AS info FROM tracks_fts WHERE tracks_fts MATCH ?) m
		JOIN tracks t ON t.id = m.docid
		WHERE 1 = 1`+query.DuplicateScope(ix.prefs, "t"),
		match)
	if err != nil {
		ix.logger.WithError(err).WithField("query", text).Warn("Search query failed")
		return []models.Track{}
	}
	defer rows.Close()

	var hits []scoredTrack
	for rows.Next() {
		var info []byte
		tr, err := catalog.ScanTrack(prefixScanner{rows: rows, first: &info})
		if err != nil {
			ix.logger.WithError(err).WithField("query", text).Warn("Failed to read search result")
			return []models.Track{}
		}
		hits = append(hits, scoredTrack{track: tr, score: score(info)})
	}
	if err := rows.Err(); err != nil {
		ix.logger.WithError(err).WithField("query", text).Warn("Search query failed")
		return []models.Track{}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.score != b.score {
			return a.score > b.score
		}
		at, bt := strings.ToLower(a.track.Title), strings.ToLower(b.track.Title)
		if at != bt {
			return at < bt
		}
		return a.track.ID < b.track.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	tracks := make([]models.Track, len(hits))
	for i, h := range hits {
		tracks[i] = h.track
	}
	ix.logger.WithFields(logrus.Fields{
		"query":   text,
		"results": len(tracks),
	}).Debug("Search completed")
	return tracks
}

// Populate fills an empty index from the tracks table. It does nothing when
// the index already holds rows.
func (ix *Index) Populate(ctx context.Context) error {
	var populated bool
	if err := ix.db.Conn().QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM tracks_fts)").Scan(&populated); err != nil {
		return fmt.Errorf("check search index: %w", err)
	}
	if populated {
		return nil
	}
	return ix.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, populateSQL)
		if err != nil {
			return fmt.Errorf("populate search index: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			ix.logger.WithField("tracks", n).Info("Populated search index")
		}
		return nil
	})
}

// Rebuild clears the index and repopulates it from the tracks table.
func (ix *Index) Rebuild(ctx context.Context) error {
	return ix.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM tracks_fts"); err != nil {
			return fmt.Errorf("clear search index: %w", err)
		}
		res, err := tx.ExecContext(ctx, populateSQL)
		if err != nil {
			return fmt.Errorf("rebuild search index: %w", err)
		}
		n, _ := res.RowsAffected()
		ix.logger.WithField("tracks", n).Info("Rebuilt search index")
		return nil
	})
}

// MatchExpression turns free text into an FTS expression requiring every
// word as a prefix term. Text is folded the way indexed columns are, and
// characters other than letters and digits separate words. It returns ""
// when no word remains.
func MatchExpression(text string) string {
	words := strings.FieldsFunc(normalize.Fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make([]string, 0, len(words))
	for _, w := range words {
		terms = append(terms, `"`+w+`*"`)
	}
	return strings.Join(terms, " ")
}

type scoredTrack struct {
	track models.Track
	score float64
}

// prefixScanner reads a leading column into first before handing the rest
// of the row to ScanTrack.
type prefixScanner struct {
	rows  *sql.Rows
	first *[]byte
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.rows.Scan(append([]any{p.first}, dest...)...)
}
