package scanner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/djherbis/times"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"legato/internal/catalog"
	"legato/internal/database"
	"legato/internal/resolver"
	"legato/pkg/models"
)

type outcome int

const (
	outcomePending outcome = iota
	outcomeUnchanged
	outcomeSkipped
)

// scanItem carries one file through extraction and the write phase.
type scanItem struct {
	file     diskFile
	folderID int64
	outcome  outcome

	meta      models.TrackMetadata
	existing  *models.Track
	artworkID string
}

type batchResult struct {
	added     int
	updated   int
	unchanged int
	skipped   int
	trackIDs  []int64
}

// processBatch extracts files in parallel and commits them in one write
// transaction. On error nothing from the batch is kept.
func (s *Scanner) processBatch(ctx context.Context, folderID int64, files []diskFile) (batchResult, error) {
	items := make([]*scanItem, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, len(files)))
	for i, f := range files {
		items[i] = &scanItem{file: f, folderID: folderID}
		item := items[i]
		g.Go(func() error {
			return s.extractItem(gctx, item)
		})
	}
	if err := g.Wait(); err != nil {
		return batchResult{skipped: len(files)}, err
	}

	var res batchResult
	var pending []*scanItem
	for _, it := range items {
		switch it.outcome {
		case outcomeUnchanged:
			res.unchanged++
		case outcomeSkipped:
			res.skipped++
		default:
			pending = append(pending, it)
		}
	}
	if len(pending) == 0 {
		return res, nil
	}

	var added, updated, touchedOnly, dropped int
	var ids []int64
	err := s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		added, updated, touchedOnly, dropped, ids = 0, 0, 0, 0, ids[:0]
		var keys []string
		for _, it := range pending {
			id, inserted, changed, touched, err := s.writeItem(tx, it)
			if errors.Is(err, resolver.ErrMissingID) {
				s.logger.WithField("file", it.file.path).Warn("Dropping file, insert returned no id")
				dropped++
				continue
			}
			if err != nil {
				return fmt.Errorf("write %s: %w", it.file.path, err)
			}
			switch {
			case inserted:
				added++
			case changed:
				updated++
			default:
				touchedOnly++
			}
			ids = append(ids, id)
			keys = append(keys, touched...)
		}
		if err := s.resolver.RecomputeDuplicates(tx, keys); err != nil {
			return err
		}
		if err := s.resolver.UpdateStatistics(tx); err != nil {
			return err
		}
		if s.beforeCommit != nil {
			return s.beforeCommit(tx)
		}
		return nil
	})
	if err != nil {
		res.skipped += len(pending)
		return res, err
	}
	res.added, res.updated, res.trackIDs = added, updated, ids
	res.unchanged += touchedOnly
	res.skipped += dropped
	return res, nil
}

// extractItem runs outside any write transaction. Extraction failures mark
// the item Skipped; only store read errors fail the batch.
func (s *Scanner) extractItem(ctx context.Context, it *scanItem) error {
	existing, err := s.tracks.GetByPath(ctx, it.file.path)
	switch {
	case err == nil:
		if it.file.modTime <= existing.DateModified {
			it.outcome = outcomeUnchanged
			return nil
		}
		it.existing = &existing
	case errors.Is(err, catalog.ErrTrackNotFound):
	default:
		return err
	}

	meta, err := s.extractor.Extract(ctx, it.file.path)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"path":  it.file.path,
			"error": err.Error(),
		}).Warn("Skipping file, metadata extraction failed")
		it.outcome = outcomeSkipped
		return nil
	}
	it.meta = meta
	return nil
}

// writeItem inserts or updates one track and rebuilds its relationships.
// changed is false for an update that only refreshed bookkeeping columns. It
// returns the duplicate buckets the track left and joined.
func (s *Scanner) writeItem(tx *sql.Tx, it *scanItem) (id int64, inserted, changed bool, keys []string, err error) {
	if len(it.meta.Artwork) > 0 && (it.existing == nil || it.existing.ArtworkID == "") {
		it.artworkID, err = resolver.StoreArtwork(tx, it.meta.Artwork, it.meta.ArtworkMIMEType)
		if err != nil {
			return 0, false, false, nil, err
		}
	}

	if it.existing == nil {
		id, err = s.insertTrack(tx, it)
		switch {
		case err == nil:
			inserted = true
		case database.IsUniqueViolation(err):
			// Another writer stored the path after extraction read it.
			row, err := loadTrack(tx, "t.path = ?", it.file.path)
			if err != nil {
				return 0, false, false, nil, err
			}
			it.existing = &row
		default:
			return 0, false, false, nil, err
		}
	}

	changed = inserted
	if !inserted {
		id = it.existing.ID
		var oldKey string
		if err := tx.QueryRow("SELECT dedup_artist FROM tracks WHERE id = ?", id).Scan(&oldKey); err != nil {
			return 0, false, false, nil, fmt.Errorf("load duplicate key: %w", err)
		}
		keys = append(keys, oldKey)
		if changed, err = updateTrack(tx, it); err != nil {
			return 0, false, false, nil, err
		}
	}

	row, err := loadTrack(tx, "t.id = ?", id)
	if err != nil {
		return 0, false, false, nil, err
	}
	dedupTitle, dedupArtist := s.resolver.DedupKeys(row)
	if _, err := tx.Exec(
		"UPDATE tracks SET dedup_title = ?, dedup_artist = ? WHERE id = ? AND (dedup_title != ? OR dedup_artist != ?)",
		dedupTitle, dedupArtist, id, dedupTitle, dedupArtist,
	); err != nil {
		return 0, false, false, nil, fmt.Errorf("update duplicate keys: %w", err)
	}
	keys = append(keys, dedupArtist)

	if err := s.resolver.LinkTrack(tx, id, s.resolver.Entities(row, deref(it.meta.Label))); err != nil {
		return 0, false, false, nil, err
	}
	return id, inserted, changed, keys, nil
}

func (s *Scanner) insertTrack(tx *sql.Tx, it *scanItem) (int64, error) {
	tr := newTrack(it)
	dedupTitle, dedupArtist := s.resolver.DedupKeys(tr)
	res, err := tx.Exec(`
		INSERT INTO tracks (folder_id, path, filename, title, artist, album, album_artist, composer, genre,
			year, release_date, track_number, track_total, disc_number, disc_total, duration, format, codec,
			bitrate, sample_rate, bit_depth, channels, file_size, artwork_id, extended_metadata,
			date_added, date_modified, updated_at, dedup_title, dedup_artist)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.FolderID, tr.Path, tr.Filename, tr.Title, tr.Artist, tr.Album, tr.AlbumArtist, tr.Composer, tr.Genre,
		tr.Year, tr.ReleaseDate, tr.TrackNumber, tr.TrackTotal, tr.DiscNumber, tr.DiscTotal, tr.Duration, tr.Format, tr.Codec,
		tr.Bitrate, tr.SampleRate, tr.BitDepth, tr.Channels, tr.FileSize, nullString(tr.ArtworkID), encodeExtended(tr.ExtendedMetadata),
		tr.DateAdded, tr.DateModified, tr.UpdatedAt, dedupTitle, dedupArtist)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		return 0, resolver.ErrMissingID
	}
	return id, nil
}

func updateTrack(tx *sql.Tx, it *scanItem) (bool, error) {
	columns, args, changed := updateSet(it.existing, it)
	columns = append(columns, "updated_at = MAX(updated_at + 1, ?)")
	args = append(args, time.Now().UnixNano(), it.existing.ID)
	if _, err := tx.Exec("UPDATE tracks SET "+strings.Join(columns, ", ")+" WHERE id = ?", args...); err != nil {
		return false, fmt.Errorf("update track %d: %w", it.existing.ID, err)
	}
	return changed, nil
}

func loadTrack(tx *sql.Tx, where string, arg any) (models.Track, error) {
	row := tx.QueryRow("SELECT "+catalog.TrackColumns+" FROM tracks t WHERE "+where, arg)
	tr, err := catalog.ScanTrack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Track{}, catalog.ErrTrackNotFound
	}
	return tr, err
}

// newTrack builds the row for a file seen for the first time. Missing tags
// become placeholders and a missing title falls back to the file name.
func newTrack(it *scanItem) models.Track {
	m := it.meta
	filename := filepath.Base(it.file.path)
	ext := filepath.Ext(filename)

	tr := models.Track{
		FolderID:         it.folderID,
		Path:             it.file.path,
		Filename:         filename,
		Title:            orDefault(m.Title, strings.TrimSuffix(filename, ext)),
		Artist:           orDefault(m.Artist, models.UnknownArtist),
		Album:            orDefault(m.Album, models.UnknownAlbum),
		AlbumArtist:      orDefault(m.AlbumArtist, models.UnknownAlbumArtist),
		Composer:         orDefault(m.Composer, models.UnknownComposer),
		Genre:            orDefault(m.Genre, models.UnknownGenre),
		Year:             derefInt(m.Year),
		ReleaseDate:      deref(m.ReleaseDate),
		TrackNumber:      derefInt(m.TrackNumber),
		TrackTotal:       derefInt(m.TrackTotal),
		DiscNumber:       derefInt(m.DiscNumber),
		DiscTotal:        derefInt(m.DiscTotal),
		Duration:         m.Duration,
		Format:           strings.TrimPrefix(strings.ToLower(ext), "."),
		Codec:            deref(m.Codec),
		Bitrate:          derefInt(m.Bitrate),
		SampleRate:       derefInt(m.SampleRate),
		BitDepth:         derefInt(m.BitDepth),
		Channels:         derefInt(m.Channels),
		FileSize:         it.file.size,
		ArtworkID:        it.artworkID,
		ExtendedMetadata: m.Extended,
		DateAdded:        dateAdded(it.file.path),
		DateModified:     it.file.modTime,
		UpdatedAt:        time.Now().UnixNano(),
	}
	if tr.Year < 0 {
		tr.Year = 0
	}
	return tr
}

// dateAdded prefers the file's birth time where the filesystem records one.
func dateAdded(path string) time.Time {
	ts, err := times.Stat(path)
	if err != nil {
		return time.Now().UTC()
	}
	if ts.HasBirthTime() {
		return ts.BirthTime().UTC()
	}
	return time.Now().UTC()
}

func orDefault(v *string, fallback string) string {
	if v == nil {
		return fallback
	}
	if s := strings.TrimSpace(*v); s != "" {
		return s
	}
	return fallback
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
