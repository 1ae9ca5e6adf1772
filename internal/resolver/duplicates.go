package resolver

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hbollon/go-edlib"

	"legato/pkg/models"
)

type dupCandidate struct {
	id         int64
	title      string
	duration   float64
	bitrate    int
	sampleRate int
	bitDepth   int
	fileSize   int64

	groupID     sql.NullString
	isDuplicate bool
	primaryID   sql.NullInt64
}

// RecomputeDuplicates rebuilds duplicate groups for the given artist buckets.
func (r *Resolver) RecomputeDuplicates(tx *sql.Tx, artistKeys []string) error {
	seen := make(map[string]bool, len(artistKeys))
	for _, key := range artistKeys {
		if seen[key] {
			continue
		}
		if key == "" {
			// Tracks without a known artist never group.
			if _, err := tx.Exec(`
				UPDATE tracks SET is_duplicate = 0, primary_track_id = NULL, duplicate_group_id = NULL,
					updated_at = MAX(updated_at + 1, ?)
				WHERE dedup_artist = '' AND (is_duplicate = 1 OR duplicate_group_id IS NOT NULL OR primary_track_id IS NOT NULL)`,
				time.Now().UnixNano()); err != nil {
				return fmt.Errorf("clear ungrouped duplicates: %w", err)
			}
			seen[key] = true
			continue
		}
		seen[key] = true
		if err := r.recomputeBucket(tx, key); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeAllDuplicates rebuilds every bucket, for backfills and option changes.
func (r *Resolver) RecomputeAllDuplicates(tx *sql.Tx) error {
	rows, err := tx.Query("SELECT DISTINCT dedup_artist FROM tracks WHERE dedup_artist != ''")
	if err != nil {
		return fmt.Errorf("list duplicate buckets: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	return r.RecomputeDuplicates(tx, keys)
}

func (r *Resolver) recomputeBucket(tx *sql.Tx, artistKey string) error {
	rows, err := tx.Query(`
		SELECT id, dedup_title, duration, bitrate, sample_rate, bit_depth, file_size,
			duplicate_group_id, is_duplicate, primary_track_id
		FROM tracks WHERE dedup_artist = ? ORDER BY id`, artistKey)
	if err != nil {
		return fmt.Errorf("load duplicate bucket %q: %w", artistKey, err)
	}

	var tracks []dupCandidate
	for rows.Next() {
		var c dupCandidate
		if err := rows.Scan(&c.id, &c.title, &c.duration, &c.bitrate, &c.sampleRate, &c.bitDepth,
			&c.fileSize, &c.groupID, &c.isDuplicate, &c.primaryID); err != nil {
			rows.Close()
			return err
		}
		tracks = append(tracks, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	groups := [][]dupCandidate{}
	if r.dupes.Enabled {
		groups = r.groupCandidates(tracks)
	} else {
		for _, c := range tracks {
			groups = append(groups, []dupCandidate{c})
		}
	}

	now := time.Now().UnixNano()
	for _, group := range groups {
		if len(group) == 1 {
			c := group[0]
			if !c.isDuplicate && !c.groupID.Valid && !c.primaryID.Valid {
				continue
			}
			if _, err := tx.Exec(`
				UPDATE tracks SET is_duplicate = 0, primary_track_id = NULL, duplicate_group_id = NULL,
					updated_at = MAX(updated_at + 1, ?)
				WHERE id = ?`, now, c.id); err != nil {
				return fmt.Errorf("clear duplicate flags: %w", err)
			}
			continue
		}

		canonical := pickCanonical(group)
		groupID := canonical.groupID.String
		if !canonical.groupID.Valid || groupID == "" {
			groupID = uuid.NewString()
		}

		for _, c := range group {
			isDup := c.id != canonical.id
			var primary sql.NullInt64
			if isDup {
				primary = sql.NullInt64{Int64: canonical.id, Valid: true}
			}
			if c.isDuplicate == isDup && c.groupID.Valid && c.groupID.String == groupID && c.primaryID == primary {
				continue
			}
			if _, err := tx.Exec(`
				UPDATE tracks SET is_duplicate = ?, primary_track_id = ?, duplicate_group_id = ?,
					updated_at = MAX(updated_at + 1, ?)
				WHERE id = ?`, isDup, primary, groupID, now, c.id); err != nil {
				return fmt.Errorf("mark duplicate group: %w", err)
			}
		}
	}
	return nil
}

// groupCandidates returns the connected components of the duplicate relation.
func (r *Resolver) groupCandidates(tracks []dupCandidate) [][]dupCandidate {
	parent := make([]int, len(tracks))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	for i := 0; i < len(tracks); i++ {
		for j := i + 1; j < len(tracks); j++ {
			if r.sameRecording(tracks[i], tracks[j]) {
				if a, b := find(i), find(j); a != b {
					parent[b] = a
				}
			}
		}
	}

	byRoot := make(map[int][]dupCandidate)
	var roots []int
	for i, c := range tracks {
		root := find(i)
		if _, ok := byRoot[root]; !ok {
			roots = append(roots, root)
		}
		byRoot[root] = append(byRoot[root], c)
	}
	sort.Ints(roots)

	groups := make([][]dupCandidate, 0, len(roots))
	for _, root := range roots {
		groups = append(groups, byRoot[root])
	}
	return groups
}

func (r *Resolver) sameRecording(a, b dupCandidate) bool {
	if !r.durationsMatch(a.duration, b.duration) {
		return false
	}
	if a.title == "" || b.title == "" {
		return false
	}
	if a.title == b.title {
		return true
	}
	if r.dupes.TitleSimilarity > 0 {
		sim, err := edlib.StringsSimilarity(a.title, b.title, edlib.JaroWinkler)
		if err == nil && float64(sim) >= r.dupes.TitleSimilarity {
			return true
		}
	}
	return false
}

// durationsMatch treats an unknown duration as matching only another unknown.
func (r *Resolver) durationsMatch(a, b float64) bool {
	if a <= 0 || b <= 0 {
		return a <= 0 && b <= 0
	}
	return math.Abs(a-b) <= r.dupes.DurationTolerance
}

// pickCanonical prefers higher bitrate, sample rate, bit depth and file size,
// then the lowest id.
func pickCanonical(group []dupCandidate) dupCandidate {
	best := group[0]
	for _, c := range group[1:] {
		if betterQuality(c, best) {
			best = c
		}
	}
	return best
}

func betterQuality(a, b dupCandidate) bool {
	if a.bitrate != b.bitrate {
		return a.bitrate > b.bitrate
	}
	if a.sampleRate != b.sampleRate {
		return a.sampleRate > b.sampleRate
	}
	if a.bitDepth != b.bitDepth {
		return a.bitDepth > b.bitDepth
	}
	if a.fileSize != b.fileSize {
		return a.fileSize > b.fileSize
	}
	return a.id < b.id
}

// BackfillDedupKeys fills duplicate keys on rows stored before duplicate
// tracking existed and regroups them. It returns the number of rows filled.
func (r *Resolver) BackfillDedupKeys(tx *sql.Tx) (int, error) {
	rows, err := tx.Query("SELECT id, title, artist FROM tracks WHERE dedup_title = '' AND title != ''")
	if err != nil {
		return 0, fmt.Errorf("load tracks without duplicate keys: %w", err)
	}
	type pending struct {
		id            int64
		title, artist string
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.title, &p.artist); err != nil {
			rows.Close()
			return 0, err
		}
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(todo) == 0 {
		return 0, nil
	}

	for _, p := range todo {
		title, artist := r.DedupKeys(models.Track{Title: p.title, Artist: p.artist})
		if _, err := tx.Exec("UPDATE tracks SET dedup_title = ?, dedup_artist = ? WHERE id = ?", title, artist, p.id); err != nil {
			return 0, fmt.Errorf("backfill duplicate keys: %w", err)
		}
	}
	if err := r.RecomputeAllDuplicates(tx); err != nil {
		return 0, err
	}
	return len(todo), nil
}
