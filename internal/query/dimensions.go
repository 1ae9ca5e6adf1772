package query

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"legato/internal/catalog"
	"legato/internal/normalize"
	"legato/pkg/models"
)

// Dimension is a browsable track attribute.
type Dimension string

// Browse dimensions.
const (
	DimArtist      Dimension = "artist"
	DimAlbumArtist Dimension = "album_artist"
	DimComposer    Dimension = "composer"
	DimAlbum       Dimension = "album"
	DimGenre       Dimension = "genre"
	DimYear        Dimension = "year"
	DimDecade      Dimension = "decade"
)

// Filter selects the tracks carrying one value of a dimension.
type Filter struct {
	Dimension Dimension `json:"dimension"`
	Value     string    `json:"value"`
}

// ValueCount is one row of a grouped count.
type ValueCount struct {
	Value      string `json:"value"`
	TrackCount int    `json:"trackCount"`
}

// CountPage is a paginated grouped count.
type CountPage struct {
	Items []ValueCount `json:"items"`
	Page  PageInfo     `json:"page"`
}

type dimension struct {
	// column is the raw tracks column carrying the placeholder.
	column      string
	placeholder string
	// role is set for dimensions resolved through track_artists.
	role string
}

var dimensions = map[Dimension]dimension{
	DimArtist:      {column: "artist", placeholder: models.UnknownArtist, role: models.RoleArtist},
	DimAlbumArtist: {column: "album_artist", placeholder: models.UnknownAlbumArtist, role: models.RoleAlbumArtist},
	DimComposer:    {column: "composer", placeholder: models.UnknownComposer, role: models.RoleComposer},
	DimAlbum:       {column: "album", placeholder: models.UnknownAlbum},
	DimGenre:       {column: "genre", placeholder: models.UnknownGenre},
	DimYear:        {column: "year", placeholder: models.UnknownYear},
	DimDecade:      {column: "year", placeholder: models.UnknownYear},
}

func lookupDimension(dim Dimension) (dimension, error) {
	d, ok := dimensions[dim]
	if !ok {
		return dimension{}, fmt.Errorf("%w: %s", ErrUnknownDimension, dim)
	}
	return d, nil
}

// groupsSQL returns a select producing (value, sort_key, ph, n) rows, one per
// distinct value of dim, with the placeholder row (ph = 1) present only when
// some track carries it.
func groupsSQL(dim Dimension, d dimension, scope string) string {
	var values string
	switch {
	case d.role != "":
		values = `
			SELECT ar.name AS value, ar.sort_name AS sort_key, 0 AS ph, COUNT(DISTINCT t.id) AS n
			FROM artists ar
			JOIN track_artists ta ON ta.artist_id = ar.id AND ta.role = '` + d.role + `'
			JOIN tracks t ON t.id = ta.track_id
			WHERE 1 = 1` + scope + `
			GROUP BY ar.id`
	case dim == DimAlbum:
		values = `
			SELECT MIN(al.title) AS value, MIN(al.sort_title) AS sort_key, 0 AS ph, COUNT(t.id) AS n
			FROM albums al
			JOIN tracks t ON t.album_id = al.id
			WHERE 1 = 1` + scope + `
			GROUP BY al.normalized_title`
	case dim == DimGenre:
		values = `
			SELECT g.name AS value, g.name AS sort_key, 0 AS ph, COUNT(t.id) AS n
			FROM genres g
			JOIN track_genres tg ON tg.genre_id = g.id
			JOIN tracks t ON t.id = tg.track_id
			WHERE 1 = 1` + scope + `
			GROUP BY g.id`
	case dim == DimYear:
		values = `
			SELECT CAST(t.year AS TEXT) AS value, printf('%04d', t.year) AS sort_key, 0 AS ph, COUNT(*) AS n
			FROM tracks t
			WHERE t.year > 0` + scope + `
			GROUP BY t.year`
	case dim == DimDecade:
		values = `
			SELECT CAST((t.year / 10) * 10 AS TEXT) || 's' AS value, printf('%04d', (t.year / 10) * 10) AS sort_key,
				0 AS ph, COUNT(*) AS n
			FROM tracks t
			WHERE t.year > 0` + scope + `
			GROUP BY t.year / 10`
	}

	placeholderMatch := "t." + d.column + " = " + sqlQuote(d.placeholder)
	if d.column == "year" {
		placeholderMatch = "t.year <= 0"
	}
	return values + `
		UNION ALL
		SELECT ` + sqlQuote(d.placeholder) + `, '', 1, n
		FROM (SELECT COUNT(*) AS n FROM tracks t WHERE ` + placeholderMatch + scope + `)
		WHERE n > 0`
}

// DistinctValues returns the sorted values of dim, with the placeholder last
// when any track carries it.
func (e *Engine) DistinctValues(ctx context.Context, dim Dimension) ([]string, error) {
	d, err := lookupDimension(dim)
	if err != nil {
		return nil, err
	}
	rows, err := e.db.Conn().QueryContext(ctx,
		"SELECT value FROM ("+groupsSQL(dim, d, DuplicateScope(e.prefs, "t"))+") ORDER BY ph, sort_key COLLATE NOCASE, value")
	if err != nil {
		return nil, fmt.Errorf("list %s values: %w", dim, err)
	}
	defer rows.Close()

	values := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan %s value: %w", dim, err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// Counts returns one page of per-value track counts for dim.
func (e *Engine) Counts(ctx context.Context, dim Dimension, limit, offset int) (CountPage, error) {
	d, err := lookupDimension(dim)
	if err != nil {
		return CountPage{}, err
	}
	limit, offset = normalizePagination(limit, offset, defaultPageLimit)
	groups := groupsSQL(dim, d, DuplicateScope(e.prefs, "t"))

	var total int
	if err := e.db.Conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM ("+groups+")").Scan(&total); err != nil {
		return CountPage{}, fmt.Errorf("count %s values: %w", dim, err)
	}

	rows, err := e.db.Conn().QueryContext(ctx,
		"SELECT value, n FROM ("+groups+") ORDER BY ph, sort_key COLLATE NOCASE, value LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return CountPage{}, fmt.Errorf("list %s counts: %w", dim, err)
	}
	defer rows.Close()

	items := make([]ValueCount, 0)
	for rows.Next() {
		var vc ValueCount
		if err := rows.Scan(&vc.Value, &vc.TrackCount); err != nil {
			return CountPage{}, fmt.Errorf("scan %s count: %w", dim, err)
		}
		items = append(items, vc)
	}
	if err := rows.Err(); err != nil {
		return CountPage{}, err
	}
	return CountPage{Items: items, Page: PageInfo{Limit: limit, Offset: offset, Total: total}}, nil
}

// TracksByFilter returns the tracks carrying exactly f.Value.
func (e *Engine) TracksByFilter(ctx context.Context, f Filter) ([]models.Track, error) {
	d, err := lookupDimension(f.Dimension)
	if err != nil {
		return nil, err
	}

	var (
		where string
		args  []any
	)
	switch {
	case f.Value == d.placeholder && d.column == "year":
		where = "t.year <= 0"
	case f.Value == d.placeholder:
		where = "t." + d.column + " = ?"
		args = append(args, d.placeholder)
	case d.role != "":
		where = `t.id IN (
			SELECT ta.track_id FROM track_artists ta
			JOIN artists ar ON ar.id = ta.artist_id
			WHERE ar.normalized_name = ? AND ta.role = ?)`
		args = append(args, normalize.ArtistKey(f.Value), d.role)
	case f.Dimension == DimAlbum:
		where = "t.album_id IN (SELECT id FROM albums WHERE normalized_title = ?)"
		args = append(args, normalize.AlbumKey(f.Value))
	case f.Dimension == DimGenre:
		where = `t.id IN (
			SELECT tg.track_id FROM track_genres tg
			JOIN genres g ON g.id = tg.genre_id
			WHERE g.name = ?)`
		args = append(args, f.Value)
	case f.Dimension == DimYear:
		year, err := strconv.Atoi(strings.TrimSpace(f.Value))
		if err != nil {
			return nil, fmt.Errorf("invalid year %q: %w", f.Value, err)
		}
		where = "t.year = ?"
		args = append(args, year)
	case f.Dimension == DimDecade:
		decade, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(f.Value), "s"))
		if err != nil || decade%10 != 0 {
			return nil, fmt.Errorf("invalid decade %q", f.Value)
		}
		where = "t.year BETWEEN ? AND ?"
		args = append(args, decade, decade+9)
	}

	return e.queryTracks(ctx, where, args...)
}

// TracksContaining returns tracks whose raw column for dim contains needle,
// case-insensitively.
func (e *Engine) TracksContaining(ctx context.Context, dim Dimension, needle string) ([]models.Track, error) {
	d, err := lookupDimension(dim)
	if err != nil {
		return nil, err
	}
	if d.column == "year" {
		return nil, fmt.Errorf("%w: %s does not support contains", ErrUnknownDimension, dim)
	}
	needle = strings.TrimSpace(needle)
	if needle == "" {
		return []models.Track{}, nil
	}
	return e.queryTracks(ctx, "t."+d.column+` LIKE ? ESCAPE '\'`, "%"+escapeLike(needle)+"%")
}

func (e *Engine) queryTracks(ctx context.Context, where string, args ...any) ([]models.Track, error) {
	field, desc := e.prefs.TrackSort()
	rows, err := e.db.Conn().QueryContext(ctx,
		"SELECT "+catalog.TrackColumns+" FROM tracks t WHERE "+where+DuplicateScope(e.prefs, "t")+
			" ORDER BY "+OrderBy(field, desc),
		args...)
	if err != nil {
		return nil, fmt.Errorf("query tracks: %w", err)
	}
	return catalog.ScanTracks(rows)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
