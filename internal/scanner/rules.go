package scanner

import (
	"encoding/json"
	"math"
	"strings"

	"legato/pkg/models"
)

// overwritePolicy decides when a rescanned value replaces the stored one.
type overwritePolicy int

const (
	// overwriteIfChanged writes present values that differ from the row.
	overwriteIfChanged overwritePolicy = iota
	// overwriteIfUnset writes present values only while the row has none.
	overwriteIfUnset
	// overwriteAlways writes the file's value on every rescan.
	overwriteAlways
)

// fieldRule maps one tracks column to the extracted value for a modified file.
type fieldRule struct {
	column string
	policy overwritePolicy
	// present reports whether the file supplied a usable value.
	present func(in *scanItem) bool
	// differs reports whether the stored value should give way. Under
	// overwriteIfUnset it reports that the row has no value yet.
	differs func(cur *models.Track, in *scanItem) bool
	value   func(in *scanItem) any
	// bookkeeping columns follow the file without counting as a change.
	bookkeeping bool
}

func (r fieldRule) applies(cur *models.Track, in *scanItem) bool {
	switch r.policy {
	case overwriteAlways:
		return true
	default:
		return r.present(in) && r.differs(cur, in)
	}
}

var fieldRules = []fieldRule{
	textRule("title", func(m *models.TrackMetadata) *string { return m.Title }, func(t *models.Track) string { return t.Title }),
	textRule("artist", func(m *models.TrackMetadata) *string { return m.Artist }, func(t *models.Track) string { return t.Artist }),
	textRule("album", func(m *models.TrackMetadata) *string { return m.Album }, func(t *models.Track) string { return t.Album }),
	textRule("album_artist", func(m *models.TrackMetadata) *string { return m.AlbumArtist }, func(t *models.Track) string { return t.AlbumArtist }),
	textRule("composer", func(m *models.TrackMetadata) *string { return m.Composer }, func(t *models.Track) string { return t.Composer }),
	textRule("genre", func(m *models.TrackMetadata) *string { return m.Genre }, func(t *models.Track) string { return t.Genre }),
	textRule("release_date", func(m *models.TrackMetadata) *string { return m.ReleaseDate }, func(t *models.Track) string { return t.ReleaseDate }),
	textRule("codec", func(m *models.TrackMetadata) *string { return m.Codec }, func(t *models.Track) string { return t.Codec }),
	intRule("year", func(m *models.TrackMetadata) *int { return m.Year }, func(t *models.Track) int { return t.Year }),
	intRule("track_number", func(m *models.TrackMetadata) *int { return m.TrackNumber }, func(t *models.Track) int { return t.TrackNumber }),
	intRule("track_total", func(m *models.TrackMetadata) *int { return m.TrackTotal }, func(t *models.Track) int { return t.TrackTotal }),
	intRule("disc_number", func(m *models.TrackMetadata) *int { return m.DiscNumber }, func(t *models.Track) int { return t.DiscNumber }),
	intRule("disc_total", func(m *models.TrackMetadata) *int { return m.DiscTotal }, func(t *models.Track) int { return t.DiscTotal }),
	intRule("bitrate", func(m *models.TrackMetadata) *int { return m.Bitrate }, func(t *models.Track) int { return t.Bitrate }),
	intRule("sample_rate", func(m *models.TrackMetadata) *int { return m.SampleRate }, func(t *models.Track) int { return t.SampleRate }),
	intRule("bit_depth", func(m *models.TrackMetadata) *int { return m.BitDepth }, func(t *models.Track) int { return t.BitDepth }),
	intRule("channels", func(m *models.TrackMetadata) *int { return m.Channels }, func(t *models.Track) int { return t.Channels }),
	{
		column:  "duration",
		policy:  overwriteIfChanged,
		present: func(in *scanItem) bool { return in.meta.Duration > 0 },
		differs: func(cur *models.Track, in *scanItem) bool {
			return durationChanged(cur.Duration, in.meta.Duration)
		},
		value: func(in *scanItem) any { return in.meta.Duration },
	},
	{
		column:  "artwork_id",
		policy:  overwriteIfUnset,
		present: func(in *scanItem) bool { return in.artworkID != "" },
		differs: func(cur *models.Track, _ *scanItem) bool { return cur.ArtworkID == "" },
		value:   func(in *scanItem) any { return in.artworkID },
	},
	{
		column:      "extended_metadata",
		policy:      overwriteAlways,
		value:       func(in *scanItem) any { return encodeExtended(in.meta.Extended) },
		bookkeeping: true,
	},
	{
		column:      "date_modified",
		policy:      overwriteAlways,
		value:       func(in *scanItem) any { return in.file.modTime },
		bookkeeping: true,
	},
	{
		column:      "file_size",
		policy:      overwriteAlways,
		value:       func(in *scanItem) any { return in.file.size },
		bookkeeping: true,
	},
}

func textRule(column string, get func(*models.TrackMetadata) *string, cur func(*models.Track) string) fieldRule {
	return fieldRule{
		column: column,
		policy: overwriteIfChanged,
		present: func(in *scanItem) bool {
			v := get(&in.meta)
			return v != nil && strings.TrimSpace(*v) != ""
		},
		differs: func(t *models.Track, in *scanItem) bool {
			return strings.TrimSpace(*get(&in.meta)) != cur(t)
		},
		value: func(in *scanItem) any { return strings.TrimSpace(*get(&in.meta)) },
	}
}

func intRule(column string, get func(*models.TrackMetadata) *int, cur func(*models.Track) int) fieldRule {
	return fieldRule{
		column: column,
		policy: overwriteIfChanged,
		present: func(in *scanItem) bool {
			v := get(&in.meta)
			return v != nil && *v != 0
		},
		differs: func(t *models.Track, in *scanItem) bool { return *get(&in.meta) != cur(t) },
		value:   func(in *scanItem) any { return *get(&in.meta) },
	}
}

// durationChanged reports a relative difference above one percent.
func durationChanged(stored, next float64) bool {
	if stored <= 0 {
		return next > 0
	}
	return math.Abs(next-stored)/stored > 0.01
}

// updateSet collects the assignments the rule table yields for cur. changed
// reports whether anything beyond bookkeeping differs from the row.
func updateSet(cur *models.Track, in *scanItem) (columns []string, args []any, changed bool) {
	for _, rule := range fieldRules {
		if !rule.applies(cur, in) {
			continue
		}
		columns = append(columns, rule.column+" = ?")
		args = append(args, rule.value(in))
		if !rule.bookkeeping {
			changed = true
		}
	}
	if encodeExtended(cur.ExtendedMetadata) != encodeExtended(in.meta.Extended) {
		changed = true
	}
	return columns, args, changed
}

func encodeExtended(extended map[string]any) string {
	if len(extended) == 0 {
		return "{}"
	}
	data, err := json.Marshal(extended)
	if err != nil {
		return "{}"
	}
	return string(data)
}
