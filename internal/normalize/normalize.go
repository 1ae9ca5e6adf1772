// Package normalize holds the pure string rules the catalog uses to decide
// when two tag values name the same artist, album, genre or recording.
package normalize

import (
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/rainycape/unidecode"
)

var articles = []string{"the", "a", "an"}

// artistDelimiters separate several artists inside one tag value. Matching is
// case-insensitive.
var artistDelimiters = []string{
	";",
	" / ",
	" & ",
	", ",
	" feat. ",
	" ft. ",
	" featuring ",
	" x ",
	" vs. ",
}

var (
	whitespaceRun   = regexp.MustCompile(`\s+`)
	albumSeparators = regexp.MustCompile(`[-_.:/]+`)
	remasterSuffix  = regexp.MustCompile(`(?i)\s*[\(\[][^\)\]]*remaster[^\)\]]*[\)\]]`)
)

// ArtistKey folds an artist name so that spelling variants share a key:
// "The Beatles", "Beatles, The" and "the beatles" all map to "beatles".
func ArtistKey(name string) string {
	s := strings.TrimSpace(name)
	if s == "" {
		return ""
	}

	folded := strings.ToLower(unidecode.Unidecode(s))
	if strings.TrimSpace(folded) == "" {
		// Scripts unidecode cannot render keep their own lower-case form.
		folded = strings.ToLower(s)
	}

	folded = moveTrailingArticle(folded)
	folded = strings.TrimPrefix(folded, "the ")
	folded = strings.ReplaceAll(folded, "&", " and ")

	var b strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	key := collapse(b.String())
	if key == "" {
		return strings.ToLower(s)
	}
	return key
}

// moveTrailingArticle turns "beatles, the" into "the beatles".
func moveTrailingArticle(s string) string {
	for _, article := range articles {
		suffix := ", " + article
		if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
			return article + " " + strings.TrimSpace(strings.TrimSuffix(s, suffix))
		}
	}
	return s
}

// SplitArtists splits a multi-artist tag into an ordered, de-duplicated list
// of names. Names listed in exceptions are never split, and a comma segment
// that is only an article re-attaches to the name before it.
func SplitArtists(raw string, exceptions []string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	for _, exception := range exceptions {
		if strings.EqualFold(raw, exception) {
			return []string{raw}
		}
	}

	// Shield exceptions from the delimiter pass.
	protected := make(map[string]string)
	masked := raw
	for i, exception := range exceptions {
		if exception == "" {
			continue
		}
		for {
			idx := indexFold(masked, exception)
			if idx < 0 {
				break
			}
			token := "\x00" + string(rune('A'+i%26)) + strings.Repeat("~", i/26) + "\x00"
			protected[token] = masked[idx : idx+len(exception)]
			masked = masked[:idx] + token + masked[idx+len(exception):]
		}
	}

	parts := splitOnDelimiters(masked)

	var names []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		for token, original := range protected {
			part = strings.ReplaceAll(part, token, original)
		}
		if part == "" {
			continue
		}
		if isArticle(part) && len(names) > 0 {
			names[len(names)-1] = names[len(names)-1] + ", " + part
			continue
		}
		names = append(names, part)
	}

	seen := make(map[string]bool, len(names))
	result := make([]string, 0, len(names))
	for _, name := range names {
		key := ArtistKey(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, name)
	}
	return result
}

func splitOnDelimiters(s string) []string {
	var parts []string
	for {
		lower := strings.ToLower(s)
		cut, width := -1, 0
		for _, delim := range artistDelimiters {
			if idx := strings.Index(lower, delim); idx >= 0 && (cut < 0 || idx < cut) {
				cut, width = idx, len(delim)
			}
		}
		if cut < 0 || len(lower) != len(s) {
			if cut >= 0 {
				// Lower-casing changed byte offsets; fall back to exact matching.
				return append(parts, splitExact(s)...)
			}
			return append(parts, s)
		}
		parts = append(parts, s[:cut])
		s = s[cut+width:]
	}
}

func splitExact(s string) []string {
	parts := []string{s}
	for _, delim := range artistDelimiters {
		var next []string
		for _, p := range parts {
			next = append(next, strings.Split(p, delim)...)
		}
		parts = next
	}
	return parts
}

func indexFold(s, substr string) int {
	n := len(substr)
	for i := 0; i+n <= len(s); i++ {
		if strings.EqualFold(s[i:i+n], substr) {
			return i
		}
	}
	return -1
}

func isArticle(s string) bool {
	return slices.Contains(articles, strings.ToLower(strings.TrimSpace(s)))
}

// Fold lower-cases s and transliterates it to ASCII so that case and
// diacritics do not affect matching: "ÉTÉ" and "ete" fold alike. Letters
// unidecode cannot render are kept in lower case.
func Fold(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r <= unicode.MaxASCII {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		t := unidecode.Unidecode(string(r))
		if strings.TrimSpace(t) == "" && unicode.IsLetter(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteString(strings.ToLower(t))
	}
	return b.String()
}

// AlbumKey folds an album title: lower-case, no leading "the", separators and
// whitespace collapsed. "The Dark Side of the Moon" and
// "dark side of the moon" share a key.
func AlbumKey(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = strings.TrimPrefix(s, "the ")
	s = albumSeparators.ReplaceAllString(s, " ")
	return collapse(s)
}

// TitleKey folds a track title for duplicate detection. Remaster annotations
// are dropped so "Song (2009 Remaster)" matches "Song".
func TitleKey(title string) string {
	s := remasterSuffix.ReplaceAllString(title, "")
	s = strings.ToLower(unidecode.Unidecode(strings.TrimSpace(s)))
	s = strings.ReplaceAll(s, "&", " and ")

	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	key := collapse(b.String())
	if key == "" {
		return strings.ToLower(strings.TrimSpace(title))
	}
	return key
}

// SplitGenres splits a genre tag on ";" and "/" keeping exact names in order.
func SplitGenres(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == '/'
	})

	seen := make(map[string]bool, len(fields))
	genres := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		genres = append(genres, f)
	}
	return genres
}

// SortName drops a leading article: "The Beatles" sorts as "Beatles".
func SortName(name string) string {
	s := strings.TrimSpace(name)
	lower := strings.ToLower(s)
	for _, article := range articles {
		prefix := article + " "
		if strings.HasPrefix(lower, prefix) && len(s) > len(prefix) {
			return strings.TrimSpace(s[len(prefix):])
		}
	}
	return s
}

func collapse(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}
