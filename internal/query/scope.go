package query

import "legato/internal/config"

// DuplicateScope returns the predicate that hides duplicate tracks from a
// listing, or "" when the user shows them. The predicate starts with AND and
// qualifies columns with alias.
func DuplicateScope(prefs *config.Preferences, alias string) string {
	if !prefs.HideDuplicates() {
		return ""
	}
	if alias == "" {
		return " AND is_duplicate = 0"
	}
	return " AND " + alias + ".is_duplicate = 0"
}
