package playlist

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"legato/pkg/models"
)

// Smart rule operators.
const (
	OpEq         = "eq"
	OpNeq        = "neq"
	OpGte        = "gte"
	OpLte        = "lte"
	OpContains   = "contains"
	OpWithinDays = "within_days"
)

type fieldKind int

const (
	kindBool fieldKind = iota
	kindInt
	kindFloat
	kindText
	kindTime
)

type smartField struct {
	column string
	kind   fieldKind
}

var smartFields = map[string]smartField{
	"is_favorite": {"t.is_favorite", kindBool},
	"play_count":  {"t.play_count", kindInt},
	"last_played": {"t.last_played", kindTime},
	"date_added":  {"t.date_added", kindTime},
	"genre":       {"t.genre", kindText},
	"artist":      {"t.artist", kindText},
	"album":       {"t.album", kindText},
	"year":        {"t.year", kindInt},
	"duration":    {"t.duration", kindFloat},
}

var kindOps = map[fieldKind][]string{
	kindBool:  {OpEq, OpNeq},
	kindInt:   {OpEq, OpNeq, OpGte, OpLte},
	kindFloat: {OpEq, OpNeq, OpGte, OpLte},
	kindText:  {OpEq, OpNeq, OpContains},
	kindTime:  {OpGte, OpLte, OpWithinDays},
}

var smartSortFields = map[string]bool{
	"title": true, "artist": true, "album": true, "album_artist": true, "year": true,
	"date_added": true, "duration": true, "play_count": true, "last_played": true,
}

// ValidateCriteria reports the first problem with c, if any.
func ValidateCriteria(c models.SmartCriteria) error {
	_, _, err := compileCriteria(c, time.Now())
	return err
}

// compileCriteria renders c as a predicate over alias t. Relative dates are
// resolved against now and bound as parameters.
func compileCriteria(c models.SmartCriteria, now time.Time) (string, []any, error) {
	joiner := " AND "
	switch c.Match {
	case "", "all":
	case "any":
		joiner = " OR "
	default:
		return "", nil, fmt.Errorf("invalid match mode: %q", c.Match)
	}
	if c.SortBy != "" && !smartSortFields[c.SortBy] {
		return "", nil, fmt.Errorf("invalid sort field: %q", c.SortBy)
	}
	if c.Limit < 0 {
		return "", nil, fmt.Errorf("invalid limit: %d", c.Limit)
	}
	if len(c.Rules) == 0 {
		return "1 = 1", nil, nil
	}

	clauses := make([]string, 0, len(c.Rules))
	var args []any
	for _, rule := range c.Rules {
		clause, ruleArgs, err := compileRule(rule, now)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, ruleArgs...)
	}
	return "(" + strings.Join(clauses, joiner) + ")", args, nil
}

func compileRule(rule models.SmartRule, now time.Time) (string, []any, error) {
	field, ok := smartFields[rule.Field]
	if !ok {
		return "", nil, fmt.Errorf("invalid smart playlist field: %q", rule.Field)
	}
	allowed := false
	for _, op := range kindOps[field.kind] {
		if op == rule.Op {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", nil, fmt.Errorf("operator %q not supported for %s", rule.Op, rule.Field)
	}

	value, err := parseValue(field.kind, rule)
	if err != nil {
		return "", nil, err
	}

	switch rule.Op {
	case OpEq:
		if field.kind == kindText {
			return field.column + " = ? COLLATE NOCASE", []any{value}, nil
		}
		return field.column + " = ?", []any{value}, nil
	case OpNeq:
		if field.kind == kindText {
			return field.column + " != ? COLLATE NOCASE", []any{value}, nil
		}
		return field.column + " != ?", []any{value}, nil
	case OpGte:
		return field.column + " >= ?", []any{value}, nil
	case OpLte:
		return field.column + " <= ?", []any{value}, nil
	case OpContains:
		return field.column + ` LIKE ? ESCAPE '\'`, []any{"%" + escapeLike(value.(string)) + "%"}, nil
	case OpWithinDays:
		cutoff := now.UTC().AddDate(0, 0, -value.(int))
		return field.column + " >= ?", []any{cutoff}, nil
	}
	return "", nil, fmt.Errorf("invalid operator: %q", rule.Op)
}

func parseValue(kind fieldKind, rule models.SmartRule) (any, error) {
	raw := strings.TrimSpace(rule.Value)
	invalid := func(err error) error {
		return fmt.Errorf("invalid value %q for %s: %w", rule.Value, rule.Field, err)
	}

	if rule.Op == OpWithinDays {
		days, err := strconv.Atoi(raw)
		if err != nil {
			return nil, invalid(err)
		}
		if days < 0 {
			return nil, invalid(fmt.Errorf("negative day count"))
		}
		return days, nil
	}

	switch kind {
	case kindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, invalid(err)
		}
		return b, nil
	case kindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, invalid(err)
		}
		return n, nil
	case kindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, invalid(err)
		}
		return f, nil
	case kindTime:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, invalid(fmt.Errorf("expected RFC 3339 or YYYY-MM-DD"))
	default:
		return raw, nil
	}
}

// favoritesShaped reports whether membership in c is exactly the favorite
// flag, so membership edits can toggle it.
func favoritesShaped(c *models.SmartCriteria) bool {
	if c == nil || len(c.Rules) != 1 {
		return false
	}
	rule := c.Rules[0]
	if rule.Field != "is_favorite" || rule.Op != OpEq {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(rule.Value))
	return err == nil && b
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
