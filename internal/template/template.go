package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MissingValue is substituted for placeholders that resolve to nothing.
// Template resolution never fails an execution; downstream conditions or
// tools are responsible for detecting this sentinel if they care.
const MissingValue = "[No available data]"

var placeholderRe = regexp.MustCompile(`\{\{([^}]+)\}\}`)

var (
	log = zap.NewNop()

	// Overridable for tests.
	nowFunc = time.Now
)

// SetLogger installs the logger used for resolution warnings.
func SetLogger(l *zap.Logger) {
	if l != nil {
		log = l
	}
}

// Resolve substitutes every {{...}} placeholder in template. Built-in date
// and time names are resolved first; anything else is treated as a path into
// the context. Date values are computed in the user's timezone
// (context user.timezone), falling back to UTC when the zone is missing or
// invalid.
func Resolve(template string, context map[string]any) string {
	if !placeholderRe.MatchString(template) {
		return template
	}

	utcNow := nowFunc().UTC()
	userToday := userLocalDate(context, utcNow)

	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := trimPlaceholder(match)

		if v, ok := builtinValue(name, utcNow, userToday); ok {
			return v
		}

		value, ok := Lookup(context, name)
		if !ok || value == nil {
			log.Warn("template variable not found", zap.String("variable", name))
			return MissingValue
		}
		return stringify(value)
	})
}

// ResolveParameters recursively resolves template placeholders in a
// parameters document. Strings are resolved, mappings and sequences are
// recursed into, and every other leaf passes through unchanged.
func ResolveParameters(params map[string]any, context map[string]any) map[string]any {
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		resolved[key] = resolveValue(value, context)
	}
	return resolved
}

func resolveValue(value any, context map[string]any) any {
	switch v := value.(type) {
	case string:
		return Resolve(v, context)
	case map[string]any:
		return ResolveParameters(v, context)
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = resolveValue(item, context)
		}
		return items
	default:
		return value
	}
}

// ResolveDatesUTC replaces the day-granular date builtins using the UTC
// calendar date. Used where no user context exists yet, such as resolving a
// polling source tool's params during preflight.
func ResolveDatesUTC(value string) string {
	if !placeholderRe.MatchString(value) {
		return value
	}
	today := nowFunc().UTC()
	return placeholderRe.ReplaceAllStringFunc(value, func(match string) string {
		switch trimPlaceholder(match) {
		case "today":
			return formatDate(today)
		case "tomorrow":
			return formatDate(today.AddDate(0, 0, 1))
		case "yesterday":
			return formatDate(today.AddDate(0, 0, -1))
		case "two_days_ago":
			return formatDate(today.AddDate(0, 0, -2))
		case "this_week_start":
			return formatDate(weekStart(today))
		case "this_week_end":
			return formatDate(weekEnd(today))
		}
		return match
	})
}

func trimPlaceholder(match string) string {
	return strings.TrimSpace(placeholderRe.FindStringSubmatch(match)[1])
}

// userLocalDate returns the current date in the user's timezone, or the UTC
// date when the zone is absent or unknown.
func userLocalDate(context map[string]any, utcNow time.Time) time.Time {
	tz, ok := Lookup(context, "user.timezone")
	if !ok || tz == nil {
		return utcNow
	}
	name, ok := tz.(string)
	if !ok || name == "" {
		return utcNow
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("invalid user timezone, falling back to UTC",
			zap.String("timezone", name), zap.Error(err))
		return utcNow
	}
	return utcNow.In(loc)
}

const instantFormat = "2006-01-02T15:04:05Z"

func builtinValue(name string, utcNow, userToday time.Time) (string, bool) {
	switch name {
	// Day-granular names in the user's timezone. The _local aliases are
	// legacy and behave identically.
	case "today", "today_local":
		return formatDate(userToday), true
	case "tomorrow", "tomorrow_local":
		return formatDate(userToday.AddDate(0, 0, 1)), true
	case "yesterday", "yesterday_local":
		return formatDate(userToday.AddDate(0, 0, -1)), true
	case "two_days_ago":
		return formatDate(userToday.AddDate(0, 0, -2)), true
	case "this_week_start":
		return formatDate(weekStart(userToday)), true
	case "this_week_end":
		return formatDate(weekEnd(userToday)), true

	// Explicit UTC variants.
	case "today_utc":
		return formatDate(utcNow), true
	case "yesterday_utc":
		return formatDate(utcNow.AddDate(0, 0, -1)), true
	case "tomorrow_utc":
		return formatDate(utcNow.AddDate(0, 0, 1)), true

	// Instants, always UTC.
	case "now":
		return utcNow.Format(instantFormat), true
	case "now_minus_1h":
		return utcNow.Add(-1 * time.Hour).Format(instantFormat), true
	case "now_minus_6h":
		return utcNow.Add(-6 * time.Hour).Format(instantFormat), true
	case "now_minus_12h":
		return utcNow.Add(-12 * time.Hour).Format(instantFormat), true
	case "now_minus_24h":
		return utcNow.Add(-24 * time.Hour).Format(instantFormat), true
	}
	return "", false
}

func formatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// weekStart returns the Monday of t's week.
func weekStart(t time.Time) time.Time {
	daysSinceMonday := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -daysSinceMonday)
}

// weekEnd returns the Sunday of t's week.
func weekEnd(t time.Time) time.Time {
	daysUntilSunday := 6 - (int(t.Weekday())+6)%7
	return t.AddDate(0, 0, daysUntilSunday)
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}
