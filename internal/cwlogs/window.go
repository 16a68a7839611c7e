package cwlogs

import (
	"fmt"
	"time"
)

const DefaultLimit = 100

// Window is the query time range, always UTC.
type Window struct {
	Start time.Time
	End   time.Time
	Desc  string
}

// ComputeWindow picks the first positive range in hours > days > weeks
// priority order, defaulting to one day. Zero and negative values count
// as absent so Start always lands before End.
func ComputeWindow(now time.Time, hours, days, weeks int) Window {
	now = now.UTC()
	switch {
	case hours > 0:
		return Window{Start: now.Add(-time.Duration(hours) * time.Hour), End: now, Desc: describe(hours, "hour")}
	case days > 0:
		return Window{Start: now.Add(-time.Duration(days) * 24 * time.Hour), End: now, Desc: describe(days, "day")}
	case weeks > 0:
		return Window{Start: now.Add(-time.Duration(weeks) * 7 * 24 * time.Hour), End: now, Desc: describe(weeks, "week")}
	default:
		return Window{Start: now.Add(-24 * time.Hour), End: now, Desc: "1 day"}
	}
}

func describe(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// SessionQuery expands a session identifier into a substring-match query,
// newest first. The limit clause only exists on synthesized queries;
// explicit query strings carry their own.
func SessionQuery(sessionID string, limit int) string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return fmt.Sprintf("fields @timestamp, record.message | filter @message like /%s/ | sort @timestamp desc | limit %d", sessionID, limit)
}
