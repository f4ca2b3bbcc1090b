package storage

import "time"

// dateLayout is the on-disk form for calendar dates (no time-of-day
// component); timestampLayout carries full precision for created_at/closed_at.
const (
	dateLayout      = "2006-01-02"
	timestampLayout = time.RFC3339
)

func formatDate(t time.Time) string { return t.UTC().Format(dateLayout) }

func parseDate(s string) time.Time {
	t, _ := time.Parse(dateLayout, s)
	return t
}

func formatTimestamp(t time.Time) string { return t.UTC().Format(timestampLayout) }

func parseTimestamp(s string) time.Time {
	t, _ := time.Parse(timestampLayout, s)
	return t
}
