package enrich

import "time"

// DaysBetween returns the wall-clock difference between two instants
// truncated to whole calendar days. Negative spans clamp to zero.
func DaysBetween(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return int(d.Hours() / 24)
}

// Timestamp layouts accepted from raw payloads, in match order.
var rawTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseRawTime parses a timestamp string as it appears in archived
// payloads: RFC 3339, a bare datetime, or a bare date.
func ParseRawTime(s string) (time.Time, bool) {
	for _, layout := range rawTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
