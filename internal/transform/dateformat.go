package transform

import (
	"strings"
	"time"
)

// formatTokens maps invariant-culture date format tokens onto Go reference
// layout fragments. Longest tokens first so the scanner is greedy.
var formatTokens = []struct {
	from, to string
}{
	{"yyyy", "2006"},
	{"yy", "06"},
	{"MMMM", "January"},
	{"MMM", "Jan"},
	{"MM", "01"},
	{"M", "1"},
	{"dddd", "Monday"},
	{"ddd", "Mon"},
	{"dd", "02"},
	{"d", "2"},
	{"HH", "15"},
	{"hh", "03"},
	{"h", "3"},
	{"mm", "04"},
	{"m", "4"},
	{"ss", "05"},
	{"s", "5"},
	{"fff", "000"},
	{"ff", "00"},
	{"f", "0"},
	{"tt", "PM"},
	{"zzz", "-07:00"},
	{"zz", "-07"},
	{"K", "Z07:00"},
}

// GoLayout converts an invariant-culture date format string (yyyy-MM-dd
// HH:mm:ss and friends) into a Go time layout. Unrecognized characters pass
// through verbatim, which covers separators and literal text.
func GoLayout(format string) string {
	var b strings.Builder
	i := 0
scan:
	for i < len(format) {
		for _, tok := range formatTokens {
			if strings.HasPrefix(format[i:], tok.from) {
				b.WriteString(tok.to)
				i += len(tok.from)
				continue scan
			}
		}
		b.WriteByte(format[i])
		i++
	}
	return b.String()
}

// isoLayouts are tried in order for permissive temporal parsing when no
// explicit source format is configured.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses s against the explicit format when one is configured,
// strictly; otherwise it tries the permissive ISO-8601 layouts.
func ParseTime(s, format string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if format != "" {
		t, err := time.Parse(GoLayout(format), s)
		return t, err == nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
