package detect

import (
	"regexp"
	"strings"
	"time"
)

// timestampStrategy extracts the event time from a line. ok=false means the
// strategy did not apply. consumed is the length of a recognized line prefix.
type timestampStrategy struct {
	name  string
	parse func(line string, now time.Time, loc *time.Location) (ts time.Time, consumed int, ok bool)
}

// timestampStrategies run in order: ISO-8601 prefix, syslog prefix, embedded ISO-8601
var timestampStrategies = []timestampStrategy{
	{name: "iso8601_prefix", parse: parseISOPrefix},
	{name: "syslog_prefix", parse: parseSyslogPrefix},
	{name: "iso8601_embedded", parse: parseISOEmbedded},
}

const isoCore = `(\d{4}-\d{2}-\d{2})[ T](\d{2}:\d{2}:\d{2})(?:[.,](\d{1,9}))?(Z|[+-]\d{2}:?\d{2})?`

var (
	isoPrefixRegex   = regexp.MustCompile(`^` + isoCore)
	isoEmbeddedRegex = regexp.MustCompile(`\b` + isoCore + `\b`)
	syslogRegex      = regexp.MustCompile(`^([A-Z][a-z]{2})\s+(\d{1,2})\s+(\d{2}):(\d{2}):(\d{2})`)
)

var months = map[string]time.Month{
	"Jan": time.January, "Feb": time.February, "Mar": time.March, "Apr": time.April,
	"May": time.May, "Jun": time.June, "Jul": time.July, "Aug": time.August,
	"Sep": time.September, "Oct": time.October, "Nov": time.November, "Dec": time.December,
}

// syslogFutureTolerance is how far in the future a year-less timestamp may land
// before it is attributed to the previous year
const syslogFutureTolerance = 24 * time.Hour

func parseISOPrefix(line string, _ time.Time, loc *time.Location) (time.Time, int, bool) {
	m := isoPrefixRegex.FindStringSubmatchIndex(line)
	if m == nil {
		return time.Time{}, 0, false
	}
	ts, ok := isoFromSubmatch(line, m, loc)
	return ts, m[1], ok
}

func parseISOEmbedded(line string, _ time.Time, loc *time.Location) (time.Time, int, bool) {
	m := isoEmbeddedRegex.FindStringSubmatchIndex(line)
	if m == nil {
		return time.Time{}, 0, false
	}
	ts, ok := isoFromSubmatch(line, m, loc)
	return ts, 0, ok
}

func isoFromSubmatch(line string, m []int, loc *time.Location) (time.Time, bool) {
	group := func(i int) string {
		if m[2*i] < 0 {
			return ""
		}
		return line[m[2*i]:m[2*i+1]]
	}

	value := group(1) + "T" + group(2)
	layout := "2006-01-02T15:04:05"
	if frac := group(3); frac != "" {
		value += "." + frac
		layout += "." + strings.Repeat("0", len(frac))
	}

	zone := group(4)
	switch {
	case zone == "Z":
		value += "Z"
		layout += "Z07:00"
	case len(zone) == 5: // +hhmm
		value += zone[:3] + ":" + zone[3:]
		layout += "Z07:00"
	case zone != "":
		value += zone
		layout += "Z07:00"
	}

	var ts time.Time
	var err error
	if zone == "" {
		ts, err = time.ParseInLocation(layout, value, loc)
	} else {
		ts, err = time.Parse(layout, value)
	}
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// parseSyslogPrefix handles "Mon DD HH:MM:SS". The year is taken from now in
// loc and rolled back one year when the result would be more than a day ahead.
func parseSyslogPrefix(line string, now time.Time, loc *time.Location) (time.Time, int, bool) {
	m := syslogRegex.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, 0, false
	}
	month, ok := months[m[1]]
	if !ok {
		return time.Time{}, 0, false
	}
	day := atoi(m[2])
	hour, minute, sec := atoi(m[3]), atoi(m[4]), atoi(m[5])
	if day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 60 {
		return time.Time{}, 0, false
	}

	year := now.In(loc).Year()
	ts, valid := syslogDate(year, month, day, hour, minute, sec, loc)
	if !valid || ts.Sub(now) > syslogFutureTolerance {
		ts, valid = syslogDate(year-1, month, day, hour, minute, sec, loc)
	}
	if !valid {
		return time.Time{}, 0, false
	}
	return ts, len(m[0]), true
}

// syslogDate rejects dates that time.Date would normalize (Feb 30, Feb 29 off leap years)
func syslogDate(year int, month time.Month, day, hour, minute, sec int, loc *time.Location) (time.Time, bool) {
	ts := time.Date(year, month, day, hour, minute, sec, 0, loc)
	return ts, ts.Month() == month && ts.Day() == day
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

// extractTimestamp runs the strategies in order. It returns the body of the
// line with any recognized timestamp prefix stripped.
func extractTimestamp(line string, hint time.Time, now time.Time, loc *time.Location) (ts time.Time, body string, imputed bool) {
	for _, s := range timestampStrategies {
		if t, consumed, ok := s.parse(line, now, loc); ok {
			return t, strings.TrimSpace(line[consumed:]), false
		}
	}
	if !hint.IsZero() {
		return hint, strings.TrimSpace(line), false
	}
	return now, strings.TrimSpace(line), true
}
