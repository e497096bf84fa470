package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vigilant/core"
)

// journalctl -o short-iso prints "+0100" before systemd 250 and "+01:00" after
var journalLayouts = []string{
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05-07:00",
	"2006-01-02T15:04:05Z07:00",
}

func journalTailCommand(unit string, tail int) string {
	return fmt.Sprintf("journalctl -u %s -n %d -o short-iso --no-pager -q", shellQuote(unit), tail)
}

// journalSinceScript keeps journalctl's exit status while capping the output
func journalSinceScript(unit string, since time.Time, limit int) string {
	return fmt.Sprintf(`out=$(journalctl -u %s --since @%d -o short-iso --no-pager -q) || exit $?
printf '%%s\n' "$out" | head -n %d`, shellQuote(unit), since.Unix(), limit)
}

// parseJournalTimestamp reads the leading short-iso timestamp of a record
func parseJournalTimestamp(line string) (time.Time, bool) {
	field, _, _ := strings.Cut(line, " ")
	if len(field) < len("2006-01-02T15:04:05") {
		return time.Time{}, false
	}
	for _, layout := range journalLayouts {
		if ts, err := time.Parse(layout, field); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func isJournalMarker(line string) bool {
	return strings.HasPrefix(line, "-- ") && strings.HasSuffix(line, " --")
}

func (s *session) fetchJournal(ctx context.Context, source core.LogSource, cursor core.Cursor) (*FetchResult, error) {
	cfg := s.client.cfg
	name := source.String()

	var cmd string
	first := isFirstFetch(cursor) || cursor.Watermark.IsZero()
	if first {
		cmd = journalTailCommand(source.Location, cfg.TailLines)
	} else {
		cmd = shellScript(journalSinceScript(source.Location, cursor.Watermark, cfg.MaxLines+int(cursor.SeenAtWatermark)))
	}

	out, err := s.runPrivileged(ctx, name, cmd)
	if err != nil {
		return nil, err
	}

	lines, next := collectJournal(splitLines(out), cursor, first, cfg.MaxLines)
	next.ServerName = s.server.Name
	next.Source = name
	return &FetchResult{Source: name, Lines: lines, Next: next}, nil
}

// collectJournal skips the records already seen at the watermark second and
// computes the cursor after the returned records. Records carry one-second
// timestamps, so the cursor counts how many records of the last second have
// been consumed.
func collectJournal(raw []string, cursor core.Cursor, first bool, max int) ([]core.LogLine, core.Cursor) {
	next := cursor
	watermark := cursor.Watermark.Truncate(time.Second)

	var (
		lines   []core.LogLine
		skipped int64
		lastSec time.Time
		atLast  int64
	)
	if !first {
		lastSec = watermark
	}

	for _, text := range raw {
		if strings.TrimSpace(text) == "" || isJournalMarker(text) {
			continue
		}
		if len(lines) >= max {
			break
		}

		ts, ok := parseJournalTimestamp(text)
		if !ok {
			// Continuation of a multi-line message
			lines = append(lines, core.LogLine{Text: text})
			continue
		}
		sec := ts.Truncate(time.Second)

		if !first {
			if sec.Before(watermark) {
				continue
			}
			if sec.Equal(watermark) && skipped < cursor.SeenAtWatermark {
				skipped++
				continue
			}
		}

		if sec.Equal(lastSec) {
			atLast++
		} else {
			lastSec = sec
			atLast = 1
		}
		lines = append(lines, core.LogLine{Text: text, TimestampHint: ts})
	}

	if lastSec.IsZero() {
		return lines, next
	}
	if !first && lastSec.Equal(watermark) {
		atLast += cursor.SeenAtWatermark
	}
	next.Watermark = lastSec.UTC()
	next.SeenAtWatermark = atLast
	return lines, next
}
