package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"vigilant/core"
)

const fileHeaderPrefix = "#vigilant "

// fileScript prints a header with the line count and the start line, then
// the lines from start. position < 0 asks for the tail of the file.
func fileScript(path string, position int64, tail, max int) string {
	return fmt.Sprintf(`f=%s; p=%d; t=%d; m=%d
[ -r "$f" ] || { echo "cannot read $f" >&2; exit 66; }
n=$(wc -l < "$f"); n=$((n + 0))
if [ "$p" -lt 0 ]; then s=$((n - t + 1)); [ "$s" -lt 1 ] && s=1
elif [ "$n" -lt "$p" ]; then s=1
else s=$((p + 1)); fi
echo "%stotal=$n start=$s"
tail -n +"$s" "$f" | head -n "$m"`, shellQuote(path), position, tail, max, fileHeaderPrefix)
}

type fileHeader struct {
	total int64
	start int64
}

func parseFileHeader(line string) (fileHeader, error) {
	if !strings.HasPrefix(line, fileHeaderPrefix) {
		return fileHeader{}, fmt.Errorf("missing header, got %q", truncate(line, 80))
	}
	var h fileHeader
	var haveTotal, haveStart bool
	for _, field := range strings.Fields(strings.TrimPrefix(line, fileHeaderPrefix)) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fileHeader{}, fmt.Errorf("bad header field %q: %w", field, err)
		}
		switch key {
		case "total":
			h.total, haveTotal = n, true
		case "start":
			h.start, haveStart = n, true
		}
	}
	if !haveTotal || !haveStart || h.start < 1 || h.total < 0 {
		return fileHeader{}, fmt.Errorf("incomplete header %q", line)
	}
	return h, nil
}

// isFirstFetch reports whether the cursor was never committed
func isFirstFetch(cursor core.Cursor) bool {
	return cursor.IsZero() && cursor.UpdatedAt.IsZero()
}

func (s *session) fetchFile(ctx context.Context, source core.LogSource, cursor core.Cursor) (*FetchResult, error) {
	cfg := s.client.cfg
	name := source.String()

	position := cursor.Position
	if isFirstFetch(cursor) {
		position = -1
	}

	out, err := s.runPrivileged(ctx, name, shellScript(fileScript(source.Location, position, cfg.TailLines, cfg.MaxLines)))
	if err != nil {
		return nil, err
	}

	raw := splitLines(out)
	if len(raw) == 0 {
		return nil, s.fetchError(name, core.ErrParse, fmt.Errorf("empty output"))
	}
	header, err := parseFileHeader(raw[0])
	if err != nil {
		return nil, s.fetchError(name, core.ErrParse, err)
	}
	body := raw[1:]

	// A final line without newline is not counted by wc; leave it for the next fetch
	if available := header.total - header.start + 1; available < int64(len(body)) {
		if available < 0 {
			available = 0
		}
		body = body[:available]
	}
	if len(body) > cfg.MaxLines {
		body = body[:cfg.MaxLines]
	}

	next := core.Cursor{
		ServerName: s.server.Name,
		Source:     name,
		Generation: cursor.Generation,
		Position:   header.start - 1 + int64(len(body)),
	}
	if !isFirstFetch(cursor) && header.total < cursor.Position {
		next.Generation++
		s.client.logger.Infow("Log file rotated or truncated",
			"server", s.server.Name,
			"source", name,
			"previous_position", cursor.Position,
			"line_count", header.total)
	}

	lines := make([]core.LogLine, 0, len(body))
	for _, text := range body {
		lines = append(lines, core.LogLine{Text: text})
	}
	return &FetchResult{Source: name, Lines: lines, Next: next}, nil
}

// splitLines splits command output into lines, dropping the trailing newline
// and carriage returns
func splitLines(out string) []string {
	out = strings.TrimSuffix(out, "\n")
	if out == "" {
		return nil
	}
	lines := strings.Split(out, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
