package ingest

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"vigilant/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJournalTimestamp(t *testing.T) {
	ts, ok := parseJournalTimestamp("2025-02-28T10:00:00+0100 db-01 sshd[5]: Failed password")
	require.True(t, ok)
	assert.True(t, time.Date(2025, 2, 28, 9, 0, 0, 0, time.UTC).Equal(ts))

	ts, ok = parseJournalTimestamp("2025-02-28T10:00:00+01:00 db-01 sshd[5]: x")
	require.True(t, ok)
	assert.True(t, time.Date(2025, 2, 28, 9, 0, 0, 0, time.UTC).Equal(ts))

	_, ok = parseJournalTimestamp("    continuation of a message")
	assert.False(t, ok)
}

func TestCollectJournal_FirstFetch(t *testing.T) {
	raw := []string{
		"-- Boot 0b1c --",
		"2025-02-28T10:00:00+0000 h sshd[1]: a",
		"2025-02-28T10:00:01+0000 h sshd[1]: b",
		"2025-02-28T10:00:01+0000 h sshd[1]: c",
	}
	lines, next := collectJournal(raw, core.Cursor{}, true, 100)
	assert.Equal(t, []string{raw[1], raw[2], raw[3]}, texts(lines))
	assert.True(t, time.Date(2025, 2, 28, 10, 0, 1, 0, time.UTC).Equal(next.Watermark))
	assert.Equal(t, int64(2), next.SeenAtWatermark)
	assert.False(t, lines[0].TimestampHint.IsZero())
}

func TestCollectJournal_SkipsRecordsSeenAtWatermark(t *testing.T) {
	wm := time.Date(2025, 2, 28, 10, 0, 1, 0, time.UTC)
	cursor := core.Cursor{Watermark: wm, SeenAtWatermark: 2}
	raw := []string{
		"2025-02-28T10:00:01+0000 h sshd[1]: b",
		"2025-02-28T10:00:01+0000 h sshd[1]: c",
		"2025-02-28T10:00:01+0000 h sshd[1]: d",
	}

	lines, next := collectJournal(raw, cursor, false, 100)
	assert.Equal(t, []string{raw[2]}, texts(lines))
	assert.True(t, wm.Equal(next.Watermark))
	assert.Equal(t, int64(3), next.SeenAtWatermark)
	assert.Equal(t, 1, next.Compare(cursor))
}

func TestCollectJournal_NothingNewKeepsCursor(t *testing.T) {
	wm := time.Date(2025, 2, 28, 10, 0, 1, 0, time.UTC)
	cursor := core.Cursor{Watermark: wm, SeenAtWatermark: 2}
	raw := []string{
		"2025-02-28T10:00:01+0000 h sshd[1]: b",
		"2025-02-28T10:00:01+0000 h sshd[1]: c",
	}

	lines, next := collectJournal(raw, cursor, false, 100)
	assert.Empty(t, lines)
	assert.Equal(t, 0, next.Compare(cursor))
}

func TestCollectJournal_MovesToNewSecond(t *testing.T) {
	wm := time.Date(2025, 2, 28, 10, 0, 1, 0, time.UTC)
	cursor := core.Cursor{Watermark: wm, SeenAtWatermark: 1}
	raw := []string{
		"2025-02-28T10:00:01+0000 h sshd[1]: b",
		"2025-02-28T10:00:05+0000 h sshd[1]: e",
		"2025-02-28T10:00:05+0000 h sshd[1]: f",
		"2025-02-28T10:00:09+0000 h sshd[1]: g",
	}

	lines, next := collectJournal(raw, cursor, false, 2)
	assert.Equal(t, []string{raw[1], raw[2]}, texts(lines), "capped at max lines")
	assert.True(t, time.Date(2025, 2, 28, 10, 0, 5, 0, time.UTC).Equal(next.Watermark))
	assert.Equal(t, int64(2), next.SeenAtWatermark)
}

func TestFetchJournal_Commands(t *testing.T) {
	var got []string
	runner := &scriptedRunner{handler: func(cmd, stdin string) (string, string, int, error) {
		got = append(got, cmd)
		return "2025-02-28T10:00:00+0000 h sshd[1]: Failed password for root from 10.0.0.5 port 22\n", "", 0, nil
	}}
	sess := newTestSession(t, Config{TailLines: 50, MaxLines: 10}, runner)
	src := core.LogSource{Kind: core.SourceKindJournal, Location: "ssh"}

	res, err := sess.Fetch(context.Background(), src, core.Cursor{})
	require.NoError(t, err)
	assert.Equal(t, "journal:ssh", res.Source)
	assert.Equal(t, "journal:ssh", res.Next.Source)
	assert.Len(t, res.Lines, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "journalctl -u 'ssh' -n 50 -o short-iso --no-pager -q", got[0])

	_, err = sess.Fetch(context.Background(), src, committed(res.Next))
	require.NoError(t, err)
	require.Len(t, got, 2)
	since := time.Date(2025, 2, 28, 10, 0, 0, 0, time.UTC).Unix()
	assert.True(t, strings.HasPrefix(got[1], "sh -c "))
	assert.Contains(t, got[1], "--since @"+strconv.FormatInt(since, 10))
	assert.Contains(t, got[1], "head -n 11", "max lines plus records already seen")
}
