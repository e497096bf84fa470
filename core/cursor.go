package core

import (
	"fmt"
	"time"
)

// Cursor records how much of a (server, source) pair has been processed.
// File sources advance Generation/Position, journal sources advance
// Watermark/SeenAtWatermark.
type Cursor struct {
	ServerName      string    `json:"server_name"`
	Source          string    `json:"source"`
	Generation      int64     `json:"generation"`
	Position        int64     `json:"position"`
	Watermark       time.Time `json:"watermark"`
	SeenAtWatermark int64     `json:"seen_at_watermark"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IsZero reports whether the cursor has never been advanced
func (c Cursor) IsZero() bool {
	return c.Generation == 0 && c.Position == 0 && c.Watermark.IsZero() && c.SeenAtWatermark == 0
}

// Compare orders cursors lexicographically on
// (Generation, Position, Watermark, SeenAtWatermark).
func (c Cursor) Compare(o Cursor) int {
	switch {
	case c.Generation != o.Generation:
		return cmpInt64(c.Generation, o.Generation)
	case c.Position != o.Position:
		return cmpInt64(c.Position, o.Position)
	case !c.Watermark.Equal(o.Watermark):
		return c.Watermark.Compare(o.Watermark)
	default:
		return cmpInt64(c.SeenAtWatermark, o.SeenAtWatermark)
	}
}

// Key returns the storage key of the cursor
func (c Cursor) Key() string {
	return c.ServerName + "|" + c.Source
}

func (c Cursor) String() string {
	if !c.Watermark.IsZero() {
		return fmt.Sprintf("%s@%s+%d", c.Source, c.Watermark.UTC().Format(time.RFC3339), c.SeenAtWatermark)
	}
	return fmt.Sprintf("%s@%d:%d", c.Source, c.Generation, c.Position)
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
