package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// fingerprintSeparator cannot appear in a normalized message
const fingerprintSeparator = "\x1f"

// NormalizeMessage collapses whitespace runs and trims the message so that
// re-rendered lines with different spacing fingerprint identically.
func NormalizeMessage(msg string) string {
	return strings.Join(strings.Fields(msg), " ")
}

// Fingerprint derives the deduplication key of a candidate from
// server, source, rule, normalized message and occurred_at.
// Imputed timestamps are replaced by the zero time so that re-delivered lines
// without a parseable timestamp still collapse onto the same row.
func Fingerprint(c *Candidate) string {
	occurred := c.OccurredAt
	if c.TimestampImputed {
		occurred = time.Time{}
	}

	parts := []string{
		c.ServerName,
		c.Source,
		c.RuleName,
		NormalizeMessage(c.Message),
		occurred.UTC().Format(time.RFC3339Nano),
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, fingerprintSeparator)))
	return hex.EncodeToString(hash[:])
}
