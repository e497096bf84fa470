package core

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the ordinal severity attached to every alert
type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank returns the ordinal of the severity (info=1, medium=2, high=3), 0 if unknown
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ParseSeverity parses a severity name case-insensitively
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("invalid severity %q (expected info, medium or high)", s)
	}
	return sev, nil
}

// LogLine is one raw line returned by the remote log client
type LogLine struct {
	Text string
	// TimestampHint is set when the transport knows the record time (journal output)
	TimestampHint time.Time
}

// Candidate is an alert produced by detection that has not been persisted yet
type Candidate struct {
	ServerName       string    `json:"server_name"`
	Source           string    `json:"source"`
	RuleName         string    `json:"rule_name"`
	Severity         Severity  `json:"severity"`
	Message          string    `json:"message"`
	RawLine          string    `json:"raw_line"`
	IPAddress        string    `json:"ip_address,omitempty"`
	Username         string    `json:"username,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
	DetectedAt       time.Time `json:"detected_at"`
	TimestampImputed bool      `json:"timestamp_imputed"`
	// IPAddresses holds every IPv4 address found in the line, IPAddress included.
	// It is only used for exception matching and is not stored.
	IPAddresses      []string  `json:"-"`
}

// Fingerprint returns the deduplication fingerprint of the candidate
func (c *Candidate) Fingerprint() string {
	return Fingerprint(c)
}

// Alert is a persisted security alert
type Alert struct {
	ID               int64      `json:"id"`
	ServerName       string     `json:"server_name"`
	Source           string     `json:"source"`
	RuleName         string     `json:"rule_name"`
	Severity         Severity   `json:"severity"`
	Message          string     `json:"message"`
	RawLine          string     `json:"raw_line"`
	IPAddress        string     `json:"ip_address,omitempty"`
	Username         string     `json:"username,omitempty"`
	OccurredAt       time.Time  `json:"occurred_at"`
	DetectedAt       time.Time  `json:"detected_at"`
	TimestampImputed bool       `json:"timestamp_imputed"`
	Acknowledged     bool       `json:"acknowledged"`
	AcknowledgedBy   string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
	Fingerprint      string     `json:"fingerprint"`
}

// SaveResult is the outcome of an idempotent save
type SaveResult struct {
	Alert    Alert
	Inserted bool
}

// AlertFromCandidate builds the persisted form of a candidate
func AlertFromCandidate(c *Candidate) Alert {
	return Alert{
		ServerName:       c.ServerName,
		Source:           c.Source,
		RuleName:         c.RuleName,
		Severity:         c.Severity,
		Message:          c.Message,
		RawLine:          c.RawLine,
		IPAddress:        c.IPAddress,
		Username:         c.Username,
		OccurredAt:       c.OccurredAt,
		DetectedAt:       c.DetectedAt,
		TimestampImputed: c.TimestampImputed,
		Fingerprint:      Fingerprint(c),
	}
}
