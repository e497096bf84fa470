package core

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fingerprintCandidate() *Candidate {
	return &Candidate{
		ServerName: "web-01",
		Source:     "/var/log/auth.log",
		RuleName:   "sshd_failed",
		Severity:   SeverityMedium,
		Message:    "SSH authentication failure for root from 10.0.0.5: sshd[123]: Failed password for root",
		OccurredAt: time.Date(2025, 1, 15, 3, 22, 10, 0, time.UTC),
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := fingerprintCandidate()
	b := fingerprintCandidate()

	fp := Fingerprint(a)
	require.Len(t, fp, 64)
	_, err := hex.DecodeString(fp)
	require.NoError(t, err)
	assert.Equal(t, fp, Fingerprint(b))
	assert.Equal(t, fp, a.Fingerprint())
}

func TestFingerprint_IgnoresNonIdentifyingFields(t *testing.T) {
	a := fingerprintCandidate()
	b := fingerprintCandidate()
	b.DetectedAt = time.Now()
	b.Severity = SeverityHigh
	b.RawLine = "something else"

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_NormalizesWhitespace(t *testing.T) {
	a := fingerprintCandidate()
	b := fingerprintCandidate()
	b.Message = "  SSH authentication failure for root   from 10.0.0.5:\tsshd[123]: Failed  password for root "

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_SameInstantDifferentZone(t *testing.T) {
	a := fingerprintCandidate()
	b := fingerprintCandidate()
	b.OccurredAt = a.OccurredAt.In(time.FixedZone("CET", 3600))

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_IdentifyingFieldsChangeDigest(t *testing.T) {
	base := Fingerprint(fingerprintCandidate())

	mutations := map[string]func(c *Candidate){
		"server":   func(c *Candidate) { c.ServerName = "web-02" },
		"source":   func(c *Candidate) { c.Source = "journal:ssh" },
		"rule":     func(c *Candidate) { c.RuleName = "pam_auth_failure" },
		"message":  func(c *Candidate) { c.Message += " port 22" },
		"occurred": func(c *Candidate) { c.OccurredAt = c.OccurredAt.Add(time.Second) },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			c := fingerprintCandidate()
			mutate(c)
			assert.NotEqual(t, base, Fingerprint(c))
		})
	}
}

func TestFingerprint_ImputedTimestampIgnored(t *testing.T) {
	a := fingerprintCandidate()
	a.TimestampImputed = true
	b := fingerprintCandidate()
	b.TimestampImputed = true
	b.OccurredAt = time.Now()

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

// Two separate occurrences of the same timestamp-less line cannot be told
// apart, so they share one alert.
func TestFingerprint_ImputedTimestampsCollapseDistinctEvents(t *testing.T) {
	first := fingerprintCandidate()
	first.TimestampImputed = true
	first.OccurredAt = time.Date(2025, 1, 15, 3, 0, 0, 0, time.UTC)

	second := fingerprintCandidate()
	second.TimestampImputed = true
	second.OccurredAt = first.OccurredAt.Add(6 * time.Hour)

	assert.Equal(t, Fingerprint(first), Fingerprint(second))

	// with parsed timestamps the same two events stay distinct
	first.TimestampImputed = false
	second.TimestampImputed = false
	assert.NotEqual(t, Fingerprint(first), Fingerprint(second))
}
