package detect

import (
	"strings"
	"time"

	"vigilant/core"
	"vigilant/metrics"

	"go.uber.org/zap"
)

// SourceMeta identifies where a batch of lines came from
type SourceMeta struct {
	ServerName string
	Source     string
	// Location interprets timestamps without zone; nil means UTC
	Location *time.Location
}

// Detector turns raw log lines into alert candidates. Rules are compiled once
// and never mutated, so a Detector is safe for concurrent use.
type Detector struct {
	rules  []Rule
	now    func() time.Time
	logger *zap.SugaredLogger
}

// Option configures a Detector
type Option func(*Detector)

// WithClock overrides the wall clock used for detected_at, year inference and imputed timestamps
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithRules replaces the rule table
func WithRules(rules []Rule) Option {
	return func(d *Detector) { d.rules = rules }
}

// NewDetector creates a detector with the default rule table
func NewDetector(logger *zap.SugaredLogger, opts ...Option) *Detector {
	d := &Detector{
		rules:  defaultRules(),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Rules returns the rule names in evaluation order
func (d *Detector) Rules() []string {
	names := make([]string, len(d.rules))
	for i := range d.rules {
		names[i] = d.rules[i].Name
	}
	return names
}

// Detect evaluates every line against the rule table. A line yields at most
// one candidate; lines matching no rule are ignored.
func (d *Detector) Detect(meta SourceMeta, lines []core.LogLine) []core.Candidate {
	loc := meta.Location
	if loc == nil {
		loc = time.UTC
	}
	now := d.now()

	var candidates []core.Candidate
	imputed := 0
	for _, line := range lines {
		text := strings.TrimRight(line.Text, "\r\n")
		if strings.TrimSpace(text) == "" {
			continue
		}

		c, ok := d.detectLine(meta, text, line.TimestampHint, now, loc)
		if !ok {
			continue
		}
		if c.TimestampImputed {
			imputed++
		}
		metrics.AlertsDetected.WithLabelValues(c.RuleName, string(c.Severity)).Inc()
		candidates = append(candidates, c)
	}

	if imputed > 0 {
		d.logger.Debugw("Imputed timestamps for lines without a parseable time",
			"server", meta.ServerName,
			"source", meta.Source,
			"count", imputed)
	}
	return candidates
}

func (d *Detector) detectLine(meta SourceMeta, text string, hint, now time.Time, loc *time.Location) (core.Candidate, bool) {
	for i := range d.rules {
		rule := &d.rules[i]
		actor, ok := rule.match(text)
		if !ok {
			continue
		}

		occurred, body, imputed := extractTimestamp(text, hint, now, loc)
		return core.Candidate{
			ServerName:       meta.ServerName,
			Source:           meta.Source,
			RuleName:         rule.Name,
			Severity:         rule.Severity,
			Message:          rule.describe(actor) + ": " + body,
			RawLine:          text,
			IPAddress:        actor.IP,
			Username:         actor.Username,
			OccurredAt:       occurred.UTC(),
			DetectedAt:       now.UTC(),
			TimestampImputed: imputed,
			IPAddresses:      ExtractAllIPv4(text),
		}, true
	}
	return core.Candidate{}, false
}
