package detect

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"vigilant/core"

	"go.uber.org/zap"
)

// ExceptionSource loads the exceptions that are currently active
type ExceptionSource interface {
	ListActiveExceptions(ctx context.Context) ([]core.AlertException, error)
}

// ExceptionSet is an immutable snapshot of exceptions. Never mutate one after
// it has been published through ExceptionFilter.
type ExceptionSet struct {
	exceptions []core.AlertException
	loadedAt   time.Time
}

// NewExceptionSet compiles a snapshot from exceptions that are active at now
func NewExceptionSet(exceptions []core.AlertException, now time.Time) *ExceptionSet {
	set := &ExceptionSet{loadedAt: now}
	for _, e := range exceptions {
		if !e.IsActive(now) {
			continue
		}
		e.Compile()
		set.exceptions = append(set.exceptions, e)
	}
	return set
}

// Len returns the number of active exceptions in the snapshot
func (s *ExceptionSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.exceptions)
}

// LoadedAt returns when the snapshot was built
func (s *ExceptionSet) LoadedAt() time.Time {
	return s.loadedAt
}

// Keep reports whether the candidate survives. When it does not, the first
// matching exception is returned. Any match drops the candidate.
func (s *ExceptionSet) Keep(c *core.Candidate) (bool, *core.AlertException) {
	if s == nil {
		return true, nil
	}
	for i := range s.exceptions {
		if s.exceptions[i].Matches(c) {
			return false, &s.exceptions[i]
		}
	}
	return true, nil
}

// Keep applies exceptions to a candidate without building a snapshot.
// Inactive exceptions are ignored.
func Keep(c *core.Candidate, exceptions []core.AlertException) bool {
	keep, _ := NewExceptionSet(exceptions, time.Now()).Keep(c)
	return keep
}

// ExceptionFilter publishes exception snapshots. Readers always see a complete
// set: Refresh builds a new set and swaps the pointer.
type ExceptionFilter struct {
	source   ExceptionSource
	implicit []core.AlertException
	current  atomic.Pointer[ExceptionSet]
	now      func() time.Time
	logger   *zap.SugaredLogger
}

// NewExceptionFilter creates a filter. ignoreSourceIPs (IPs or CIDRs) are
// applied as implicit ip exceptions on every snapshot.
func NewExceptionFilter(source ExceptionSource, ignoreSourceIPs []string, logger *zap.SugaredLogger) (*ExceptionFilter, error) {
	f := &ExceptionFilter{source: source, now: time.Now, logger: logger}
	for _, v := range ignoreSourceIPs {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if net.ParseIP(v) == nil {
			if _, _, err := net.ParseCIDR(v); err != nil {
				return nil, fmt.Errorf("%w: ignore_source_ips entry %q is not an IP or CIDR", core.ErrConfig, v)
			}
		}
		f.implicit = append(f.implicit, core.AlertException{
			ID:          "config:ignore_source_ips",
			RuleType:    core.ExceptionRuleIP,
			Value:       v,
			Description: "collection.ignore_source_ips",
			Enabled:     true,
		})
	}
	f.current.Store(NewExceptionSet(f.implicit, f.now()))
	return f, nil
}

// Refresh loads the active exceptions and publishes a new snapshot. On error
// the previous snapshot stays in place.
func (f *ExceptionFilter) Refresh(ctx context.Context) error {
	if f.source == nil {
		return nil
	}
	loaded, err := f.source.ListActiveExceptions(ctx)
	if err != nil {
		f.logger.Warnw("Failed to refresh exceptions, keeping previous snapshot",
			"error", err,
			"snapshot_size", f.Snapshot().Len())
		return fmt.Errorf("refresh exceptions: %w", err)
	}

	all := make([]core.AlertException, 0, len(loaded)+len(f.implicit))
	all = append(all, f.implicit...)
	all = append(all, loaded...)
	set := NewExceptionSet(all, f.now())
	f.current.Store(set)

	f.logger.Debugw("Exception snapshot refreshed", "active", set.Len())
	return nil
}

// Snapshot returns the current immutable exception set
func (f *ExceptionFilter) Snapshot() *ExceptionSet {
	return f.current.Load()
}
