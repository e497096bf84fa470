package scheduler

import (
	"context"
	"fmt"
	"time"

	"vigilant/core"
	"vigilant/detect"
	"vigilant/ingest"
	"vigilant/lease"
	"vigilant/metrics"

	"github.com/hashicorp/go-multierror"
)

// runCycle collects every source of one server. Sources are independent: a
// failing source does not stop the others, except for connection errors,
// which end the cycle and put the server into backoff.
func (s *Scheduler) runCycle(ctx context.Context, server *core.Server) CycleReport {
	report := CycleReport{Server: server.Name}

	l, ok, err := s.deps.Locker.Acquire(ctx, lease.ServerKey(server.Name), s.cfg.LeaseTTL)
	if err != nil {
		report.Err = fmt.Errorf("acquire lease: %w", err)
		return report
	}
	if !ok {
		metrics.LeaseContention.WithLabelValues(server.Name).Inc()
		report.Outcome = OutcomeSkipped
		return report
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warnw("Failed to release lease", "server", server.Name, "error", err)
		}
	}()

	// A failed refresh keeps the previous snapshot
	_ = s.deps.Exceptions.Refresh(ctx)
	exceptions := s.deps.Exceptions.Snapshot()

	sess, err := s.deps.Client.Connect(ctx, server)
	if err != nil {
		report.Err = err
		if core.IsConnectionError(err) {
			report.Outcome = OutcomeBackoff
		}
		return report
	}
	defer func() {
		if err := sess.Close(); err != nil {
			s.logger.Debugw("Failed to close session", "server", server.Name, "error", err)
		}
	}()

	loc, err := server.Location()
	if err != nil {
		loc = time.UTC
	}

	var errs *multierror.Error
	for _, source := range server.EffectiveSources() {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", source, ctx.Err()))
			break
		}
		report.Sources++

		res, err := s.collectSource(ctx, sess, server, source, loc, exceptions)
		report.Detected += res.detected
		report.Suppressed += res.suppressed
		report.Inserted += res.inserted
		if err == nil {
			continue
		}
		report.Failed++
		errs = multierror.Append(errs, err)
		if core.IsConnectionError(err) {
			report.Outcome = OutcomeBackoff
			break
		}
	}
	report.Err = errs.ErrorOrNil()
	return report
}

type sourceResult struct {
	detected   int
	suppressed int
	inserted   int
}

// collectSource runs fetch, detect, filter and commit for one source. The
// cursor only advances together with the alerts derived from the batch.
func (s *Scheduler) collectSource(ctx context.Context, sess ingest.Session, server *core.Server, source string, loc *time.Location, exceptions *detect.ExceptionSet) (sourceResult, error) {
	var res sourceResult

	src, err := sess.Resolve(ctx, source)
	if err != nil {
		return res, err
	}
	name := src.String()

	cursor, _, err := s.deps.Store.GetCursor(ctx, server.Name, name)
	if err != nil {
		return res, fmt.Errorf("%s: %w", name, err)
	}

	fetched, err := sess.Fetch(ctx, src, cursor)
	if err != nil {
		return res, err
	}

	candidates := s.deps.Detector.Detect(detect.SourceMeta{
		ServerName: server.Name,
		Source:     fetched.Source,
		Location:   loc,
	}, fetched.Lines)
	res.detected = len(candidates)

	kept := make([]core.Candidate, 0, len(candidates))
	hits := make(map[string]int64)
	for i := range candidates {
		keep, exc := exceptions.Keep(&candidates[i])
		if !keep {
			res.suppressed++
			hits[exc.ID]++
			metrics.AlertsSuppressed.WithLabelValues(string(exc.RuleType)).Inc()
			continue
		}
		kept = append(kept, candidates[i])
	}

	if len(kept) == 0 && fetched.Next.Compare(cursor) == 0 && !cursor.UpdatedAt.IsZero() {
		s.recordHits(ctx, server.Name, hits)
		return res, nil
	}

	results, err := s.deps.Store.CommitBatch(ctx, kept, fetched.Next)
	if err != nil {
		return res, fmt.Errorf("%s: %w", name, err)
	}

	var fresh []core.Alert
	for _, r := range results {
		if r.Inserted {
			fresh = append(fresh, r.Alert)
		}
	}
	res.inserted = len(fresh)
	if len(fresh) > 0 && s.deps.Notifier != nil {
		s.deps.Notifier.Notify(fresh...)
	}
	s.recordHits(ctx, server.Name, hits)
	return res, nil
}

func (s *Scheduler) recordHits(ctx context.Context, server string, hits map[string]int64) {
	if len(hits) == 0 || s.deps.Hits == nil {
		return
	}
	if err := s.deps.Hits.RecordExceptionHits(ctx, hits, s.now()); err != nil {
		s.logger.Warnw("Failed to record exception hits", "server", server, "error", err)
	}
}
