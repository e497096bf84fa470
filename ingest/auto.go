package ingest

import (
	"context"
	"strings"

	"vigilant/core"
)

const (
	authLogPath = "/var/log/auth.log"
	securePath  = "/var/log/secure"
)

// osRelease holds the fields of /etc/os-release used to pick defaults
type osRelease struct {
	ID     string
	IDLike string
}

func parseOSRelease(out string) osRelease {
	var rel osRelease
	for _, line := range splitLines(out) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		switch key {
		case "ID":
			rel.ID = value
		case "ID_LIKE":
			rel.IDLike = value
		}
	}
	return rel
}

func (r osRelease) debianFamily() bool {
	switch strings.ToLower(r.ID) {
	case "debian", "ubuntu", "raspbian":
		return true
	}
	like := strings.ToLower(r.IDLike)
	return strings.Contains(like, "debian") || strings.Contains(like, "ubuntu")
}

// autoCandidates lists the sources to probe, most preferred first
func autoCandidates(rel osRelease, hasJournal bool) []core.LogSource {
	unit, altUnit := "sshd", "ssh"
	file, altFile := securePath, authLogPath
	if rel.debianFamily() {
		unit, altUnit = "ssh", "sshd"
		file, altFile = authLogPath, securePath
	}

	var out []core.LogSource
	if hasJournal {
		out = append(out,
			core.LogSource{Kind: core.SourceKindJournal, Location: unit},
			core.LogSource{Kind: core.SourceKindJournal, Location: altUnit})
	}
	return append(out,
		core.LogSource{Kind: core.SourceKindFile, Location: file},
		core.LogSource{Kind: core.SourceKindFile, Location: altFile})
}

// resolveAuto picks the first candidate source that yields output. When none
// does, the last candidate is used so the cycle still reports its errors.
func (s *session) resolveAuto(ctx context.Context) (core.LogSource, error) {
	if src, ok := s.client.autoCache.Get(s.server.Name); ok {
		return src, nil
	}

	out, _, err := s.runPlain(ctx, core.AutoSource, "command -v journalctl >/dev/null 2>&1; echo $?")
	if err != nil {
		return core.LogSource{}, err
	}
	hasJournal := strings.TrimSpace(out) == "0"

	release, _, err := s.runPlain(ctx, core.AutoSource, "cat /etc/os-release 2>/dev/null || true")
	if err != nil {
		return core.LogSource{}, err
	}
	rel := parseOSRelease(release)

	candidates := autoCandidates(rel, hasJournal)
	chosen := candidates[len(candidates)-1]
	for _, cand := range candidates {
		var probe string
		if cand.Kind == core.SourceKindJournal {
			probe = journalTailCommand(cand.Location, 1)
		} else {
			probe = "tail -n 1 " + shellQuote(cand.Location)
		}
		out, err := s.runPrivileged(ctx, core.AutoSource, probe)
		if err != nil {
			if core.IsConnectionError(err) {
				return core.LogSource{}, err
			}
			continue
		}
		if hasContent(out) {
			chosen = cand
			break
		}
	}

	s.client.autoCache.Add(s.server.Name, chosen)
	s.client.logger.Infow("Resolved ssh:auto source",
		"server", s.server.Name,
		"source", chosen.String(),
		"os_id", rel.ID,
		"journal", hasJournal)
	return chosen, nil
}

func hasContent(out string) bool {
	for _, line := range splitLines(out) {
		if strings.TrimSpace(line) != "" && !isJournalMarker(line) {
			return true
		}
	}
	return false
}
