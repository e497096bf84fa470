package detect

import (
	"fmt"
	"regexp"
	"strings"

	"vigilant/core"
)

// Rule names produced by the detector
const (
	RuleFail2banBan    = "fail2ban_ban"
	RuleFail2banUnban  = "fail2ban_unban"
	RuleSSHDFailed     = "sshd_failed"
	RulePAMAuthFailure = "pam_auth_failure"
	RuleSSHDAccepted   = "sshd_accepted"
	RuleBreakInAttempt = "break_in_attempt"
)

// Actor is who a matched line is about
type Actor struct {
	IP       string
	Username string
}

// Rule is one row of the detection table: a predicate, the rule name and
// severity it produces, and how to describe the actor.
type Rule struct {
	Name     string
	Severity core.Severity
	Pattern  *regexp.Regexp
	// Summary is a printf template taking the rendered actor
	Summary string
	// actor extracts IP and username; the rule's own capture groups win over the generic extractors
	actor func(line string, m []string) Actor
}

func (r *Rule) match(line string) (Actor, bool) {
	m := r.Pattern.FindStringSubmatch(line)
	if m == nil {
		return Actor{}, false
	}
	if r.actor != nil {
		return r.actor(line, m), true
	}
	return genericActor(line, nil), true
}

func (r *Rule) describe(a Actor) string {
	return fmt.Sprintf(r.Summary, a.String())
}

func (a Actor) String() string {
	switch {
	case a.Username != "" && a.IP != "":
		return a.Username + " from " + a.IP
	case a.IP != "":
		return a.IP
	case a.Username != "":
		return a.Username
	default:
		return "unknown actor"
	}
}

// genericActor applies the strict extractors; ipGroup is a captured token that
// must itself be a strict IPv4 to be used.
func genericActor(line string, ipGroup *string) Actor {
	var a Actor
	if ipGroup != nil {
		if ip, ok := ExtractIPv4(*ipGroup); ok && ip == strings.Trim(*ipGroup, "[]()") {
			a.IP = ip
		}
	}
	if a.IP == "" {
		a.IP, _ = ExtractIPv4(line)
	}
	a.Username, _ = ExtractUsername(line)
	return a
}

func capturedIP(group int) func(string, []string) Actor {
	return func(line string, m []string) Actor {
		return genericActor(line, &m[group])
	}
}

// defaultRules is evaluated top to bottom; the first match wins. More specific
// rules (fail2ban) sit above generic ones (break-in) so a line never produces
// two alerts.
func defaultRules() []Rule {
	return []Rule{
		{
			Name:     RuleFail2banBan,
			Severity: core.SeverityHigh,
			Pattern:  regexp.MustCompile(`(?i)fail2ban.*\bBan\b\s+(\S+)`),
			Summary:  "fail2ban banned %s",
			actor:    capturedIP(1),
		},
		{
			Name:     RuleFail2banUnban,
			Severity: core.SeverityInfo,
			Pattern:  regexp.MustCompile(`(?i)fail2ban.*\bUnban\b\s+(\S+)`),
			Summary:  "fail2ban unbanned %s",
			actor:    capturedIP(1),
		},
		{
			Name:     RuleSSHDFailed,
			Severity: core.SeverityMedium,
			Pattern:  regexp.MustCompile(`(?i)sshd\[\d+\]:\s+(?:Failed password|Invalid user|Connection closed by authenticating user|Received disconnect)\b`),
			Summary:  "SSH authentication failure for %s",
		},
		{
			Name:     RulePAMAuthFailure,
			Severity: core.SeverityMedium,
			Pattern:  regexp.MustCompile(`(?i)pam_unix\(sshd:auth\):\s+authentication failure`),
			Summary:  "PAM authentication failure for %s",
		},
		{
			Name:     RuleSSHDAccepted,
			Severity: core.SeverityInfo,
			Pattern:  regexp.MustCompile(`(?i)sshd\[\d+\]:\s+Accepted (?:password|publickey) for (\S+) from (\S+)`),
			Summary:  "SSH login accepted for %s",
			actor: func(line string, m []string) Actor {
				a := genericActor(line, &m[2])
				a.Username = m[1]
				return a
			},
		},
		{
			Name:     RuleBreakInAttempt,
			Severity: core.SeverityHigh,
			Pattern:  regexp.MustCompile(`(?i)possible break-in attempt`),
			Summary:  "Possible break-in attempt by %s",
		},
	}
}
