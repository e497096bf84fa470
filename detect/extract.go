package detect

import (
	"regexp"
	"time"

	"github.com/dlclark/regexp2"
)

// ipv4Octet accepts 0-255 without leading zeros beyond a single digit
const ipv4Octet = `(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)`

// ipv4Pattern is a strict dotted quad. The lookarounds reject matches that are
// part of a longer number or a longer dotted sequence (1923.168.1.1, 192.168.1.1000).
var ipv4Pattern = `(?<!\d)(?<!\d\.)(?:` + ipv4Octet + `\.){3}` + ipv4Octet + `(?!\d)(?!\.\d)`

var ipv4Regex = func() *regexp2.Regexp {
	re := regexp2.MustCompile(ipv4Pattern, regexp2.None)
	re.MatchTimeout = 100 * time.Millisecond
	return re
}()

// ExtractIPv4 returns the first strictly valid IPv4 address in s
func ExtractIPv4(s string) (string, bool) {
	m, err := ipv4Regex.FindStringMatch(s)
	if err != nil || m == nil {
		return "", false
	}
	return m.String(), true
}

// ExtractAllIPv4 returns every strictly valid IPv4 address in s, in order
func ExtractAllIPv4(s string) []string {
	var out []string
	m, err := ipv4Regex.FindStringMatch(s)
	for err == nil && m != nil {
		out = append(out, m.String())
		m, err = ipv4Regex.FindNextMatch(m)
	}
	return out
}

var usernamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Accepted \S+ for (\S+) from`),
	regexp.MustCompile(`(?i)Failed \S+ for (?:invalid user )?(\S+) from`),
	regexp.MustCompile(`(?i)Invalid user (\S+) from`),
	regexp.MustCompile(`(?i)authenticating user (\S+)`),
	regexp.MustCompile(`(?i)Disconnected from (?:invalid |authenticating )?user (\S+)`),
	regexp.MustCompile(`(?i)\buser=(\S+)`),
}

// ExtractUsername returns the acting account named in an sshd or PAM line
func ExtractUsername(s string) (string, bool) {
	for _, re := range usernamePatterns {
		if m := re.FindStringSubmatch(s); m != nil && m[1] != "" {
			return m[1], true
		}
	}
	return "", false
}
