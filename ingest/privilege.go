package ingest

import (
	"context"
	"fmt"
	"strings"

	"vigilant/core"
)

// commandRunner executes one remote command. A non-zero exit status is not an
// error; err is reserved for transport failures and timeouts.
type commandRunner interface {
	Run(ctx context.Context, cmd string, stdin string) (stdout, stderr string, exitCode int, err error)
	Close() error
}

// runPrivileged runs cmd plainly, then with "sudo -n", then with "sudo -S"
// feeding the password on stdin. The first zero exit wins.
func (s *session) runPrivileged(ctx context.Context, source, cmd string) (string, error) {
	attempts := []struct {
		cmd   string
		stdin string
	}{
		{cmd: cmd},
		{cmd: "sudo -n " + cmd},
	}
	if s.password != "" {
		attempts = append(attempts, struct {
			cmd   string
			stdin string
		}{cmd: "sudo -S -p '' " + cmd, stdin: s.password + "\n"})
	}

	var last *core.CommandError
	for _, a := range attempts {
		stdout, stderr, code, err := s.runner.Run(ctx, a.cmd, a.stdin)
		if err != nil {
			return "", s.fetchError(source, core.ErrConnection, err)
		}
		if code == 0 {
			return stdout, nil
		}
		last = &core.CommandError{Command: cmd, ExitCode: code, Stderr: strings.TrimSpace(stderr)}
	}

	return "", s.fetchError(source, core.ErrCommand, last)
}

// runPlain runs cmd once without escalation
func (s *session) runPlain(ctx context.Context, source, cmd string) (string, int, error) {
	stdout, _, code, err := s.runner.Run(ctx, cmd, "")
	if err != nil {
		return "", 0, s.fetchError(source, core.ErrConnection, err)
	}
	return stdout, code, nil
}

// shellQuote quotes s for a POSIX shell
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellScript wraps a script so it runs as a single command under sudo
func shellScript(script string) string {
	return fmt.Sprintf("sh -c %s", shellQuote(script))
}
