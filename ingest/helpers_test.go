package ingest

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"vigilant/core"

	"go.uber.org/zap"
)

type runCall struct {
	cmd   string
	stdin string
}

// scriptedRunner answers commands through a handler and records them
type scriptedRunner struct {
	mu      sync.Mutex
	calls   []runCall
	handler func(cmd, stdin string) (string, string, int, error)
	closed  bool
}

func (r *scriptedRunner) Run(ctx context.Context, cmd string, stdin string) (string, string, int, error) {
	r.mu.Lock()
	r.calls = append(r.calls, runCall{cmd: cmd, stdin: stdin})
	r.mu.Unlock()
	return r.handler(cmd, stdin)
}

func (r *scriptedRunner) Close() error {
	r.closed = true
	return nil
}

func (r *scriptedRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.cmd
	}
	return out
}

// localRunner executes commands with the local shell
type localRunner struct{}

func (localRunner) Run(ctx context.Context, cmd string, stdin string) (string, string, int, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	if stdin != "" {
		c.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr strings.Builder
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return "", "", 0, err
	}
	return stdout.String(), stderr.String(), 0, nil
}

func (localRunner) Close() error { return nil }

type staticResolver map[string]string

func (s staticResolver) Resolve(ctx context.Context, ref string) (string, error) {
	if v, ok := s[ref]; ok {
		return v, nil
	}
	if strings.HasPrefix(ref, "env:") {
		return "", errors.New("variable not set")
	}
	return ref, nil
}

func testServer() *core.Server {
	return &core.Server{Name: "web-01", Host: "10.0.0.10", Username: "monitor", Password: "secret"}
}

func newTestClient(t *testing.T, cfg Config, runner commandRunner) *Client {
	t.Helper()
	c := NewClient(cfg, staticResolver{}, zap.NewNop().Sugar())
	c.dial = func(ctx context.Context, server *core.Server, password string) (commandRunner, error) {
		return runner, nil
	}
	return c
}

func newTestSession(t *testing.T, cfg Config, runner commandRunner) *session {
	t.Helper()
	sess, err := newTestClient(t, cfg, runner).Connect(context.Background(), testServer())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return sess.(*session)
}
