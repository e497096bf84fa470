package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"vigilant/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPrivileged_EscalatesToSudoPassword(t *testing.T) {
	runner := &scriptedRunner{handler: func(cmd, stdin string) (string, string, int, error) {
		if strings.HasPrefix(cmd, "sudo -S -p '' ") && stdin == "secret\n" {
			return "ok\n", "", 0, nil
		}
		return "", "permission denied", 1, nil
	}}
	sess := newTestSession(t, Config{}, runner)

	out, err := sess.runPrivileged(context.Background(), "/var/log/secure", "tail -n 1 /var/log/secure")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
	assert.Equal(t, []string{
		"tail -n 1 /var/log/secure",
		"sudo -n tail -n 1 /var/log/secure",
		"sudo -S -p '' tail -n 1 /var/log/secure",
	}, runner.commands())
}

func TestRunPrivileged_StopsAtFirstSuccess(t *testing.T) {
	runner := &scriptedRunner{handler: func(cmd, stdin string) (string, string, int, error) {
		if strings.HasPrefix(cmd, "sudo -n ") {
			return "ok", "", 0, nil
		}
		return "", "", 1, nil
	}}
	sess := newTestSession(t, Config{}, runner)

	_, err := sess.runPrivileged(context.Background(), "x", "cat x")
	require.NoError(t, err)
	assert.Len(t, runner.commands(), 2)
}

func TestRunPrivileged_NoPasswordSkipsSudoS(t *testing.T) {
	runner := &scriptedRunner{handler: func(cmd, stdin string) (string, string, int, error) {
		return "", "sudo: a password is required", 1, nil
	}}
	sess := newTestSession(t, Config{}, runner)
	sess.password = ""

	_, err := sess.runPrivileged(context.Background(), "x", "cat x")
	assert.ErrorIs(t, err, core.ErrCommand)
	assert.Len(t, runner.commands(), 2)
}

func TestRunPrivileged_TransportErrorIsConnectionError(t *testing.T) {
	runner := &scriptedRunner{handler: func(cmd, stdin string) (string, string, int, error) {
		return "", "", 0, errors.New("broken pipe")
	}}
	sess := newTestSession(t, Config{}, runner)

	_, err := sess.runPrivileged(context.Background(), "/var/log/auth.log", "cat x")
	require.Error(t, err)
	assert.True(t, core.IsConnectionError(err))
	assert.Len(t, runner.commands(), 1, "transport errors are not retried with sudo")

	var fe *core.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "web-01", fe.Server)
	assert.Equal(t, "/var/log/auth.log", fe.Source)
}

func TestRunPrivileged_KeepsTimeoutKind(t *testing.T) {
	runner := &scriptedRunner{handler: func(cmd, stdin string) (string, string, int, error) {
		return "", "", 0, core.NewFetchError("web-01", "", core.ErrTimeout, errors.New("command exceeded 30s"))
	}}
	sess := newTestSession(t, Config{}, runner)

	_, err := sess.runPrivileged(context.Background(), "journal:ssh", "journalctl")
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.Equal(t, "timeout", errorKind(err))
}
