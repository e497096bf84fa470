package core

import (
	"errors"
	"fmt"
)

// Error kinds. A FetchError carries exactly one of the fetch kinds.
var (
	ErrConnection     = errors.New("connection error")
	ErrAuthentication = errors.New("authentication error")
	ErrTimeout        = errors.New("timeout")
	ErrCommand        = errors.New("command error")
	ErrParse          = errors.New("parse error")
	ErrStore          = errors.New("store error")
	ErrConfig         = errors.New("config error")
)

// FetchError is returned by the remote log client, tagged with server and source
type FetchError struct {
	Server string
	Source string
	Kind   error
	Err    error
}

func (e *FetchError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("%s: %s: %v", e.Server, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Server, e.Source, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As
func (e *FetchError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// NewFetchError builds a FetchError
func NewFetchError(server, source string, kind, err error) *FetchError {
	return &FetchError{Server: server, Source: source, Kind: kind, Err: err}
}

// IsConnectionError reports whether err means the host could not be reached
// or the session could not be used. These errors put the server into backoff.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrAuthentication) || errors.Is(err, ErrTimeout)
}

// CommandError describes a remote command that exited non-zero
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.ExitCode, e.Stderr)
}
