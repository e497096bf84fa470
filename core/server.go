package core

import (
	"fmt"
	"path"
	"strings"
	"time"
	// zone data for hosts without /usr/share/zoneinfo
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
)

// DefaultSSHPort is used when a server does not set a port
const DefaultSSHPort = 22

// AutoSource is the source string resolved on the remote host at collection time
const AutoSource = "ssh:auto"

var validate = validator.New()

// Server is a remote host whose logs are collected
type Server struct {
	Name     string `json:"name" yaml:"name" mapstructure:"name" validate:"required,max=128,excludesall=/"`
	Host     string `json:"host" yaml:"host" mapstructure:"host" validate:"required,hostname_rfc1123|ip"`
	Port     int    `json:"port" yaml:"port" mapstructure:"port" validate:"min=0,max=65535"`
	Username string `json:"username" yaml:"username" mapstructure:"username" validate:"required"`
	// Password and PrivateKeyPath accept literals or credential references (env:, file:, vault:, aws:)
	Password       string   `json:"-" yaml:"password" mapstructure:"password"`
	PrivateKeyPath string   `json:"private_key_path,omitempty" yaml:"private_key_path" mapstructure:"private_key_path"`
	Sources        []string `json:"sources" yaml:"sources" mapstructure:"sources"`
	// Timezone interprets syslog timestamps that carry no zone (IANA name, default UTC)
	Timezone  string    `json:"timezone,omitempty" yaml:"timezone" mapstructure:"timezone"`
	CreatedAt time.Time `json:"created_at" yaml:"-" mapstructure:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-" mapstructure:"-"`
}

// Validate checks the server definition. Errors wrap ErrConfig.
func (s *Server) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: server %q: %v", ErrConfig, s.Name, err)
	}
	if s.Password == "" && s.PrivateKeyPath == "" {
		return fmt.Errorf("%w: server %q: password or private_key_path is required", ErrConfig, s.Name)
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("%w: server %q: %v", ErrConfig, s.Name, err)
	}
	for _, src := range s.Sources {
		if _, err := ParseLogSource(src); err != nil {
			return fmt.Errorf("server %q: %w", s.Name, err)
		}
	}
	return nil
}

// Address returns host:port, applying the default port
func (s *Server) Address() string {
	port := s.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// EffectiveSources returns the configured sources, or ssh:auto when none are set
func (s *Server) EffectiveSources() []string {
	if len(s.Sources) == 0 {
		return []string{AutoSource}
	}
	return s.Sources
}

// Location returns the time zone used for syslog timestamps
func (s *Server) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Equal reports whether two server definitions would collect identically
func (s *Server) Equal(o *Server) bool {
	if s.Name != o.Name || s.Host != o.Host || s.Port != o.Port || s.Username != o.Username ||
		s.Password != o.Password || s.PrivateKeyPath != o.PrivateKeyPath || s.Timezone != o.Timezone ||
		len(s.Sources) != len(o.Sources) {
		return false
	}
	for i := range s.Sources {
		if s.Sources[i] != o.Sources[i] {
			return false
		}
	}
	return true
}

// SourceKind identifies how a log source is read
type SourceKind string

const (
	SourceKindFile    SourceKind = "file"
	SourceKindJournal SourceKind = "journal"
	SourceKindAuto    SourceKind = "auto"
)

// LogSource is a parsed source string
type LogSource struct {
	Kind SourceKind
	// Location is the file path or journal unit; empty for auto
	Location string
}

// ParseLogSource parses "ssh:auto", "journal:<unit>" or an absolute file path
func ParseLogSource(s string) (LogSource, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == AutoSource:
		return LogSource{Kind: SourceKindAuto}, nil
	case strings.HasPrefix(s, "journal:"):
		unit := strings.TrimPrefix(s, "journal:")
		if unit == "" || strings.ContainsAny(unit, " \t\n'\"") {
			return LogSource{}, fmt.Errorf("%w: invalid journal unit in source %q", ErrConfig, s)
		}
		return LogSource{Kind: SourceKindJournal, Location: unit}, nil
	case strings.HasPrefix(s, "/"):
		if path.Clean(s) != s || strings.ContainsAny(s, "\n\x00") {
			return LogSource{}, fmt.Errorf("%w: file source %q must be a clean absolute path", ErrConfig, s)
		}
		return LogSource{Kind: SourceKindFile, Location: s}, nil
	default:
		return LogSource{}, fmt.Errorf("%w: unrecognized log source %q", ErrConfig, s)
	}
}

// String renders the source back to its identifier form
func (l LogSource) String() string {
	switch l.Kind {
	case SourceKindAuto:
		return AutoSource
	case SourceKindJournal:
		return "journal:" + l.Location
	default:
		return l.Location
	}
}
