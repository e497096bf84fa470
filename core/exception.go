package core

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ExceptionRuleType selects the alert field an exception is matched against
type ExceptionRuleType string

const (
	ExceptionRuleIP          ExceptionRuleType = "ip"
	ExceptionRuleUsername    ExceptionRuleType = "username"
	ExceptionRuleServer      ExceptionRuleType = "server"
	ExceptionRuleLogSource   ExceptionRuleType = "log_source"
	ExceptionRuleRulePattern ExceptionRuleType = "rule_pattern"
)

// ExceptionRuleTypes lists every supported rule type
var ExceptionRuleTypes = []ExceptionRuleType{
	ExceptionRuleIP,
	ExceptionRuleUsername,
	ExceptionRuleServer,
	ExceptionRuleLogSource,
	ExceptionRuleRulePattern,
}

// AlertException suppresses candidates whose field equals Value
type AlertException struct {
	ID          string            `json:"id" yaml:"id,omitempty"`
	RuleType    ExceptionRuleType `json:"rule_type" yaml:"rule_type" validate:"required"`
	Value       string            `json:"value" yaml:"value" validate:"required,max=512"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty" validate:"max=1024"`

	// Control
	Enabled   bool       `json:"enabled" yaml:"enabled"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`

	// Tracking
	HitCount  int64      `json:"hit_count" yaml:"-"`
	LastHitAt *time.Time `json:"last_hit_at,omitempty" yaml:"-"`

	// Metadata
	CreatedBy string    `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`

	// network is the parsed CIDR for ip exceptions, set by Compile
	network *net.IPNet
}

// ExceptionFilters defines filters for querying exceptions
type ExceptionFilters struct {
	RuleType ExceptionRuleType
	Enabled  *bool
	Search   string
	Limit    int
	Offset   int
}

// IsExpired checks if the exception has expired at the given time
func (e *AlertException) IsExpired(now time.Time) bool {
	if e.ExpiresAt == nil {
		return false
	}
	return now.After(*e.ExpiresAt)
}

// IsActive checks if the exception is enabled and not expired
func (e *AlertException) IsActive(now time.Time) bool {
	return e.Enabled && !e.IsExpired(now)
}

// Validate performs validation on the exception. Errors wrap ErrConfig.
func (e *AlertException) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: exception: %v", ErrConfig, err)
	}
	switch e.RuleType {
	case ExceptionRuleIP:
		if net.ParseIP(e.Value) == nil {
			if _, _, err := net.ParseCIDR(e.Value); err != nil {
				return fmt.Errorf("%w: exception value %q is not an IP address or CIDR", ErrConfig, e.Value)
			}
		}
	case ExceptionRuleUsername, ExceptionRuleServer, ExceptionRuleLogSource, ExceptionRuleRulePattern:
	default:
		return fmt.Errorf("%w: invalid exception rule_type %q", ErrConfig, e.RuleType)
	}
	return nil
}

// Compile prepares the exception for matching. It must be called before Matches
// on ip exceptions holding a CIDR.
func (e *AlertException) Compile() {
	e.Value = strings.TrimSpace(e.Value)
	e.network = nil
	if e.RuleType == ExceptionRuleIP && strings.Contains(e.Value, "/") {
		if _, network, err := net.ParseCIDR(e.Value); err == nil {
			e.network = network
		}
	}
}

// Matches reports whether the exception suppresses the candidate.
//
// ip matches any address extracted from the line (exact or CIDR containment);
// server is case-insensitive; username, log_source and rule_pattern are exact.
func (e *AlertException) Matches(c *Candidate) bool {
	switch e.RuleType {
	case ExceptionRuleIP:
		if c.IPAddress != "" && e.matchesIP(c.IPAddress) {
			return true
		}
		for _, addr := range c.IPAddresses {
			if e.matchesIP(addr) {
				return true
			}
		}
		return false
	case ExceptionRuleUsername:
		return c.Username != "" && c.Username == e.Value
	case ExceptionRuleServer:
		return strings.EqualFold(c.ServerName, e.Value)
	case ExceptionRuleLogSource:
		return c.Source == e.Value
	case ExceptionRuleRulePattern:
		return c.RuleName == e.Value
	default:
		return false
	}
}

func (e *AlertException) matchesIP(addr string) bool {
	if e.network != nil {
		ip := net.ParseIP(addr)
		return ip != nil && e.network.Contains(ip)
	}
	return addr == e.Value
}

// NewAlertException creates an enabled exception
func NewAlertException(ruleType ExceptionRuleType, value, description string) *AlertException {
	now := time.Now().UTC()
	e := &AlertException{
		RuleType:    ruleType,
		Value:       value,
		Description: description,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.Compile()
	return e
}
