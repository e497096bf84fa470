package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"vigilant/core"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EmailConfig configures the SMTP sink
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	// RequireTLS fails delivery when the server does not offer STARTTLS
	RequireTLS         bool
	InsecureSkipVerify bool
	// MinInterval is the minimum time between two messages
	MinInterval time.Duration
	DialTimeout time.Duration
}

// Validate checks that the sink can address a message
func (c *EmailConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: notify.email.host is required", core.ErrConfig)
	}
	if c.From == "" {
		return fmt.Errorf("%w: notify.email.from is required", core.ErrConfig)
	}
	if len(c.To) == 0 {
		return fmt.Errorf("%w: notify.email.to needs at least one recipient", core.ErrConfig)
	}
	return nil
}

// EmailSink sends one summary message per batch
type EmailSink struct {
	cfg     EmailConfig
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewEmailSink creates an SMTP sink
func NewEmailSink(cfg EmailConfig, logger *zap.SugaredLogger) (*EmailSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &EmailSink{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Send(ctx context.Context, alerts []core.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("email rate limit: %w", err)
	}

	msg := s.buildMessage(alerts)
	if err := s.deliver(ctx, msg); err != nil {
		return err
	}
	s.logger.Infow("Sent alert email",
		"alerts", len(alerts),
		"recipients", len(s.cfg.To))
	return nil
}

func (s *EmailSink) deliver(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName:         s.cfg.Host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: s.cfg.InsecureSkipVerify, // #nosec G402 - opt-in for self-signed relays
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	} else if s.cfg.RequireTLS {
		return errors.New("smtp server does not offer STARTTLS")
	}

	if s.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp server does not offer AUTH")
		}
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.SendMail(s.cfg.From, s.cfg.To, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return c.Quit()
}

// Subject returns the subject line for a batch of n alerts
func Subject(n int) string {
	return fmt.Sprintf("VigilantRaccoon: %d new security alert(s)", n)
}

func (s *EmailSink) buildMessage(alerts []core.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", Subject(len(alerts)))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(FormatAlerts(alerts))
	return []byte(b.String())
}

// FormatAlerts renders alerts as a plain text list
func FormatAlerts(alerts []core.Alert) string {
	var b strings.Builder
	for i, a := range alerts {
		if i > 0 {
			b.WriteString("\r\n")
		}
		fmt.Fprintf(&b, "[%s] %s on %s\r\n", strings.ToUpper(string(a.Severity)), a.RuleName, a.ServerName)
		fmt.Fprintf(&b, "  time:    %s\r\n", a.OccurredAt.UTC().Format(time.RFC3339))
		if a.IPAddress != "" {
			fmt.Fprintf(&b, "  ip:      %s\r\n", a.IPAddress)
		}
		if a.Username != "" {
			fmt.Fprintf(&b, "  user:    %s\r\n", a.Username)
		}
		fmt.Fprintf(&b, "  message: %s\r\n", a.Message)
		fmt.Fprintf(&b, "  source:  %s\r\n", a.Source)
	}
	return b.String()
}
