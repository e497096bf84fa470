package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"vigilant/core"

	"github.com/fatih/color"
)

const tableWidth = 120

// currentUser is the default actor recorded on acknowledgements and exceptions
func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// renderAlertsTable displays alerts in a formatted table
func renderAlertsTable(w io.Writer, alerts []core.Alert, total int64) {
	if len(alerts) == 0 {
		warningColor.Fprintln(w, "No alerts found")
		return
	}

	headerColor.Fprintf(w, "ALERTS (%d of %d)\n", len(alerts), total)
	headerColor.Fprintln(w, strings.Repeat("=", tableWidth))
	fmt.Fprintf(w, "%-8s %-17s %-14s %-22s %-8s %-16s %-4s %s\n",
		"ID", "Occurred", "Server", "Rule", "Severity", "IP", "Ack", "Message")
	fmt.Fprintln(w, strings.Repeat("-", tableWidth))

	for _, a := range alerts {
		occurred := a.OccurredAt.Local().Format("2006-01-02 15:04")
		if a.TimestampImputed {
			occurred += "*"
		}
		ack := "-"
		if a.Acknowledged {
			ack = "yes"
		}
		fmt.Fprintf(w, "%-8d %-17s %-14s %-22s ", a.ID, occurred, truncate(a.ServerName, 14), truncate(a.RuleName, 22))
		severityColor(a.Severity).Fprintf(w, "%-8s", a.Severity)
		fmt.Fprintf(w, " %-16s %-4s %s\n", a.IPAddress, ack, truncate(a.Message, 40))
	}

	fmt.Fprintln(w, strings.Repeat("=", tableWidth))
	if total > int64(len(alerts)) {
		infoColor.Fprintf(w, "%d more; use --offset or narrow the filter\n", total-int64(len(alerts)))
	}
}

// renderExceptionsTable displays exceptions in a formatted table
func renderExceptionsTable(w io.Writer, exceptions []core.AlertException) {
	if len(exceptions) == 0 {
		warningColor.Fprintln(w, "No exceptions configured")
		return
	}

	headerColor.Fprintln(w, "EXCEPTIONS")
	headerColor.Fprintln(w, strings.Repeat("=", tableWidth))
	fmt.Fprintf(w, "%-10s %-12s %-28s %-8s %-6s %-14s %-12s %s\n",
		"ID", "Type", "Value", "Status", "Hits", "Last Hit", "Created By", "Description")
	fmt.Fprintln(w, strings.Repeat("-", tableWidth))

	now := time.Now()
	for _, e := range exceptions {
		lastHit := "Never"
		if e.LastHitAt != nil {
			lastHit = formatTimeSince(*e.LastHitAt)
		}
		fmt.Fprintf(w, "%-10s %-12s %-28s ", shortID(e.ID), e.RuleType, truncate(e.Value, 28))
		exceptionStatusColor(e, now).Fprintf(w, "%-8s", exceptionStatus(e, now))
		fmt.Fprintf(w, " %-6d %-14s %-12s %s\n", e.HitCount, lastHit, truncate(e.CreatedBy, 12), truncate(e.Description, 30))
	}

	fmt.Fprintln(w, strings.Repeat("=", tableWidth))
}

// renderServersTable displays servers in a formatted table
func renderServersTable(w io.Writer, servers []serverView) {
	if len(servers) == 0 {
		warningColor.Fprintln(w, "No servers configured")
		return
	}

	headerColor.Fprintln(w, "SERVERS")
	headerColor.Fprintln(w, strings.Repeat("=", tableWidth))
	fmt.Fprintf(w, "%-16s %-28s %-12s %-18s %-14s %s\n",
		"Name", "Address", "User", "Auth", "Timezone", "Sources")
	fmt.Fprintln(w, strings.Repeat("-", tableWidth))

	for _, s := range servers {
		tz := s.Timezone
		if tz == "" {
			tz = "UTC"
		}
		addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
		fmt.Fprintf(w, "%-16s %-28s %-12s %-18s %-14s %s\n",
			truncate(s.Name, 16), truncate(addr, 28), truncate(s.Username, 12), s.Auth, tz, strings.Join(s.Sources, ", "))
	}

	fmt.Fprintln(w, strings.Repeat("=", tableWidth))
}

// renderCheckResults displays the outcome of a server check
func renderCheckResults(w io.Writer, srv *core.Server, results []checkResult) {
	printSection(w, fmt.Sprintf("Server %s", srv.Name))
	printField(w, "Address", srv.Address())
	printField(w, "Connection", successColor.Sprint("OK"))
	fmt.Fprintln(w)

	printSection(w, "Sources")
	for _, r := range results {
		if r.Error != "" {
			printField(w, r.Source, errorColor.Sprint("FAILED: "+r.Error))
			continue
		}
		printField(w, r.Source, r.Resolved)
	}
}

func printSection(w io.Writer, title string) {
	headerColor.Fprintf(w, "▶ %s\n", title)
	fmt.Fprintln(w, strings.Repeat("─", 60))
}

func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "-"
	}
	fmt.Fprintf(w, "  %-24s %s\n", key+":", value)
}

func severityColor(s core.Severity) *color.Color {
	switch s {
	case core.SeverityHigh:
		return errorColor
	case core.SeverityMedium:
		return warningColor
	}
	return infoColor
}

func exceptionStatus(e core.AlertException, now time.Time) string {
	switch {
	case !e.Enabled:
		return "disabled"
	case e.ExpiresAt != nil && !e.ExpiresAt.After(now):
		return "expired"
	}
	return "active"
}

func exceptionStatusColor(e core.AlertException, now time.Time) *color.Color {
	switch exceptionStatus(e, now) {
	case "active":
		return successColor
	case "expired":
		return warningColor
	}
	return color.New(color.FgHiBlack)
}

// formatTimeSince formats time as "X ago"
func formatTimeSince(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
