package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"vigilant/core"
	"vigilant/storage"

	"github.com/spf13/cobra"
)

func newAlertsCmd() *cobra.Command {
	alertsCmd := &cobra.Command{
		Use:     "alerts",
		Aliases: []string{"alert"},
		Short:   "List and acknowledge alerts",
	}
	alertsCmd.AddCommand(newAlertsListCmd())
	alertsCmd.AddCommand(newAlertsAckCmd())
	alertsCmd.AddCommand(newAlertsAckRuleCmd())
	return alertsCmd
}

func newAlertsListCmd() *cobra.Command {
	var (
		server      string
		source      string
		rule        string
		severity    string
		minSeverity string
		unacked     bool
		since       time.Duration
		limit       int
		offset      int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List alerts, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			filter := storage.AlertFilter{
				ServerName: server,
				Source:     source,
				RuleName:   rule,
				Limit:      limit,
				Offset:     offset,
			}
			var err error
			if severity != "" {
				if filter.Severity, err = core.ParseSeverity(severity); err != nil {
					return err
				}
			}
			if minSeverity != "" {
				if filter.MinSeverity, err = core.ParseSeverity(minSeverity); err != nil {
					return err
				}
			}
			if unacked {
				f := false
				filter.Acknowledged = &f
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			env, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			alerts, err := env.stores.Alerts.List(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to list alerts: %w", err)
			}
			if alerts == nil {
				alerts = []core.Alert{}
			}

			if structured() {
				return outputStructured(cmd.OutOrStdout(), alerts)
			}
			total, err := env.stores.Alerts.Count(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to count alerts: %w", err)
			}
			renderAlertsTable(cmd.OutOrStdout(), alerts, total)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Only alerts from this server")
	cmd.Flags().StringVar(&source, "source", "", "Only alerts from this log source")
	cmd.Flags().StringVar(&rule, "rule", "", "Only alerts of this rule")
	cmd.Flags().StringVar(&severity, "severity", "", "Only this severity (info, medium, high)")
	cmd.Flags().StringVar(&minSeverity, "min-severity", "", "Only this severity and above")
	cmd.Flags().BoolVar(&unacked, "unacked", false, "Only unacknowledged alerts")
	cmd.Flags().DurationVar(&since, "since", 0, "Only alerts that occurred within this window (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of alerts")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of alerts to skip")

	return cmd
}

func newAlertsAckCmd() *cobra.Command {
	var by string

	cmd := &cobra.Command{
		Use:   "ack <alert-id>...",
		Short: "Acknowledge alerts by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid alert id %q", arg)
				}
				ids = append(ids, id)
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			env, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			var acked []core.Alert
			for _, id := range ids {
				alert, err := env.stores.Alerts.Acknowledge(ctx, id, by)
				if errors.Is(err, storage.ErrAlertNotFound) {
					return fmt.Errorf("alert %d not found", id)
				}
				if err != nil {
					return fmt.Errorf("failed to acknowledge alert %d: %w", id, err)
				}
				acked = append(acked, *alert)
				say(cmd.OutOrStdout(), successColor, "✓ Alert %d acknowledged by %s", id, alert.AcknowledgedBy)
			}

			if structured() {
				return outputStructured(cmd.OutOrStdout(), acked)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&by, "by", currentUser(), "Who acknowledges the alerts")
	return cmd
}

func newAlertsAckRuleCmd() *cobra.Command {
	var by string

	cmd := &cobra.Command{
		Use:   "ack-rule <rule-name>",
		Short: "Acknowledge every open alert of a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			env, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := env.stores.Alerts.AcknowledgeByRule(ctx, args[0], by)
			if err != nil {
				return fmt.Errorf("failed to acknowledge rule %s: %w", args[0], err)
			}

			if structured() {
				return outputStructured(cmd.OutOrStdout(), map[string]interface{}{"rule": args[0], "acknowledged": n})
			}
			if n == 0 {
				say(cmd.OutOrStdout(), warningColor, "No open alerts for rule %s", args[0])
				return nil
			}
			say(cmd.OutOrStdout(), successColor, "✓ %d alert(s) of rule %s acknowledged", n, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&by, "by", currentUser(), "Who acknowledges the alerts")
	return cmd
}
