package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vigilant/config"
	"vigilant/core"
	"vigilant/ingest"
	"vigilant/storage"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

func newServersCmd() *cobra.Command {
	serversCmd := &cobra.Command{
		Use:     "servers",
		Aliases: []string{"server"},
		Short:   "Manage monitored servers",
		Long: `Manage the servers whose logs are collected. A running collector picks up
changes within a minute, or at once on SIGHUP.`,
	}
	serversCmd.AddCommand(newServersListCmd())
	serversCmd.AddCommand(newServersAddCmd())
	serversCmd.AddCommand(newServersRemoveCmd())
	serversCmd.AddCommand(newServersCheckCmd())
	return serversCmd
}

// serverView is a server as printed by the CLI; the password is reduced to its kind
type serverView struct {
	Name           string    `json:"name" yaml:"name"`
	Host           string    `json:"host" yaml:"host"`
	Port           int       `json:"port" yaml:"port"`
	Username       string    `json:"username" yaml:"username"`
	Auth           string    `json:"auth" yaml:"auth"`
	PrivateKeyPath string    `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`
	Sources        []string  `json:"sources" yaml:"sources"`
	Timezone       string    `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"updated_at"`
}

func newServerView(s core.Server) serverView {
	port := s.Port
	if port == 0 {
		port = core.DefaultSSHPort
	}
	return serverView{
		Name:           s.Name,
		Host:           s.Host,
		Port:           port,
		Username:       s.Username,
		Auth:           authKind(s),
		PrivateKeyPath: s.PrivateKeyPath,
		Sources:        s.EffectiveSources(),
		Timezone:       s.Timezone,
		UpdatedAt:      s.UpdatedAt,
	}
}

// authKind describes how a server authenticates without revealing the secret
func authKind(s core.Server) string {
	switch {
	case s.PrivateKeyPath != "":
		return "key"
	case config.IsReference(s.Password):
		scheme, _, _ := strings.Cut(s.Password, ":")
		return "password (" + scheme + ")"
	case s.Password != "":
		return "password"
	}
	return "none"
}

func newServersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List servers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			env, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			servers, err := env.stores.Servers.ListServers(ctx)
			if err != nil {
				return fmt.Errorf("failed to list servers: %w", err)
			}
			views := make([]serverView, len(servers))
			for i := range servers {
				views[i] = newServerView(servers[i])
			}

			if structured() {
				return outputStructured(cmd.OutOrStdout(), views)
			}
			renderServersTable(cmd.OutOrStdout(), views)
			return nil
		},
	}
}

func newServersAddCmd() *cobra.Command {
	var srv core.Server

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or update a server",
		Example: `  vigilant servers add web-01 --host 10.0.0.5 --user monitor --password env:WEB01_PASSWORD
  vigilant servers add db-01 --host db.internal --user monitor --key ~/.ssh/id_ed25519 \
      --source /var/log/auth.log --source journal:sshd --timezone Europe/Berlin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			env, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			srv.Name = args[0]
			_, err = env.stores.Servers.GetServer(ctx, srv.Name)
			existed := err == nil
			if err != nil && !errors.Is(err, storage.ErrServerNotFound) {
				return err
			}

			if err := env.stores.Servers.UpsertServer(ctx, &srv); err != nil {
				return fmt.Errorf("failed to save server: %w", err)
			}

			if structured() {
				return outputStructured(cmd.OutOrStdout(), newServerView(srv))
			}
			if existed {
				say(cmd.OutOrStdout(), successColor, "✓ Server %s updated", srv.Name)
			} else {
				say(cmd.OutOrStdout(), successColor, "✓ Server %s added", srv.Name)
			}
			if config.IsReference(srv.Password) {
				say(cmd.OutOrStdout(), infoColor, "  Password reference %s is resolved at connect time", authKind(srv))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&srv.Host, "host", "", "Hostname or IP address")
	cmd.Flags().IntVar(&srv.Port, "port", core.DefaultSSHPort, "SSH port")
	cmd.Flags().StringVar(&srv.Username, "user", "", "SSH username")
	cmd.Flags().StringVar(&srv.Password, "password", "", "Password or reference (env:NAME, file:/path, vault:path#field, aws:id#field)")
	cmd.Flags().StringVar(&srv.PrivateKeyPath, "key", "", "Private key path")
	cmd.Flags().StringArrayVar(&srv.Sources, "source", nil, "Log source: file path, journal:<unit> or ssh:auto (repeatable)")
	cmd.Flags().StringVar(&srv.Timezone, "timezone", "", "IANA zone for timestamps without zone (default UTC)")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newServersRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm", "delete"},
		Short:   "Remove a server and its cursors",
		Long:    "Remove a server. Its cursors are deleted too; its alerts are kept.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			env, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			err = env.stores.Servers.DeleteServer(ctx, args[0])
			if errors.Is(err, storage.ErrServerNotFound) {
				return fmt.Errorf("server %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to remove server: %w", err)
			}
			say(cmd.OutOrStdout(), successColor, "✓ Server %s removed", args[0])
			return nil
		},
	}
}

// checkResult is the outcome of checking one source of a server
type checkResult struct {
	Source   string `json:"source" yaml:"source"`
	Resolved string `json:"resolved,omitempty" yaml:"resolved,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newServersCheckCmd() *cobra.Command {
	var showProgress bool

	cmd := &cobra.Command{
		Use:   "check <name>",
		Short: "Connect to a server and resolve its log sources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			env, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			srv, err := env.stores.Servers.GetServer(ctx, args[0])
			if errors.Is(err, storage.ErrServerNotFound) {
				return fmt.Errorf("server %s not found", args[0])
			}
			if err != nil {
				return err
			}

			client := ingest.NewClient(ingest.Config{
				ConnectTimeout: env.cfg.SSH.ConnectTimeout,
				ReadTimeout:    env.cfg.SSH.ReadTimeout,
				TailLines:      env.cfg.SSH.TailLines,
				MaxLines:       env.cfg.SSH.MaxLines,
				KnownHostsPath: env.cfg.SSH.KnownHostsPath,
				AutoResolveTTL: env.cfg.SSH.AutoResolveTTL,
			}, config.NewCredentialResolver(env.cfg.Secrets, env.logger), env.logger)

			var s *spinner.Spinner
			if showProgress && !structured() && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
				s.Suffix = fmt.Sprintf(" Connecting to %s (%s)...", srv.Name, srv.Address())
				s.Start()
			}

			results, err := checkServer(ctx, client, srv)

			if s != nil {
				s.Stop()
			}
			if err != nil {
				return fmt.Errorf("check %s failed: %w", srv.Name, err)
			}

			if structured() {
				return outputStructured(cmd.OutOrStdout(), results)
			}
			renderCheckResults(cmd.OutOrStdout(), srv, results)
			for _, r := range results {
				if r.Error != "" {
					return fmt.Errorf("%s: some sources could not be resolved", srv.Name)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress indicator")
	return cmd
}

// checkServer opens one session and resolves every configured source
func checkServer(ctx context.Context, client *ingest.Client, srv *core.Server) ([]checkResult, error) {
	sess, err := client.Connect(ctx, srv)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var results []checkResult
	for _, src := range srv.EffectiveSources() {
		r := checkResult{Source: src}
		resolved, err := sess.Resolve(ctx, src)
		if err != nil {
			r.Error = err.Error()
		} else {
			r.Resolved = resolved.String()
		}
		results = append(results, r)
	}
	return results, nil
}
