package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"vigilant/core"
	"vigilant/storage"

	"github.com/spf13/cobra"
)

func newExceptionsCmd() *cobra.Command {
	exceptionsCmd := &cobra.Command{
		Use:     "exceptions",
		Aliases: []string{"exception", "exc"},
		Short:   "Manage alert exceptions",
		Long: `Manage exceptions. A candidate alert whose IP, username, server, log source
or rule matches an active exception is not stored.`,
	}
	exceptionsCmd.AddCommand(newExceptionsListCmd())
	exceptionsCmd.AddCommand(newExceptionsAddCmd())
	exceptionsCmd.AddCommand(newExceptionsRemoveCmd())
	exceptionsCmd.AddCommand(newExceptionsImportCmd())
	return exceptionsCmd
}

func newExceptionsListCmd() *cobra.Command {
	var (
		ruleType string
		search   string
		enabled  bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List exceptions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			env, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			filters := core.ExceptionFilters{
				RuleType: core.ExceptionRuleType(ruleType),
				Search:   search,
			}
			if enabled {
				filters.Enabled = &enabled
			}
			exceptions, err := env.stores.Exceptions.ListExceptions(ctx, filters)
			if err != nil {
				return fmt.Errorf("failed to list exceptions: %w", err)
			}
			if exceptions == nil {
				exceptions = []core.AlertException{}
			}

			if structured() {
				return outputStructured(cmd.OutOrStdout(), exceptions)
			}
			renderExceptionsTable(cmd.OutOrStdout(), exceptions)
			return nil
		},
	}

	cmd.Flags().StringVar(&ruleType, "type", "", "Only this rule type")
	cmd.Flags().StringVar(&search, "search", "", "Match value or description")
	cmd.Flags().BoolVar(&enabled, "enabled", false, "Only enabled exceptions")
	return cmd
}

func newExceptionsAddCmd() *cobra.Command {
	var (
		ruleType    string
		value       string
		description string
		expiresIn   time.Duration
		disabled    bool
		by          string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an exception",
		Example: `  vigilant exceptions add --type ip --value 10.0.0.0/8 --description "office network"
  vigilant exceptions add --type username --value backup --expires-in 72h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			env, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			exc := core.NewAlertException(core.ExceptionRuleType(ruleType), value, description)
			exc.Enabled = !disabled
			exc.CreatedBy = by
			if expiresIn > 0 {
				expires := time.Now().Add(expiresIn).UTC()
				exc.ExpiresAt = &expires
			}

			if err := env.stores.Exceptions.CreateException(ctx, exc); err != nil {
				if errors.Is(err, core.ErrConfig) {
					return fmt.Errorf("invalid exception (valid types: %s): %w", ruleTypeList(), err)
				}
				return fmt.Errorf("failed to create exception: %w", err)
			}

			if structured() {
				return outputStructured(cmd.OutOrStdout(), exc)
			}
			say(cmd.OutOrStdout(), successColor, "✓ Exception created: %s", exc.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&ruleType, "type", "", "Rule type: "+ruleTypeList())
	cmd.Flags().StringVar(&value, "value", "", "Value to match")
	cmd.Flags().StringVar(&description, "description", "", "Why the exception exists")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire the exception after this long")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the exception disabled")
	cmd.Flags().StringVar(&by, "by", currentUser(), "Creator recorded on the exception")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func newExceptionsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <exception-id>",
		Aliases: []string{"rm", "delete"},
		Short:   "Remove an exception",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			env, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			err = env.stores.Exceptions.DeleteException(ctx, args[0])
			if errors.Is(err, storage.ErrExceptionNotFound) {
				return fmt.Errorf("exception %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to remove exception: %w", err)
			}
			say(cmd.OutOrStdout(), successColor, "✓ Exception %s removed", args[0])
			return nil
		},
	}
}

func newExceptionsImportCmd() *cobra.Command {
	var by string

	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Import exceptions from a YAML file",
		Long: `Import exceptions from YAML, either a top-level list or an "exceptions:" key.
Exceptions whose rule type and value already exist are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			f, err := openImportFile(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			env, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := env.stores.Exceptions.ImportExceptions(ctx, f, by)
			if err != nil {
				return fmt.Errorf("failed to import exceptions: %w", err)
			}

			if structured() {
				return outputStructured(cmd.OutOrStdout(), map[string]int{"created": n})
			}
			say(cmd.OutOrStdout(), successColor, "✓ Imported %d exception(s) from %s", n, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&by, "by", currentUser(), "Creator recorded on imported exceptions without one")
	return cmd
}

func ruleTypeList() string {
	names := make([]string, len(core.ExceptionRuleTypes))
	for i, t := range core.ExceptionRuleTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
