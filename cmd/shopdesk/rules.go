package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"shopdesk/internal/rules"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and edit auto-reply rules in the configured storage",
	}
	cmd.AddCommand(newRulesListCmd())
	cmd.AddCommand(newRulesAddCmd())
	return cmd
}

// openAutoReply loads the rule sets from storage; the returned func releases the handles.
func openAutoReply(ctx context.Context) (*rules.AutoReply, func(), error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	factory, err := newFactory(cfg, logger, nil)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = factory.Destroy(context.Background()) }
	replies := rules.NewAutoReply(rules.AutoReplyConfig{}, factory, rules.WithAutoReplyLogger(logger))
	if err := replies.Load(ctx); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("load rules: %w", err)
	}
	return replies, closeFn, nil
}

func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List auto-reply rules by intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			replies, closeFn, err := openAutoReply(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			sets := replies.Rules()
			if len(sets) == 0 {
				fmt.Println("No auto-reply rules found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INTENT\tPATTERN\tREPLY")
			for _, set := range sets {
				for _, r := range set.Rules {
					fmt.Fprintf(w, "%s\t%s\t%s\n", set.Intent, r.Pattern, r.Reply)
				}
				if set.DefaultReply != "" {
					fmt.Fprintf(w, "%s\t(default)\t%s\n", set.Intent, set.DefaultReply)
				}
			}
			return w.Flush()
		},
	}
}

func newRulesAddCmd() *cobra.Command {
	var asDefault bool
	cmd := &cobra.Command{
		Use:   "add <intent> <pattern> <reply>",
		Short: "Add a pattern rule (or, with --default, the intent's default reply)",
		Args: func(cmd *cobra.Command, args []string) error {
			if asDefault {
				return cobra.ExactArgs(2)(cmd, args)
			}
			return cobra.ExactArgs(3)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			replies, closeFn, err := openAutoReply(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if asDefault {
				if err := replies.SetDefaultReply(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("Default reply for %q saved.\n", args[0])
				return nil
			}
			if err := replies.AddRule(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Printf("Rule for %q added.\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&asDefault, "default", false, "Set the default reply: add <intent> <reply>")
	return cmd
}
