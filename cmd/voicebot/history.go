package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/teslashibe/voicebot/internal/errs"
	"github.com/teslashibe/voicebot/pkg/audio"
	"github.com/teslashibe/voicebot/pkg/history"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List and delete saved conversations",
	}
	cmd.AddCommand(
		newHistoryListCmd(root),
		newHistoryDeleteCmd(root),
		newHistoryClearCmd(root),
	)
	return cmd
}

// withHistory opens the configured store for one command. History
// commands need no API key.
func withHistory(root *rootOptions, fn func(history.Store) error) error {
	cfg, err := root.load(false)
	if err != nil {
		return err
	}
	store, err := audio.NewStore(cfg.AudioDir, nil)
	if err != nil {
		return fmt.Errorf("open audio store: %w", err)
	}
	hist, err := openHistory(cfg, store)
	if err != nil {
		return err
	}
	defer hist.Close()
	return fn(hist)
}

func newHistoryListCmd(root *rootOptions) *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show saved conversations, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHistory(root, func(hist history.Store) error {
				var (
					convs []history.Conversation
					err   error
				)
				if cmd.Flags().Changed("recent") {
					convs, err = hist.Recent(cmd.Context(), recent)
				} else {
					convs, err = hist.List(cmd.Context())
				}
				if err != nil {
					return err
				}
				printConversations(cmd.OutOrStdout(), convs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&recent, "recent", history.DefaultRecent, "show only the N most recent")
	return cmd
}

func printConversations(w io.Writer, convs []history.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations saved.")
		return
	}
	for _, c := range convs {
		fmt.Fprintf(w, "[%s] %s\n", c.Timestamp, c.ID)
		for _, t := range c.Turns {
			who := "Assistant"
			if t.Role == history.RoleUser {
				who = "You"
			}
			fmt.Fprintf(w, "  %s: %s\n", who, t.Text)
			if t.AudioRef != "" {
				fmt.Fprintf(w, "    [audio: %s]\n", t.AudioRef)
			}
		}
	}
}

func newHistoryDeleteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|timestamp>",
		Short: "Delete one conversation and its audio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(root, func(hist history.Store) error {
				ok, err := hist.Delete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return errs.Newf(errs.NotFound, "conversation %q not found", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Deleted", args[0])
				return nil
			})
		},
	}
}

func newHistoryClearCmd(root *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every conversation and its audio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errs.New(errs.InvalidInput, "refusing to clear history without --yes")
			}
			return withHistory(root, func(hist history.Store) error {
				if err := hist.DeleteAll(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "History cleared.")
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm")
	return cmd
}
