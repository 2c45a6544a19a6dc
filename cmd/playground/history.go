package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"llm-playground/internal/adapter/terminal"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List, show or delete stored conversations",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath())
		if err != nil {
			return err
		}
		defer a.Close()

		convs, err := a.store.ListConversations(cmd.Context())
		if err != nil {
			return err
		}
		terminal.WriteConversationList(cmd.OutOrStdout(), convs, time.Now())
		return nil
	},
}

var historyWidth int

var historyShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Print a conversation transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath())
		if err != nil {
			return err
		}
		defer a.Close()

		conv, err := a.store.GetConversation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		msgs, err := a.store.ListMessages(cmd.Context(), conv.ID)
		if err != nil {
			return err
		}
		terminal.NewRenderer(historyWidth).WriteTranscript(cmd.OutOrStdout(), conv, msgs)
		return nil
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.DeleteConversation(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

func init() {
	historyShowCmd.Flags().IntVarP(&historyWidth, "width", "w", 100, "wrap width for rendered replies")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyDeleteCmd)
}
