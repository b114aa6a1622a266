package main

import (
	"fmt"
	"strconv"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/store"
	"github.com/spf13/cobra"
)

func newMessageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Inspect an agent's conversation log",
	}
	cmd.AddCommand(newMessageListCmd(a))
	cmd.AddCommand(newMessageShowCmd(a))
	return cmd
}

func newMessageListCmd(a *app) *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list <session-id> <agent-id>",
		Short: "List messages in id order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			page := store.Page{Offset: offset}
			if cmd.Flags().Changed("limit") {
				page.Limit = &limit
			}

			messages, err := a.repo.ListMessages(commandContext(cmd), args[0], args[1], page)
			if err != nil {
				return err
			}
			if messages == nil {
				messages = []*domain.Message{}
			}
			return a.print(cmd.OutOrStdout(), messages)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of messages (default: all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of messages to skip")

	return cmd
}

func newMessageShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id> <agent-id> <message-id>",
		Short: "Show one message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			messageID, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("message id %q is not an integer", args[2])
			}

			msg, err := a.repo.ReadMessage(commandContext(cmd), args[0], args[1], messageID)
			if err != nil {
				return err
			}
			if msg == nil {
				return fmt.Errorf("message %d of agent %q in session %q: %w", messageID, args[1], args[0], errNotFound)
			}
			return a.print(cmd.OutOrStdout(), msg)
		},
	}
}
