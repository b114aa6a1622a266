package main

import (
	"fmt"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/spf13/cobra"
)

func newAgentCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect the agents of a session",
	}
	cmd.AddCommand(newAgentListCmd(a))
	cmd.AddCommand(newAgentShowCmd(a))
	return cmd
}

func newAgentListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list <session-id>",
		Short: "List the agents of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			sess, err := a.repo.ReadSession(ctx, args[0])
			if err != nil {
				return err
			}
			if sess == nil {
				return fmt.Errorf("session %q: %w", args[0], errNotFound)
			}

			agents, err := a.repo.ListAgents(ctx, args[0])
			if err != nil {
				return err
			}
			if agents == nil {
				agents = []*domain.AgentState{}
			}
			return a.print(cmd.OutOrStdout(), agents)
		},
	}
}

func newAgentShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id> <agent-id>",
		Short: "Show an agent's state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := a.repo.ReadAgent(commandContext(cmd), args[0], args[1])
			if err != nil {
				return err
			}
			if agent == nil {
				return fmt.Errorf("agent %q in session %q: %w", args[1], args[0], errNotFound)
			}
			return a.print(cmd.OutOrStdout(), agent)
		},
	}
}
