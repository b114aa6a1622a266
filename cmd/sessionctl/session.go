package main

import (
	"fmt"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/identity"
	"github.com/spf13/cobra"
)

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create and inspect sessions",
	}
	cmd.AddCommand(newSessionCreateCmd(a))
	cmd.AddCommand(newSessionShowCmd(a))
	return cmd
}

func newSessionCreateCmd(a *app) *cobra.Command {
	var sessionType string

	cmd := &cobra.Command{
		Use:   "create [session-id]",
		Short: "Create a session (a random id is generated when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := domain.ParseSessionType(sessionType)
			if err != nil {
				return err
			}
			sessionID := identity.NewSessionID()
			if len(args) == 1 {
				sessionID = args[0]
			}

			sess, err := a.repo.CreateSession(commandContext(cmd), domain.Session{SessionID: sessionID, SessionType: t})
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			return a.print(cmd.OutOrStdout(), sess)
		},
	}

	cmd.Flags().StringVar(&sessionType, "type", string(domain.SessionTypeAgent), "Session type: AGENT or MULTI_AGENT")

	return cmd
}

func newSessionShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.repo.ReadSession(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			if sess == nil {
				return fmt.Errorf("session %q: %w", args[0], errNotFound)
			}
			return a.print(cmd.OutOrStdout(), sess)
		},
	}
}
