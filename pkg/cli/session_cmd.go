package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func newSessionCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage interactive sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the active sessions of a data source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ds, err := g.requireDataSource()
			if err != nil {
				return err
			}
			sessions, err := g.client.ListSessions(cmd.Context(), ds)
			if err != nil {
				return err
			}
			return printSessions(cmd, sessions)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <session-id>",
		Short: "Refresh and show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := g.requireDataSource()
			if err != nil {
				return err
			}
			s, err := g.client.GetSession(cmd.Context(), ds, args[0])
			if err != nil {
				return err
			}
			return printSessions(cmd, []Session{*s})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "close <session-id>",
		Short: "Close a session and stop its job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := g.requireDataSource()
			if err != nil {
				return err
			}
			s, err := g.client.CloseSession(cmd.Context(), ds, args[0])
			if err != nil {
				return err
			}
			return printSessions(cmd, []Session{*s})
		},
	})
	return cmd
}

func printSessions(cmd *cobra.Command, sessions []Session) error {
	if getOutputFormat(cmd) == "json" {
		return PrintJSON(cmd.OutOrStdout(), sessions)
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		updated := ""
		if s.LastUpdateTime > 0 {
			updated = time.UnixMilli(s.LastUpdateTime).UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{s.SessionID, s.State, s.JobID, updated, s.Error})
	}
	return PrintTable(cmd.OutOrStdout(), []string{"SESSION ID", "STATE", "JOB ID", "LAST UPDATE", "ERROR"}, rows)
}
