package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newQueryCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Submit and track async queries",
	}
	cmd.AddCommand(newQuerySubmitCmd(g))
	cmd.AddCommand(newQueryStatusCmd(g))
	cmd.AddCommand(newQueryWaitCmd(g))
	cmd.AddCommand(newQueryCancelCmd(g))
	return cmd
}

type waitOptions struct {
	interval time.Duration
	timeout  time.Duration
}

func (o *waitOptions) bind(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&o.interval, "interval", time.Second, "Polling interval")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 10*time.Minute, "Give up after this long")
}

func newQuerySubmitCmd(g *globals) *cobra.Command {
	var (
		sessionID string
		lang      string
		wait      bool
		opts      waitOptions
	)
	cmd := &cobra.Command{
		Use:   "submit <sql>",
		Short: "Submit a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := g.requireDataSource()
			if err != nil {
				return err
			}
			created, err := g.client.CreateQuery(cmd.Context(), CreateQueryRequest{
				Query:      args[0],
				DataSource: ds,
				Lang:       lang,
				SessionID:  sessionID,
			})
			if err != nil {
				return err
			}
			if !wait {
				if getOutputFormat(cmd) == "json" {
					return PrintJSON(cmd.OutOrStdout(), created)
				}
				return PrintTable(cmd.OutOrStdout(), []string{"QUERY ID", "SESSION ID"},
					[][]string{{created.QueryID, created.SessionID}})
			}
			res, err := waitForQuery(cmd.Context(), g.client, created.QueryID, opts)
			if err != nil {
				return err
			}
			return printResults(cmd.OutOrStdout(), getOutputFormat(cmd), created.QueryID, res)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Reuse this interactive session")
	cmd.Flags().StringVar(&lang, "lang", "sql", "Query language")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the query to finish and print its results")
	opts.bind(cmd)
	return cmd
}

func newQueryStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status <query-id>",
		Short: "Show the status of a query, with rows once it succeeded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.client.GetResults(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResults(cmd.OutOrStdout(), getOutputFormat(cmd), args[0], res)
		},
	}
}

func newQueryWaitCmd(g *globals) *cobra.Command {
	var opts waitOptions
	cmd := &cobra.Command{
		Use:   "wait <query-id>",
		Short: "Poll a query until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := waitForQuery(cmd.Context(), g.client, args[0], opts)
			if err != nil {
				return err
			}
			return printResults(cmd.OutOrStdout(), getOutputFormat(cmd), args[0], res)
		},
	}
	opts.bind(cmd)
	return cmd
}

func newQueryCancelCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <query-id>",
		Short: "Cancel a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client.CancelQuery(cmd.Context(), args[0]); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return PrintJSON(cmd.OutOrStdout(), map[string]string{"queryId": args[0]})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}

// waitForQuery polls until the query reaches a terminal status.
func waitForQuery(ctx context.Context, c *Client, queryID string, opts waitOptions) (*QueryResults, error) {
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	interval := opts.interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := c.GetResults(ctx, queryID)
		if err != nil {
			return nil, err
		}
		if res.Terminal() {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("query %s still %s: %w", queryID, res.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printResults(w io.Writer, format, queryID string, res *QueryResults) error {
	if format == "json" {
		return PrintJSON(w, res)
	}
	if res.Status != "SUCCESS" || len(res.Schema) == 0 {
		line := fmt.Sprintf("%s %s", queryID, res.Status)
		if res.Error != "" {
			line += ": " + res.Error
		}
		_, err := fmt.Fprintln(w, line)
		return err
	}
	rows := make([][]string, 0, len(res.Rows))
	for _, r := range res.Rows {
		cells := make([]string, len(r))
		for i, v := range r {
			cells[i] = formatCell(v)
		}
		rows = append(rows, cells)
	}
	headers := make([]string, len(res.Schema))
	for i, h := range res.Schema {
		headers[i] = strings.ToUpper(h)
	}
	return PrintTable(w, headers, rows)
}
