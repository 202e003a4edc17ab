// Package cli implements duck-async, the command-line client of the async
// query API.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// globals are the resolved persistent flags shared by every command.
type globals struct {
	host       string
	dataSource string
	output     string
	profile    string
	client     *Client
}

// requireDataSource returns the resolved data source or an error naming
// the flag.
func (g *globals) requireDataSource() (string, error) {
	if g.dataSource == "" {
		return "", errors.New("a data source is required: pass --datasource or set DUCK_ASYNC_DATASOURCE")
	}
	return g.dataSource, nil
}

// Execute runs the CLI.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			errObj := map[string]interface{}{"error": err.Error()}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				errObj["http_status"] = apiErr.HTTPStatus
				errObj["type"] = apiErr.Type
			}
			_ = PrintJSON(os.Stdout, errObj)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	g := &globals{client: NewClient("")}

	rootCmd := &cobra.Command{
		Use:           "duck-async",
		Short:         "Async query CLI",
		Long:          "Submit, poll and cancel async SQL queries and manage interactive sessions.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				// Config file is optional
				cfg = &UserConfig{Profiles: map[string]Profile{}}
			}
			p, err := cfg.ActiveProfile(g.profile)
			if err != nil {
				return err
			}

			// Apply precedence: flag > env > profile > default
			resolve(cmd, "host", &g.host, "DUCK_ASYNC_HOST", p.Host)
			resolve(cmd, "datasource", &g.dataSource, "DUCK_ASYNC_DATASOURCE", p.DataSource)
			resolve(cmd, "output", &g.output, "DUCK_ASYNC_OUTPUT", p.Output)

			if err := validateOutputFormat(g.output); err != nil {
				return err
			}
			g.client.BaseURL = g.host
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&g.host, "host", "http://localhost:8080", "API host URL")
	rootCmd.PersistentFlags().StringVarP(&g.dataSource, "datasource", "d", "", "Data source name")
	rootCmd.PersistentFlags().StringVarP(&g.output, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVarP(&g.profile, "profile", "p", "", "Config profile to use")

	rootCmd.AddCommand(newQueryCmd(g))
	rootCmd.AddCommand(newSessionCmd(g))
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd())

	return rootCmd
}

func resolve(cmd *cobra.Command, flag string, dst *string, env, profile string) {
	if cmd.Flags().Changed(flag) {
		return
	}
	if v := os.Getenv(env); v != "" {
		*dst = v
	} else if profile != "" {
		*dst = profile
	}
}

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(cmd.OutOrStdout())
			case "zsh":
				return cmd.Root().GenZshCompletion(cmd.OutOrStdout())
			case "fish":
				return cmd.Root().GenFishCompletion(cmd.OutOrStdout(), true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
}
