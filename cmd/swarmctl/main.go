package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"swarmctl/internal/app"
	"swarmctl/internal/config"
	"swarmctl/internal/db"
	swarmsdk "swarmctl/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "swarmctl",
	Short: "Control plane for a multi-agent swarm",
	Long: `swarmctl runs and inspects the swarm orchestrator.
- Tasks: work items queued on a bounded dispatcher and handled by pinned agents.
- Agents: manifests under agents.dir declaring capabilities and an optional task type.
- Approvals: sensitive task types wait for a human decision before they run.
- Deliveries: milestone events and demand summaries shipped to signed ingest endpoints, retried and dead-lettered.
- Alerts: signed alert batches deduplicated by fingerprint before anyone is paged.
Commands talk to a running server when --server is set and open the workspace directly otherwise.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SWARMCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "", "API base URL; commands run locally when empty")
	rootCmd.PersistentFlags().String("api-key", "", "bearer credential for --server (api key or operator JWT)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(deliveriesCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(invocationsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(alertsCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default swarmctl.yml and create the workspace directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println(color.GreenString("wrote"), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// --- helpers ---

// withApp opens the workspace for a local command that changes state. It
// fails with app.ErrWorkspaceBusy while a server owns the workspace.
// Background loops are not started.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	return runApp(ctx, app.Options{}, fn)
}

// viewApp opens a read-only snapshot of the workspace. It works next to a
// running server.
func viewApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	return runApp(ctx, app.Options{ReadOnly: true}, fn)
}

func runApp(ctx context.Context, opts app.Options, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), opts)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	return errors.Join(runErr, a.Close())
}

// remoteClient returns an API client when --server is set.
func remoteClient() (*swarmsdk.Client, bool) {
	base := viper.GetString("server")
	if base == "" {
		return nil, false
	}
	c := swarmsdk.New(base, viper.GetString("api-key"))
	c.Warnings = func(msg string) {
		fmt.Fprintln(os.Stderr, color.YellowString("warning:"), msg)
	}
	return c, true
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(status string) string {
	switch status {
	case "approved", "delivered", "ok", "idle", "running":
		return color.GreenString(status)
	case "pending", "retrying", "duplicate":
		return color.YellowString(status)
	case "rejected", "dead-letter", "error":
		return color.RedString(status)
	default:
		return status
	}
}

func parsePayload(raw string) (map[string]any, error) {
	payload := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("invalid --payload: %w", err)
	}
	return payload, nil
}
