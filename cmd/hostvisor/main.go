package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// API connection for the client commands
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	SkipVerify bool
}

// buildRoot creates the root command with all subcommands attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	startFlags := &StartFlags{}
	logsFlags := &LogsFlags{}
	historyFlags := &HistoryFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, serveFlags),
		createInstallCommand(globalFlags),
		createStartCommand(globalFlags, startFlags, false),
		createStartCommand(globalFlags, startFlags, true),
		createStopCommand(globalFlags),
		createStatusCommand(globalFlags),
		createRefreshCommand(globalFlags),
		createLogsCommand(globalFlags, logsFlags),
		createHistoryCommand(globalFlags, historyFlags),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "hostvisor",
		Short: "Game server host supervisor",
		Long: `Hostvisor stages the bundled game server, runs it as a child process
and exposes a small control API to start, stop and observe it.

Examples:
  hostvisor serve --config=hostvisor.toml    # Run the supervisor daemon
  hostvisor start --port=8080                # Ask the daemon to start the server
  hostvisor status
  hostvisor logs --limit=50
  hostvisor status --api-url=https://host:9090/api --ca-cert=ca.crt`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "control API URL (default from config, e.g. http://127.0.0.1:9090/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate to trust for an HTTPS control API")
	root.PersistentFlags().BoolVar(&flags.SkipVerify, "insecure", false, "skip TLS certificate verification")

	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor daemon",
		Long: `Run the supervisor daemon: stage the server, resume it when the previous
session left auto-restart on, and serve the control API until interrupted.

Examples:
  hostvisor serve
  hostvisor serve hostvisor.toml
  hostvisor serve --listen=0.0.0.0:9090 --dev`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			flags.DevModeSet = cmd.Flags().Changed("dev")
			return runServe(cmd.Context(), path, *flags, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&flags.Port, "port", 0, "default game server port (overrides config)")
	cmd.Flags().BoolVar(&flags.DevMode, "dev", false, "default to dev mode (overrides config)")
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "control API listen address (overrides config)")
	cmd.Flags().BoolVar(&flags.NoResume, "no-resume", false, "do not resume the server from saved preferences")

	return cmd
}

// createInstallCommand creates the install subcommand
func createInstallCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Stage the bundled server without starting it",
		Long: `Copy the platform executable and runtime data from the bundle into the
data directory. Nothing is written when the install is already current.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd.Context(), globalFlags.ConfigPath, cmd.OutOrStdout())
		},
	}
}

// createStartCommand creates the start subcommand, or restart when restart is set
func createStartCommand(globalFlags *GlobalFlags, flags *StartFlags, restart bool) *cobra.Command {
	use, short := "start", "Start the game server through the daemon"
	if restart {
		use, short = "restart", "Stop and start the game server through the daemon"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + `.
Omitted flags fall back to the daemon's configured defaults.

Examples:
  hostvisor ` + use + `
  hostvisor ` + use + ` --port=8081 --dev`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *flags
			f.DevModeSet = cmd.Flags().Changed("dev")
			return runStart(cmd.Context(), *globalFlags, f, restart, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&flags.Port, "port", 0, "game server port")
	cmd.Flags().BoolVar(&flags.DevMode, "dev", false, "allow the fallback responder when staging fails")

	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the game server and disable auto-restart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd.Context(), *globalFlags, cmd.OutOrStdout())
		},
	}
}

// createStatusCommand creates the status subcommand
func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current server state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), *globalFlags, cmd.OutOrStdout())
		},
	}
}

// createRefreshCommand creates the refresh subcommand
func createRefreshCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Recompute the reachable URL of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRefresh(cmd.Context(), *globalFlags, cmd.OutOrStdout())
		},
	}
}

// createLogsCommand creates the logs subcommand
func createLogsCommand(globalFlags *GlobalFlags, flags *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the operational log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd.Context(), *globalFlags, *flags, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&flags.Limit, "limit", 0, "only the newest N entries (0 = all retained)")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print entries as JSON")

	return cmd
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(globalFlags *GlobalFlags, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recorded lifecycle events",
		Long: `Print lifecycle events from the configured history store, newest first.
Requires [history].dsn on the daemon.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), *globalFlags, *flags, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&flags.Limit, "limit", 50, "maximum number of events")

	return cmd
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hostvisor version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "hostvisor "+version)
		},
	}
}
