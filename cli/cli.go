// Package cli provides the command-line interface for load-later.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zot/load-later/internal/config"
	"github.com/zot/load-later/internal/mcp"
	"github.com/zot/load-later/internal/server"
)

// Version is the load-later release.
const Version = "0.1.0"

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// Commands are added to the root command.
	Commands []*cobra.Command

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	root := NewRootCommand(hooks)
	root.SetArgs(withDefaultCommand(args))
	if err := root.Execute(); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

// withDefaultCommand runs serve when no command is named.
func withDefaultCommand(args []string) []string {
	if len(args) == 0 {
		return []string{"serve"}
	}
	switch args[0] {
	case "-h", "--help", "help", "completion", "__complete":
		return args
	case "--version":
		return []string{"version"}
	}
	if strings.HasPrefix(args[0], "-") {
		return append([]string{"serve"}, args...)
	}
	return args
}

// NewRootCommand builds the command tree.
func NewRootCommand(hooks *Hooks) *cobra.Command {
	root := &cobra.Command{
		Use:   "load-later",
		Short: "Serve pages with deferred and after-load scripts",
		Long: `load-later renders script footers into HTML pages.

Scripts come from a TOML or YAML manifest and from Lua plugins. Each is
emitted either as a <script defer> tag or by a small loader that adds it
after the window load event.

Site flags (accepted by serve, render and mcp):
  -dir          Site directory (default: current directory)
  -config       Config file (default: DIR/config/config.toml)
  -host, -port  Listen address and port
  -pages        Page directory (default: html)
  -manifest     Script manifest (default: scripts.toml)
  -plugins      Lua plugin directory (default: plugins)
  -live-reload  Reload open pages when the manifest or plugins change
  -protocols    Comma-separated URL schemes to accept
  -log-level    info, or debug (same as -vv)
  -v, -vv, -vvv Verbosity`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		newServeCommand(),
		newRenderCommand(),
		newMCPCommand(),
		newVersionCommand(hooks),
	)
	if hooks != nil {
		root.AddCommand(hooks.Commands...)
	}
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:                "serve [site flags]",
		Short:              "Start the page server (default)",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if helpRequested(args) {
				return cmd.Help()
			}
			cfg, err := config.Load(args)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	<-ctx.Done()
	cfg.Log(0, "Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:                "mcp [site flags]",
		Short:              "Serve the footer tools over MCP on stdio",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if helpRequested(args) {
				return cmd.Help()
			}
			cfg, err := config.Load(args)
			if err != nil {
				return err
			}
			// stdout carries the protocol
			cfg.SetLogOutput(os.Stderr)
			return mcp.NewServer(cfg, server.New(cfg), Version).ServeStdio()
		},
	}
}

func newVersionCommand(hooks *Hooks) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout(), hooks)
		},
	}
}

func printVersion(w io.Writer, hooks *Hooks) {
	fmt.Fprintf(w, "load-later v%s\n", Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Fprintln(w, hooks.CustomVersion())
	}
}

func helpRequested(args []string) bool {
	for _, arg := range args {
		switch arg {
		case "-h", "-help", "--help":
			return true
		}
	}
	return false
}
