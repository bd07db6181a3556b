// Package cli provides the command-line interface for cozylink.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cozyapp/cozylink/internal/config"
	"github.com/cozyapp/cozylink/internal/logging"
)

var (
	// Global flags
	cfgFile    string
	serverAddr string
	authToken  string
	verbose    bool
	debug      bool

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// Version information - set by main package at startup
// The actual version is defined in:
// 1. Makefile (source of truth for releases, injected via LDFLAGS)
// 2. main.go (fallback for non-Makefile builds)
var (
	Version   = "v0.3.0-dev"
	BuildTime = "unknown"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cozylink",
		Short: "cozylink - client for a ComfyUI-compatible image generation server",
		Long: `cozylink ` + Version + ` - Built: ` + BuildTime + `
Submit generation workflows to a ComfyUI-compatible server, follow live
progress, and manage jobs, models and cached images from the terminal.

The server address comes from ~/.config/cozylink/config.ini; use
"cozylink config init" to create it, or override per invocation with
--server host:port.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefaultCLILogger()
			if verbose || debug {
				logging.SetGlobalLevel(-1) // zerolog.DebugLevel
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "Generation server address host:port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token for the server (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")

	rootCmd.Version = Version + " (" + BuildTime + ")"

	completionCmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Enable tab-completion for cozylink commands",
		Long: `Generate shell completion scripts.

QUICK START:

  bash:
    cozylink completion bash | sudo tee /etc/bash_completion.d/cozylink

  zsh:
    mkdir -p ~/.zsh/completions
    cozylink completion zsh > ~/.zsh/completions/_cozylink
    # Then add to ~/.zshrc: fpath=(~/.zsh/completions $fpath)

  fish:
    cozylink completion fish > ~/.config/fish/completions/cozylink.fish

  powershell:
    cozylink completion powershell >> $PROFILE`,
	}
	completionCmd.AddCommand(
		&cobra.Command{
			Use:   "bash",
			Short: "Generate bash completion script",
			RunE: func(cmd *cobra.Command, args []string) error {
				return cmd.Root().GenBashCompletion(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "zsh",
			Short: "Generate zsh completion script",
			RunE: func(cmd *cobra.Command, args []string) error {
				return cmd.Root().GenZshCompletion(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "fish",
			Short: "Generate fish completion script",
			RunE: func(cmd *cobra.Command, args []string) error {
				return cmd.Root().GenFishCompletion(cmd.OutOrStdout(), true)
			},
		},
		&cobra.Command{
			Use:   "powershell",
			Short: "Generate PowerShell completion script",
			RunE: func(cmd *cobra.Command, args []string) error {
				return cmd.Root().GenPowerShellCompletion(cmd.OutOrStdout())
			},
		},
	)
	rootCmd.AddCommand(completionCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	return rootCmd
}

// Execute runs the CLI.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\nReceived signal %v, cancelling...\n", sig)
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.Execute()

	signal.Stop(sigChan)
	close(sigChan)

	return err
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newGenerateCmd())
	rootCmd.AddCommand(newJobsCmd())
	rootCmd.AddCommand(newWorkflowCmd())
	rootCmd.AddCommand(newModelsCmd())
	rootCmd.AddCommand(newLorasCmd())
	rootCmd.AddCommand(newImagesCmd())
	rootCmd.AddCommand(newConfigCmd())
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetContext returns the global CLI context, cancelled on Ctrl+C.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}

// loadConfig loads configuration and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if serverAddr != "" {
		host, port, err := config.ParseServerAddr(serverAddr)
		if err != nil {
			return nil, err
		}
		cfg.ServerHost = host
		cfg.ServerPort = port
	}
	if authToken != "" {
		cfg.AuthToken = authToken
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
