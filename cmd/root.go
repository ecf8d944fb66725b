// Package cmd defines and implements the CLI commands for the ig2spotify
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ig2spotify/internal/config"
	"github.com/JakeFAU/ig2spotify/internal/logging"
	"github.com/JakeFAU/ig2spotify/internal/server"
)

// envKeyType is the key for storing the command environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env carries what every subcommand needs after flags are parsed.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

// buildApp wires the full application for serve and run.
var buildApp = server.Build

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "ig2spotify",
		Short: "Turn the music in an Instagram account's reels into a Spotify playlist.",
		Long: `ig2spotify captures reel audio from an Instagram account, identifies the
songs with ACRCloud, records every result in a ledger, and keeps a Spotify
playlist in sync with the matches.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := logging.NewCLI(cmd.ErrOrStderr(), verbose)
			ctx := context.WithValue(cmd.Context(), envKey, &env{cfg: &cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the IG2SPOTIFY_ prefix")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	cmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newReconcileCmd(),
		newLedgerCmd(),
		newRunsCmd(),
		newSecretsCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("command environment not initialized")
	}
	return e, nil
}
