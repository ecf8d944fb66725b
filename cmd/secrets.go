package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ig2spotify/internal/credentials"
)

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage credentials stored in the OS keyring",
		Long: "Secrets are read from the keyring when credentials.keyring is true and the\n" +
			"matching config value is empty. Names: " + strings.Join(credentials.Names, ", "),
	}
	cmd.AddCommand(newSecretsSetCmd(), newSecretsDeleteCmd())
	return cmd
}

func newSecretsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME [VALUE]",
		Short: "Store a secret; the value is read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := newResolver(cmd)
			if err != nil {
				return err
			}
			value := ""
			if len(args) == 2 {
				value = args[1]
			} else {
				line, rerr := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if rerr != nil && line == "" {
					return fmt.Errorf("read secret from stdin: %w", rerr)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return errors.New("secret value is empty")
			}
			if err := resolver.Store(args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
			return nil
		},
	}
}

func newSecretsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Remove a secret from the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := newResolver(cmd)
			if err != nil {
				return err
			}
			if err := resolver.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newResolver(cmd *cobra.Command) (*credentials.Resolver, error) {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return nil, err
	}
	return credentials.New(credentials.Config{
		UseKeyring: true,
		Service:    e.cfg.Credentials.Service,
	}, e.logger), nil
}
