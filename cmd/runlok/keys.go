package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"runlok-hq/runlok/pkg/signing"
)

func newKeysCmd(opts *rootOptions) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the record signing secret",
		Long: `Utilities for the HMAC secret that signs enforcement records.

The secret is never stored by runlok itself. Point signing.secret_ref at
an environment variable or a file readable only by the runlok user.`,
	}

	var size int
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Print a new random signing secret",
		Long: `Print a new random HMAC secret, hex encoded, on stdout.

Examples:
  # Store it in a 0600 file
  runlok keys generate > /etc/runlok/signing.key && chmod 600 /etc/runlok/signing.key

  # Longer secret
  runlok keys generate --bytes 64`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := signing.GenerateSecret(size)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			fmt.Fprintln(cmd.ErrOrStderr(), "Configure with signing.secret_ref: file:/path/to/key or env:RUNLOK_SIGNING_SECRET")
			return nil
		},
	}
	generateCmd.Flags().IntVar(&size, "bytes", 32, "secret length in bytes")

	keysCmd.AddCommand(generateCmd)
	return keysCmd
}
