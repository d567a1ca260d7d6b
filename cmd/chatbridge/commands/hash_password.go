package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/webui"
)

// newHashPasswordCmd cria o comando `chatbridge hash-password`.
func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for webui.password_hash",
		Long: `Prompt for a password and print its bcrypt hash. Put the hash in
webui.password_hash (or QR_PASSWORD_HASH) to keep the plain password
out of the config file and the environment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readNewPassword()
			if err != nil {
				return err
			}
			hash, err := webui.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
