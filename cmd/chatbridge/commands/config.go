package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/config"
)

// newConfigCmd cria o comando `chatbridge config` com seus subcomandos.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
	}
	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigSetPasswordCmd(),
		newConfigDeletePasswordCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			masked := *cfg
			masked.WebUI.Password = maskSecret(masked.WebUI.Password)
			masked.WebUI.PasswordHash = maskSecret(masked.WebUI.PasswordHash)
			masked.Discord.Token = maskSecret(masked.Discord.Token)

			data, err := yaml.Marshal(&masked)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			out := cmd.OutOrStdout()
			if cfg.Path != "" {
				fmt.Fprintf(out, "# %s\n", cfg.Path)
			} else {
				fmt.Fprintln(out, "# defaults + environment (no config file)")
			}
			_, err = out.Write(data)
			return err
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ configuration is valid"))
			return nil
		},
	}
}

func newConfigSetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-password",
		Short: "Store the QR page password in the OS keyring",
		Long: `Prompt for the QR page password and store it in the OS keyring
(Secret Service, Keychain or Credential Manager). It is used when neither
webui.password, webui.password_hash nor QR_PASSWORD is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !config.KeyringAvailable() {
				return fmt.Errorf("OS keyring is not available; use `chatbridge hash-password` and webui.password_hash instead")
			}
			password, err := readNewPassword()
			if err != nil {
				return err
			}
			if err := config.StoreKeyring(config.KeyWebUIPassword, password); err != nil {
				return fmt.Errorf("storing password: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ password stored in the OS keyring"))
			return nil
		},
	}
}

func newConfigDeletePasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-password",
		Short: "Remove the QR page password from the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.DeleteKeyring(config.KeyWebUIPassword); err != nil {
				return fmt.Errorf("deleting password: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ password removed from the OS keyring"))
			return nil
		},
	}
}

// readNewPassword pede a senha duas vezes e confere se são iguais.
func readNewPassword() (string, error) {
	password, err := config.ReadPassword("Password: ")
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", fmt.Errorf("password is empty")
	}
	confirm, err := config.ReadPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", fmt.Errorf("passwords do not match")
	}
	return password, nil
}

// maskSecret keeps the first characters of a secret for recognition.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", 4)
}
