package commands

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/config"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/webui"
)

// newSetupCmd cria o comando `chatbridge setup` para configuração interativa.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that writes config.yaml: chat platform,
backend address, QR page credentials and the sender rule.
The QR page password is stored in the OS keyring when available,
otherwise only its bcrypt hash is written to the file.

Examples:
  chatbridge setup
  chatbridge setup --output configs/config.yaml`,
		RunE: runSetup,
	}
	cmd.Flags().StringP("output", "o", "config.yaml", "arquivo de configuração a ser gerado")
	return cmd
}

// setupAnswers holds what the wizard asks for.
type setupAnswers struct {
	Collaborator  string
	BackendURL    string
	DiscordToken  string
	WebUIEnabled  bool
	Username      string
	Password      string
	UseKeyring    bool
	LocalePrefix  string
	HistoryLimit  string
	ListenAddress string
}

func runSetup(cmd *cobra.Command, _ []string) error {
	output, _ := cmd.Flags().GetString("output")

	if _, err := os.Stat(output); err == nil {
		overwrite := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite it?", output)).
			Description("The current file is kept as " + output + ".bak").
			Value(&overwrite).
			Run()
		if err != nil {
			return setupAborted(err)
		}
		if !overwrite {
			fmt.Fprintln(cmd.OutOrStdout(), "Setup cancelled.")
			return nil
		}
	}

	defaults := config.Default()
	keyringOK := config.KeyringAvailable()
	answers := setupAnswers{
		Collaborator:  defaults.Collaborator,
		BackendURL:    defaults.Backend.BaseURL(),
		WebUIEnabled:  true,
		Username:      "admin",
		UseKeyring:    keyringOK,
		HistoryLimit:  fmt.Sprint(defaults.Relay.HistoryLimit),
		ListenAddress: defaults.WebUI.Address,
	}

	form := huh.NewForm(
		// ── Platform and backend ──
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Chat platform").
				Options(
					huh.NewOption("WhatsApp (QR login)", config.CollaboratorWhatsApp),
					huh.NewOption("Discord bot", config.CollaboratorDiscord),
				).
				Value(&answers.Collaborator),
			huh.NewInput().
				Title("Inference backend URL").
				Value(&answers.BackendURL).
				Validate(validateBackendURL),
			huh.NewInput().
				Title("Messages of history sent per request").
				Value(&answers.HistoryLimit).
				Validate(validatePositive),
		),

		// ── Discord ──
		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				EchoMode(huh.EchoModePassword).
				Value(&answers.DiscordToken).
				Validate(required("token")),
		).WithHideFunc(func() bool { return answers.Collaborator != config.CollaboratorDiscord }),

		// ── WhatsApp ──
		huh.NewGroup(
			huh.NewInput().
				Title("Only answer numbers starting with (optional)").
				Description("Country prefix without '+', e.g. 49. Empty answers everyone.").
				Value(&answers.LocalePrefix).
				Validate(validateDigits),
			huh.NewConfirm().
				Title("Serve the QR login page?").
				Value(&answers.WebUIEnabled),
		).WithHideFunc(func() bool { return answers.Collaborator != config.CollaboratorWhatsApp }),

		// ── QR page ──
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Value(&answers.ListenAddress).
				Validate(required("listen address")),
			huh.NewInput().
				Title("QR page username").
				Value(&answers.Username).
				Validate(required("username")),
			huh.NewInput().
				Title("QR page password").
				EchoMode(huh.EchoModePassword).
				Value(&answers.Password).
				Validate(required("password")),
		).WithHideFunc(func() bool {
			return answers.Collaborator != config.CollaboratorWhatsApp || !answers.WebUIEnabled
		}),

		huh.NewGroup(
			huh.NewConfirm().
				Title("Store the password in the OS keyring?").
				Description("Otherwise a bcrypt hash is written to the config file.").
				Value(&answers.UseKeyring),
		).WithHideFunc(func() bool {
			return !keyringOK || answers.Collaborator != config.CollaboratorWhatsApp || !answers.WebUIEnabled
		}),
	)

	if err := form.Run(); err != nil {
		return setupAborted(err)
	}
	if !keyringOK {
		answers.UseKeyring = false
	}

	cfg, err := buildSetupConfig(answers)
	if err != nil {
		return err
	}

	if answers.UseKeyring && cfg.WebUI.Enabled {
		if err := config.StoreKeyring(config.KeyWebUIPassword, answers.Password); err != nil {
			return fmt.Errorf("storing password in keyring: %w", err)
		}
	}

	if err := config.Save(cfg, output); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, successStyle.Render("✓ Configuration written to "+output))
	if answers.UseKeyring && cfg.WebUI.Enabled {
		fmt.Fprintln(out, infoStyle.Render("  QR page password stored in the OS keyring"))
	}
	fmt.Fprintln(out, infoStyle.Render("  Next: chatbridge serve --config "+output))
	return nil
}

// buildSetupConfig turns wizard answers into a configuration. The plain
// password never ends up in the returned config: it is either left to the
// keyring or replaced by its bcrypt hash.
func buildSetupConfig(a setupAnswers) (*config.Config, error) {
	cfg := config.Default()
	cfg.Collaborator = a.Collaborator
	cfg.Backend.URL = strings.TrimSpace(a.BackendURL)

	if n, err := parsePositive(a.HistoryLimit); err == nil {
		cfg.Relay.HistoryLimit = n
	}

	switch a.Collaborator {
	case config.CollaboratorDiscord:
		cfg.Discord.Token = strings.TrimSpace(a.DiscordToken)
		cfg.WebUI.Enabled = false
	case config.CollaboratorWhatsApp:
		cfg.Relay.Policy.LocalePrefix = strings.TrimPrefix(strings.TrimSpace(a.LocalePrefix), "+")
		cfg.WebUI.Enabled = a.WebUIEnabled
	default:
		return nil, fmt.Errorf("unknown collaborator %q", a.Collaborator)
	}

	if cfg.WebUI.Enabled {
		cfg.WebUI.Address = strings.TrimSpace(a.ListenAddress)
		cfg.WebUI.Username = strings.TrimSpace(a.Username)
		if !a.UseKeyring {
			hash, err := webui.HashPassword(a.Password)
			if err != nil {
				return nil, err
			}
			cfg.WebUI.PasswordHash = hash
		}
	}
	return cfg, nil
}

func setupAborted(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return fmt.Errorf("setup aborted")
	}
	return err
}

// ── Validators ──

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func validateBackendURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("enter an http(s) URL, e.g. http://127.0.0.1:5050")
	}
	return nil
}

func validateDigits(s string) error {
	s = strings.TrimPrefix(strings.TrimSpace(s), "+")
	for _, r := range s {
		if r < '0' || r > '9' {
			return fmt.Errorf("only digits are allowed")
		}
	}
	return nil
}

func validatePositive(s string) error {
	_, err := parsePositive(s)
	return err
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("enter a positive number")
	}
	return n, nil
}
