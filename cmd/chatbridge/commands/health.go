package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/backend"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/config"
)

var (
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true).
			Underline(true)
)

var errUnhealthy = errors.New("backend is not healthy")

// newHealthCmd cria o comando `chatbridge health` para verificação de saúde.
// Usado pelo Docker HEALTHCHECK e monitoramento.
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the inference backend",
		Long: `Call the backend health endpoint once and print its status and the
status of each dependency it reports. Exits non-zero when the backend is
unreachable or not healthy, so it can back a container HEALTHCHECK.`,
		RunE: runHealth,
	}
	cmd.Flags().Duration("timeout", 10*time.Second, "tempo máximo de espera pela resposta")
	return cmd
}

func runHealth(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Backend.Validate(); err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	// Client errors are rendered below; keep the logger quiet unless asked.
	logCfg := config.LoggingConfig{Level: "error"}
	client := backend.New(cfg.Backend, config.NewLogger(logCfg, verbose, cmd.ErrOrStderr()))

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	hs, err := client.HealthCheck(ctx)
	if !renderHealth(cmd.OutOrStdout(), client.BaseURL(), hs, err) {
		return errUnhealthy
	}
	return nil
}

// renderHealth prints a health report and reports whether it is healthy.
func renderHealth(w io.Writer, baseURL string, hs *backend.HealthStatus, err error) bool {
	fmt.Fprintln(w, sectionStyle.Render("Backend health check"))
	fmt.Fprintln(w, infoStyle.Render("Backend: "+baseURL))
	fmt.Fprintln(w)

	if err != nil {
		fmt.Fprintln(w, errorStyle.Render("✗ Request failed:"), err)
		return false
	}

	if hs.Healthy() {
		fmt.Fprintln(w, successStyle.Render("✓ Status: "+hs.Status))
	} else {
		fmt.Fprintln(w, errorStyle.Render("✗ Status: "+hs.Status))
	}

	if names := hs.DependencyNames(); len(names) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, infoStyle.Render("Dependencies:"))
		for _, name := range names {
			status, ok := hs.DependencyStatus(name)
			if ok {
				fmt.Fprintf(w, "  %s %s\n", successStyle.Render("✓"), name)
			} else {
				fmt.Fprintf(w, "  %s %s (%s)\n", warningStyle.Render("!"), name, status)
			}
		}
	}
	return hs.Healthy()
}
