// Package commands implementa os comandos CLI do chatbridge usando cobra.
package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/config"
)

// NewRootCmd cria o comando raiz do CLI com todos os subcomandos registrados.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatbridge",
		Short: "chatbridge - relay chat messages to an inference backend",
		Long: `chatbridge links a WhatsApp account (or a Discord bot) and answers
incoming messages by sending the recent conversation to an HTTP
inference backend.

Examples:
  chatbridge setup
  chatbridge serve
  chatbridge health
  chatbridge chat`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Registra subcomandos.
	rootCmd.AddCommand(
		newServeCmd(),
		newHealthCmd(),
		newChatCmd(),
		newSetupCmd(),
		newConfigCmd(),
		newHashPasswordCmd(),
	)

	// Flags globais.
	rootCmd.PersistentFlags().StringP("config", "c", "", "caminho para o arquivo de configuração")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "habilita logs detalhados")

	return rootCmd
}

// resolveConfig carrega a configuração do caminho passado em --config ou,
// na ausência dele, do primeiro arquivo encontrado nos locais padrão.
// Sem arquivo, valem os defaults mais o ambiente.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		if configPath != "" {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return nil, fmt.Errorf("loading config from %s: %w", config.FindConfigFile(), err)
	}
	if cfg.Path != "" {
		slog.Debug("config loaded", "path", cfg.Path)
	}
	return cfg, nil
}
