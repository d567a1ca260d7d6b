package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/backend"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/channels"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/channels/discord"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/channels/whatsapp"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/config"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/relay"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/scheduler"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/session"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/webui"
)

// shutdownTimeout caps graceful shutdown.
const shutdownTimeout = 10 * time.Second

var errBackendUnhealthy = errors.New("backend reported unhealthy")

// newServeCmd cria o comando `chatbridge serve` que inicia o serviço.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge",
		Long: `Start chatbridge: connect the chat account, serve the QR login page
and relay every incoming message to the inference backend.

Examples:
  chatbridge serve
  chatbridge serve --config ./config.yaml
  chatbridge serve -v`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := config.NewLogger(cfg.Logging, verbose, os.Stdout)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Core components ──
	sess := session.New(logger)
	be := backend.New(cfg.Backend, logger)
	chat := newCollaborator(cfg, logger)
	bridge := relay.New(cfg.Relay, chat, sess, be, logger)

	// ── Web UI ──
	var web *webui.Server
	if cfg.WebUI.Enabled {
		web, err = webui.New(cfg.WebUI, sess, be, logger)
		if err != nil {
			return err
		}
		if err := web.Start(ctx); err != nil {
			return err
		}
	}

	// ── Relay loop ──
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := bridge.Run(ctx, chat.Events()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay stopped", "error", err)
		}
	}()

	// ── Connect collaborator ──
	if err := chat.Connect(ctx); err != nil {
		abortStartup(web, chat, false, logger)
		return fmt.Errorf("starting %s: %w", chat.Name(), err)
	}

	// ── Scheduler ──
	sched := scheduler.New(logger)
	if err := registerJobs(sched, cfg, be, chat); err != nil {
		abortStartup(web, chat, true, logger)
		cancel()
		<-relayDone
		return err
	}
	sched.Start(ctx)

	go probeBackend(ctx, sched, be)

	// ── Wait for shutdown ──
	logger.Info("chatbridge running. Press Ctrl+C to stop.",
		"collaborator", chat.Name(),
		"backend", be.BaseURL(),
		"webui", cfg.WebUI.Enabled,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Stop(shutdownCtx)
		if web != nil {
			if err := web.Stop(shutdownCtx); err != nil {
				logger.Warn("web UI shutdown error", "error", err)
			}
		}
		if err := chat.Disconnect(); err != nil {
			logger.Warn("collaborator disconnect error", "error", err)
		}
		<-relayDone
	}()

	select {
	case <-done:
		logger.Info("shutdown complete", "outcomes", bridge.Stats())
		for _, job := range sched.List() {
			logger.Info("job summary", "job", job.Name, "runs", job.RunCount,
				"last_run", job.LastRunAt, "last_error", job.LastError)
		}
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
	}
	cancel()
	return nil
}

// abortStartup desfaz o que já foi iniciado quando a inicialização falha.
// disconnect indica que o colaborador chegou a conectar.
func abortStartup(web *webui.Server, chat channels.Collaborator, disconnect bool, logger *slog.Logger) {
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	if web != nil {
		if err := web.Stop(stopCtx); err != nil {
			logger.Warn("web UI shutdown error", "error", err)
		}
	}
	if disconnect {
		if err := chat.Disconnect(); err != nil {
			logger.Warn("collaborator disconnect error", "error", err)
		}
	}
}

// newCollaborator instancia o colaborador de chat configurado.
func newCollaborator(cfg *config.Config, logger *slog.Logger) channels.Collaborator {
	if cfg.Collaborator == config.CollaboratorDiscord {
		return discord.New(cfg.Discord, logger)
	}
	return whatsapp.New(cfg.WhatsApp, logger)
}

// probeBackend faz o primeiro health check logo após a inicialização,
// pelo job agendado quando ele existe.
func probeBackend(ctx context.Context, sched *scheduler.Scheduler, be *backend.Client) {
	if err := sched.RunNow(backendHealthJob); err == nil {
		return
	}
	be.Probe(ctx)
}

// backendHealthJob is the name of the periodic backend probe.
const backendHealthJob = "backend-health"

// registerJobs agenda o health check periódico do backend e, conforme o
// colaborador suporte, a poda do histórico e o watchdog da conexão.
func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, be *backend.Client, chat channels.Collaborator) error {
	sched.SetJobTimeout(cfg.Scheduler.JobTimeout)

	if cfg.Backend.HealthSchedule != "" {
		err := sched.Add(backendHealthJob, cfg.Backend.HealthSchedule, func(ctx context.Context) error {
			if !be.Probe(ctx) {
				return errBackendUnhealthy
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scheduling backend health check: %w", err)
		}
	}

	if pruner, ok := chat.(channels.HistoryPruner); ok && cfg.WhatsApp.PruneSchedule != "" {
		err := sched.Add("history-prune", cfg.WhatsApp.PruneSchedule, func(ctx context.Context) error {
			_, err := pruner.PruneHistory(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("scheduling history prune: %w", err)
		}
	}

	if checker, ok := chat.(channels.ConnectionChecker); ok && cfg.WhatsApp.Watchdog.Schedule != "" {
		if err := sched.Add("connection-watchdog", cfg.WhatsApp.Watchdog.Schedule, checker.CheckConnection); err != nil {
			return fmt.Errorf("scheduling connection watchdog: %w", err)
		}
	}
	return nil
}
