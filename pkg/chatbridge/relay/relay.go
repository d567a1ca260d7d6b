// Package relay is the orchestrator between the chat collaborator and the
// inference backend. A single loop consumes the collaborator's event stream:
// lifecycle events update the session controller, and each message event is
// handled in its own goroutine through filter → history → backend → reply.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/channels"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/history"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/policy"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/session"
)

// Config holds relay settings.
type Config struct {
	// HistoryLimit is how many recent messages are fetched per event.
	HistoryLimit int `yaml:"history_limit" env:"HISTORY_LIMIT"`

	// Policy is the sender allow-list.
	Policy policy.Rule `yaml:"policy"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{HistoryLimit: 100}
}

// Backend is the part of the backend client the relay needs.
type Backend interface {
	Inference(ctx context.Context, payload *history.Payload) (string, error)
}

// Outcome is the terminal state of one handled message.
type Outcome string

const (
	OutcomeReplied      Outcome = "replied"
	OutcomeNotReady     Outcome = "not_ready"
	OutcomeFiltered     Outcome = "filtered"
	OutcomeHistoryError Outcome = "history_error"
	OutcomeHistoryEmpty Outcome = "history_empty"
	OutcomeBackendError Outcome = "backend_error"
	OutcomeSendError    Outcome = "send_error"
)

// Relay wires the collaborator, the session and the backend together.
type Relay struct {
	cfg     Config
	chat    channels.Collaborator
	session *session.Controller
	backend Backend
	filter  *policy.Filter
	logger  *slog.Logger

	// inflight tracks message handlers still running.
	inflight sync.WaitGroup

	statsMu sync.Mutex
	stats   map[Outcome]int
}

// New creates a Relay.
func New(cfg Config, chat channels.Collaborator, sess *session.Controller, be Backend, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	return &Relay{
		cfg:     cfg,
		chat:    chat,
		session: sess,
		backend: be,
		filter:  policy.NewFilter(cfg.Policy),
		logger:  logger.With("component", "relay"),
		stats:   make(map[Outcome]int),
	}
}

// Run dispatches events until ctx is done or the stream closes, then waits
// for in-flight message handlers.
func (r *Relay) Run(ctx context.Context, events <-chan channels.Event) error {
	defer r.inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				r.logger.Info("event stream closed")
				return nil
			}
			r.dispatch(ctx, evt)
		}
	}
}

// dispatch routes one event.
func (r *Relay) dispatch(ctx context.Context, evt channels.Event) {
	switch evt.Type {
	case channels.EventQR:
		r.session.OnChallenge(evt.Code)

	case channels.EventReady:
		r.session.OnAuthenticated(evt.SelfID)

	case channels.EventLoggedOut:
		// No re-authentication path: a restart is required to log in again.
		r.logger.Error("chat session logged out, restart required to re-link",
			"collaborator", r.chat.Name(),
			"reason", evt.Reason)

	case channels.EventMessage:
		r.inflight.Add(1)
		go func(msg channels.ChatMessage) {
			defer r.inflight.Done()
			r.HandleMessage(ctx, msg)
		}(evt.Message)

	default:
		r.logger.Warn("unknown event type", "type", evt.Type)
	}
}

// HandleMessage runs one inbound message through the relay and returns its
// outcome. At most one message is sent, and only on OutcomeReplied.
func (r *Relay) HandleMessage(ctx context.Context, msg channels.ChatMessage) Outcome {
	outcome := r.handle(ctx, msg)
	r.statsMu.Lock()
	r.stats[outcome]++
	r.statsMu.Unlock()
	return outcome
}

func (r *Relay) handle(ctx context.Context, msg channels.ChatMessage) Outcome {
	logger := r.logger.With("event_id", uuid.NewString(), "chat_id", msg.ChatID)

	selfID, ready := r.session.SelfID()
	if !ready {
		logger.Warn("message received before session is ready, skipping")
		return OutcomeNotReady
	}

	if !r.filter.ShouldProcess(msg, selfID) {
		logger.Debug("message filtered", "sender", msg.Sender)
		return OutcomeFiltered
	}

	start := time.Now()
	raw, err := r.chat.FetchHistory(ctx, msg.ChatID, r.cfg.HistoryLimit)
	if err != nil {
		logger.Error("fetching chat history failed", "error", err)
		return OutcomeHistoryError
	}

	payload, err := history.Assemble(msg.ChatID, raw, selfID)
	if err != nil {
		if errors.Is(err, history.ErrHistoryEmpty) {
			logger.Error("fetched history is empty, not calling backend")
			return OutcomeHistoryEmpty
		}
		logger.Error("assembling history failed", "error", err)
		return OutcomeHistoryError
	}
	logger.Debug("payload assembled",
		"history", len(payload.History),
		"last_message", payload.LastMessage.Body)

	reply, err := r.backend.Inference(ctx, payload)
	if err != nil {
		logger.Error("error sending data to backend", "error", err)
		return OutcomeBackendError
	}

	if err := r.chat.Send(ctx, msg.ChatID, reply); err != nil {
		logger.Error("sending reply failed", "error", err)
		return OutcomeSendError
	}

	logger.Info("reply sent",
		"history", len(payload.History),
		"duration_ms", time.Since(start).Milliseconds())
	return OutcomeReplied
}

// Stats returns how many messages ended in each outcome.
func (r *Relay) Stats() map[Outcome]int {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	out := make(map[Outcome]int, len(r.stats))
	for k, v := range r.stats {
		out[k] = v
	}
	return out
}
