// Package channels defines the contract between chatbridge and the chat
// automation layer (the "collaborator"). A collaborator maintains one live
// messaging session, reports its lifecycle and traffic as a single stream of
// typed events, and exposes history lookup and text sending.
package channels

import (
	"context"
	"fmt"
)

// Collaborator is the interface every chat backend (WhatsApp, Discord) implements.
type Collaborator interface {
	// Name returns the collaborator identifier (e.g. "whatsapp", "discord").
	Name() string

	// Connect starts the session. Login challenges, readiness and messages
	// are reported through Events. An error here is fatal at startup.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the session and the event stream.
	Disconnect() error

	// Events returns the stream of lifecycle and message events.
	Events() <-chan Event

	// FetchHistory returns up to limit recent messages of a chat, oldest first.
	FetchHistory(ctx context.Context, chatID string, limit int) ([]ChatMessage, error)

	// Send sends a text message to a chat.
	Send(ctx context.Context, chatID, text string) error
}

// HistoryPruner is implemented by collaborators that keep their own message
// log and can trim it.
type HistoryPruner interface {
	PruneHistory(ctx context.Context) (int64, error)
}

// ConnectionChecker is implemented by collaborators that can detect a dead
// connection and recover from it. It is run periodically.
type ConnectionChecker interface {
	CheckConnection(ctx context.Context) error
}

// ChatMessage is a single text message as seen by the collaborator.
type ChatMessage struct {
	// ID is the message identifier in the source platform (may be empty).
	ID string

	// ChatID identifies the conversation (DM or group).
	ChatID string

	// Sender is the opaque participant identifier. Messages sent by the
	// logged-in account carry the account's self identity.
	Sender string

	// Body is the text content.
	Body string

	// Timestamp is seconds since the Unix epoch.
	Timestamp int64
}

// EventType identifies the variant carried by an Event.
type EventType string

const (
	// EventQR carries a new login challenge. May repeat before login.
	EventQR EventType = "qr"

	// EventReady signals a successful login and carries the self identity.
	EventReady EventType = "ready"

	// EventMessage carries an inbound or outbound chat message.
	EventMessage EventType = "message"

	// EventLoggedOut signals the session was invalidated by the platform.
	EventLoggedOut EventType = "logged_out"
)

// Event is one item of the collaborator's event stream. Only the fields
// matching Type are set.
type Event struct {
	Type EventType

	// Code is the QR challenge payload (EventQR).
	Code string

	// SelfID is the logged-in account identity (EventReady).
	SelfID string

	// Message is the chat message (EventMessage).
	Message ChatMessage

	// Reason describes why the session ended (EventLoggedOut).
	Reason string
}

// QR builds an EventQR.
func QR(code string) Event { return Event{Type: EventQR, Code: code} }

// Ready builds an EventReady.
func Ready(selfID string) Event { return Event{Type: EventReady, SelfID: selfID} }

// Message builds an EventMessage.
func Message(msg ChatMessage) Event { return Event{Type: EventMessage, Message: msg} }

// LoggedOut builds an EventLoggedOut.
func LoggedOut(reason string) Event { return Event{Type: EventLoggedOut, Reason: reason} }

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrConnectionFailed    = fmt.Errorf("failed to connect to channel")
)
