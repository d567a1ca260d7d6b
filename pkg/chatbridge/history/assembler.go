// Package history turns a raw window of chat messages into the context the
// inference backend consumes: the triggering message plus the conversation
// that preceded it.
package history

import (
	"errors"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/channels"
)

// RoleAssistant marks messages sent by the logged-in account.
const RoleAssistant = "assistant"

// ErrHistoryEmpty is returned when there is no message to build a payload from.
var ErrHistoryEmpty = errors.New("history is empty")

// NormalizedMessage is a chat message with the sender replaced by its role.
// The JSON key for Role is "from", the name the backend expects.
type NormalizedMessage struct {
	Role      string `json:"from"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// Payload is the body of an inference request.
type Payload struct {
	ChatID      string              `json:"chatId"`
	History     []NormalizedMessage `json:"history"`
	LastMessage NormalizedMessage   `json:"lastMessage"`
}

// Normalize maps a chat message to its normalized form. The sender becomes
// "assistant" when it is the self identity; body and timestamp pass through.
func Normalize(msg channels.ChatMessage, selfID string) NormalizedMessage {
	role := msg.Sender
	if selfID != "" && msg.Sender == selfID {
		role = RoleAssistant
	}
	return NormalizedMessage{
		Role:      role,
		Body:      msg.Body,
		Timestamp: msg.Timestamp,
	}
}

// Assemble builds the inference payload for a chat from raw messages ordered
// oldest first. The newest message becomes LastMessage; the rest, in order,
// become History minus every entry whose body equals LastMessage's body.
//
// The body filter removes echoes of the triggering message that the chat
// layer re-delivers inside the fetched window. Body text is a pragmatic key,
// not an identity: two genuine messages with the same text (a user sending
// "ok" twice) are indistinguishable, and the earlier one is dropped.
//
// The returned History is a new slice and never aliases raw.
func Assemble(chatID string, raw []channels.ChatMessage, selfID string) (*Payload, error) {
	if len(raw) == 0 {
		return nil, ErrHistoryEmpty
	}

	last := Normalize(raw[len(raw)-1], selfID)

	history := make([]NormalizedMessage, 0, len(raw)-1)
	for _, msg := range raw[:len(raw)-1] {
		if msg.Body == last.Body {
			continue
		}
		history = append(history, Normalize(msg, selfID))
	}

	return &Payload{
		ChatID:      chatID,
		History:     history,
		LastMessage: last,
	}, nil
}
