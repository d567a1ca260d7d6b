// Package whatsapp – events.go converts whatsmeow events into collaborator
// events and feeds the history log.
package whatsapp

import (
	"strings"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ConnectionState is the collaborator's view of the WhatsApp connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateConnected    ConnectionState = "connected"
	StateLoggedOut    ConnectionState = "logged_out"
)

// handleEvent is the whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	w.touch()

	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.HistorySync:
		w.handleHistorySync(evt)

	case *events.Connected:
		w.handleConnected()

	case *events.Disconnected:
		w.connected.Store(false)
		w.setState(StateDisconnected)
		w.logger.Warn("whatsapp: disconnected, waiting for auto-reconnect")

	case *events.PairSuccess:
		w.logger.Info("whatsapp: device paired",
			"jid", evt.ID.String(),
			"platform", evt.Platform)

	case *events.LoggedOut:
		w.handleLoggedOut(evt)

	case *events.StreamReplaced:
		w.connected.Store(false)
		w.setState(StateDisconnected)
		w.logger.Error("whatsapp: stream replaced, another client took over this session")

	case *events.TemporaryBan:
		w.connected.Store(false)
		w.setState(StateDisconnected)
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)
	}
}

func (w *WhatsApp) handleConnected() {
	w.connected.Store(true)
	w.setState(StateConnected)
	selfID := w.selfID()
	w.logger.Info("whatsapp: connected", "jid", selfID)

	w.readyOnce.Do(func() {
		w.emit(channels.Ready(selfID))
	})
}

// handleLoggedOut reports the session loss. There is no re-login path; the
// process has to be restarted to pair again.
func (w *WhatsApp) handleLoggedOut(evt *events.LoggedOut) {
	w.connected.Store(false)
	w.setState(StateLoggedOut)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	w.logger.Error("whatsapp: logged out", "reason", reason, "on_connect", evt.OnConnect)
	w.emit(channels.LoggedOut(reason))
}

// handleMessageEvt records a text message and emits it. Own messages are
// emitted too, with the linked account as sender.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	msg, ok := w.toChatMessage(evt)
	if !ok {
		return
	}
	if w.history != nil {
		if _, err := w.history.Record(w.ctx, msg); err != nil {
			w.logger.Warn("whatsapp: failed to record message", "id", msg.ID, "error", err)
		}
	}
	w.emit(channels.Message(msg))
}

// handleHistorySync stores the conversations WhatsApp pushes after pairing.
// Nothing is emitted for them.
func (w *WhatsApp) handleHistorySync(evt *events.HistorySync) {
	if w.client == nil || w.history == nil || evt.Data == nil {
		return
	}

	stored := 0
	for _, conv := range evt.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, hm := range conv.GetMessages() {
			parsed, err := w.client.ParseWebMessage(chatJID, hm.GetMessage())
			if err != nil {
				continue
			}
			msg, ok := w.toChatMessage(parsed)
			if !ok {
				continue
			}
			if added, err := w.history.Record(w.ctx, msg); err == nil && added {
				stored++
			}
		}
	}
	w.logger.Debug("whatsapp: history sync stored",
		"type", evt.Data.GetSyncType().String(),
		"messages", stored)
}

// toChatMessage converts a whatsmeow message event. Messages without text
// are reported as not ok.
func (w *WhatsApp) toChatMessage(evt *events.Message) (channels.ChatMessage, bool) {
	if evt == nil {
		return channels.ChatMessage{}, false
	}
	body := extractText(evt.Message)
	if strings.TrimSpace(body) == "" {
		return channels.ChatMessage{}, false
	}

	sender := w.resolveJID(evt.Info.Sender)
	if evt.Info.IsFromMe {
		if self := w.selfID(); self != "" {
			sender = self
		}
	}

	return channels.ChatMessage{
		ID:        string(evt.Info.ID),
		ChatID:    w.resolveJID(evt.Info.Chat),
		Sender:    sender,
		Body:      body,
		Timestamp: evt.Info.Timestamp.Unix(),
	}, true
}

// resolveJID maps a LID (linked identity) to its phone JID when the store
// knows it, and drops the device part.
func (w *WhatsApp) resolveJID(jid types.JID) string {
	if jid.Server == types.HiddenUserServer && w.client != nil && w.client.Store != nil {
		if alt, err := w.client.Store.GetAltJID(w.ctx, jid); err == nil && !alt.IsEmpty() {
			jid = alt
		}
	}
	return jid.ToNonAD().String()
}

// extractText returns the text of a message: plain conversation, extended
// text, or the caption of a media message.
func extractText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	switch {
	case m.Conversation != nil:
		return m.GetConversation()
	case m.ExtendedTextMessage != nil:
		return m.GetExtendedTextMessage().GetText()
	case m.ImageMessage != nil:
		return m.GetImageMessage().GetCaption()
	case m.VideoMessage != nil:
		return m.GetVideoMessage().GetCaption()
	case m.DocumentMessage != nil:
		return m.GetDocumentMessage().GetCaption()
	}
	return ""
}
