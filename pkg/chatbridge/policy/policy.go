// Package policy decides which chat messages the relay processes.
package policy

import (
	"strings"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/channels"
)

// statusBroadcast is the WhatsApp pseudo-chat carrying status updates.
const statusBroadcast = "status@broadcast"

// Rule is the optional sender allow-list.
type Rule struct {
	// LocalePrefix restricts processing to senders whose number starts with
	// this prefix (e.g. "49"). Empty disables the check.
	LocalePrefix string `yaml:"locale_prefix" env:"LOCALE_PREFIX"`
}

// Filter applies a Rule to incoming messages.
type Filter struct {
	rule Rule
}

// NewFilter creates a Filter for the given rule.
func NewFilter(rule Rule) *Filter {
	rule.LocalePrefix = strings.TrimPrefix(strings.TrimSpace(rule.LocalePrefix), "+")
	return &Filter{rule: rule}
}

// ShouldProcess reports whether msg should be answered.
func (f *Filter) ShouldProcess(msg channels.ChatMessage, selfID string) bool {
	return ShouldProcess(msg, selfID, f.rule)
}

// ShouldProcess applies the rules in order:
//  1. messages from the self identity are rejected (the collaborator
//     reports outgoing traffic on the same stream);
//  2. status broadcasts and messages without text are rejected;
//  3. with a locale prefix configured, senders whose number does not
//     start with it are rejected.
func ShouldProcess(msg channels.ChatMessage, selfID string, rule Rule) bool {
	if selfID != "" && msg.Sender == selfID {
		return false
	}
	if msg.ChatID == statusBroadcast || strings.TrimSpace(msg.Body) == "" {
		return false
	}
	prefix := strings.TrimPrefix(strings.TrimSpace(rule.LocalePrefix), "+")
	if prefix != "" && !strings.HasPrefix(senderNumber(msg.Sender), prefix) {
		return false
	}
	return true
}

// senderNumber extracts the user part of a participant id:
// "+491701234567@s.whatsapp.net" → "491701234567".
func senderNumber(sender string) string {
	user, _, _ := strings.Cut(sender, "@")
	user, _, _ = strings.Cut(user, ":")
	return strings.TrimPrefix(user, "+")
}
