// Package discord implements a Discord collaborator using discordgo.
//
// Login uses a bot token, so there is no QR challenge: the gateway Ready
// event becomes EventReady with the bot user id as self identity. History is
// read from the Discord API on demand.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/channels"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// maxFetchLimit is the largest page ChannelMessages accepts.
const maxFetchLimit = 100

// Config holds Discord collaborator configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token" env:"DISCORD_TOKEN"`

	// AllowedChannels restricts which channel ids are relayed.
	// Empty means all channels.
	AllowedChannels []string `yaml:"allowed_channels" env:"DISCORD_ALLOWED_CHANNELS"`
}

// Discord implements channels.Collaborator.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	events       chan channels.Event
	eventsMu     sync.RWMutex
	eventsClosed bool

	selfID    atomic.Value // string
	connected atomic.Bool
	readyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Discord collaborator.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Discord{
		cfg:    cfg,
		logger: logger.With("component", "discord"),
		events: make(chan channels.Event, 256),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ---------- Collaborator Interface ----------

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Events returns the event stream. It is closed by Disconnect.
func (d *Discord) Events() <-chan channels.Event { return d.events }

// Connect opens the Discord gateway connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("%w: discord bot token is required", channels.ErrConnectionFailed)
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("%w: creating discord session: %v", channels.ErrConnectionFailed, err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onReady)
	session.AddHandler(d.onMessageCreate)
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.logger.Warn("discord: gateway disconnected, discordgo will reconnect")
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("%w: opening discord gateway: %v", channels.ErrConnectionFailed, err)
	}
	d.session = session
	return nil
}

// Disconnect closes the gateway connection and the event stream.
func (d *Discord) Disconnect() error {
	if d.cancel != nil {
		d.cancel()
	}
	var err error
	if d.session != nil {
		err = d.session.Close()
	}
	d.connected.Store(false)

	d.eventsMu.Lock()
	if !d.eventsClosed {
		d.eventsClosed = true
		close(d.events)
	}
	d.eventsMu.Unlock()

	d.logger.Info("discord: disconnected")
	return err
}

// FetchHistory returns up to limit recent messages of a channel, oldest first.
func (d *Discord) FetchHistory(ctx context.Context, chatID string, limit int) ([]channels.ChatMessage, error) {
	if d.session == nil {
		return nil, channels.ErrChannelDisconnected
	}
	if limit <= 0 {
		return nil, nil
	}
	if limit > maxFetchLimit {
		limit = maxFetchLimit
	}

	raw, err := d.session.ChannelMessages(chatID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching discord history for %s: %w", chatID, err)
	}

	// The API returns newest first.
	msgs := make([]channels.ChatMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		if msg, ok := toChatMessage(raw[i]); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// Send sends text to a channel, split into chunks of at most 2000
// characters.
func (d *Discord) Send(ctx context.Context, chatID, text string) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if _, err := d.session.ChannelMessageSend(chatID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
		}
	}
	return nil
}

// ---------- Event Handlers ----------

func (d *Discord) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	d.selfID.Store(r.User.ID)
	d.connected.Store(true)
	d.logger.Info("discord: connected", "bot", r.User.Username, "id", r.User.ID)

	d.readyOnce.Do(func() {
		d.emit(channels.Ready(r.User.ID))
	})
}

// onMessageCreate emits text messages. The bot's own messages are emitted
// too; other bots are ignored.
func (d *Discord) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	self, _ := d.selfID.Load().(string)
	if m.Author.Bot && m.Author.ID != self {
		return
	}
	if !d.channelAllowed(m.ChannelID) {
		return
	}
	msg, ok := toChatMessage(m.Message)
	if !ok {
		return
	}
	d.emit(channels.Message(msg))
}

func (d *Discord) channelAllowed(channelID string) bool {
	if len(d.cfg.AllowedChannels) == 0 {
		return true
	}
	for _, id := range d.cfg.AllowedChannels {
		if id == channelID {
			return true
		}
	}
	return false
}

func (d *Discord) emit(evt channels.Event) {
	d.eventsMu.RLock()
	defer d.eventsMu.RUnlock()
	if d.eventsClosed {
		return
	}
	select {
	case d.events <- evt:
	case <-d.ctx.Done():
	}
}

// ---------- Helpers ----------

// toChatMessage converts a Discord message. Messages without text content
// are reported as not ok.
func toChatMessage(m *discordgo.Message) (channels.ChatMessage, bool) {
	if m == nil || m.Author == nil || strings.TrimSpace(m.Content) == "" {
		return channels.ChatMessage{}, false
	}
	return channels.ChatMessage{
		ID:        m.ID,
		ChatID:    m.ChannelID,
		Sender:    m.Author.ID,
		Body:      m.Content,
		Timestamp: m.Timestamp.Unix(),
	}, true
}

// splitMessage splits text into chunks of at most maxLen characters,
// preferring to cut after a newline in the second half of a chunk.
func splitMessage(text string, maxLen int) []string {
	if utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}
		cutAt := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if runes[i] == '\n' {
				cutAt = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cutAt]))
		runes = runes[cutAt:]
	}
	return chunks
}
