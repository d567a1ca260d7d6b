// Package whatsapp implements the WhatsApp collaborator using whatsmeow,
// a native Go WhatsApp Web API library.
//
// The device session is persisted in SQLite. When no device is stored the
// QR login runs in the background and every QR code is reported on the
// event stream. Text messages are recorded in a local history log before
// they are emitted, which is what FetchHistory reads.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/channels"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds WhatsApp collaborator configuration.
type Config struct {
	// DatabasePath is the SQLite file holding both the whatsmeow session
	// tables and the chat history log.
	DatabasePath string `yaml:"database_path" env:"WHATSAPP_DB_PATH"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name" env:"WHATSAPP_DEVICE_NAME"`

	// PrintQR also renders QR codes on the terminal.
	PrintQR bool `yaml:"print_qr" env:"WHATSAPP_PRINT_QR"`

	// HistoryRetention is how many messages per chat survive a prune.
	// Zero disables pruning.
	HistoryRetention int `yaml:"history_retention" env:"WHATSAPP_HISTORY_RETENTION"`

	// PruneSchedule is the cron spec for history pruning. Empty disables it.
	PruneSchedule string `yaml:"prune_schedule" env:"WHATSAPP_PRUNE_SCHEDULE"`

	// Watchdog configures silent-connection detection.
	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath:     "./data/chatbridge.db",
		DeviceName:       "chatbridge",
		PrintQR:          true,
		HistoryRetention: 1000,
		PruneSchedule:    "@daily",
		Watchdog:         DefaultWatchdogConfig(),
	}
}

// WhatsApp implements channels.Collaborator.
type WhatsApp struct {
	cfg     Config
	client  *whatsmeow.Client
	history *HistoryStore
	logger  *slog.Logger

	// qrOut receives terminal QR renderings when PrintQR is set.
	qrOut io.Writer

	events chan channels.Event
	// eventsMu guards closing events against concurrent emits.
	eventsMu     sync.RWMutex
	eventsClosed bool

	connected    atomic.Bool
	state        atomic.Value // ConnectionState
	lastActivity atomic.Value // time.Time

	// reconnect is swapped in tests.
	reconnect func(ctx context.Context) error

	// readyOnce makes EventReady fire once per process, whatever the
	// number of reconnects.
	readyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new WhatsApp collaborator. Nothing is opened until Connect.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaults.DatabasePath
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaults.DeviceName
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &WhatsApp{
		cfg:    cfg,
		logger: logger.With("component", "whatsapp"),
		qrOut:  os.Stdout,
		events: make(chan channels.Event, 256),
		ctx:    ctx,
		cancel: cancel,
	}
	w.reconnect = w.reconnectClient
	w.setState(StateDisconnected)
	return w
}

// ---------- State Management ----------

// State returns the current connection state.
func (w *WhatsApp) State() ConnectionState {
	if v := w.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (w *WhatsApp) setState(state ConnectionState) {
	w.state.Store(state)
}

// selfID returns the linked account id without the device part, or ""
// before pairing.
func (w *WhatsApp) selfID() string {
	if w.client != nil && w.client.Store != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.ToNonAD().String()
	}
	return ""
}

// ---------- Collaborator Interface ----------

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Events returns the event stream. It is closed by Disconnect.
func (w *WhatsApp) Events() <-chan channels.Event { return w.events }

// Connect opens the stores and starts the WhatsApp Web connection. Without
// a stored device the QR login runs in the background, so Connect returns
// as soon as the client is set up.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.setState(StateConnecting)
	w.logger.Info("whatsapp: initializing connection", "db", w.cfg.DatabasePath)

	if w.history == nil {
		hs, err := OpenHistoryStore(w.cfg.DatabasePath)
		if err != nil {
			w.setState(StateDisconnected)
			return fmt.Errorf("%w: opening history log: %v", channels.ErrConnectionFailed, err)
		}
		w.history = hs
	}

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("%w: creating session store: %v", channels.ErrConnectionFailed, err)
	}

	device, err := getDevice(w.ctx, container)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("%w: getting device: %v", channels.ErrConnectionFailed, err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true
	w.client.InitialAutoReconnect = true

	if w.client.Store.ID == nil {
		w.setState(StateWaitingQR)
		w.logger.Info("whatsapp: no existing session, QR code required")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR login ended", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", channels.ErrConnectionFailed, err)
	}
	w.logger.Info("whatsapp: connecting with existing session", "jid", w.selfID())
	return nil
}

// Disconnect closes the connection and the event stream.
func (w *WhatsApp) Disconnect() error {
	w.setState(StateDisconnected)
	w.connected.Store(false)

	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}

	w.eventsMu.Lock()
	if !w.eventsClosed {
		w.eventsClosed = true
		close(w.events)
	}
	w.eventsMu.Unlock()

	var err error
	if w.history != nil {
		err = w.history.Close()
	}
	w.logger.Info("whatsapp: disconnected")
	return err
}

// FetchHistory returns the last limit messages of chatID from the history
// log, oldest first.
func (w *WhatsApp) FetchHistory(ctx context.Context, chatID string, limit int) ([]channels.ChatMessage, error) {
	if w.history == nil {
		return nil, channels.ErrChannelDisconnected
	}
	return w.history.Recent(ctx, chatID, limit)
}

// Send sends a text message and records it in the history log as sent by
// the linked account.
func (w *WhatsApp) Send(ctx context.Context, chatID, text string) error {
	if w.client == nil || !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(chatID)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", chatID, err)
	}

	resp, err := w.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}

	sent := channels.ChatMessage{
		ID:        string(resp.ID),
		ChatID:    chatID,
		Sender:    w.selfID(),
		Body:      text,
		Timestamp: resp.Timestamp.Unix(),
	}
	if _, err := w.history.Record(ctx, sent); err != nil {
		w.logger.Warn("whatsapp: failed to record sent message", "error", err)
	}
	return nil
}

// PruneHistory trims every chat in the history log to HistoryRetention
// messages.
func (w *WhatsApp) PruneHistory(ctx context.Context) (int64, error) {
	if w.history == nil || w.cfg.HistoryRetention <= 0 {
		return 0, nil
	}
	chats, err := w.history.Chats(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, chatID := range chats {
		n, err := w.history.Prune(ctx, chatID, w.cfg.HistoryRetention)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		w.logger.Info("whatsapp: history pruned", "removed", total, "chats", len(chats))
	}
	return total, nil
}

// ---------- Internal ----------

// getDevice retrieves the stored device or creates a new one.
func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the QR login flow until pairing succeeds, the codes run
// out or ctx is done.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return nil
			}

			switch evt.Event {
			case "code":
				attempts++
				w.setState(StateWaitingQR)
				w.logger.Info("whatsapp: QR code ready", "attempt", attempts)
				if w.cfg.PrintQR && w.qrOut != nil {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, w.qrOut)
				}
				w.emit(channels.QR(evt.Code))

			case "success":
				w.logger.Info("whatsapp: login successful")
				return nil

			case "timeout":
				w.setState(StateDisconnected)
				w.logger.Error("whatsapp: QR codes expired without a scan, restart to try again")
				return fmt.Errorf("QR code timeout")

			default:
				if evt.Error != nil {
					w.setState(StateDisconnected)
					w.logger.Error("whatsapp: QR login error", "error", evt.Error)
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

// emit puts an event on the stream. It blocks while the buffer is full
// and gives up once the collaborator shuts down.
func (w *WhatsApp) emit(evt channels.Event) {
	w.eventsMu.RLock()
	defer w.eventsMu.RUnlock()
	if w.eventsClosed {
		return
	}
	select {
	case w.events <- evt:
	case <-w.ctx.Done():
	}
}

// ---------- Helpers ----------

// parseJID converts a string to types.JID.
// Accepts "491701234567", "491701234567@s.whatsapp.net" or group ids
// like "123456789-1234@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
