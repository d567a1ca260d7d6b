package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/backend"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/channels"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/config"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/history"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/relay"
)

// cliSelfID is the self identity of the local conversation.
const cliSelfID = "chatbridge-cli"

// newChatCmd cria o comando `chatbridge chat` para conversas com o backend.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the inference backend from the terminal",
		Long: `Hold a conversation with the inference backend without a chat account.
Each message is sent with the preceding local conversation, exactly as
the bridge would send a chat's history.

Examples:
  chatbridge chat "hello"
  chatbridge chat            # interactive mode`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
	cmd.Flags().String("sender", "+10000000000", "identificador do remetente local")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Backend.Validate(); err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logCfg := cfg.Logging
	if !verbose {
		logCfg.Level = "error"
	}
	client := backend.New(cfg.Backend, config.NewLogger(logCfg, verbose, cmd.ErrOrStderr()))

	sender, _ := cmd.Flags().GetString("sender")
	conv := newConversation(sender, cfg.Relay.HistoryLimit, client)
	out := cmd.OutOrStdout()

	if len(args) > 0 {
		reply, err := conv.Send(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, reply)
		return nil
	}

	return chatREPL(cmd.Context(), conv, out)
}

// chatREPL lê mensagens com readline até EOF, Ctrl+C ou /exit.
func chatREPL(ctx context.Context, conv *conversation, out io.Writer) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     chatHistoryFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          out,
	})
	if err != nil {
		return fmt.Errorf("starting prompt: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(out, infoStyle.Render("Chatting with the backend. /reset clears the conversation, /exit quits."))

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err != nil { // io.EOF
			return nil
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			conv.Reset()
			fmt.Fprintln(out, infoStyle.Render("conversation cleared"))
			continue
		}

		reply, err := conv.Send(ctx, line)
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render("✗"), err)
			continue
		}
		fmt.Fprintln(out, successStyle.Render("bot>"), reply)
	}
}

// chatHistoryFile returns the readline history path, or "" when there is no
// home directory.
func chatHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".chatbridge_history")
}

// ---------- Conversation ----------

// conversation is a local chat with the backend. It builds each request
// the same way the relay does for a real chat.
type conversation struct {
	sender  string
	limit   int
	backend relay.Backend
	msgs    []channels.ChatMessage
	now     func() time.Time
}

func newConversation(sender string, limit int, be relay.Backend) *conversation {
	if limit <= 0 {
		limit = relay.DefaultConfig().HistoryLimit
	}
	return &conversation{sender: sender, limit: limit, backend: be, now: time.Now}
}

// Send appends text as an inbound message, asks the backend for a reply and
// records the reply as sent by the local self identity. A failed request
// leaves the inbound message in the conversation.
func (c *conversation) Send(ctx context.Context, text string) (string, error) {
	c.msgs = append(c.msgs, channels.ChatMessage{
		ChatID:    c.sender,
		Sender:    c.sender,
		Body:      text,
		Timestamp: c.now().Unix(),
	})

	window := c.msgs
	if len(window) > c.limit {
		window = window[len(window)-c.limit:]
	}
	payload, err := history.Assemble(c.sender, window, cliSelfID)
	if err != nil {
		return "", err
	}

	reply, err := c.backend.Inference(ctx, payload)
	if err != nil {
		return "", err
	}

	c.msgs = append(c.msgs, channels.ChatMessage{
		ChatID:    c.sender,
		Sender:    cliSelfID,
		Body:      reply,
		Timestamp: c.now().Unix(),
	})
	return reply, nil
}

// Reset forgets the conversation.
func (c *conversation) Reset() {
	c.msgs = nil
}
