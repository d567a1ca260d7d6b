package discord

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/channels"
)

func TestSplitMessage(t *testing.T) {
	t.Run("short text is one chunk", func(t *testing.T) {
		got := splitMessage("hello", 2000)
		if len(got) != 1 || got[0] != "hello" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("long text respects the limit", func(t *testing.T) {
		text := strings.Repeat("a", 4500)
		got := splitMessage(text, 2000)
		if len(got) != 3 {
			t.Fatalf("expected 3 chunks, got %d", len(got))
		}
		if strings.Join(got, "") != text {
			t.Error("chunks do not reassemble the text")
		}
	})

	t.Run("prefers newline in second half", func(t *testing.T) {
		text := strings.Repeat("a", 15) + "\n" + strings.Repeat("b", 10)
		got := splitMessage(text, 20)
		if got[0] != strings.Repeat("a", 15)+"\n" {
			t.Errorf("expected cut after newline, got %q", got[0])
		}
	})

	t.Run("counts characters not bytes", func(t *testing.T) {
		text := strings.Repeat("ü", 30)
		got := splitMessage(text, 20)
		if len(got) != 2 {
			t.Fatalf("expected 2 chunks, got %d", len(got))
		}
		for _, c := range got {
			if !utf8.ValidString(c) {
				t.Errorf("chunk %q is not valid UTF-8", c)
			}
		}
	})
}

func TestToChatMessage(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	m := &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		Content:   "hi",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "u1"},
	}

	got, ok := toChatMessage(m)
	if !ok {
		t.Fatal("expected ok")
	}
	want := channels.ChatMessage{ID: "m1", ChatID: "c1", Sender: "u1", Body: "hi", Timestamp: 1700000000}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	m.Content = "  "
	if _, ok := toChatMessage(m); ok {
		t.Error("expected blank content to be skipped")
	}
	if _, ok := toChatMessage(&discordgo.Message{Content: "x"}); ok {
		t.Error("expected message without author to be skipped")
	}
}

func TestOnMessageCreate(t *testing.T) {
	d := New(Config{AllowedChannels: []string{"c1"}}, nil)
	d.onReady(nil, &discordgo.Ready{User: &discordgo.User{ID: "bot", Username: "chatbridge"}})

	evt := <-d.Events()
	if evt.Type != channels.EventReady || evt.SelfID != "bot" {
		t.Fatalf("expected ready event for bot, got %+v", evt)
	}

	send := func(author *discordgo.User, channel, content string) {
		d.onMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
			ID: content, ChannelID: channel, Content: content, Author: author,
		}})
	}
	send(&discordgo.User{ID: "u1"}, "c1", "allowed")
	send(&discordgo.User{ID: "u1"}, "c2", "other channel")
	send(&discordgo.User{ID: "otherbot", Bot: true}, "c1", "other bot")
	send(&discordgo.User{ID: "bot", Bot: true}, "c1", "own")

	var bodies []string
	for len(d.Events()) > 0 {
		bodies = append(bodies, (<-d.Events()).Message.Body)
	}
	if strings.Join(bodies, ",") != "allowed,own" {
		t.Errorf("emitted %v", bodies)
	}

	// A second Ready after a gateway resume does not emit again.
	d.onReady(nil, &discordgo.Ready{User: &discordgo.User{ID: "bot"}})
	if len(d.Events()) != 0 {
		t.Error("expected Ready to be emitted once")
	}
}

func TestNotConnected(t *testing.T) {
	d := New(Config{}, nil)
	ctx := context.Background()

	if err := d.Send(ctx, "c1", "hi"); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("Send: expected ErrChannelDisconnected, got %v", err)
	}
	if _, err := d.FetchHistory(ctx, "c1", 10); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("FetchHistory: expected ErrChannelDisconnected, got %v", err)
	}
	if err := d.Connect(ctx); !errors.Is(err, channels.ErrConnectionFailed) {
		t.Errorf("Connect without token: expected ErrConnectionFailed, got %v", err)
	}
}

func TestDisconnectClosesEvents(t *testing.T) {
	d := New(Config{}, nil)
	if err := d.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-d.Events(); ok {
		t.Error("expected closed event stream")
	}
	d.emit(channels.QR("late"))
}
