package session

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func newTestController() *Controller {
	return New(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestInitialState(t *testing.T) {
	c := newTestController()

	if c.State().Phase != Unauthenticated {
		t.Errorf("expected %q, got %q", Unauthenticated, c.State().Phase)
	}
	if c.IsReady() {
		t.Error("expected not ready initially")
	}
	if _, ok := c.CurrentChallenge(); ok {
		t.Error("expected no challenge initially")
	}
	if _, ok := c.SelfID(); ok {
		t.Error("expected no self id initially")
	}
}

func TestOnChallenge(t *testing.T) {
	t.Run("records challenge", func(t *testing.T) {
		c := newTestController()
		c.OnChallenge("qr-1")

		qr, ok := c.CurrentChallenge()
		if !ok || qr != "qr-1" {
			t.Errorf("expected qr-1, got %q (ok=%v)", qr, ok)
		}
		if c.State().Phase != QRPending {
			t.Errorf("expected %q, got %q", QRPending, c.State().Phase)
		}
	})

	t.Run("new challenge overwrites previous", func(t *testing.T) {
		c := newTestController()
		c.OnChallenge("qr-1")
		c.OnChallenge("qr-2")

		qr, _ := c.CurrentChallenge()
		if qr != "qr-2" {
			t.Errorf("expected qr-2, got %q", qr)
		}
		if c.State().Challenges != 2 {
			t.Errorf("expected 2 challenges, got %d", c.State().Challenges)
		}
	})

	t.Run("ignored once ready", func(t *testing.T) {
		c := newTestController()
		c.OnAuthenticated("self")
		c.OnChallenge("late-qr")

		if _, ok := c.CurrentChallenge(); ok {
			t.Error("expected no challenge after ready")
		}
		if !c.IsReady() {
			t.Error("expected session to stay ready")
		}
	})
}

func TestOnAuthenticated(t *testing.T) {
	t.Run("transitions to ready and clears challenge", func(t *testing.T) {
		c := newTestController()
		c.OnChallenge("qr-1")
		c.OnAuthenticated("self@s.whatsapp.net")

		if !c.IsReady() {
			t.Fatal("expected ready")
		}
		id, ok := c.SelfID()
		if !ok || id != "self@s.whatsapp.net" {
			t.Errorf("expected self id, got %q (ok=%v)", id, ok)
		}
		if _, ok := c.CurrentChallenge(); ok {
			t.Error("expected challenge cleared after ready")
		}
	})

	t.Run("idempotent with same id", func(t *testing.T) {
		c := newTestController()
		c.OnAuthenticated("self")
		readyAt := c.State().ReadyAt
		c.OnAuthenticated("self")

		id, _ := c.SelfID()
		if id != "self" {
			t.Errorf("expected self, got %q", id)
		}
		if !c.State().ReadyAt.Equal(readyAt) {
			t.Error("expected ReadyAt unchanged by duplicate signal")
		}
	})

	t.Run("keeps first identity", func(t *testing.T) {
		c := newTestController()
		c.OnAuthenticated("first")
		c.OnAuthenticated("second")

		id, _ := c.SelfID()
		if id != "first" {
			t.Errorf("expected first, got %q", id)
		}
	})
}

func TestSubscribe(t *testing.T) {
	t.Run("replays current state", func(t *testing.T) {
		c := newTestController()
		c.OnChallenge("qr-1")

		ch, unsubscribe := c.Subscribe()
		defer unsubscribe()

		select {
		case snap := <-ch:
			if snap.Phase != QRPending || snap.Challenge != "qr-1" {
				t.Errorf("unexpected replay: %+v", snap)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for replay")
		}
	})

	t.Run("receives transitions", func(t *testing.T) {
		c := newTestController()
		ch, unsubscribe := c.Subscribe()
		defer unsubscribe()
		<-ch // initial replay

		c.OnChallenge("qr-1")
		c.OnAuthenticated("self")

		want := []Phase{QRPending, Ready}
		for _, phase := range want {
			select {
			case snap := <-ch:
				if snap.Phase != phase {
					t.Errorf("expected %q, got %q", phase, snap.Phase)
				}
			case <-time.After(time.Second):
				t.Fatalf("timeout waiting for %q", phase)
			}
		}
	})

	t.Run("unsubscribe closes channel", func(t *testing.T) {
		c := newTestController()
		ch, unsubscribe := c.Subscribe()
		<-ch
		unsubscribe()

		c.OnChallenge("qr-1")

		if _, ok := <-ch; ok {
			t.Error("expected channel to be closed after unsubscribe")
		}
	})
}

func TestConcurrentAccess(t *testing.T) {
	c := newTestController()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.OnChallenge("qr")
		}()
		go func() {
			defer wg.Done()
			_ = c.State()
			_, _ = c.CurrentChallenge()
		}()
	}
	wg.Wait()

	c.OnAuthenticated("self")
	if !c.IsReady() {
		t.Error("expected ready after concurrent challenges")
	}
}
