package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAdd(t *testing.T) {
	s := New(testLogger())
	noop := func(ctx context.Context) error { return nil }

	if err := s.Add("health", "@every 5m", noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("prune", "0 3 * * *", noop); err != nil {
		t.Fatalf("Add cron expression: %v", err)
	}

	t.Run("duplicate name", func(t *testing.T) {
		if err := s.Add("health", "@hourly", noop); err == nil {
			t.Error("expected error for duplicate name")
		}
	})

	t.Run("invalid schedule", func(t *testing.T) {
		if err := s.Add("bad", "every five minutes", noop); err == nil {
			t.Error("expected error for invalid schedule")
		}
	})

	t.Run("nil func", func(t *testing.T) {
		if err := s.Add("nil", "@hourly", nil); err == nil {
			t.Error("expected error for nil func")
		}
	})

	jobs := s.List()
	if len(jobs) != 2 || jobs[0].Name != "health" || jobs[1].Name != "prune" {
		t.Errorf("List() = %+v", jobs)
	}
}

func TestRunNowRecordsOutcome(t *testing.T) {
	s := New(testLogger())
	fail := true
	s.Add("flaky", "@hourly", func(ctx context.Context) error {
		if fail {
			return errors.New("backend down")
		}
		return nil
	})

	if err := s.RunNow("flaky"); err != nil {
		t.Fatal(err)
	}
	job := s.List()[0]
	if job.RunCount != 1 || job.LastError != "backend down" || job.LastRunAt.IsZero() {
		t.Errorf("after failure: %+v", job)
	}

	fail = false
	s.RunNow("flaky")
	job = s.List()[0]
	if job.RunCount != 2 || job.LastError != "" {
		t.Errorf("after success: %+v", job)
	}

	if err := s.RunNow("missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestPanicIsRecovered(t *testing.T) {
	s := New(testLogger())
	s.Add("boom", "@hourly", func(ctx context.Context) error { panic("kaboom") })

	s.RunNow("boom")
	if job := s.List()[0]; job.LastError != "panic: kaboom" {
		t.Errorf("LastError = %q", job.LastError)
	}
}

func TestJobTimeout(t *testing.T) {
	s := New(testLogger())
	s.SetJobTimeout(20 * time.Millisecond)
	s.Add("slow", "@hourly", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan struct{})
	go func() {
		s.RunNow("slow")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job was not cancelled by timeout")
	}
	if job := s.List()[0]; job.LastError != context.DeadlineExceeded.Error() {
		t.Errorf("LastError = %q", job.LastError)
	}
}

func TestOverlappingRunsAreSkipped(t *testing.T) {
	s := New(testLogger())
	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	s.Add("long", "@hourly", func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	})

	go s.RunNow("long")
	<-started
	s.RunNow("long")
	close(release)

	if runs.Load() != 1 {
		t.Errorf("expected 1 run, got %d", runs.Load())
	}
}

func TestStartStop(t *testing.T) {
	s := New(testLogger())
	var runs atomic.Int32
	s.Add("tick", "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	s.Start(context.Background())
	time.Sleep(1500 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	if runs.Load() < 1 {
		t.Error("expected the job to fire at least once")
	}
}
