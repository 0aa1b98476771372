package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReadyWithNoTasksRegistered(t *testing.T) {
	m := New()
	ready, unhealthy := m.Ready()
	if !ready || len(unhealthy) != 0 {
		t.Fatalf("expected ready with no tasks, got ready=%v unhealthy=%v", ready, unhealthy)
	}
}

func TestSuperviseMarksHealthyWhileRunning(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan struct{})

	go func() {
		m.Supervise(ctx, "sweeper", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
		close(done)
	}()

	<-started
	ready, unhealthy := m.Ready()
	if !ready || len(unhealthy) != 0 {
		t.Fatalf("expected healthy while running, got ready=%v unhealthy=%v", ready, unhealthy)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Supervise did not return after context cancellation")
	}

	ready, unhealthy = m.Ready()
	if !ready || len(unhealthy) != 0 {
		t.Fatalf("expected clean shutdown to stay healthy, got ready=%v unhealthy=%v", ready, unhealthy)
	}
}

func TestSuperviseMarksUnhealthyOnUnexpectedExit(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.Supervise(ctx, "pruner", func(ctx context.Context) error {
		return errors.New("boom")
	})

	ready, unhealthy := m.Ready()
	if ready {
		t.Fatal("expected not ready after unexpected task exit")
	}
	if len(unhealthy) != 1 || unhealthy[0] != "pruner: boom" {
		t.Fatalf("unexpected unhealthy list: %v", unhealthy)
	}
}
