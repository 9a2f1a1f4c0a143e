package routine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestTracker() *Tracker {
	return NewTracker(zerolog.Nop())
}

func TestTracker_Go(t *testing.T) {
	tr := newTestTracker()

	var executed atomic.Bool
	task, err := tr.Go(context.Background(), "test", func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	<-task.Done()

	if !executed.Load() {
		t.Error("expected function to be executed")
	}
	if task.Err() != nil {
		t.Errorf("expected no error, got %v", task.Err())
	}
}

func TestTracker_TaskError(t *testing.T) {
	tr := newTestTracker()
	want := errors.New("boom")
	task, _ := tr.Go(context.Background(), "failing", func(ctx context.Context) error {
		return want
	})
	if err := task.Wait(context.Background()); !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestTracker_WithPanic(t *testing.T) {
	tr := newTestTracker()

	var afterPanic atomic.Bool
	panicking, _ := tr.Go(context.Background(), "panic-routine", func(ctx context.Context) error {
		panic("test panic")
	})
	tr.Go(context.Background(), "after", func(ctx context.Context) error {
		afterPanic.Store(true)
		return nil
	})

	if err := tr.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(panicking.Err(), ErrPanicRecovered) {
		t.Errorf("expected panic error, got %v", panicking.Err())
	}
	if !afterPanic.Load() {
		t.Error("expected goroutine after panic to execute")
	}
}

func TestTracker_Pending(t *testing.T) {
	tr := newTestTracker()
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		tr.Go(context.Background(), "blocked", func(ctx context.Context) error {
			<-release
			return nil
		})
	}
	if n := tr.Pending(); n != 3 {
		t.Fatalf("expected 3 pending tasks, got %d", n)
	}
	close(release)
	tr.Wait(context.Background())
	if n := tr.Pending(); n != 0 {
		t.Fatalf("expected no pending tasks, got %d", n)
	}
}

func TestTracker_WaitTimeout(t *testing.T) {
	tr := newTestTracker()
	release := make(chan struct{})
	defer close(release)
	tr.Go(context.Background(), "slow", func(ctx context.Context) error {
		<-release
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tr.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestTracker_Closed(t *testing.T) {
	tr := newTestTracker()
	tr.Close()
	if _, err := tr.Go(context.Background(), "late", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestErrPanic(t *testing.T) {
	err := ErrPanic("test error")
	expected := "routine: panic recovered: test error"
	if err.Error() != expected {
		t.Errorf("expected '%s', got '%s'", expected, err.Error())
	}
}
