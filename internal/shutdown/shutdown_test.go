package shutdown

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/logging"
)

func TestNew(t *testing.T) {
	manager := New(Config{Timeout: 10 * time.Second, Logger: logging.Nop()})
	if manager.timeout != 10*time.Second {
		t.Errorf("Expected timeout 10s, got %v", manager.timeout)
	}

	if m := New(Config{}); m.timeout != 30*time.Second {
		t.Errorf("Expected default timeout 30s, got %v", m.timeout)
	}
}

func TestShutdownReverseOrder(t *testing.T) {
	manager := New(Config{Timeout: 5 * time.Second})

	var order []string
	for _, name := range []string{"checkpoint", "follower", "server"} {
		n := name
		manager.RegisterFunc(n, func(ctx context.Context) error {
			order = append(order, n)
			return nil
		})
	}

	if err := manager.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	want := []string{"server", "follower", "checkpoint"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

func TestShutdownJoinsErrors(t *testing.T) {
	manager := New(Config{Timeout: 5 * time.Second})

	errFlush := errors.New("flush failed")
	errClose := errors.New("close failed")
	manager.RegisterFunc("tracing", func(ctx context.Context) error { return errFlush })
	manager.RegisterFunc("ok", func(ctx context.Context) error { return nil })
	manager.RegisterFunc("server", func(ctx context.Context) error { return errClose })

	err := manager.Shutdown()
	if !errors.Is(err, errFlush) || !errors.Is(err, errClose) {
		t.Errorf("Shutdown() error = %v, want both hook errors", err)
	}
}

func TestShutdownOnce(t *testing.T) {
	manager := New(Config{Timeout: 5 * time.Second})

	calls := 0
	manager.RegisterFunc("counter", func(ctx context.Context) error {
		calls++
		return nil
	})

	manager.Shutdown()
	manager.Shutdown()

	if calls != 1 {
		t.Errorf("hook ran %d times, want 1", calls)
	}
}

func TestShutdownTimeout(t *testing.T) {
	manager := New(Config{Timeout: 50 * time.Millisecond})

	ran := false
	manager.RegisterFunc("late", func(ctx context.Context) error {
		ran = true
		return nil
	})
	manager.RegisterFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := manager.Shutdown()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want deadline exceeded", err)
	}
	if ran {
		t.Error("hook ran after the timeout expired")
	}
}

func TestWaitForSignal(t *testing.T) {
	manager := New(Config{Timeout: time.Second})

	stopped := make(chan struct{})
	manager.RegisterFunc("test", func(ctx context.Context) error {
		close(stopped)
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- manager.WaitForSignal(context.Background(), syscall.SIGUSR1)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send signal: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("WaitForSignal() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForSignal did not return")
	}

	select {
	case <-stopped:
	default:
		t.Error("hook did not run")
	}
}

func TestWaitForSignalContext(t *testing.T) {
	manager := New(Config{Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := manager.WaitForSignal(ctx); err != nil {
		t.Errorf("WaitForSignal() error = %v", err)
	}
}
