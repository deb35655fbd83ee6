package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/logging"
)

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

type hook struct {
	name string
	fn   ShutdownFunc
}

// Manager runs registered cleanup hooks once, under a shared timeout
type Manager struct {
	logger       *logging.Logger
	timeout      time.Duration
	hooks        []hook
	mu           sync.Mutex
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	gracefulDone chan struct{}
	err          error
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Manager{
		logger:       cfg.Logger.WithComponent("shutdown"),
		timeout:      cfg.Timeout,
		shutdownCh:   make(chan struct{}),
		gracefulDone: make(chan struct{}),
	}
}

// RegisterFunc registers a hook. Hooks run in reverse registration order.
func (m *Manager) RegisterFunc(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("hook", name).Msg("Registered shutdown function")
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// WaitForSignal blocks until a shutdown signal arrives or ctx is done,
// then runs the hooks
func (m *Manager) WaitForSignal(ctx context.Context, signals ...os.Signal) error {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().
			Str("signal", sig.String()).
			Msg("Shutdown signal received")
	case <-ctx.Done():
	case <-m.shutdownCh:
	}

	return m.Shutdown()
}

// Shutdown runs every hook once and returns their joined errors.
// Later calls wait for the first and return the same result.
func (m *Manager) Shutdown() error {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		m.err = m.performShutdown()
		close(m.gracefulDone)
	})
	<-m.gracefulDone
	return m.err
}

// performShutdown runs hooks last-registered first
func (m *Manager) performShutdown() error {
	m.mu.Lock()
	hooks := make([]hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("functions", len(hooks)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.name, ctx.Err()))
			continue
		}

		if err := h.fn(ctx); err != nil {
			m.logger.Error().
				Err(err).
				Str("hook", h.name).
				Msg("Shutdown function failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).Msg("Shutdown function completed")
	}

	if len(errs) > 0 {
		m.logger.Warn().
			Int("errors", len(errs)).
			Msg("Graceful shutdown completed with errors")
		return errors.Join(errs...)
	}

	m.logger.Info().Msg("Graceful shutdown completed successfully")
	return nil
}
