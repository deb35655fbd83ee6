package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/logging"
)

const positionsFile = "positions.json"

// Position records how far a capture file has been decoded
type Position struct {
	Path    string `json:"path"`
	Offset  int64  `json:"offset"`
	Inode   uint64 `json:"inode"`
	Records int64  `json:"records"`
}

// Manager manages checkpoint persistence
type Manager struct {
	mu            sync.RWMutex
	saveMu        sync.Mutex
	checkpointDir string
	positions     map[string]Position
	interval      time.Duration
	logger        *logging.Logger
	dirty         bool
	stopOnce      sync.Once
	stopCh        chan struct{}
}

// NewManager creates a new checkpoint manager
func NewManager(checkpointDir string, interval time.Duration, logger *logging.Logger) (*Manager, error) {
	if err := os.MkdirAll(checkpointDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Manager{
		checkpointDir: checkpointDir,
		positions:     make(map[string]Position),
		interval:      interval,
		logger:        logger.WithComponent("checkpoint"),
		stopCh:        make(chan struct{}),
	}, nil
}

// Start starts the periodic checkpoint saving
func (m *Manager) Start() {
	go m.saveLoop()
}

// Stop stops the save loop and writes a final checkpoint. Safe to call more than once.
func (m *Manager) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopCh)
		err = m.Save()
	})
	return err
}

// UpdatePosition updates the position for a file
func (m *Manager) UpdatePosition(pos Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions[pos.Path] = pos
	m.dirty = true
}

// GetPosition retrieves the position for a file
func (m *Manager) GetPosition(path string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[path]
	return pos, ok
}

// Load loads checkpoints from disk. A missing file is not an error.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var positions map[string]Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return fmt.Errorf("failed to unmarshal checkpoint data: %w", err)
	}
	if positions == nil {
		positions = make(map[string]Position)
	}

	m.mu.Lock()
	m.positions = positions
	m.dirty = false
	m.mu.Unlock()

	return nil
}

// Save writes checkpoints to disk atomically
func (m *Manager) Save() error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	data, err := json.MarshalIndent(m.positions, "", "  ")
	m.dirty = false
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint data: %w", err)
	}

	tmpFile := m.path() + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	if err := os.Rename(tmpFile, m.path()); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	return nil
}

func (m *Manager) path() string {
	return filepath.Join(m.checkpointDir, positionsFile)
}

// saveLoop saves dirty checkpoints every interval
func (m *Manager) saveLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.RLock()
			dirty := m.dirty
			m.mu.RUnlock()

			if !dirty {
				continue
			}
			if err := m.Save(); err != nil {
				m.logger.Error().Err(err).Msg("Failed to save checkpoint")
			}
		case <-m.stopCh:
			return
		}
	}
}
