package tailer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/config"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/logging"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/parser"
	"github.com/therealutkarshpriyadarshi/vagrantlog/pkg/types"
)

// metricsSource labels records decoded by the follower
const metricsSource = "follow"

// ErrStopped is reported for a path whose stream was abandoned after a decode failure
var ErrStopped = errors.New("follower stopped")

// Entry is one decoded line, or the error that stopped its file.
// Offset is the byte offset just past the line.
type Entry struct {
	Path   string
	Offset int64
	Record types.Record
	Err    error
}

// Config holds tailer configuration
type Config struct {
	Paths        []string
	Checkpoints  *checkpoint.Manager
	Parser       parser.Parser
	StartAt      string
	PollInterval time.Duration
	Metrics      *metrics.Collector
	Logger       *logging.Logger
}

// Tailer follows capture files, decodes complete lines and handles rotation
type Tailer struct {
	paths         map[string]bool
	checkpointMgr *checkpoint.Manager
	parser        parser.Parser
	startAt       string
	poll          time.Duration
	metrics       *metrics.Collector
	logger        *logging.Logger
	watcher       *fsnotify.Watcher
	files         map[string]*tailedFile
	failed        map[string]error
	mu            sync.Mutex
	entryCh       chan Entry
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	stopOnce      sync.Once
}

type tailedFile struct {
	path    string
	file    *os.File
	reader  *bufio.Reader
	offset  int64
	inode   uint64
	records int64
	notify  chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a new Tailer instance
func New(cfg Config) (*Tailer, error) {
	if len(cfg.Paths) == 0 {
		return nil, fmt.Errorf("no paths to follow")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint manager is required")
	}
	if cfg.Parser == nil {
		cfg.Parser = parser.New()
	}
	if cfg.StartAt == "" {
		cfg.StartAt = config.StartAtBeginning
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	paths := make(map[string]bool, len(cfg.Paths))
	for _, p := range cfg.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to resolve path %s: %w", p, err)
		}
		paths[abs] = true
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Tailer{
		paths:         paths,
		checkpointMgr: cfg.Checkpoints,
		parser:        cfg.Parser,
		startAt:       cfg.StartAt,
		poll:          cfg.PollInterval,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.WithComponent("follower"),
		watcher:       watcher,
		files:         make(map[string]*tailedFile),
		failed:        make(map[string]error),
		entryCh:       make(chan Entry, 1000),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start opens every path and starts watching their directories.
// Paths that do not exist yet are picked up when they are created.
func (t *Tailer) Start() error {
	dirs := make(map[string]bool)
	for path := range t.paths {
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := t.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	for path := range t.paths {
		if err := t.openFile(path, false); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				t.logger.Warn().Str("path", path).Msg("File does not exist yet, waiting for it")
				continue
			}
			t.logger.Error().Err(err).Str("path", path).Msg("Failed to open file")
		}
	}

	t.wg.Add(1)
	go t.watchLoop()

	return nil
}

// Stop stops the tailer and closes the entry channel. Safe to call more than once.
func (t *Tailer) Stop() {
	t.stopOnce.Do(func() {
		t.cancel()
		t.watcher.Close()
		t.wg.Wait()

		t.mu.Lock()
		t.files = make(map[string]*tailedFile)
		t.mu.Unlock()
		t.setActive(0)

		close(t.entryCh)
	})
}

// Entries returns the channel of decoded lines
func (t *Tailer) Entries() <-chan Entry {
	return t.entryCh
}

// Err reports the decode failures that stopped files, or nil while every file is healthy
func (t *Tailer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.failed) == 0 {
		return nil
	}

	paths := make([]string, 0, len(t.failed))
	for p := range t.failed {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	errs := make([]error, 0, len(paths))
	for _, p := range paths {
		errs = append(errs, fmt.Errorf("%s: %w", p, t.failed[p]))
	}
	return errors.Join(errs...)
}

// openFile opens path and starts its read loop. fromStart skips the
// checkpoint and start_at lookup, as after a rotation.
func (t *Tailer) openFile(path string, fromStart bool) error {
	t.mu.Lock()
	_, open := t.files[path]
	_, failed := t.failed[path]
	t.mu.Unlock()
	if open || failed {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat file: %w", err)
	}
	inode := getInode(stat)

	var offset, records int64
	switch pos, ok := t.checkpointMgr.GetPosition(path); {
	case fromStart:
	case ok && pos.Inode == inode && atLineStart(file, pos.Offset, stat.Size()):
		offset, records = pos.Offset, pos.Records
		t.logger.Info().Str("path", path).Int64("offset", offset).Msg("Resuming from checkpoint")
	case t.startAt == config.StartAtEnd:
		offset = stat.Size()
		t.logger.Info().Str("path", path).Msg("Starting from end of file")
	default:
		t.logger.Info().Str("path", path).Msg("Starting from beginning of file")
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("failed to seek to offset: %w", err)
	}

	ctx, cancel := context.WithCancel(t.ctx)
	tf := &tailedFile{
		path:    path,
		file:    file,
		reader:  bufio.NewReader(file),
		offset:  offset,
		inode:   inode,
		records: records,
		notify:  make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	t.mu.Lock()
	t.files[path] = tf
	active := len(t.files)
	t.mu.Unlock()
	t.setActive(active)

	t.wg.Add(1)
	go t.readLoop(ctx, tf)

	return nil
}

// atLineStart reports whether offset lies within size and just after a newline,
// so a checkpoint into content rewritten in place is not trusted.
func atLineStart(file *os.File, offset, size int64) bool {
	if offset > size {
		return false
	}
	if offset == 0 {
		return true
	}
	var b [1]byte
	if _, err := file.ReadAt(b[:], offset-1); err != nil {
		return false
	}
	return b[0] == '\n'
}

// truncated reports whether tf shrank below what has been read from it
func (t *Tailer) truncated(tf *tailedFile, pending int) bool {
	stat, err := tf.file.Stat()
	if err != nil {
		return false
	}
	return stat.Size() < tf.offset+int64(pending)
}

// rewind restarts tf from the beginning after an in-place truncation
func (t *Tailer) rewind(tf *tailedFile) error {
	if _, err := tf.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek after truncation: %w", err)
	}
	tf.reader.Reset(tf.file)
	t.logger.Info().
		Str("path", tf.path).
		Int64("offset", tf.offset).
		Msg("File truncated, reading from start")
	tf.offset = 0
	tf.records = 0
	t.checkpointMgr.UpdatePosition(checkpoint.Position{Path: tf.path, Inode: tf.inode})
	return nil
}

// closeFile stops the read loop for path and waits for it to exit
func (t *Tailer) closeFile(path string) {
	t.mu.Lock()
	tf, ok := t.files[path]
	if ok {
		delete(t.files, path)
	}
	active := len(t.files)
	t.mu.Unlock()

	if !ok {
		return
	}
	tf.cancel()
	<-tf.done
	t.setActive(active)
}

// readLoop decodes complete lines from tf until cancelled or a line fails
func (t *Tailer) readLoop(ctx context.Context, tf *tailedFile) {
	defer t.wg.Done()
	defer close(tf.done)
	defer tf.file.Close()

	var pending strings.Builder
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		chunk, err := tf.reader.ReadString('\n')
		pending.WriteString(chunk)

		if pending.Len() > parser.MaxLineSize {
			t.fail(ctx, tf, bufio.ErrTooLong)
			return
		}

		if err == io.EOF {
			if t.truncated(tf, pending.Len()) {
				if err := t.rewind(tf); err != nil {
					t.fail(ctx, tf, err)
					return
				}
				pending.Reset()
				continue
			}
			select {
			case <-tf.notify:
			case <-time.After(t.poll):
			case <-ctx.Done():
				return
			}
			continue
		}
		if err != nil {
			t.fail(ctx, tf, fmt.Errorf("failed to read file: %w", err))
			return
		}

		line := pending.String()
		pending.Reset()
		tf.offset += int64(len(line))

		rec, err := t.parser.Parse(strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"))
		if err != nil {
			t.fail(ctx, tf, err)
			return
		}
		tf.records++

		t.checkpointMgr.UpdatePosition(checkpoint.Position{
			Path:    tf.path,
			Offset:  tf.offset,
			Inode:   tf.inode,
			Records: tf.records,
		})
		if t.metrics != nil {
			t.metrics.FollowerLines.WithLabelValues(tf.path).Inc()
			t.metrics.ObserveRecord(metricsSource, rec)
		}

		select {
		case t.entryCh <- Entry{Path: tf.path, Offset: tf.offset, Record: rec}:
		case <-ctx.Done():
			return
		}
	}
}

// fail records err as the reason tf stopped and emits it as a final entry
func (t *Tailer) fail(ctx context.Context, tf *tailedFile, err error) {
	t.mu.Lock()
	t.failed[tf.path] = err
	if t.files[tf.path] == tf {
		delete(t.files, tf.path)
	}
	active := len(t.files)
	t.mu.Unlock()
	t.setActive(active)

	if t.metrics != nil {
		t.metrics.ObserveFailure(metricsSource, err)
	}
	t.logger.Error().
		Err(err).
		Str("path", tf.path).
		Int64("offset", tf.offset).
		Msg("Stopped following file")

	select {
	case t.entryCh <- Entry{Path: tf.path, Offset: tf.offset, Err: fmt.Errorf("%w: %w", ErrStopped, err)}:
	case <-ctx.Done():
	}
}

// watchLoop watches the parent directories for file events
func (t *Tailer) watchLoop() {
	defer t.wg.Done()

	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleEvent(event)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Error().Err(err).Msg("File watcher error")

		case <-t.ctx.Done():
			return
		}
	}
}

// handleEvent handles file system events for followed paths
func (t *Tailer) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if !t.paths[path] {
		return
	}

	switch {
	case event.Has(fsnotify.Write):
		t.mu.Lock()
		tf, ok := t.files[path]
		t.mu.Unlock()
		if ok {
			select {
			case tf.notify <- struct{}{}:
			default:
			}
		}

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		t.logger.Info().Str("path", path).Msg("File rotation detected")
		t.closeFile(path)

	case event.Has(fsnotify.Create):
		t.logger.Info().Str("path", path).Msg("File created")
		t.mu.Lock()
		tf, ok := t.files[path]
		t.mu.Unlock()
		if ok {
			if stat, err := os.Stat(path); err == nil && getInode(stat) == tf.inode {
				return
			}
		}
		t.closeFile(path)
		if err := t.openFile(path, true); err != nil {
			t.logger.Error().Err(err).Str("path", path).Msg("Failed to open file")
		}
	}
}

func (t *Tailer) setActive(n int) {
	if t.metrics != nil {
		t.metrics.FollowerActiveFiles.Set(float64(n))
	}
}

// getInode extracts inode from FileInfo
func getInode(fi os.FileInfo) uint64 {
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}
