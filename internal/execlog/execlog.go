// Package execlog appends terminal handler states to a line-delimited
// JSON file. Appends never block the worker path: entries queue on a
// bounded channel and a single goroutine owns the file; when the queue
// is full the entry is dropped and counted.
package execlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
)

const defaultBufferSize = 256

// Writer appends handler states as JSON lines. A disabled Writer is
// fully inert, so callers never need a nil check.
type Writer struct {
	logger logging.Logger

	enabled bool
	queue   chan *handlertypes.State
	file    *os.File
	buf     *bufio.Writer

	// mu fences Append sends against the queue close.
	mu       sync.RWMutex
	closed   atomic.Bool
	wg       sync.WaitGroup
	appended atomic.Int64
	dropped  atomic.Int64
}

// New opens the log file and starts the writer goroutine. With
// cfg.Enabled false it returns an inert Writer and touches nothing.
func New(cfg config.ExecLogConfig, logger logging.Logger) (*Writer, error) {
	if logger == nil {
		logger = logging.Default()
	}
	w := &Writer{logger: logger.Named("execlog")}
	if !cfg.Enabled {
		return w, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "creating execlog dir")
		}
	}
	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "opening execlog "+cfg.Path)
	}

	depth := cfg.BufferSize
	if depth <= 0 {
		depth = defaultBufferSize
	}
	w.enabled = true
	w.file = file
	w.buf = bufio.NewWriter(file)
	w.queue = make(chan *handlertypes.State, depth)

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Append queues one terminal state. Never blocks; a full queue drops
// the entry.
func (w *Writer) Append(state *handlertypes.State) {
	if w == nil || !w.enabled || state == nil {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed.Load() {
		return
	}
	snap := state.Snapshot()
	select {
	case w.queue <- &snap:
	default:
		if w.dropped.Add(1) == 1 {
			w.logger.Warn("execlog queue full, dropping entries")
		}
	}
}

// Appended returns the number of lines written.
func (w *Writer) Appended() int64 { return w.appended.Load() }

// Dropped returns the number of entries lost to a full queue.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Close drains the queue, flushes, and closes the file.
func (w *Writer) Close() error {
	if w == nil || !w.enabled || w.closed.Swap(true) {
		return nil
	}
	w.mu.Lock()
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *Writer) run() {
	defer w.wg.Done()
	for state := range w.queue {
		line, err := json.Marshal(state)
		if err != nil {
			w.logger.Error("execlog entry not serializable", logging.Err(err))
			continue
		}
		if _, err := w.buf.Write(append(line, '\n')); err != nil {
			w.logger.Error("execlog write failed", logging.Err(err))
			continue
		}
		// Flush per line so a crash loses at most the entry in flight.
		if err := w.buf.Flush(); err != nil {
			w.logger.Error("execlog flush failed", logging.Err(err))
			continue
		}
		w.appended.Add(1)
	}
}
