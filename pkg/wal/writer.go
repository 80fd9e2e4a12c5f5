package wal

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/latchtree/latchtree/pkg/metrics"
)

// WALWriter manages writes to a single append-only log file.
type WALWriter struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	options Options
	metrics *metrics.Registry

	// batchBytes tracks bytes written since the last sync, for SyncBatch.
	batchBytes int64

	done   chan struct{}
	ticker *time.Ticker
	closed bool
}

// NewWALWriter opens path for append, creating it if necessary.
//
// This is a single growing file rather than a rotated segment set;
// callers that need retention or size-bounded segments truncate the
// file externally once a checkpoint makes its prefix unnecessary.
func NewWALWriter(path string, opts Options) (*WALWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open file: %w", err)
	}

	w := &WALWriter{
		file:    f,
		writer:  bufio.NewWriterSize(f, opts.BufferSize),
		options: opts,
		done:    make(chan struct{}),
	}

	if opts.SyncPolicy == SyncInterval {
		w.ticker = time.NewTicker(opts.SyncIntervalDuration)
		go w.backgroundSync()
	}

	return w, nil
}

// WithMetrics attaches a metrics registry whose RedoSync/RedoWrite
// counters are updated on every WriteEntry/syncLocked call.
func (w *WALWriter) WithMetrics(m *metrics.Registry) *WALWriter {
	w.metrics = m
	return w
}

// WriteEntry appends entry to the buffered writer, applying the
// configured sync policy afterward.
func (w *WALWriter) WriteEntry(entry *WALEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := entry.WriteTo(w.writer)
	if err != nil {
		return err
	}

	w.batchBytes += n
	w.metrics.RedoWrite(int(n))

	switch w.options.SyncPolicy {
	case SyncEveryWrite:
		return w.syncLocked()

	case SyncBatch:
		if w.batchBytes >= w.options.SyncBatchBytes {
			return w.syncLocked()
		}
	}

	return nil
}

// Sync forces the buffered writer and the underlying file descriptor
// to disk.
func (w *WALWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *WALWriter) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.batchBytes = 0
	w.metrics.RedoSync()
	return nil
}

// Close flushes, syncs, and closes the underlying file, stopping the
// background sync goroutine if one is running.
func (w *WALWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.ticker != nil {
		w.ticker.Stop()
		close(w.done)
	}

	if err := w.syncLocked(); err != nil {
		w.file.Close()
		return err
	}

	return w.file.Close()
}

func (w *WALWriter) backgroundSync() {
	for {
		select {
		case <-w.ticker.C:
			w.Sync()
		case <-w.done:
			return
		}
	}
}
