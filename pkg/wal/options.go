package wal

import "time"

// SyncPolicy selects a durability/throughput tradeoff for WALWriter.
type SyncPolicy int

const (
	// SyncEveryWrite fsyncs after every WriteEntry. Safest, slowest.
	SyncEveryWrite SyncPolicy = iota

	// SyncInterval fsyncs on a background timer.
	SyncInterval

	// SyncBatch fsyncs once SyncBatchBytes have accumulated in the
	// buffer since the last sync.
	SyncBatch
)

// Options configures a WALWriter.
type Options struct {
	// DirPath is not read by NewWALWriter, which opens the file path
	// it is given.
	DirPath string

	// BufferSize is the bufio buffer size in front of the file.
	BufferSize int

	SyncPolicy SyncPolicy

	// SyncIntervalDuration is the timer period for SyncInterval.
	SyncIntervalDuration time.Duration

	// SyncBatchBytes is the accumulated-bytes threshold for SyncBatch.
	SyncBatchBytes int64
}

// DefaultOptions returns a balanced, durable-enough default.
func DefaultOptions() Options {
	return Options{
		DirPath:              "./wal_data",
		BufferSize:           64 * 1024,
		SyncPolicy:           SyncInterval,
		SyncIntervalDuration: 200 * time.Millisecond,
		SyncBatchBytes:       1 * 1024 * 1024,
	}
}
