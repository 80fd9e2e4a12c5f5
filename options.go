package latchtree

import (
	"time"

	"github.com/latchtree/latchtree/pkg/pagecache"
	"github.com/latchtree/latchtree/pkg/wal"
)

func newBackend(opts Options) (pagecache.Backend, error) {
	switch opts.Backend {
	case BackendPebble:
		return pagecache.NewPebbleStore(opts.BackendPath)
	case BackendMmap:
		return pagecache.NewMmapStore(opts.BackendPath, 1024)
	default:
		return pagecache.NewMemStore(), nil
	}
}

func redoOptions(opts Options) wal.Options {
	return wal.Options{
		DirPath:              "",
		BufferSize:           64 * 1024,
		SyncPolicy:           wal.SyncInterval,
		SyncIntervalDuration: 200 * time.Millisecond,
	}
}
