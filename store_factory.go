package ingestd

import (
	"fmt"
	"net/url"

	"pkt.systems/ingestd/internal/storage"
	"pkt.systems/pslog"
)

func openBackend(cfg Config, logger pslog.Logger) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "", "mem", "memory":
		return storage.NewMemory(), nil
	case "disk":
		dir := storePath(u)
		if dir == "" {
			return nil, fmt.Errorf("disk store requires a path")
		}
		return storage.NewDisk(storage.DiskConfig{
			Dir:          dir,
			SegmentBytes: cfg.DiskSegmentBytes,
			SyncInterval: cfg.DiskSyncInterval,
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}
