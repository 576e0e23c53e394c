package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pkt.systems/ingestd/internal/loggingutil"
	"pkt.systems/ingestd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultDiskSegmentBytes caps one log segment before rolling to the next.
const DefaultDiskSegmentBytes = int64(64 << 20)

// DefaultDiskSyncInterval bounds how long an accepted batch may wait for the
// fsync that makes it durable.
const DefaultDiskSyncInterval = 50 * time.Millisecond

// DiskConfig configures a Disk backend.
type DiskConfig struct {
	Dir          string
	SegmentBytes int64
	SyncInterval time.Duration
	Logger       pslog.Logger
}

// Disk is an append-only log Backend. Accept buffers the batch into the
// current segment and returns immediately; a background syncer flushes and
// fsyncs in batches, then confirms every batch covered by that fsync. This is
// what makes acknowledgement resolution asynchronous when running on disk.
type Disk struct {
	dir          string
	segmentBytes int64
	syncInterval time.Duration
	logger       pslog.Logger

	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	written int64
	seq     int
	waiting []func(error)
	closed  bool

	kick   chan struct{}
	stopCh chan struct{}
	done   sync.WaitGroup
}

type diskRecord struct {
	Channel string `json:"channel"`
	Event   []byte `json:"event"`
}

// NewDisk opens (or creates) an event log rooted at cfg.Dir and starts the
// background syncer.
func NewDisk(cfg DiskConfig) (*Disk, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("storage: disk backend requires a directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", cfg.Dir, err)
	}
	segmentBytes := cfg.SegmentBytes
	if segmentBytes <= 0 {
		segmentBytes = DefaultDiskSegmentBytes
	}
	syncInterval := cfg.SyncInterval
	if syncInterval <= 0 {
		syncInterval = DefaultDiskSyncInterval
	}
	d := &Disk{
		dir:          cfg.Dir,
		segmentBytes: segmentBytes,
		syncInterval: syncInterval,
		logger:       svcfields.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "storage.disk"),
		kick:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	if err := d.openSegment(); err != nil {
		return nil, err
	}
	d.done.Add(1)
	go d.syncLoop()
	return d, nil
}

func (d *Disk) openSegment() error {
	name := filepath.Join(d.dir, fmt.Sprintf("events-%06d.log", d.seq))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("storage: open segment %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("storage: stat segment %s: %w", name, err)
	}
	d.file = f
	d.w = bufio.NewWriterSize(f, 256<<10)
	d.written = info.Size()
	return nil
}

// Accept appends the batch to the current segment. Durability is confirmed
// by the syncer through done after the covering fsync completes.
func (d *Disk) Accept(ctx context.Context, batch Batch, done func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	for _, event := range batch.Events {
		line, err := json.Marshal(diskRecord{Channel: batch.Channel, Event: event})
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("storage: encode event: %w", err)
		}
		n, err := d.w.Write(append(line, '\n'))
		d.written += int64(n)
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("storage: append event: %w", err)
		}
	}
	if done != nil {
		d.waiting = append(d.waiting, done)
	}
	d.mu.Unlock()
	select {
	case d.kick <- struct{}{}:
	default:
	}
	return nil
}

func (d *Disk) syncLoop() {
	defer d.done.Done()
	for {
		select {
		case <-d.stopCh:
			d.syncOnce()
			return
		case <-d.kick:
			// Let more batches pile onto this fsync.
			timer := time.NewTimer(d.syncInterval)
			select {
			case <-timer.C:
			case <-d.stopCh:
				timer.Stop()
				d.syncOnce()
				return
			}
			d.syncOnce()
		}
	}
}

// syncOnce flushes buffered records, fsyncs the segment, confirms every batch
// covered by that fsync, and rolls the segment when it outgrew the cap.
func (d *Disk) syncOnce() {
	d.mu.Lock()
	waiting := d.waiting
	d.waiting = nil
	flushErr := d.w.Flush()
	file := d.file
	roll := d.written >= d.segmentBytes
	d.mu.Unlock()

	err := flushErr
	if err == nil && file != nil {
		err = file.Sync()
	}
	if err != nil {
		d.logger.Error("storage.sync.failed", "error", err)
	}
	for _, done := range waiting {
		done(err)
	}

	if roll && err == nil {
		d.mu.Lock()
		if !d.closed && d.written >= d.segmentBytes {
			if closeErr := d.file.Close(); closeErr != nil {
				d.logger.Warn("storage.segment.close_failed", "error", closeErr)
			}
			d.seq++
			if openErr := d.openSegment(); openErr != nil {
				d.logger.Error("storage.segment.roll_failed", "error", openErr)
				d.closed = true
			} else {
				d.logger.Debug("storage.segment.rolled", "seq", d.seq)
			}
		}
		d.mu.Unlock()
	}
}

// Close drains pending confirmations, fsyncs, and closes the segment.
func (d *Disk) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.stopCh)
	d.done.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		if err := d.file.Close(); err != nil {
			return fmt.Errorf("storage: close segment: %w", err)
		}
		d.file = nil
	}
	return nil
}
