package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryAcceptConfirmsInline(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	defer m.Close()

	confirmed := false
	err := m.Accept(context.Background(), Batch{
		Channel: "ch",
		Events:  [][]byte{[]byte(`{"a":1}`), []byte(`{"b":2}`)},
	}, func(err error) {
		if err != nil {
			t.Errorf("done(%v), want nil", err)
		}
		confirmed = true
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !confirmed {
		t.Fatalf("done did not run before Accept returned")
	}
	if got := m.Events(); got != 2 {
		t.Fatalf("events = %d, want 2", got)
	}
	if got := m.ChannelEvents("ch"); got != 2 {
		t.Fatalf("channel events = %d, want 2", got)
	}
}

func TestMemoryAcceptAfterClose(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := m.Accept(context.Background(), Batch{Channel: "ch"}, nil)
	if err != ErrClosed {
		t.Fatalf("accept after close: err = %v, want ErrClosed", err)
	}
}

func TestDiskConfirmsAfterSync(t *testing.T) {
	t.Parallel()
	d, err := NewDisk(DiskConfig{Dir: t.TempDir(), SyncInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new disk: %v", err)
	}
	defer d.Close()

	confirmed := make(chan error, 1)
	err = d.Accept(context.Background(), Batch{
		Channel: "ch",
		Events:  [][]byte{[]byte(`{"a":1}`)},
	}, func(err error) { confirmed <- err })
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	select {
	case err := <-confirmed:
		if err != nil {
			t.Fatalf("done(%v), want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("durability never confirmed")
	}
}

func TestDiskCloseDrainsConfirmations(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// A long interval so Close, not the timer, drives the final sync.
	d, err := NewDisk(DiskConfig{Dir: dir, SyncInterval: time.Hour})
	if err != nil {
		t.Fatalf("new disk: %v", err)
	}

	confirmed := make(chan error, 1)
	err = d.Accept(context.Background(), Batch{
		Channel: "ch",
		Events:  [][]byte{[]byte(`{"a":1}`)},
	}, func(err error) { confirmed <- err })
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-confirmed:
		if err != nil {
			t.Fatalf("done(%v), want nil", err)
		}
	default:
		t.Fatalf("close returned without confirming the pending batch")
	}
	if err := d.Accept(context.Background(), Batch{Channel: "ch"}, nil); err != ErrClosed {
		t.Fatalf("accept after close: err = %v, want ErrClosed", err)
	}
}

func TestDiskRecordsRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	d, err := NewDisk(DiskConfig{Dir: dir, SyncInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new disk: %v", err)
	}

	events := [][]byte{[]byte(`{"a":1}`), []byte("raw text line")}
	confirmed := make(chan error, 1)
	if err := d.Accept(context.Background(), Batch{Channel: "ch", Events: events}, func(err error) {
		confirmed <- err
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := <-confirmed; err != nil {
		t.Fatalf("done(%v), want nil", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "events-000000.log"))
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	var got [][]byte
	for sc.Scan() {
		var rec diskRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		if rec.Channel != "ch" {
			t.Fatalf("channel = %q, want %q", rec.Channel, "ch")
		}
		got = append(got, rec.Event)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("records = %d, want %d", len(got), len(events))
	}
	for i := range events {
		if string(got[i]) != string(events[i]) {
			t.Fatalf("event %d = %q, want %q", i, got[i], events[i])
		}
	}
}

func TestDiskSegmentRoll(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	d, err := NewDisk(DiskConfig{Dir: dir, SegmentBytes: 64, SyncInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new disk: %v", err)
	}

	for i := 0; i < 4; i++ {
		confirmed := make(chan error, 1)
		if err := d.Accept(context.Background(), Batch{
			Channel: "ch",
			Events:  [][]byte{[]byte(`{"payload":"0123456789abcdef0123456789abcdef"}`)},
		}, func(err error) { confirmed <- err }); err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
		if err := <-confirmed; err != nil {
			t.Fatalf("done %d: %v", i, err)
		}
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	segments, err := filepath.Glob(filepath.Join(dir, "events-*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(segments) < 2 {
		t.Fatalf("segments = %d, want at least 2", len(segments))
	}
}
