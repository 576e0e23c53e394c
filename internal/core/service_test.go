package core

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"pkt.systems/ingestd/internal/ack"
	"pkt.systems/ingestd/internal/clock"
	"pkt.systems/ingestd/internal/storage"
)

// deferredBackend accepts batches but holds durability confirmations until
// the test releases them, mimicking a disk backend mid-flush.
type deferredBackend struct {
	mu      sync.Mutex
	pending []func(error)
	refuse  error
}

func (b *deferredBackend) Accept(ctx context.Context, batch storage.Batch, done func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuse != nil {
		return b.refuse
	}
	if done != nil {
		b.pending = append(b.pending, done)
	}
	return nil
}

func (b *deferredBackend) Close() error { return nil }

func (b *deferredBackend) release(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, done := range pending {
		done(err)
	}
}

func testService(t *testing.T, store storage.Backend, cfg ack.Config) *Service {
	t.Helper()
	cfg.Clock = clock.NewManual(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	return New(Config{
		Registry:   ack.NewRegistry(cfg),
		Store:      store,
		AckEnabled: true,
	})
}

func TestSubmitResolvesOnlyAfterDurability(t *testing.T) {
	t.Parallel()
	backend := &deferredBackend{}
	svc := testService(t, backend, ack.Config{})
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitCommand{Channel: "ch", Events: [][]byte{[]byte(`{"a":1}`)}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Acked {
		t.Fatalf("submit did not allocate an ack id")
	}

	statuses, err := svc.QueryAcks(ctx, "ch", []uint64{res.AckID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if statuses[res.AckID] {
		t.Fatalf("ack reported true before the backend confirmed durability")
	}

	backend.release(nil)

	statuses, err = svc.QueryAcks(ctx, "ch", []uint64{res.AckID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !statuses[res.AckID] {
		t.Fatalf("ack reported false after durability")
	}
	// Reclaimed on the first positive answer.
	statuses, _ = svc.QueryAcks(ctx, "ch", []uint64{res.AckID})
	if statuses[res.AckID] {
		t.Fatalf("reclaimed ack reported true again")
	}
}

func TestSubmitFailedPersistNeverResolves(t *testing.T) {
	t.Parallel()
	backend := &deferredBackend{}
	svc := testService(t, backend, ack.Config{})
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitCommand{Channel: "ch", Events: [][]byte{[]byte(`{"a":1}`)}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	backend.release(errors.New("disk on fire"))

	statuses, err := svc.QueryAcks(ctx, "ch", []uint64{res.AckID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if statuses[res.AckID] {
		t.Fatalf("failed batch reported as durable")
	}
}

func TestSubmitRefusedBatchReturnsFailure(t *testing.T) {
	t.Parallel()
	backend := &deferredBackend{refuse: storage.ErrClosed}
	svc := testService(t, backend, ack.Config{})

	_, err := svc.Submit(context.Background(), SubmitCommand{Channel: "ch", Events: [][]byte{[]byte(`{}`)}})
	var failure Failure
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want Failure", err)
	}
	if failure.Code != CodeStorageUnavailable {
		t.Fatalf("code = %q, want %q", failure.Code, CodeStorageUnavailable)
	}
	if failure.HTTPStatus != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", failure.HTTPStatus)
	}
}

func TestSubmitEmptyBatch(t *testing.T) {
	t.Parallel()
	svc := testService(t, storage.NewMemory(), ack.Config{})

	_, err := svc.Submit(context.Background(), SubmitCommand{Channel: "ch"})
	var failure Failure
	if !errors.As(err, &failure) || failure.Code != CodeNoData {
		t.Fatalf("err = %v, want Failure %q", err, CodeNoData)
	}
}

func TestSubmitMissingChannelWithAcks(t *testing.T) {
	t.Parallel()
	svc := testService(t, storage.NewMemory(), ack.Config{})

	_, err := svc.Submit(context.Background(), SubmitCommand{Events: [][]byte{[]byte(`{}`)}})
	var failure Failure
	if !errors.As(err, &failure) || failure.Code != CodeChannelMissing {
		t.Fatalf("err = %v, want Failure %q", err, CodeChannelMissing)
	}
	if failure.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", failure.HTTPStatus)
	}
}

func TestSubmitChannelLimitMapsTo503(t *testing.T) {
	t.Parallel()
	svc := testService(t, storage.NewMemory(), ack.Config{MaxChannels: 1})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, SubmitCommand{Channel: "a", Events: [][]byte{[]byte(`{}`)}}); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	_, err := svc.Submit(ctx, SubmitCommand{Channel: "b", Events: [][]byte{[]byte(`{}`)}})
	var failure Failure
	if !errors.As(err, &failure) || failure.Code != CodeChannelLimit {
		t.Fatalf("err = %v, want Failure %q", err, CodeChannelLimit)
	}
	if failure.HTTPStatus != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", failure.HTTPStatus)
	}
}

func TestSubmitWithoutAckTracking(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	svc := New(Config{Store: mem, AckEnabled: false})
	ctx := context.Background()

	// Channel is optional when tracking is off.
	res, err := svc.Submit(ctx, SubmitCommand{Events: [][]byte{[]byte(`{"a":1}`)}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Acked {
		t.Fatalf("ack id allocated with tracking disabled")
	}
	if got := mem.Events(); got != 1 {
		t.Fatalf("events = %d, want 1", got)
	}

	_, err = svc.QueryAcks(ctx, "ch", []uint64{0})
	var failure Failure
	if !errors.As(err, &failure) || failure.Code != CodeAckDisabled {
		t.Fatalf("err = %v, want Failure %q", err, CodeAckDisabled)
	}
}

func TestQueryAcksMissingChannel(t *testing.T) {
	t.Parallel()
	svc := testService(t, storage.NewMemory(), ack.Config{})
	ctx := context.Background()

	// A durable batch exists on a real channel, but a query that names no
	// channel looks at an unknown channel: every id answers false.
	res, err := svc.Submit(ctx, SubmitCommand{Channel: "ch", Events: [][]byte{[]byte(`{}`)}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	statuses, err := svc.QueryAcks(ctx, "", []uint64{res.AckID, 7})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d entries, want 2", len(statuses))
	}
	for id, ok := range statuses {
		if ok {
			t.Fatalf("id %d reported true without a channel", id)
		}
	}
	// The real channel's state is untouched.
	statuses, err = svc.QueryAcks(ctx, "ch", []uint64{res.AckID})
	if err != nil {
		t.Fatalf("query ch: %v", err)
	}
	if !statuses[res.AckID] {
		t.Fatalf("ack on the real channel lost after the channel-less query")
	}
}

func TestReapIdleChannels(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	svc := New(Config{
		Registry:   ack.NewRegistry(ack.Config{Clock: clk}),
		Store:      storage.NewMemory(),
		AckEnabled: true,
		Clock:      clk,
	})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, SubmitCommand{Channel: "idle", Events: [][]byte{[]byte(`{}`)}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	clk.Advance(11 * time.Minute)
	if removed := svc.ReapIdleChannels(10 * time.Minute); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}
