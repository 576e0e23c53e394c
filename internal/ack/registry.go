package ack

import (
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/ingestd/internal/clock"
	"pkt.systems/ingestd/internal/loggingutil"
	"pkt.systems/ingestd/internal/svcfields"
	"pkt.systems/pslog"
)

// ErrChannelLimit is returned when creating a new channel would exceed the
// configured channel cap. Unlike the outstanding-ack caps, hitting the
// channel cap is a hard failure surfaced to the caller.
var ErrChannelLimit = errors.New("ack: channel limit reached")

const registryShards = 32

// Config bounds a Registry.
type Config struct {
	// MaxChannels caps the number of concurrently tracked channels.
	MaxChannels int64
	// MaxOutstanding caps un-reclaimed ack ids across all channels.
	MaxOutstanding int64
	// MaxOutstandingPerChannel caps un-reclaimed ack ids within one channel.
	MaxOutstandingPerChannel int64

	Logger pslog.Logger
	Clock  clock.Clock
}

// Registry tracks one acknowledgement Store per client channel, enforces the
// admission caps, and supports idle-channel reaping. All methods are safe for
// concurrent use.
type Registry struct {
	maxChannels   int64
	maxGlobal     int64
	maxPerChannel int64
	logger        pslog.Logger
	clock         clock.Clock
	metrics       *registryMetrics

	outstanding  atomic.Int64
	channelCount atomic.Int64
	shards       [registryShards]shard
}

type shard struct {
	mu       sync.RWMutex
	channels map[string]*channel
}

type channel struct {
	mu    sync.Mutex
	name  string
	store *Store

	// outstanding mirrors store.Outstanding() so the global eviction scan
	// can read it without taking the channel lock.
	outstanding atomic.Int64
	// lastTouched is unix nanoseconds of the most recent allocation or
	// query against this channel.
	lastTouched atomic.Int64
	// removed is set by the reaper under mu; callers that raced the reaper
	// retry their lookup instead of mutating a dead store.
	removed bool
}

func (c *channel) touch(now time.Time) {
	c.lastTouched.Store(now.UnixNano())
}

// NewRegistry constructs a Registry enforcing the caps in cfg. Non-positive
// caps are treated as unbounded.
func NewRegistry(cfg Config) *Registry {
	logger := loggingutil.EnsureLogger(cfg.Logger)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	r := &Registry{
		maxChannels:   orUnbounded(cfg.MaxChannels),
		maxGlobal:     orUnbounded(cfg.MaxOutstanding),
		maxPerChannel: orUnbounded(cfg.MaxOutstandingPerChannel),
		logger:        svcfields.WithSubsystem(logger, "ack.registry"),
		clock:         clk,
	}
	for i := range r.shards {
		r.shards[i].channels = make(map[string]*channel)
	}
	r.metrics = newRegistryMetrics(r)
	return r
}

func orUnbounded(v int64) int64 {
	if v <= 0 {
		return math.MaxInt64
	}
	return v
}

func (r *Registry) shardFor(name string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return &r.shards[h.Sum32()%registryShards]
}

// Allocate issues the next ack id for the named channel, creating the channel
// on first use. When the per-channel or global outstanding cap is reached the
// oldest outstanding id is evicted first: locally for the per-channel cap,
// from the least recently touched channel for the global cap. Eviction is
// silent degradation for the evicted producer; Allocate itself only fails
// when a new channel would exceed MaxChannels.
func (r *Registry) Allocate(name string) (uint64, error) {
	for {
		ch, err := r.getOrCreate(name)
		if err != nil {
			return 0, err
		}

		// Trim under the global cap before taking the channel lock so two
		// channel locks are never held at once.
		for r.outstanding.Load() >= r.maxGlobal {
			if !r.evictColdest() {
				break
			}
		}

		ch.mu.Lock()
		if ch.removed {
			ch.mu.Unlock()
			continue
		}
		for int64(ch.store.Outstanding()) >= r.maxPerChannel {
			id, ok := ch.store.EvictOldest()
			if !ok {
				break
			}
			r.noteEviction(ch, id, "channel")
		}
		before := int64(ch.store.Outstanding())
		id := ch.store.Allocate()
		after := int64(ch.store.Outstanding())
		ch.outstanding.Store(after)
		ch.touch(r.clock.Now())
		ch.mu.Unlock()

		// after-before is +1 for a normal allocation and negative when the
		// cursor wrapped and reset the store.
		r.outstanding.Add(after - before)
		// Two racing allocations can both pass the pre-trim above; whoever
		// publishes an over-cap total evicts until the bound holds again.
		for r.outstanding.Load() > r.maxGlobal {
			if !r.evictColdest() {
				break
			}
		}
		r.metrics.allocated()
		if after <= before {
			r.logger.Warn("ack.cursor.wrapped", "channel", name)
		}
		return id, nil
	}
}

// Resolve marks id durable within the named channel. Unknown channels and
// unknown, evicted, or reclaimed ids are ignored.
func (r *Registry) Resolve(name string, id uint64) bool {
	ch := r.lookup(name)
	if ch == nil {
		return false
	}
	ch.mu.Lock()
	if ch.removed {
		ch.mu.Unlock()
		return false
	}
	ok := ch.store.Resolve(id)
	ch.mu.Unlock()
	if ok {
		r.metrics.resolved()
	}
	return ok
}

// Query answers an acknowledgement status query. Every requested id gets an
// entry; ids resolve to true at most once, after which they are reclaimed.
// Unknown channels answer false for everything without creating the channel.
func (r *Registry) Query(name string, ids []uint64) map[uint64]bool {
	statuses := make(map[uint64]bool, len(ids))
	ch := r.lookup(name)
	if ch == nil {
		for _, id := range ids {
			statuses[id] = false
		}
		return statuses
	}
	reclaimed := int64(0)
	ch.mu.Lock()
	if ch.removed {
		ch.mu.Unlock()
		for _, id := range ids {
			statuses[id] = false
		}
		return statuses
	}
	for _, id := range ids {
		ok := ch.store.Query(id)
		statuses[id] = ok
		if ok {
			reclaimed++
		}
	}
	ch.outstanding.Store(int64(ch.store.Outstanding()))
	ch.touch(r.clock.Now())
	ch.mu.Unlock()
	if reclaimed > 0 {
		r.outstanding.Add(-reclaimed)
		r.metrics.reclaimed(reclaimed)
	}
	return statuses
}

// ReapIdle removes channels whose last allocation or query is older than
// maxIdle, dropping their outstanding ids. Removal and access are mutually
// exclusive per channel. Returns the number of channels removed.
func (r *Registry) ReapIdle(maxIdle time.Duration) int {
	cutoff := r.clock.Now().Add(-maxIdle).UnixNano()
	removed := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for name, ch := range sh.channels {
			if ch.lastTouched.Load() > cutoff {
				continue
			}
			ch.mu.Lock()
			if ch.lastTouched.Load() > cutoff {
				ch.mu.Unlock()
				continue
			}
			ch.removed = true
			dropped := int64(ch.store.Outstanding())
			ch.mu.Unlock()
			delete(sh.channels, name)
			r.outstanding.Add(-dropped)
			r.channelCount.Add(-1)
			removed++
			r.logger.Debug("ack.channel.reaped", "channel", name, "dropped", dropped)
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		r.metrics.reaped(int64(removed))
	}
	return removed
}

// Channels returns the number of currently tracked channels.
func (r *Registry) Channels() int64 {
	return r.channelCount.Load()
}

// Outstanding returns the number of un-reclaimed ack ids across all channels.
func (r *Registry) Outstanding() int64 {
	return r.outstanding.Load()
}

func (r *Registry) lookup(name string) *channel {
	sh := r.shardFor(name)
	sh.mu.RLock()
	ch := sh.channels[name]
	sh.mu.RUnlock()
	return ch
}

func (r *Registry) getOrCreate(name string) (*channel, error) {
	if ch := r.lookup(name); ch != nil {
		return ch, nil
	}
	sh := r.shardFor(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if ch := sh.channels[name]; ch != nil {
		return ch, nil
	}
	if r.channelCount.Load() >= r.maxChannels {
		return nil, ErrChannelLimit
	}
	ch := &channel{name: name, store: NewStore()}
	ch.touch(r.clock.Now())
	sh.channels[name] = ch
	r.channelCount.Add(1)
	r.metrics.channelCreated()
	return ch, nil
}

// evictColdest evicts one outstanding id from the least recently touched
// channel. Returns false when no channel has anything to evict.
func (r *Registry) evictColdest() bool {
	var victim *channel
	oldest := int64(math.MaxInt64)
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, ch := range sh.channels {
			if ch.outstanding.Load() <= 0 {
				continue
			}
			if t := ch.lastTouched.Load(); t < oldest {
				oldest = t
				victim = ch
			}
		}
		sh.mu.RUnlock()
	}
	if victim == nil {
		return false
	}
	victim.mu.Lock()
	defer victim.mu.Unlock()
	if victim.removed {
		return true
	}
	id, ok := victim.store.EvictOldest()
	if !ok {
		victim.outstanding.Store(int64(victim.store.Outstanding()))
		return true
	}
	r.noteEviction(victim, id, "global")
	return true
}

// noteEviction adjusts counters for one evicted id. Callers hold ch.mu.
func (r *Registry) noteEviction(ch *channel, id uint64, scope string) {
	ch.outstanding.Store(int64(ch.store.Outstanding()))
	r.outstanding.Add(-1)
	r.metrics.evicted(scope)
	r.logger.Warn("ack.evicted", "channel", ch.name, "ack_id", id, "scope", scope)
}
