package ack

// Store tracks the acknowledgement lifecycle for the events of a single
// channel. Identifiers move through three states: pending (issued, not yet
// durable), resolved (durable, not yet reported), and reclaimed (reported to
// the client and forgotten). Store is not safe for concurrent use; the
// Registry serializes access per channel.
type Store struct {
	cursor   uint64
	pending  map[uint64]struct{}
	resolved map[uint64]struct{}

	// order records allocation order for oldest-first eviction. Ids are
	// strictly increasing between resets, so an append-only slice with a
	// consumed head is enough.
	order []uint64
	head  int
}

// NewStore returns an empty per-channel acknowledgement store.
func NewStore() *Store {
	return &Store{
		pending:  make(map[uint64]struct{}),
		resolved: make(map[uint64]struct{}),
	}
}

// Allocate hands out the next acknowledgement id. The cursor wraps at the
// 64-bit boundary; when it wraps the store is reset wholesale so a stale id
// from the previous epoch can never collide with a fresh one. The id issued
// at the wrap point is intentionally not tracked and therefore never
// resolves.
func (s *Store) Allocate() uint64 {
	id := s.cursor
	s.cursor++
	if s.cursor == 0 {
		s.reset()
		return id
	}
	s.pending[id] = struct{}{}
	s.order = append(s.order, id)
	return id
}

func (s *Store) reset() {
	s.cursor = 0
	clear(s.pending)
	clear(s.resolved)
	s.order = s.order[:0]
	s.head = 0
}

// Resolve marks id as durably persisted. Ids that were never issued, were
// evicted, or were already reclaimed are ignored. Resolving an already
// resolved id is a no-op. Reports whether the id transitioned.
func (s *Store) Resolve(id uint64) bool {
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	s.resolved[id] = struct{}{}
	return true
}

// Query reports whether id has resolved and reclaims it on a positive
// answer: a true result is returned exactly once per id, after which the id
// is unknown to the store.
func (s *Store) Query(id uint64) bool {
	if _, ok := s.resolved[id]; ok {
		delete(s.resolved, id)
		return true
	}
	return false
}

// EvictOldest drops the oldest id still awaiting durability, returning the
// id. Resolved ids are spared while any pending id remains: evicting a
// resolved id loses a confirmation the client already earned, while evicting
// a pending id only forgets a batch whose fate is still open. Only when
// nothing is pending does the oldest resolved id go. Returns false when
// nothing is outstanding.
func (s *Store) EvictOldest() (uint64, bool) {
	for i := s.head; i < len(s.order); i++ {
		id := s.order[i]
		if _, ok := s.pending[id]; ok {
			delete(s.pending, id)
			if i == s.head {
				s.head++
				s.maybeCompact()
			}
			return id, true
		}
	}
	for s.head < len(s.order) {
		id := s.order[s.head]
		s.head++
		if _, ok := s.resolved[id]; ok {
			delete(s.resolved, id)
			s.maybeCompact()
			return id, true
		}
	}
	s.maybeCompact()
	return 0, false
}

const compactThreshold = 1024

func (s *Store) maybeCompact() {
	if s.head >= compactThreshold && s.head > len(s.order)/2 {
		s.order = append(s.order[:0:0], s.order[s.head:]...)
		s.head = 0
	}
}

// Outstanding counts ids that have been issued but not yet reclaimed or
// evicted. This is the figure admission caps apply to.
func (s *Store) Outstanding() int {
	return len(s.pending) + len(s.resolved)
}

// Pending counts ids still awaiting durability.
func (s *Store) Pending() int {
	return len(s.pending)
}

// Cursor exposes the next id to be issued.
func (s *Store) Cursor() uint64 {
	return s.cursor
}
