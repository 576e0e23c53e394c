package core

import (
	"pkt.systems/ingestd/internal/ack"
	"pkt.systems/ingestd/internal/clock"
	"pkt.systems/ingestd/internal/storage"
	"pkt.systems/pslog"
)

// Config wires the core Service to its collaborators.
type Config struct {
	// Registry tracks acknowledgement ids per channel. Required when
	// AckEnabled is true.
	Registry *ack.Registry
	// Store persists accepted event batches.
	Store storage.Backend
	// AckEnabled turns indexer acknowledgement tracking on.
	AckEnabled bool
	// Logger receives structured service logs. Optional.
	Logger pslog.Logger
	// Clock abstracts time for tests. Optional; defaults to clock.Real.
	Clock clock.Clock
}
