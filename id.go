package nitrite

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NitriteID is a 64-bit document identifier in [1e18, 1e19).
type NitriteID uint64

// MinNitriteID and MaxNitriteID bound the valid NitriteID range: ids
// below 10^18 or at/above 10^19 are rejected.
const (
	MinNitriteID NitriteID = 1_000_000_000_000_000_000
	MaxNitriteID NitriteID = 10_000_000_000_000_000_000 - 1
)

// Valid reports whether id falls in the documented NitriteID range.
func (id NitriteID) Valid() bool { return id >= MinNitriteID && id <= MaxNitriteID }

// ParseNitriteID converts a raw 64-bit value into a NitriteID, rejecting
// anything outside [10^18, 10^19).
func ParseNitriteID(raw uint64) (NitriteID, error) {
	id := NitriteID(raw)
	if !id.Valid() {
		return 0, newErr(KindInvalidID, "id outside the valid NitriteID range")
	}
	return id, nil
}

// nitriteEpochMillis is the fixed epoch (2024-01-01T00:00:00Z) the 41-bit
// timestamp component is measured from.
const nitriteEpochMillis int64 = 1704067200000

const (
	nodeIDBits     = 10
	sequenceBits   = 12
	maxSequence    = (1 << sequenceBits) - 1
	nodeIDShift    = sequenceBits
	timestampShift = sequenceBits + nodeIDBits
)

// idGenerator is a Snowflake-style 64-bit id producer: 41-bit timestamp
// since nitriteEpochMillis, 10-bit node id, 12-bit sequence within a
// millisecond. There is exactly one process-wide instance.
type idGenerator struct {
	mu       sync.Mutex
	nodeID   int64
	lastMS   int64
	sequence int64
}

var defaultGenerator = newIDGenerator()

func newIDGenerator() *idGenerator {
	return &idGenerator{nodeID: deriveNodeID()}
}

// deriveNodeID derives a 10-bit node id from a random UUID fragment
// mixed with the hostname.
func deriveNodeID() int64 {
	id := uuid.New()
	seed := id[:8]
	host, _ := os.Hostname()
	var mix uint64
	for i, c := range []byte(host) {
		mix ^= uint64(c) << uint(8*(i%8))
	}
	for i, b := range seed {
		mix ^= uint64(b) << uint(8*i)
	}
	return int64(mix & ((1 << nodeIDBits) - 1))
}

// NextID mints the next NitriteID. It is poison-tolerant: a panic in a
// concurrent caller holding the mutex cannot wedge the generator.
func (g *idGenerator) NextID() NitriteID {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer func() {
		_ = recover() // poison-tolerant: never leave the mutex state broken
	}()

	now := time.Now().UnixMilli() - nitriteEpochMillis
	if now < 0 {
		now = 0
	}

	if now < g.lastMS {
		// Clock moved backwards: clamp to the last emitted millisecond
		// rather than emitting a lower, non-monotonic timestamp.
		now = g.lastMS
	}

	if now == g.lastMS {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// Sequence exhausted within this millisecond: sleep the
			// shortfall until the clock advances.
			for now <= g.lastMS {
				time.Sleep(100 * time.Microsecond)
				now = time.Now().UnixMilli() - nitriteEpochMillis
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMS = now

	raw := (now << timestampShift) | (g.nodeID << nodeIDShift) | g.sequence
	return NitriteID(uint64(raw)) + MinNitriteID
}

// NextID mints the next NitriteID from the process-wide generator.
func NextID() NitriteID { return defaultGenerator.NextID() }
