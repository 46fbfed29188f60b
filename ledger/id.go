package ledger

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator hands out monotonic ULIDs. ulid.MonotonicEntropy is not safe
// for concurrent use, hence the mutex.
type IDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *IDGenerator) New(at time.Time) TransactionID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return TransactionID(ulid.MustNew(ulid.Timestamp(at), g.entropy).String())
}
