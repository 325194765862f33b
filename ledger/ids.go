package ledger

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Clock returns the current time. Tests inject a fixed or stepping clock.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// IDGenerator issues transaction ids.
type IDGenerator interface {
	NewID(at time.Time) TransactionID
}

// ULIDGenerator issues monotonic ULIDs. Ids generated in the same
// millisecond still sort in generation order.
type ULIDGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
}

func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *ULIDGenerator) NewID(at time.Time) TransactionID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return TransactionID(ulid.MustNew(ulid.Timestamp(at), g.entropy).String())
}
