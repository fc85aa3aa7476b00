package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// generator serializes draws from a monotonic entropy source; the source is
// not safe for concurrent use.
type generator struct {
	mu  sync.Mutex
	ent *ulid.MonotonicEntropy
}

func newGenerator() *generator {
	seed := mathrand.New(mathrand.NewSource(time.Now().UnixNano()))
	return &generator{ent: ulid.Monotonic(seed, 0)}
}

func (g *generator) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.ent).String()
}

var std = newGenerator()

// New returns a lexicographically sortable identifier suitable for storage
// keys. Objects created later sort after objects created earlier, which the
// auto-close sweep relies on for its child-before-parent ordering.
func New() string {
	return std.next()
}
