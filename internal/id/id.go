// Package id generates identifiers for ledger rows and events.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

// namespace scopes derived event ids to this engine.
var namespace = uuid.MustParse("6f1c2b7e-4a55-4e39-9d0a-1b8f3c2e7d41")

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a ULID string. IDs from one process sort in generation
// order, which keeps transactions, flows and lots in append order.
func New() string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), mono)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Event returns a random id for an event submitted without one.
func Event() string {
	return uuid.NewString()
}

// Derive returns a stable id for a child of parent, e.g. the commission
// generated by a trade. The same inputs always give the same id.
func Derive(parent string, parts ...string) string {
	name := parent
	if len(parts) > 0 {
		name += "/" + strings.Join(parts, "/")
	}
	return uuid.NewSHA1(namespace, []byte(name)).String()
}
