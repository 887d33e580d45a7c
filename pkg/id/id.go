package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader

	// intentNamespace scopes idempotency keys so they never collide with
	// UUIDs minted elsewhere for the same instance/step text.
	intentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("strategy-engine/order-intent"))
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// NewStrategyID returns a time-sortable ULID for a strategy instance
func NewStrategyID() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID stamped with t
func NewAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t.UTC()), mono)
	if err != nil {
		// Only possible if entropy fails or the clock runs far backwards
		panic(err)
	}
	return id.String()
}

// IdempotencyKey derives the deterministic key for step of an instance.
// The same (instanceID, step) always yields the same 36 character key.
func IdempotencyKey(instanceID string, step int) string {
	return uuid.NewSHA1(intentNamespace, []byte(fmt.Sprintf("%s:%d", instanceID, step))).String()
}
