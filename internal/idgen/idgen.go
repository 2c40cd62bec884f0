// Package idgen generates the two classes of id the engine needs beyond
// the deterministic seq counter: StartExecution's input hash (spec.md
// §6 idempotence) and the free-form ids lifecycle events, signals, and
// emitted events carry. Grounded on SPEC_FULL.md §6.3's domain-stack
// wiring: blake2b for the hash, ulid for ids.
package idgen

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/blake2b"
)

// InputHash returns a stable digest of input's canonical JSON encoding,
// used to detect whether a repeated StartExecution call for the same
// execution id carries the same input (spec.md §6).
func InputHash(input []byte) (string, error) {
	var canonical any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &canonical); err != nil {
			return "", fmt.Errorf("idgen: input is not valid JSON: %w", err)
		}
	}
	encoded, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("idgen: re-encode input: %w", err)
	}
	sum := blake2b.Sum256(encoded)
	return fmt.Sprintf("%x", sum), nil
}

// entropySource is a process-wide, lock-guarded math/rand/v2 source.
// math/rand/v2 generators are not safe for concurrent use on their own,
// and ulid.MustNew needs an io.Reader; this mirrors the teacher's
// worker/retry backoff jitter convention of treating math/rand/v2 as
// adequate for non-cryptographic id entropy.
type entropySource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *entropySource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range p {
		p[i] = byte(s.rng.Uint32())
	}
	return len(p), nil
}

var entropy = &entropySource{rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))}

// NewID returns a new lexicographically sortable ulid, used for signal
// ids, emitted-event envelope ids, and other non-sequenced HistoryEvent
// ids spec.md §3 calls out as "own id" for lifecycle events.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
