// Package clockid implements the node's vector clock,
// Lamport clock, stable identity, and checksum helper. The clock is a
// single in-memory object behind a mutex; persistence is delegated to a
// Persister so the package stays independent of the storage backend.
package clockid

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/warren/pkg/types"
)

// Persister durably records the clock state. Implementations typically
// upsert a singleton row keyed by nodeId (pkg/store's sync_configurations
// table).
type Persister interface {
	PersistClock(nodeID string, vc types.VectorClock, lamport uint64) error
}

// Clock owns this node's vector clock and Lamport clock. All mutation
// goes through tick()/Merge() so persistence and in-memory state never
// drift: the in-memory value only advances after a successful persist.
type Clock struct {
	mu        sync.Mutex
	nodeID    string
	vector    types.VectorClock
	lamport   uint64
	persister Persister
}

// New creates a Clock for nodeID, seeded from a previously persisted
// state (pass a zero VectorClock and lamport 0 for a brand new node).
func New(nodeID string, vc types.VectorClock, lamport uint64, persister Persister) *Clock {
	if vc == nil {
		vc = types.VectorClock{}
	}
	return &Clock{
		nodeID:    nodeID,
		vector:    vc.Clone(),
		lamport:   lamport,
		persister: persister,
	}
}

// Tick increments this node's vector clock entry and the Lamport clock
// atomically, persists the result, and returns the new pair. Persistence
// failure is fatal for local-origin events: an event cannot be issued
// without a persisted clock, so the in-memory clock is not advanced.
func (c *Clock) Tick() (types.VectorClock, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.vector.Clone()
	next[c.nodeID] = next[c.nodeID] + 1
	nextLamport := c.lamport + 1
	if max := maxValue(next); nextLamport <= max {
		nextLamport = max + 1
	}

	if c.persister != nil {
		if err := c.persister.PersistClock(c.nodeID, next, nextLamport); err != nil {
			return nil, 0, fmt.Errorf("persist clock: %w", err)
		}
	}

	c.vector = next
	c.lamport = nextLamport
	return c.vector.Clone(), c.lamport, nil
}

// Merge folds a remote vector clock and Lamport value into this node's
// clock: vc[p] := max(vc[p], remoteVC[p]) for every peer, and
// lamport := max(lamport, remoteLamport) + 1. Merge failures degrade
// gracefully — the caller is expected to retry; the in-memory clock is
// only advanced once persistence succeeds.
func (c *Clock) Merge(remoteVC types.VectorClock, remoteLamport uint64) (types.VectorClock, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.vector.Clone()
	for peer, v := range remoteVC {
		if v > next[peer] {
			next[peer] = v
		}
	}
	nextLamport := c.lamport
	if remoteLamport > nextLamport {
		nextLamport = remoteLamport
	}
	nextLamport++

	if c.persister != nil {
		if err := c.persister.PersistClock(c.nodeID, next, nextLamport); err != nil {
			return nil, 0, fmt.Errorf("persist merged clock: %w", err)
		}
	}

	c.vector = next
	c.lamport = nextLamport
	return c.vector.Clone(), c.lamport, nil
}

// Snapshot returns the current vector and Lamport clocks without mutating
// them.
func (c *Clock) Snapshot() (types.VectorClock, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vector.Clone(), c.lamport
}

func maxValue(vc types.VectorClock) uint64 {
	var m uint64
	for _, v := range vc {
		if v > m {
			m = v
		}
	}
	return m
}

// Compare implements the standard vector-clock partial order: a BEFORE b
// iff a[p] <= b[p] for every peer p and a[p] < b[p] for at least one;
// CONCURRENT if neither side dominates.
func Compare(a, b types.VectorClock) types.Order {
	var aDominates, bDominates bool

	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}

	for k := range keys {
		av, bv := a[k], b[k]
		if av > bv {
			aDominates = true
		}
		if bv > av {
			bDominates = true
		}
	}

	switch {
	case !aDominates && !bDominates:
		return types.OrderEqual
	case !aDominates && bDominates:
		return types.OrderBefore
	case aDominates && !bDominates:
		return types.OrderAfter
	default:
		return types.OrderConcurrent
	}
}

// Checksum canonicalizes value by marshaling it to JSON with
// lexicographically sorted object keys, then hashes the canonical bytes
// with SHA-256, returning a hex digest. Stable regardless of the original
// key order of the JSON objects in value.
func Checksum(value []byte) string {
	canon := Canonicalize(value)
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// DigestEvents reduces a set of events to a single order-independent
// checksum over their (eventId, checksum) pairs, sorted by eventId. Two
// nodes holding the same set of events for a source, even if fetched or
// stored in different order, produce the same digest; any divergence
// (a missing, extra, or corrupted event) changes it. Used by the
// Partition Detector's periodic consistency check.
func DigestEvents(events []*types.ChangeEvent) string {
	type entry struct {
		EventID  string `json:"eventId"`
		Checksum string `json:"checksum"`
	}
	entries := make([]entry, len(events))
	for i, e := range events {
		entries[i] = entry{EventID: e.EventID, Checksum: e.Checksum}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].EventID < entries[j].EventID })
	data, err := json.Marshal(entries)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Canonicalize re-serializes a JSON object so that keys are sorted at
// every nesting level, making the byte representation stable under key
// reordering of the input.
func Canonicalize(value []byte) []byte {
	var v any
	if err := json.Unmarshal(value, &v); err != nil {
		// Not JSON; hash the raw bytes as-is.
		return value
	}
	out, err := json.Marshal(sortedValue(v))
	if err != nil {
		return value
	}
	return out
}

// sortedValue recursively rewrites maps into a form whose JSON encoding
// has deterministic key order (Go's encoding/json already sorts
// map[string]any keys, but nested nested maps decoded via interface{}
// are map[string]interface{}, which json.Marshal also sorts - this helper
// exists to make that contract explicit and to recurse into slices).
func sortedValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortedValue(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedValue(e)
		}
		return out
	default:
		return t
	}
}
