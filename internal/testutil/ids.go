package testutil

import (
	"fmt"
	"sync"
)

// FixedIDs mints predictable object ids ("shape-1", "shape-2", ...) so
// scenario traces and golden files stay byte-stable across runs.
//
// Thread-safety: Next is safe for concurrent use.
type FixedIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewFixedIDs creates an id source with the given prefix.
func NewFixedIDs(prefix string) *FixedIDs {
	return &FixedIDs{prefix: prefix}
}

// Next returns the next id in sequence, starting at <prefix>-1.
func (f *FixedIDs) Next() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("%s-%d", f.prefix, f.n)
}
