// Package idalloc issues job identifiers.
package idalloc

import (
	"sync"

	"github.com/ChuLiYu/statsrunner/pkg/types"
)

// Allocator hands out strictly increasing job IDs starting at 1.
// Safe for any number of concurrent callers.
type Allocator struct {
	mu   sync.Mutex
	last types.JobID
}

// New returns an Allocator whose first ID is 1.
func New() *Allocator {
	return &Allocator{}
}

// Next returns an ID larger than every ID returned before.
func (a *Allocator) Next() types.JobID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last++
	return a.last
}

// Last returns the most recently issued ID, or 0 if none was issued.
func (a *Allocator) Last() types.JobID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
