package workspace

import (
	"errors"
	"sync"

	"github.com/deltaup/deltaup/internal/metadata"
)

// errCancelled aborts the applier without recording a failure; scratch
// files stay on disk for resume.
var errCancelled = errors.New("apply cancelled")

// available is the cell shared between the downloader and the applier:
// the highest position durably written to scratch, plus a cancel flag.
// The downloader publishes, the applier blocks on it. The lock is
// never held across I/O.
type available struct {
	mu        sync.Mutex
	cond      *sync.Cond
	pos       metadata.UpdatePosition
	cancelled bool
}

func newAvailable(pos metadata.UpdatePosition) *available {
	a := &available{pos: pos}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Notify publishes a new watermark and wakes the applier.
func (a *available) Notify(pos metadata.UpdatePosition) {
	a.mu.Lock()
	a.pos = pos
	a.mu.Unlock()
	a.cond.Signal()
}

// Cancel wakes the applier and makes every subsequent wait fail with
// errCancelled.
func (a *available) Cancel() {
	a.mu.Lock()
	a.cancelled = true
	a.mu.Unlock()
	a.cond.Signal()
}

// WaitExceeds blocks until the watermark is strictly past p (or cancel
// is signalled) and returns the watermark.
func (a *available) WaitExceeds(p metadata.UpdatePosition) (metadata.UpdatePosition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		if a.cancelled {
			return metadata.UpdatePosition{}, errCancelled
		}
		if p.Less(a.pos) {
			return a.pos, nil
		}
		a.cond.Wait()
	}
}
