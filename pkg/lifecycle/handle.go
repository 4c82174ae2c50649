package lifecycle

import (
	"sync/atomic"

	"github.com/aretw0/keel/pkg/cache"
	"github.com/aretw0/keel/pkg/domain"
)

// Handle is a pinned session instance. It must be released exactly once.
type Handle struct {
	Key domain.SessionKey

	entry    *cache.Entry
	dirty    bool
	released atomic.Bool
}

// Instance returns the session instance.
func (h *Handle) Instance() any {
	return h.entry.Instance
}

// SetInstance replaces the session instance and marks it dirty.
func (h *Handle) SetInstance(v any) {
	h.entry.Instance = v
	h.dirty = true
}

// MarkDirty records that the instance changed during this call.
func (h *Handle) MarkDirty() {
	h.dirty = true
}

// Version returns the version of the last checkpoint of this instance.
func (h *Handle) Version() uint64 {
	return h.entry.Version
}
