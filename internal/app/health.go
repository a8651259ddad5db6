package app

import "sync"

// Health records whether startup completed. A degraded process keeps serving
// health and metrics but refuses streaming.
type Health struct {
	mu     sync.RWMutex
	reason string
}

func (h *Health) Degraded() (bool, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reason != "", h.reason
}

func (h *Health) markDegraded(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if reason == "" {
		reason = "startup failed"
	}
	h.reason = reason
}
