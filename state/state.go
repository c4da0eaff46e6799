// Package state remembers which messages a single watch has already
// examined. Nothing is persisted; a tracker lives as long as its watch.
package state

import "sync"

type Tracker interface {
	AlreadySeen(uid uint32) bool
	MarkSeen(uid uint32)
	Unseen(uids []uint32) []uint32
	Snapshot() Snapshot
}

type Snapshot struct {
	Seen int
}

type MemoryTracker struct {
	mu   sync.RWMutex
	seen map[uint32]struct{}
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[uint32]struct{})}
}

func (m *MemoryTracker) AlreadySeen(uid uint32) bool {
	if uid == 0 {
		return false
	}

	m.mu.RLock()
	_, ok := m.seen[uid]
	m.mu.RUnlock()
	return ok
}

// MarkSeen records uid. UID 0 is never a valid IMAP UID and is ignored.
func (m *MemoryTracker) MarkSeen(uid uint32) {
	if uid == 0 {
		return
	}

	m.mu.Lock()
	m.seen[uid] = struct{}{}
	m.mu.Unlock()
}

// Unseen returns the uids not marked yet, keeping their order.
func (m *MemoryTracker) Unseen(uids []uint32) []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if _, ok := m.seen[uid]; ok {
			continue
		}
		out = append(out, uid)
	}
	return out
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.seen)
	m.mu.RUnlock()
	return Snapshot{Seen: count}
}
