package cache

import (
	"context"
	"sync"
)

// EventType is a semantic cache event delivered to listeners.
type EventType int

const (
	EventInserted EventType = iota + 1
	EventUpdateAccepted
	EventUpdateRejected
	EventUpdateFailed
	EventSupervisionChange
	EventConfirmStatus
)

func (t EventType) String() string {
	switch t {
	case EventInserted:
		return "INSERTED"
	case EventUpdateAccepted:
		return "UPDATE_ACCEPTED"
	case EventUpdateRejected:
		return "UPDATE_REJECTED"
	case EventUpdateFailed:
		return "UPDATE_FAILED"
	case EventSupervisionChange:
		return "SUPERVISION_CHANGE"
	case EventConfirmStatus:
		return "CONFIRM_STATUS"
	default:
		return "UNKNOWN"
	}
}

// Event is handed to listeners. Value is a copy of the entity after the
// operation; Previous is the prior copy when one existed.
type Event[V any] struct {
	Type     EventType
	Cache    string
	Key      int64
	Value    V
	Previous V
	HadPrev  bool
	Err      error
}

// Listener receives events synchronously while the key lock is held.
// It must not block on I/O or call back into the same key.
type Listener[V any] func(ctx context.Context, evt Event[V])

type registration[V any] struct {
	types map[EventType]struct{}
	fn    Listener[V]
}

type listenerRegistry[V any] struct {
	mu   sync.RWMutex
	regs []registration[V]
}

func (r *listenerRegistry[V]) add(types []EventType, fn Listener[V]) {
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	r.mu.Lock()
	r.regs = append(r.regs, registration[V]{types: set, fn: fn})
	r.mu.Unlock()
}

func (r *listenerRegistry[V]) snapshot() []registration[V] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]registration[V], len(r.regs))
	copy(out, r.regs)
	return out
}
