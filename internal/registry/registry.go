// Package registry maps user ids to their single live connection.
package registry

import (
	"sort"
	"sync"
)

// Channel is the outbound side of one connection.
type Channel interface {
	// Send queues frame without blocking. It fails when the channel is closed
	// or its buffer is full.
	Send(frame []byte) error
	// Open reports whether the underlying transport can still take frames.
	Open() bool
	// Close shuts the connection with a websocket close code.
	Close(code int, reason string)
}

// Registry is safe for concurrent use. One lock guards the whole map; every
// call is a single critical section.
type Registry struct {
	mu    sync.Mutex
	conns map[int64]Channel
}

func New() *Registry {
	return &Registry{conns: make(map[int64]Channel)}
}

// Register binds userID to ch and returns the channel it replaced, if any.
// Closing the replaced channel is the caller's job.
func (r *Registry) Register(userID int64, ch Channel) (prev Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = r.conns[userID]
	r.conns[userID] = ch
	if prev == ch {
		return nil
	}
	return prev
}

// Unregister removes the binding only if userID is still bound to ch. A stale
// close handler from a replaced connection is a no-op.
func (r *Registry) Unregister(userID int64, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[userID]; ok && cur == ch {
		delete(r.conns, userID)
		return true
	}
	return false
}

// Lookup returns the bound channel while its transport is open.
func (r *Registry) Lookup(userID int64) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(userID)
}

func (r *Registry) lookupLocked(userID int64) (Channel, bool) {
	ch, ok := r.conns[userID]
	if !ok || !ch.Open() {
		return nil, false
	}
	return ch, true
}

// Send pushes frame to userID's channel. It returns false when nobody is
// reachable or the channel refused the frame; it never retries.
func (r *Registry) Send(userID int64, frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.lookupLocked(userID)
	if !ok {
		return false
	}
	return ch.Send(frame) == nil
}

// Online returns the ids with a bound channel, ascending.
func (r *Registry) Online() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll closes every bound channel with code and clears the map.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	chans := make([]Channel, 0, len(r.conns))
	for id, ch := range r.conns {
		chans = append(chans, ch)
		delete(r.conns, id)
	}
	r.mu.Unlock()
	for _, ch := range chans {
		ch.Close(code, reason)
	}
}
