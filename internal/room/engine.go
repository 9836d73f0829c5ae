package room

import (
	"errors"
	"log"
	"sync"

	"github.com/vppillai/diagram-tools-hub/internal/metrics"
	"github.com/vppillai/diagram-tools-hub/internal/store"
)

// Engine owns the registry of live rooms. Obtaining a room loads its
// snapshot on first touch; closed rooms are deregistered by their
// maintenance loop and replaced on the next obtain.
type Engine struct {
	store   *store.Store
	metrics *metrics.Metrics

	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewEngine(st *store.Store, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   st,
		metrics: m,
		rooms:   make(map[string]*Room),
	}
}

// ObtainRoom returns the live room for id, creating and registering
// one seeded from the snapshot store if none exists. Concurrent calls
// for the same id converge on a single instance.
func (e *Engine) ObtainRoom(id string) (*Room, error) {
	e.mu.RLock()
	r := e.rooms[id]
	e.mu.RUnlock()
	if r != nil && !r.Closed() {
		return r, nil
	}

	// Load outside the registry lock. An unpersistable id must not
	// become a live room: every flush would fail forever.
	snapshot, err := e.store.ReadRoom(id)
	if errors.Is(err, store.ErrInvalidKey) {
		return nil, err
	}
	// Any other read failure besides absence means starting from an
	// empty document.
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("Room %s: snapshot load failed, starting empty: %v", id, err)
		snapshot = nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Re-check under the lock: another caller may have registered the
	// room, or a closed instance may still be awaiting deregistration.
	if r := e.rooms[id]; r != nil && !r.Closed() {
		return r, nil
	}

	r = newRoom(id, e, snapshot)
	e.rooms[id] = r
	go r.maintain()

	if e.metrics != nil {
		e.metrics.ActiveRooms.Set(float64(len(e.rooms)))
	}
	log.Printf("Room %s opened", id)
	return r, nil
}

// Peek returns the registered room without creating one.
func (e *Engine) Peek(id string) *Room {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rooms[id]
}

func (e *Engine) remove(r *Room) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if current, ok := e.rooms[r.ID]; ok && current == r {
		delete(e.rooms, r.ID)
		log.Printf("Room %s closed", r.ID)
	}
	if e.metrics != nil {
		e.metrics.ActiveRooms.Set(float64(len(e.rooms)))
	}
}

// EvictIfIdle reports whether the room with the given id is safe to
// sweep from disk: absent, closed, or sessionless. A stale sessionless
// room is closed on the way out so its registry entry drains.
func (e *Engine) EvictIfIdle(id string) bool {
	e.mu.RLock()
	r := e.rooms[id]
	e.mu.RUnlock()

	if r == nil {
		return true
	}

	stats := r.Stats()
	if stats.ActiveSessions > 0 && !r.Closed() {
		return false
	}
	r.Close()
	return true
}

func (e *Engine) RoomCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rooms)
}

func (e *Engine) SessionCount() int {
	e.mu.RLock()
	rooms := make([]*Room, 0, len(e.rooms))
	for _, r := range e.rooms {
		rooms = append(rooms, r)
	}
	e.mu.RUnlock()

	total := 0
	for _, r := range rooms {
		total += r.Stats().ActiveSessions
	}
	return total
}

// ActiveRooms maps room id to attached session count for every
// registered room.
func (e *Engine) ActiveRooms() map[string]int {
	e.mu.RLock()
	rooms := make([]*Room, 0, len(e.rooms))
	for _, r := range e.rooms {
		rooms = append(rooms, r)
	}
	e.mu.RUnlock()

	active := make(map[string]int, len(rooms))
	for _, r := range rooms {
		active[r.ID] = r.Stats().ActiveSessions
	}
	return active
}

// CloseAll closes every registered room with a terminal flush
// attempt. Used on process shutdown.
func (e *Engine) CloseAll() {
	e.mu.RLock()
	rooms := make([]*Room, 0, len(e.rooms))
	for _, r := range e.rooms {
		rooms = append(rooms, r)
	}
	e.mu.RUnlock()

	for _, r := range rooms {
		r.Close()
	}
}
