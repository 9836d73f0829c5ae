package room

import (
	"errors"
	"log"
	"sync"
	"time"

	protocol "github.com/vppillai/diagram-tools-hub/internal/sync"
)

// Timer tunables. Variables so lifecycle tests can compress them.
var (
	// Delay between the most recent change and the debounced snapshot
	// write. Further changes inside the window reset it.
	flushDebounce = 500 * time.Millisecond

	// Backup flush and self-cleanup cadence.
	maintTick = 5 * time.Second

	// How long an empty room stays resident to absorb reconnects.
	idleGrace = 30 * time.Second
)

// Returned when a session operation races with room teardown.
var ErrRoomClosed = errors.New("room: closed")

// Room owns the live document for one collaboration room: the update
// log, the attached sessions, and the persistence and lifecycle
// timers. All mutable fields are guarded by mu; snapshot writes are
// additionally serialized by flushMu so the store sees one writer per
// room.
type Room struct {
	ID string

	engine *Engine

	mu           sync.Mutex
	doc          *document
	sessions     map[string]*Session
	closed       bool
	dirty        bool
	seq          uint64
	flushTimer   *time.Timer
	idleTimer    *time.Timer
	lastActivity time.Time

	flushMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

func newRoom(id string, engine *Engine, snapshot []byte) *Room {
	doc, err := newDocument(snapshot)
	if err != nil {
		// A corrupt snapshot is treated as no prior state.
		log.Printf("Room %s: unreadable snapshot, starting empty: %v", id, err)
		doc = &document{}
	}
	return &Room{
		ID:           id,
		engine:       engine,
		doc:          doc,
		sessions:     make(map[string]*Session),
		lastActivity: time.Now(),
		stop:         make(chan struct{}),
	}
}

// Attach installs a new session and cancels any pending idle close. A
// second attach with the same session id replaces the first.
func (r *Room) Attach(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRoomClosed
	}

	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}

	if prev, ok := r.sessions[sessionID]; ok {
		delete(r.sessions, sessionID)
		prev.close(CloseGoingAway)
		if m := r.engine.metrics; m != nil {
			m.ActiveSessions.Dec()
		}
	}

	updates := r.doc.allUpdates()
	s := &Session{
		ID:   sessionID,
		room: r,
		send: make(chan []byte, len(updates)+512),
	}

	// Queue the stored updates before the session is visible to
	// broadcasts, so catch-up precedes live traffic.
	for _, update := range updates {
		s.send <- update
	}

	r.sessions[sessionID] = s
	r.lastActivity = time.Now()

	if m := r.engine.metrics; m != nil {
		m.ActiveSessions.Inc()
	}
	return s, nil
}

// Detach removes the session if it is still the registered one and
// arms the idle timer when the room becomes empty.
func (r *Room) Detach(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked(s, CloseNormal)
}

func (r *Room) detachLocked(s *Session, code int) {
	if current, ok := r.sessions[s.ID]; !ok || current != s {
		return
	}
	delete(r.sessions, s.ID)
	s.close(code)

	if m := r.engine.metrics; m != nil {
		m.ActiveSessions.Dec()
	}

	if len(r.sessions) == 0 && !r.closed {
		r.armIdleLocked()
	}
}

func (r *Room) armIdleLocked() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	r.idleTimer = time.AfterFunc(idleGrace, func() {
		r.mu.Lock()
		expired := !r.closed && len(r.sessions) == 0
		r.mu.Unlock()
		if expired {
			log.Printf("Room %s idle for %v, closing", r.ID, idleGrace)
			r.Close()
		}
	})
}

// Apply validates an inbound frame, applies it to the document if it
// carries state, and rebroadcasts it to the other sessions. Awareness
// frames are relayed without touching the document.
func (r *Room) Apply(s *Session, msg []byte) error {
	if err := protocol.Validate(msg); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}

	if protocol.IsPersistent(msg) {
		r.doc.addUpdate(msg)
		r.dirty = true
		r.seq++
		r.scheduleFlushLocked()
	}
	r.lastActivity = time.Now()

	for _, other := range r.sessions {
		if other == s {
			continue
		}
		select {
		case other.send <- msg:
		default:
			// Slow consumer: drop the session rather than block the room.
			log.Printf("Room %s: dropping slow session %s", r.ID, other.ID)
			r.detachLocked(other, CloseGoingAway)
		}
	}

	if m := r.engine.metrics; m != nil {
		m.MessagesRelayed.Inc()
	}
	return nil
}

func (r *Room) scheduleFlushLocked() {
	if r.flushTimer != nil {
		r.flushTimer.Stop()
	}
	r.flushTimer = time.AfterFunc(flushDebounce, r.flush)
}

// flush writes the current snapshot through the store. The dirty flag
// is cleared only if no change landed during the write; on write
// failure it stays set and the next change or maintenance tick
// retries.
func (r *Room) flush() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	seq := r.seq
	data, err := r.doc.snapshot()
	r.mu.Unlock()

	if err != nil {
		log.Printf("Room %s: snapshot encode failed: %v", r.ID, err)
		return
	}

	if err := r.engine.store.WriteRoom(r.ID, data); err != nil {
		log.Printf("Room %s: snapshot write failed: %v", r.ID, err)
		if m := r.engine.metrics; m != nil {
			m.FlushErrors.Inc()
		}
		return
	}

	r.mu.Lock()
	if r.seq == seq {
		r.dirty = false
	}
	r.mu.Unlock()

	if m := r.engine.metrics; m != nil {
		m.Flushes.Inc()
	}
}

// maintain is the per-room background loop: backup flushes while the
// room is live, deregistration once it has closed.
func (r *Room) maintain() {
	ticker := time.NewTicker(maintTick)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			r.engine.remove(r)
			return
		case <-ticker.C:
			r.mu.Lock()
			dirty := r.dirty
			r.mu.Unlock()
			if dirty {
				r.flush()
			}
		}
	}
}

// Close renders the room terminal: timers cancelled, sessions closed,
// one best-effort terminal flush, and deregistration via the
// maintenance loop. Safe to call more than once.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}

	for _, s := range r.sessions {
		s.close(CloseGoingAway)
		if m := r.engine.metrics; m != nil {
			m.ActiveSessions.Dec()
		}
	}
	r.sessions = make(map[string]*Session)
	dirty := r.dirty
	r.mu.Unlock()

	if dirty {
		r.flush()
	}
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Stats is the read-only observability view of a room.
type Stats struct {
	ActiveSessions int
	LastActivity   time.Time
	Dirty          bool
	UpdateCount    int
}

func (r *Room) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		ActiveSessions: len(r.sessions),
		LastActivity:   r.lastActivity,
		Dirty:          r.dirty,
		UpdateCount:    r.doc.updateCount(),
	}
}

// Snapshot returns the current document snapshot without going
// through the store. Used by checkpoint captures.
func (r *Room) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.snapshot()
}
