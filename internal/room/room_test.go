package room

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vppillai/diagram-tools-hub/internal/store"
)

// Compresses the lifecycle timers so tests run in milliseconds.
func fastTimers(t *testing.T) {
	t.Helper()
	prevFlush, prevTick, prevGrace := flushDebounce, maintTick, idleGrace
	flushDebounce = 20 * time.Millisecond
	maintTick = 20 * time.Millisecond
	idleGrace = 40 * time.Millisecond
	t.Cleanup(func() {
		flushDebounce, maintTick, idleGrace = prevFlush, prevTick, prevGrace
	})
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, string) {
	t.Helper()
	roomsDir := filepath.Join(t.TempDir(), "rooms")
	st, err := store.New(roomsDir, filepath.Join(t.TempDir(), "assets"))
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	e := NewEngine(st, nil)
	t.Cleanup(e.CloseAll)
	return e, st, roomsDir
}

func recv(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case msg, ok := <-s.Outbound():
		if !ok {
			t.Fatal("outbound channel closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func expectNoMessage(t *testing.T, s *Session) {
	t.Helper()
	select {
	case msg, ok := <-s.Outbound():
		if ok {
			t.Fatalf("unexpected outbound message %v", msg)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

var (
	updateA = []byte{0, 2, 0xaa}
	updateB = []byte{0, 2, 0xbb}
	updateC = []byte{0, 2, 0xcc}
)

func TestObtainRoomSingleInstance(t *testing.T) {
	e, _, _ := newTestEngine(t)

	var wg sync.WaitGroup
	rooms := make([]*Room, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := e.ObtainRoom("alpha")
			if err != nil {
				t.Errorf("ObtainRoom failed: %v", err)
				return
			}
			rooms[i] = r
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(rooms); i++ {
		if rooms[i] != rooms[0] {
			t.Fatal("concurrent ObtainRoom produced distinct rooms")
		}
	}
	if e.RoomCount() != 1 {
		t.Errorf("RoomCount = %d, want 1", e.RoomCount())
	}
}

func TestObtainRoomRejectsInvalidIDs(t *testing.T) {
	e, _, _ := newTestEngine(t)

	for _, id := range []string{"..", ".hidden", "a/b", `a\b`, ""} {
		if _, err := e.ObtainRoom(id); !errors.Is(err, store.ErrInvalidKey) {
			t.Errorf("ObtainRoom(%q) error = %v, want ErrInvalidKey", id, err)
		}
		if e.Peek(id) != nil {
			t.Errorf("ObtainRoom(%q) registered a room for an unpersistable id", id)
		}
	}
}

func TestObtainRoomAfterCloseCreatesFresh(t *testing.T) {
	e, _, _ := newTestEngine(t)

	first, err := e.ObtainRoom("alpha")
	if err != nil {
		t.Fatalf("ObtainRoom failed: %v", err)
	}
	first.Close()

	second, err := e.ObtainRoom("alpha")
	if err != nil {
		t.Fatalf("ObtainRoom failed: %v", err)
	}
	if second == first {
		t.Error("expected a fresh room after close")
	}
	if second.Closed() {
		t.Error("fresh room is closed")
	}
}

func TestAttachClosedRoom(t *testing.T) {
	e, _, _ := newTestEngine(t)

	r, _ := e.ObtainRoom("alpha")
	r.Close()

	if _, err := r.Attach("s1"); err != ErrRoomClosed {
		t.Errorf("Attach error = %v, want ErrRoomClosed", err)
	}
}

func TestApplyBroadcast(t *testing.T) {
	e, _, _ := newTestEngine(t)

	r, _ := e.ObtainRoom("alpha")
	a, err := r.Attach("a")
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	b, err := r.Attach("b")
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if err := r.Apply(a, updateA); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if got := recv(t, b); !bytes.Equal(got, updateA) {
		t.Errorf("b received %v, want %v", got, updateA)
	}
	expectNoMessage(t, a)
}

func TestLateJoinerCatchUp(t *testing.T) {
	e, _, _ := newTestEngine(t)

	r, _ := e.ObtainRoom("alpha")
	a, _ := r.Attach("a")
	if err := r.Apply(a, updateA); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := r.Apply(a, updateB); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	c, err := r.Attach("c")
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if got := recv(t, c); !bytes.Equal(got, updateA) {
		t.Errorf("first catch-up = %v, want %v", got, updateA)
	}
	if got := recv(t, c); !bytes.Equal(got, updateB) {
		t.Errorf("second catch-up = %v, want %v", got, updateB)
	}
}

func TestAwarenessRelayedNotPersisted(t *testing.T) {
	e, _, _ := newTestEngine(t)

	r, _ := e.ObtainRoom("alpha")
	a, _ := r.Attach("a")
	b, _ := r.Attach("b")

	awareness := []byte{1, 1, 0x42}
	if err := r.Apply(a, awareness); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if got := recv(t, b); !bytes.Equal(got, awareness) {
		t.Errorf("b received %v, want %v", got, awareness)
	}

	stats := r.Stats()
	if stats.Dirty {
		t.Error("awareness message marked the room dirty")
	}
	if stats.UpdateCount != 0 {
		t.Errorf("UpdateCount = %d, want 0", stats.UpdateCount)
	}
}

func TestApplyInvalidMessage(t *testing.T) {
	e, _, _ := newTestEngine(t)

	r, _ := e.ObtainRoom("alpha")
	a, _ := r.Attach("a")

	if err := r.Apply(a, []byte{9, 9}); err == nil {
		t.Error("expected validation error for unknown message type")
	}
	if r.Stats().Dirty {
		t.Error("invalid message marked the room dirty")
	}
}

func TestDebouncedFlush(t *testing.T) {
	fastTimers(t)
	e, st, _ := newTestEngine(t)

	r, _ := e.ObtainRoom("alpha")
	a, _ := r.Attach("a")

	if _, err := st.ReadRoom("alpha"); err != store.ErrNotFound {
		t.Fatalf("snapshot exists before any change: %v", err)
	}

	if err := r.Apply(a, updateA); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := r.Apply(a, updateB); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	data, err := st.ReadRoom("alpha")
	if err != nil {
		t.Fatalf("snapshot missing after debounce: %v", err)
	}
	doc, err := newDocument(data)
	if err != nil {
		t.Fatalf("snapshot unreadable: %v", err)
	}
	if doc.updateCount() != 2 {
		t.Errorf("snapshot has %d updates, want 2", doc.updateCount())
	}
	if r.Stats().Dirty {
		t.Error("dirty flag still set after flush")
	}
}

func TestFlushRetryOnWriteFailure(t *testing.T) {
	fastTimers(t)
	e, st, roomsDir := newTestEngine(t)

	r, _ := e.ObtainRoom("alpha")
	a, _ := r.Attach("a")

	// Make the write fail by removing the keyspace directory.
	if err := os.RemoveAll(roomsDir); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}

	if err := r.Apply(a, updateA); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if !r.Stats().Dirty {
		t.Fatal("dirty flag cleared despite failed write")
	}

	// Restore the directory; the maintenance tick retries.
	if err := os.MkdirAll(roomsDir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if _, err := st.ReadRoom("alpha"); err != nil {
		t.Errorf("snapshot still missing after retry: %v", err)
	}
	if r.Stats().Dirty {
		t.Error("dirty flag still set after successful retry")
	}
}

func TestIdleCloseAndReload(t *testing.T) {
	fastTimers(t)
	e, st, _ := newTestEngine(t)

	r, _ := e.ObtainRoom("delta")
	a, _ := r.Attach("a")
	if err := r.Apply(a, updateA); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	r.Detach(a)

	// Idle grace plus a maintenance tick must close and deregister.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Peek("delta") == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if e.Peek("delta") != nil {
		t.Fatal("room still registered after idle grace")
	}
	if !r.Closed() {
		t.Fatal("room not closed after idle grace")
	}

	// The terminal flush persisted the change; a fresh obtain reloads it.
	if _, err := st.ReadRoom("delta"); err != nil {
		t.Fatalf("snapshot missing after close: %v", err)
	}
	fresh, err := e.ObtainRoom("delta")
	if err != nil {
		t.Fatalf("ObtainRoom failed: %v", err)
	}
	if fresh == r {
		t.Fatal("obtained the closed room instance")
	}
	if fresh.Stats().UpdateCount != 1 {
		t.Errorf("reloaded UpdateCount = %d, want 1", fresh.Stats().UpdateCount)
	}
}

func TestReconnectWithinGraceKeepsRoom(t *testing.T) {
	fastTimers(t)
	e, _, _ := newTestEngine(t)

	r, _ := e.ObtainRoom("gamma")
	a, _ := r.Attach("a")
	if err := r.Apply(a, updateA); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	r.Detach(a)

	// Reconnect inside the grace window.
	time.Sleep(10 * time.Millisecond)
	b, err := r.Attach("b")
	if err != nil {
		t.Fatalf("Attach within grace failed: %v", err)
	}

	// The prior change arrives without a snapshot reload.
	if got := recv(t, b); !bytes.Equal(got, updateA) {
		t.Errorf("catch-up = %v, want %v", got, updateA)
	}

	// Well past the original grace window the room must survive.
	time.Sleep(150 * time.Millisecond)
	if r.Closed() {
		t.Error("room closed despite live session")
	}
	if e.Peek("gamma") != r {
		t.Error("room deregistered despite live session")
	}
}

func TestSlowSessionDropped(t *testing.T) {
	e, _, _ := newTestEngine(t)

	r, _ := e.ObtainRoom("alpha")
	a, _ := r.Attach("a")
	slow, _ := r.Attach("slow")

	// Fill the slow session's buffer without draining it.
	for i := 0; i < cap(slow.Outbound())+1; i++ {
		if err := r.Apply(a, updateC); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
	}

	if r.Stats().ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1 after slow drop", r.Stats().ActiveSessions)
	}
	if slow.CloseCode() != CloseGoingAway {
		t.Errorf("CloseCode = %d, want %d", slow.CloseCode(), CloseGoingAway)
	}
}

func TestSessionReplacedOnDuplicateID(t *testing.T) {
	e, _, _ := newTestEngine(t)

	r, _ := e.ObtainRoom("alpha")
	first, _ := r.Attach("same")
	second, err := r.Attach("same")
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if r.Stats().ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", r.Stats().ActiveSessions)
	}

	// The first session's channel drains closed.
	for {
		if _, ok := <-first.Outbound(); !ok {
			break
		}
	}

	if err := r.Apply(second, updateA); err != nil {
		t.Fatalf("Apply on replacement failed: %v", err)
	}
}

func TestEvictIfIdleRespectsLiveness(t *testing.T) {
	e, _, _ := newTestEngine(t)

	r, _ := e.ObtainRoom("epsilon")
	a, _ := r.Attach("a")

	if e.EvictIfIdle("epsilon") {
		t.Error("EvictIfIdle evicted a room with a live session")
	}
	if r.Closed() {
		t.Fatal("EvictIfIdle closed a live room")
	}

	r.Detach(a)
	if !e.EvictIfIdle("epsilon") {
		t.Error("EvictIfIdle refused a sessionless room")
	}
	if !r.Closed() {
		t.Error("stale room not closed on eviction")
	}

	if !e.EvictIfIdle("never-seen") {
		t.Error("EvictIfIdle refused an unregistered id")
	}
}

func TestSnapshotRoundtripFixedPoint(t *testing.T) {
	e, _, _ := newTestEngine(t)

	r, _ := e.ObtainRoom("alpha")
	a, _ := r.Attach("a")
	if err := r.Apply(a, updateA); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := r.Apply(a, updateB); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	first, err := r.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	reloaded := newRoom("other", e, first)
	second, err := reloaded.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("snapshot not a fixed point: %s vs %s", first, second)
	}
}

func TestCorruptSnapshotStartsEmpty(t *testing.T) {
	e, st, _ := newTestEngine(t)

	if err := st.WriteRoom("alpha", []byte("not json")); err != nil {
		t.Fatalf("WriteRoom failed: %v", err)
	}

	r, err := e.ObtainRoom("alpha")
	if err != nil {
		t.Fatalf("ObtainRoom failed: %v", err)
	}
	if r.Stats().UpdateCount != 0 {
		t.Errorf("UpdateCount = %d, want 0 for corrupt snapshot", r.Stats().UpdateCount)
	}
}

func TestCloseAllFlushes(t *testing.T) {
	fastTimers(t)
	e, st, _ := newTestEngine(t)

	r, _ := e.ObtainRoom("alpha")
	a, _ := r.Attach("a")
	if err := r.Apply(a, updateA); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	e.CloseAll()

	if _, err := st.ReadRoom("alpha"); err != nil {
		t.Errorf("snapshot missing after CloseAll: %v", err)
	}
	if !r.Closed() {
		t.Error("room not closed by CloseAll")
	}
}
