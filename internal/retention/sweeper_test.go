package retention

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vppillai/diagram-tools-hub/internal/room"
	"github.com/vppillai/diagram-tools-hub/internal/store"
)

func newTestSweeper(t *testing.T) (*Service, *room.Engine, *store.Store, string, string) {
	t.Helper()
	roomsDir := filepath.Join(t.TempDir(), "rooms")
	assetsDir := filepath.Join(t.TempDir(), "assets")
	st, err := store.New(roomsDir, assetsDir)
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	engine := room.NewEngine(st, nil)
	t.Cleanup(engine.CloseAll)

	svc := New(st, engine, Config{
		Interval:       time.Hour,
		RoomRetention:  7 * 24 * time.Hour,
		AssetRetention: 30 * 24 * time.Hour,
		InitialDelay:   time.Hour,
	}, nil)
	return svc, engine, st, roomsDir, assetsDir
}

func backdate(t *testing.T, path string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}
}

func TestSweepDeletesExpiredRooms(t *testing.T) {
	svc, _, st, roomsDir, _ := newTestSweeper(t)

	if err := st.WriteRoom("old", []byte("{}")); err != nil {
		t.Fatalf("WriteRoom failed: %v", err)
	}
	if err := st.WriteRoom("fresh", []byte("{}")); err != nil {
		t.Fatalf("WriteRoom failed: %v", err)
	}
	backdate(t, filepath.Join(roomsDir, "old"), 10*24*time.Hour)

	svc.Sweep()

	if _, err := st.ReadRoom("old"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expired room still present: %v", err)
	}
	if _, err := st.ReadRoom("fresh"); err != nil {
		t.Errorf("fresh room was deleted: %v", err)
	}
}

func TestSweepRespectsLiveSessions(t *testing.T) {
	svc, engine, st, roomsDir, _ := newTestSweeper(t)

	if err := st.WriteRoom("epsilon", []byte(`{"updates":[]}`)); err != nil {
		t.Fatalf("WriteRoom failed: %v", err)
	}
	backdate(t, filepath.Join(roomsDir, "epsilon"), 10*24*time.Hour)

	r, err := engine.ObtainRoom("epsilon")
	if err != nil {
		t.Fatalf("ObtainRoom failed: %v", err)
	}
	sess, err := r.Attach("viewer")
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	svc.Sweep()

	if _, err := st.ReadRoom("epsilon"); err != nil {
		t.Fatalf("sweep deleted a room with a live session: %v", err)
	}

	r.Detach(sess)
	svc.Sweep()

	if _, err := st.ReadRoom("epsilon"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("sweep kept a sessionless expired room: %v", err)
	}
}

func TestSweepDeletesExpiredAssets(t *testing.T) {
	svc, _, st, _, assetsDir := newTestSweeper(t)

	if err := st.WriteAsset("old.png", []byte{1}); err != nil {
		t.Fatalf("WriteAsset failed: %v", err)
	}
	if err := st.WriteAsset("fresh.png", []byte{2}); err != nil {
		t.Fatalf("WriteAsset failed: %v", err)
	}
	backdate(t, filepath.Join(assetsDir, "old.png"), 40*24*time.Hour)

	svc.Sweep()

	if _, err := st.ReadAsset("old.png"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expired asset still present: %v", err)
	}
	if _, err := st.ReadAsset("fresh.png"); err != nil {
		t.Errorf("fresh asset was deleted: %v", err)
	}
}

func TestSweepSurvivesMissingDirectories(t *testing.T) {
	svc, _, _, roomsDir, assetsDir := newTestSweeper(t)

	os.RemoveAll(roomsDir)
	os.RemoveAll(assetsDir)

	// Listing failures are logged, not fatal.
	svc.Sweep()
}

func TestStartStop(t *testing.T) {
	svc, _, _, _, _ := newTestSweeper(t)
	svc.Start()
	svc.Stop()
}
