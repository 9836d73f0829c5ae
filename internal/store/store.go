package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// Returned when a room snapshot or asset does not exist.
	ErrNotFound = errors.New("store: not found")

	// Returned for ids that could escape the keyspace directory.
	ErrInvalidKey = errors.New("store: invalid key")
)

// One stored blob, as reported by the listing operations.
type Entry struct {
	ID      string
	Size    int64
	ModTime time.Time
}

// Flat-file blob storage with two independent keyspaces: room
// snapshots and assets. The id is the file name; the engine guarantees
// a single writer per room id, so plain rename-into-place is enough.
type Store struct {
	roomsDir  string
	assetsDir string
}

func New(roomsDir, assetsDir string) (*Store, error) {
	for _, dir := range []string{roomsDir, assetsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}
	return &Store{roomsDir: roomsDir, assetsDir: assetsDir}, nil
}

// ValidateKey reports whether id is usable as a storage key. Callers
// that accept ids from the network check before creating state keyed
// by them.
func ValidateKey(id string) error {
	return checkKey(id)
}

// Rejects anything that is not a single path-safe token.
func checkKey(id string) error {
	if id == "" || strings.HasPrefix(id, ".") {
		return ErrInvalidKey
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return ErrInvalidKey
	}
	return nil
}

func read(dir, id string) ([]byte, error) {
	if err := checkKey(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", id, err)
	}
	return data, nil
}

// Write-to-temp-then-rename so a concurrent read sees either the
// previous bytes or the new bytes, never a torn file.
func write(dir, id string, data []byte) error {
	if err := checkKey(id); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+id+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: write %s: %w", id, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: write %s: %w", id, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: write %s: %w", id, err)
	}
	return nil
}

func remove(dir, id string) error {
	if err := checkKey(id); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(dir, id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

func list(dir string) ([]Entry, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", dir, err)
	}
	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Deleted between readdir and stat; skip it.
			continue
		}
		entries = append(entries, Entry{
			ID:      de.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (s *Store) ReadRoom(id string) ([]byte, error)  { return read(s.roomsDir, id) }
func (s *Store) WriteRoom(id string, b []byte) error { return write(s.roomsDir, id, b) }
func (s *Store) DeleteRoom(id string) error          { return remove(s.roomsDir, id) }
func (s *Store) ListRooms() ([]Entry, error)         { return list(s.roomsDir) }

func (s *Store) ReadAsset(id string) ([]byte, error)  { return read(s.assetsDir, id) }
func (s *Store) WriteAsset(id string, b []byte) error { return write(s.assetsDir, id, b) }
func (s *Store) DeleteAsset(id string) error          { return remove(s.assetsDir, id) }
func (s *Store) ListAssets() ([]Entry, error)         { return list(s.assetsDir) }
