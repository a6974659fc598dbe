package stream

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"terrastream/internal/heightmap"
)

// SampleStore caches generated height grids so a region re-entered after a
// collapse does not pay for regeneration.
type SampleStore interface {
	Load(key string) (*heightmap.Grid, bool, error)
	Save(key string, grid *heightmap.Grid) error
	Close() error
}

// MemoryStore is a bounded in-process sample cache with FIFO eviction.
type MemoryStore struct {
	mu         sync.Mutex
	grids      map[string]*heightmap.Grid
	order      []string
	maxEntries int
}

// NewMemoryStore creates a cache holding at most maxEntries grids. A zero or
// negative cap disables caching.
func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		grids:      make(map[string]*heightmap.Grid),
		maxEntries: maxEntries,
	}
}

func (s *MemoryStore) Load(key string) (*heightmap.Grid, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grid, ok := s.grids[key]
	return grid, ok, nil
}

func (s *MemoryStore) Save(key string, grid *heightmap.Grid) error {
	if s.maxEntries <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grids[key]; !ok {
		s.order = append(s.order, key)
	}
	s.grids[key] = grid
	for len(s.order) > s.maxEntries {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.grids, evict)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grids = make(map[string]*heightmap.Grid)
	s.order = nil
	return nil
}

// DiskStore persists sample grids as gob files beneath a base directory,
// fronted by a small in-memory layer for the hot set.
type DiskStore struct {
	basePath string
	memory   *MemoryStore
}

// NewDiskStore creates the base directory if needed.
func NewDiskStore(basePath string, memoryEntries int) (*DiskStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create sample cache directory: %w", err)
	}
	return &DiskStore{
		basePath: basePath,
		memory:   NewMemoryStore(memoryEntries),
	}, nil
}

func (s *DiskStore) gridPath(key string) string {
	return filepath.Join(s.basePath, key+".grid")
}

func (s *DiskStore) Load(key string) (*heightmap.Grid, bool, error) {
	if grid, ok, _ := s.memory.Load(key); ok {
		return grid, true, nil
	}

	f, err := os.Open(s.gridPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open cached grid: %w", err)
	}
	defer f.Close()

	var grid heightmap.Grid
	if err := gob.NewDecoder(f).Decode(&grid); err != nil {
		return nil, false, fmt.Errorf("decode cached grid %s: %w", key, err)
	}
	_ = s.memory.Save(key, &grid)
	return &grid, true, nil
}

func (s *DiskStore) Save(key string, grid *heightmap.Grid) error {
	if err := s.memory.Save(key, grid); err != nil {
		return err
	}

	path := s.gridPath(key)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create cached grid: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(grid); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode cached grid %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close cached grid: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit cached grid: %w", err)
	}
	return nil
}

func (s *DiskStore) Close() error {
	return s.memory.Close()
}
