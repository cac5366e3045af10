package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

// Manager looks up chunk audio in memory first, then on disk, promoting disk
// hits into memory.
type Manager struct {
	memory *MemoryCache
	disk   *DiskCache
	config Config
	logger *log.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a cache manager. The disk tier is skipped when
// cfg.DiskPath is empty.
func NewManager(cfg Config, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{
		memory: NewMemoryCache(cfg.MemoryCapacity),
		config: cfg,
		logger: logger.With("component", "cache"),
		stop:   make(chan struct{}),
	}

	if cfg.DiskPath != "" {
		disk, err := NewDiskCache(cfg.DiskPath, cfg.DiskCapacity, cfg.CompressionLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to create disk cache: %w", err)
		}
		m.disk = disk
	}

	if cfg.TTL > 0 && cfg.CleanupInterval > 0 {
		m.wg.Add(1)
		go m.cleanupLoop()
	}
	return m, nil
}

// Get returns the cached audio for key and the tier it came from.
func (m *Manager) Get(key string) ([]byte, Level, bool) {
	if data, ok := m.memory.Get(key); ok {
		return data, LevelMemory, true
	}
	if m.disk == nil {
		return nil, LevelMemory, false
	}
	data, ok := m.disk.Get(key)
	if !ok {
		return nil, LevelDisk, false
	}
	if err := m.memory.Put(key, data); err != nil && !errors.Is(err, ErrItemTooLarge) {
		m.logger.Warn("promote failed", "err", err)
	}
	return data, LevelDisk, true
}

// Put stores audio in both tiers. Entries too large for a tier are skipped
// for that tier only.
func (m *Manager) Put(key string, value []byte) error {
	if err := m.memory.Put(key, value); err != nil && !errors.Is(err, ErrItemTooLarge) {
		return fmt.Errorf("memory cache: %w", err)
	}
	if m.disk == nil {
		return nil
	}
	if err := m.disk.Put(key, value); err != nil && !errors.Is(err, ErrItemTooLarge) {
		return fmt.Errorf("disk cache: %w", err)
	}
	return nil
}

// Delete removes key from every tier.
func (m *Manager) Delete(key string) {
	m.memory.Delete(key)
	if m.disk != nil {
		m.disk.Delete(key)
	}
}

// Clear empties every tier.
func (m *Manager) Clear() error {
	m.memory.Clear()
	if m.disk != nil {
		return m.disk.Clear()
	}
	return nil
}

// Prune drops entries older than the configured TTL.
func (m *Manager) Prune() int {
	if m.config.TTL <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.config.TTL)
	n := m.memory.Prune(cutoff)
	if m.disk != nil {
		n += m.disk.Prune(cutoff)
	}
	return n
}

// Stats returns per-tier statistics.
func (m *Manager) Stats() map[Level]Stats {
	out := map[Level]Stats{LevelMemory: m.memory.Stats()}
	if m.disk != nil {
		out[LevelDisk] = m.disk.Stats()
	}
	return out
}

// Summary renders the statistics for humans.
func (m *Manager) Summary() string {
	stats := m.Stats()
	var s string
	for _, level := range []Level{LevelMemory, LevelDisk} {
		st, ok := stats[level]
		if !ok {
			continue
		}
		s += fmt.Sprintf("%-6s %4d items  %8s / %-8s  hit rate %3.0f%%\n",
			level, st.Items,
			humanize.IBytes(uint64(max(st.Size, 0))),
			humanize.IBytes(uint64(max(st.Capacity, 0))),
			st.HitRate()*100)
	}
	return s
}

// Close stops the cleanup loop and releases the disk tier.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	if m.disk != nil {
		return m.disk.Close()
	}
	return nil
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.Prune(); n > 0 {
				m.logger.Debug("pruned expired entries", "count", n)
			}
		}
	}
}
