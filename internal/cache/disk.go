package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	compressedExt = ".zst"
	rawExt        = ".wav"
)

// DiskCache is the L2 cache. Each entry is one file named after its key;
// the file's modification time doubles as its last access time, so the LRU
// order survives restarts without a separate index.
type DiskCache struct {
	basePath string
	capacity int64
	size     int64

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	index  map[string]*diskEntry
	closed bool

	mu    sync.Mutex
	stats Stats
}

type diskEntry struct {
	path       string
	size       int64
	lastAccess time.Time
}

// NewDiskCache opens (or creates) a disk cache rooted at basePath. A
// compressionLevel of zero or less stores entries uncompressed.
func NewDiskCache(basePath string, capacity int64, compressionLevel int) (*DiskCache, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	dc := &DiskCache{
		basePath: basePath,
		capacity: capacity,
		index:    make(map[string]*diskEntry),
	}

	if compressionLevel > 0 {
		var err error
		dc.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	// Entries written with compression stay readable after it is turned off.
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	dc.decoder = dec

	if err := dc.scan(); err != nil {
		return nil, err
	}
	return dc, nil
}

// Get reads an entry from disk.
func (dc *DiskCache) Get(key string) ([]byte, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	entry, ok := dc.index[key]
	if !ok {
		dc.stats.Misses++
		return nil, false
	}

	data, err := dc.read(entry)
	if err != nil {
		// Missing or corrupted, forget it
		dc.drop(key, entry)
		dc.stats.Misses++
		return nil, false
	}

	now := time.Now()
	entry.lastAccess = now
	_ = os.Chtimes(entry.path, now, now)

	dc.stats.Hits++
	dc.stats.LastAccess = now
	return data, true
}

// Put writes an entry, evicting the least recently used files to make room.
func (dc *DiskCache) Put(key string, value []byte) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	data, ext := value, rawExt
	if dc.encoder != nil {
		data, ext = dc.encoder.EncodeAll(value, nil), compressedExt
	}
	n := int64(len(data))
	if n > dc.capacity {
		return ErrItemTooLarge
	}

	if existing, ok := dc.index[key]; ok {
		dc.drop(key, existing)
	}
	for dc.size+n > dc.capacity && len(dc.index) > 0 {
		dc.evictOldest()
	}

	path := filepath.Join(dc.basePath, key+ext)
	if err := writeFile(path, data); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	dc.index[key] = &diskEntry{path: path, size: n, lastAccess: time.Now()}
	dc.size += n
	return nil
}

// Delete removes an entry from the disk cache.
func (dc *DiskCache) Delete(key string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if entry, ok := dc.index[key]; ok {
		dc.drop(key, entry)
	}
}

// Clear removes every entry file.
func (dc *DiskCache) Clear() error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	var firstErr error
	for key, entry := range dc.index {
		if err := os.Remove(entry.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
		delete(dc.index, key)
	}
	dc.size = 0
	return firstErr
}

// Prune removes entries not accessed since cutoff.
func (dc *DiskCache) Prune(cutoff time.Time) int {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	removed := 0
	for key, entry := range dc.index {
		if entry.lastAccess.Before(cutoff) {
			dc.drop(key, entry)
			removed++
		}
	}
	return removed
}

// Stats returns cache statistics.
func (dc *DiskCache) Stats() Stats {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	s := dc.stats
	s.Capacity = dc.capacity
	s.Size = dc.size
	s.Items = int64(len(dc.index))
	return s
}

// Close releases the zstd codec resources.
func (dc *DiskCache) Close() error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.closed {
		return nil
	}
	dc.closed = true
	if dc.encoder != nil {
		if err := dc.encoder.Close(); err != nil {
			return err
		}
	}
	dc.decoder.Close()
	return nil
}

func (dc *DiskCache) read(entry *diskEntry) ([]byte, error) {
	data, err := os.ReadFile(entry.path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(entry.path, compressedExt) {
		out, err := dc.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
		}
		return out, nil
	}
	return data, nil
}

// scan rebuilds the index from the files in basePath.
func (dc *DiskCache) scan() error {
	entries, err := os.ReadDir(dc.basePath)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		ext := filepath.Ext(name)
		if e.IsDir() || (ext != compressedExt && ext != rawExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		key := strings.TrimSuffix(name, ext)
		dc.index[key] = &diskEntry{
			path:       filepath.Join(dc.basePath, name),
			size:       info.Size(),
			lastAccess: info.ModTime(),
		}
		dc.size += info.Size()
	}
	return nil
}

// evictOldest must be called with dc.mu held.
func (dc *DiskCache) evictOldest() {
	var oldestKey string
	var oldest *diskEntry
	for key, entry := range dc.index {
		if oldest == nil || entry.lastAccess.Before(oldest.lastAccess) {
			oldestKey, oldest = key, entry
		}
	}
	if oldest != nil {
		dc.drop(oldestKey, oldest)
		dc.stats.Evictions++
	}
}

// drop must be called with dc.mu held.
func (dc *DiskCache) drop(key string, entry *diskEntry) {
	_ = os.Remove(entry.path)
	delete(dc.index, key)
	dc.size -= entry.size
}

func writeFile(path string, data []byte) error {
	// Write to temp file first, then rename
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
