package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	cfg := Config{
		MemoryCapacity:   1024,
		DiskPath:         dir,
		DiskCapacity:     64 * 1024,
		CompressionLevel: 3,
	}
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestKey(t *testing.T) {
	if Key("hello", "custom|Vivian") == Key("hello", "custom|Ryan") {
		t.Error("voice must change the key")
	}
	if Key("ab", "c") == Key("a", "bc") {
		t.Error("text and voice must not run together")
	}
	if Key("x", "y") != Key("x", "y") {
		t.Error("key must be stable")
	}
}

func TestManagerHierarchy(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	audio := bytes.Repeat([]byte("RIFF"), 100)
	key := Key("hello", "default")

	if err := m.Put(key, audio); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	data, level, ok := m.Get(key)
	if !ok || level != LevelMemory || !bytes.Equal(data, audio) {
		t.Fatalf("Get() = %d bytes, %v, %v", len(data), level, ok)
	}

	m.memory.Delete(key)
	data, level, ok = m.Get(key)
	if !ok || level != LevelDisk || !bytes.Equal(data, audio) {
		t.Fatalf("disk Get() = %d bytes, %v, %v", len(data), level, ok)
	}
	if _, level, _ = m.Get(key); level != LevelMemory {
		t.Error("disk hit should be promoted to memory")
	}
}

func TestManagerLargeItemSkipsMemory(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	big := bytes.Repeat([]byte{1}, 4096)
	if err := m.Put("big", big); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, level, ok := m.Get("big"); !ok || level != LevelDisk {
		t.Errorf("expected disk hit, got %v %v", level, ok)
	}
}

func TestManagerPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	audio := bytes.Repeat([]byte("wave"), 512)

	first := newTestManager(t, dir)
	if err := first.Put("k", audio); err != nil {
		t.Fatal(err)
	}
	_ = first.Close()

	second := newTestManager(t, dir)
	data, level, ok := second.Get("k")
	if !ok || level != LevelDisk || !bytes.Equal(data, audio) {
		t.Fatalf("reopened Get() = %d bytes, %v, %v", len(data), level, ok)
	}
}

func TestManagerCorruptedEntry(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	if err := m.Put("k", []byte("some audio")); err != nil {
		t.Fatal(err)
	}
	m.memory.Clear()
	if err := os.WriteFile(filepath.Join(dir, "k"+compressedExt), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := m.Get("k"); ok {
		t.Error("corrupted entry should miss")
	}
	if _, err := os.Stat(filepath.Join(dir, "k"+compressedExt)); !os.IsNotExist(err) {
		t.Error("corrupted file should be removed")
	}
}

func TestManagerClearAndPrune(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{
		MemoryCapacity: 1024,
		DiskPath:       dir,
		DiskCapacity:   1024,
		TTL:            time.Hour,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	_ = m.Put("a", []byte("1"))
	_ = m.Put("b", []byte("2"))

	old := time.Now().Add(-2 * time.Hour)
	m.disk.mu.Lock()
	m.disk.index["a"].lastAccess = old
	m.disk.mu.Unlock()
	m.memory.Clear()

	if n := m.Prune(); n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if _, _, ok := m.Get("b"); !ok {
		t.Error("b should survive pruning")
	}

	if err := m.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if st := m.Stats()[LevelDisk]; st.Items != 0 || st.Size != 0 {
		t.Errorf("disk not empty after Clear: %+v", st)
	}
}

func TestManagerDiskEviction(t *testing.T) {
	m, err := NewManager(Config{MemoryCapacity: 1, DiskPath: t.TempDir(), DiskCapacity: 10}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	_ = m.Put("a", []byte("aaaaa"))
	_ = m.Put("b", []byte("bbbbb"))
	_ = m.Put("c", []byte("ccccc"))

	if _, _, ok := m.Get("a"); ok {
		t.Error("a should have been evicted from disk")
	}
	if st := m.Stats()[LevelDisk]; st.Evictions != 1 || st.Size != 10 {
		t.Errorf("unexpected disk stats %+v", st)
	}
}

func TestManagerMemoryOnly(t *testing.T) {
	m, err := NewManager(Config{MemoryCapacity: 100}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	_ = m.Put("k", []byte("v"))
	if _, level, ok := m.Get("k"); !ok || level != LevelMemory {
		t.Errorf("Get() = %v, %v", level, ok)
	}
	if _, ok := m.Stats()[LevelDisk]; ok {
		t.Error("disk stats reported without a disk tier")
	}
	if s := m.Summary(); !strings.Contains(s, "memory") || strings.Contains(s, "disk") {
		t.Errorf("unexpected summary %q", s)
	}
}
