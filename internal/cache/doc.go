// Package cache keeps synthesized chunk audio in a two-level cache: an
// in-memory LRU (L1) in front of a zstd-compressed disk store (L2) that
// survives restarts.
package cache
