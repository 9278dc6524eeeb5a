// Package hashing turns stream names into the 64-bit stream hashes stored in
// index entries. A stream hash is built from two independent 32-bit hashes so
// that a collision needs both halves to collide.
package hashing

import (
	"hash/fnv"

	"github.com/cespare/xxhash/v2"
)

// Hasher produces a 32-bit hash of a stream name.
type Hasher interface {
	Hash(name string) uint32
}

// XXHasher is the low-half hasher. It keeps the low 32 bits of xxhash64.
type XXHasher struct{}

func (XXHasher) Hash(name string) uint32 {
	return uint32(xxhash.Sum64String(name))
}

// FNVHasher is the high-half hasher (FNV-1a, 32 bit).
type FNVHasher struct{}

func (FNVHasher) Hash(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32()
}

// Pair combines a low and a high hasher.
type Pair struct {
	Low  Hasher
	High Hasher
}

// DefaultPair returns the hashers new indexes are built with.
func DefaultPair() Pair {
	return Pair{Low: XXHasher{}, High: FNVHasher{}}
}

// StreamHash returns low<<32 | high for name.
func (p Pair) StreamHash(name string) uint64 {
	return uint64(p.Low.Hash(name))<<32 | uint64(p.High.Hash(name))
}

// UpgradeHash rebuilds a full 64-bit hash from a legacy 32-bit one. Version 1
// tables only stored the low half, so the high half is recomputed from the
// stream name read back from the log.
func (p Pair) UpgradeHash(streamID string, lowHash uint64) uint64 {
	return lowHash<<32 | uint64(p.High.Hash(streamID))
}
