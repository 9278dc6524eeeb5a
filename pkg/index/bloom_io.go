package index

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dd0wney/cluso-index/pkg/fsutil"
	"github.com/golang/snappy"
	"golang.org/x/exp/mmap"
)

// Bloom filter file layout, little-endian:
//
//	magic "IDXBLOOM" | u32 version | u64 bits | u32 hash count | u32 payload length
//	snappy(bits) | u64 xxhash64(bits)
const (
	bloomMagic         = "IDXBLOOM"
	bloomFormatVersion = 1
	bloomHeaderSize    = 8 + 4 + 8 + 4 + 4
	bloomTrailerSize   = 8
)

var errBadBloomFilter = errors.New("invalid bloom filter file")

// writeBloomFilter persists bf next to a table file.
func writeBloomFilter(path string, bf *BloomFilter) error {
	payload := snappy.Encode(nil, bf.bits)

	header := make([]byte, bloomHeaderSize)
	copy(header[0:8], bloomMagic)
	binary.LittleEndian.PutUint32(header[8:12], bloomFormatVersion)
	binary.LittleEndian.PutUint64(header[12:20], bf.numBits)
	binary.LittleEndian.PutUint32(header[20:24], uint32(bf.hashCount))
	binary.LittleEndian.PutUint32(header[24:28], uint32(len(payload)))

	trailer := make([]byte, bloomTrailerSize)
	binary.LittleEndian.PutUint64(trailer, xxhash.Sum64(bf.bits))

	fw, err := fsutil.CreateFile(path, sequentialBufferSize)
	if err != nil {
		return err
	}
	for _, part := range [][]byte{header, payload, trailer} {
		if _, err := fw.Write(part); err != nil {
			fw.Abort()
			return fmt.Errorf("failed to write bloom filter %s: %w", path, err)
		}
	}
	if err := fw.Close(); err != nil {
		fw.Abort()
		return err
	}
	return nil
}

// openBloomFilter loads a filter written by writeBloomFilter.
func openBloomFilter(path string) (*BloomFilter, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if r.Len() < bloomHeaderSize+bloomTrailerSize {
		return nil, fmt.Errorf("%w: %s is too short", errBadBloomFilter, path)
	}

	header := make([]byte, bloomHeaderSize)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, err
	}
	if string(header[0:8]) != bloomMagic {
		return nil, fmt.Errorf("%w: bad magic in %s", errBadBloomFilter, path)
	}
	if v := binary.LittleEndian.Uint32(header[8:12]); v != bloomFormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", errBadBloomFilter, v)
	}
	numBits := binary.LittleEndian.Uint64(header[12:20])
	hashCount := int(binary.LittleEndian.Uint32(header[20:24]))
	payloadLen := int(binary.LittleEndian.Uint32(header[24:28]))

	if bloomHeaderSize+payloadLen+bloomTrailerSize != r.Len() {
		return nil, fmt.Errorf("%w: payload length %d does not match file size %d", errBadBloomFilter, payloadLen, r.Len())
	}

	payload := make([]byte, payloadLen)
	if _, err := r.ReadAt(payload, bloomHeaderSize); err != nil {
		return nil, err
	}
	trailer := make([]byte, bloomTrailerSize)
	if _, err := r.ReadAt(trailer, int64(bloomHeaderSize+payloadLen)); err != nil {
		return nil, err
	}

	bits, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadBloomFilter, err)
	}
	if uint64(len(bits)) != (numBits+7)/8 {
		return nil, fmt.Errorf("%w: %d bytes of bits for %d bits", errBadBloomFilter, len(bits), numBits)
	}
	if xxhash.Sum64(bits) != binary.LittleEndian.Uint64(trailer) {
		return nil, fmt.Errorf("%w: checksum mismatch in %s", errBadBloomFilter, path)
	}
	if hashCount < 1 || hashCount > maxBloomHashCount {
		return nil, fmt.Errorf("%w: hash count %d", errBadBloomFilter, hashCount)
	}

	return &BloomFilter{bits: bits, numBits: numBits, hashCount: hashCount}, nil
}
