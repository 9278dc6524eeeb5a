package index

import (
	"encoding/binary"
	"fmt"
)

func entrySize(version byte) int {
	switch version {
	case PTableVersion1:
		return entryV1Size
	case PTableVersion2:
		return entryV2Size
	default:
		return entryV3Size
	}
}

func validVersion(version byte) bool {
	return version >= PTableVersion1 && version <= PTableVersion4
}

func encodeHeader(version byte) []byte {
	b := make([]byte, headerSize)
	b[0] = fileTypePTable
	b[1] = version
	return b
}

func decodeHeader(path string, b []byte) (byte, error) {
	if b[0] != fileTypePTable {
		return 0, corruptf(path, "file type %d is not a ptable", b[0])
	}
	if !validVersion(b[1]) {
		return 0, corruptf(path, "unsupported ptable version %d", b[1])
	}
	return b[1], nil
}

func encodeFooter(version byte, midpoints uint32) []byte {
	b := make([]byte, footerSize)
	b[0] = fileTypePTable
	b[1] = version
	binary.LittleEndian.PutUint32(b[2:6], midpoints)
	return b
}

func decodeFooter(path string, headerVersion byte, b []byte) (uint32, error) {
	if b[0] != fileTypePTable {
		return 0, corruptf(path, "footer file type %d is not a ptable", b[0])
	}
	if b[1] != headerVersion {
		return 0, corruptf(path, "footer version %d does not match header version %d", b[1], headerVersion)
	}
	return binary.LittleEndian.Uint32(b[2:6]), nil
}

// putEntry encodes e into b using the record layout of version.
func putEntry(b []byte, e IndexEntry, version byte) {
	switch version {
	case PTableVersion1:
		binary.LittleEndian.PutUint32(b[0:4], uint32(e.Version))
		binary.LittleEndian.PutUint32(b[4:8], uint32(e.Stream))
		binary.LittleEndian.PutUint64(b[8:16], uint64(e.Position))
	case PTableVersion2:
		binary.LittleEndian.PutUint32(b[0:4], uint32(e.Version))
		binary.LittleEndian.PutUint64(b[4:12], e.Stream)
		binary.LittleEndian.PutUint64(b[12:20], uint64(e.Position))
	default:
		binary.LittleEndian.PutUint64(b[0:8], uint64(e.Version))
		binary.LittleEndian.PutUint64(b[8:16], e.Stream)
		binary.LittleEndian.PutUint64(b[16:24], uint64(e.Position))
	}
}

// readEntry decodes a record written by putEntry.
func readEntry(b []byte, version byte) IndexEntry {
	switch version {
	case PTableVersion1:
		return IndexEntry{
			Version:  int64(int32(binary.LittleEndian.Uint32(b[0:4]))),
			Stream:   uint64(binary.LittleEndian.Uint32(b[4:8])),
			Position: int64(binary.LittleEndian.Uint64(b[8:16])),
		}
	case PTableVersion2:
		return IndexEntry{
			Version:  int64(int32(binary.LittleEndian.Uint32(b[0:4]))),
			Stream:   binary.LittleEndian.Uint64(b[4:12]),
			Position: int64(binary.LittleEndian.Uint64(b[12:20])),
		}
	default:
		return IndexEntry{
			Version:  int64(binary.LittleEndian.Uint64(b[0:8])),
			Stream:   binary.LittleEndian.Uint64(b[8:16]),
			Position: int64(binary.LittleEndian.Uint64(b[16:24])),
		}
	}
}

func putMidpoint(b []byte, m Midpoint) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(m.Key.Version))
	binary.LittleEndian.PutUint64(b[8:16], m.Key.Stream)
	binary.LittleEndian.PutUint64(b[16:24], uint64(m.ItemIndex))
}

func readMidpoint(b []byte) Midpoint {
	return Midpoint{
		Key: IndexEntryKey{
			Version: int64(binary.LittleEndian.Uint64(b[0:8])),
			Stream:  binary.LittleEndian.Uint64(b[8:16]),
		},
		ItemIndex: int64(binary.LittleEndian.Uint64(b[16:24])),
	}
}

// GetDepth returns the midpoint depth for a table of size bytes: roughly
// half the bit length of the size measured in 4K pages, never below minDepth.
func GetDepth(size int64, minDepth int) int {
	if (int64(2)<<28)*4096 < size {
		return 28
	}
	for i := 27; i > minDepth; i-- {
		if (int64(2)<<i)*4096 < size {
			return i + 1
		}
	}
	return minDepth
}

// GetRequiredMidpointCount returns how many midpoints a table of count
// entries keeps at the given depth.
func GetRequiredMidpointCount(count int64, entrySize int, depth int) int64 {
	if count == 0 {
		return 0
	}
	if count == 1 {
		return 2
	}
	d := GetDepth(count*int64(entrySize), depth)
	return max(2, min(int64(1)<<d, count))
}

// GetMidpointIndex maps midpoint k of m to a record index in [0, count).
func GetMidpointIndex(k, count, m int64) int64 {
	if k == 0 {
		return 0
	}
	if k == m-1 {
		return count - 1
	}
	return k * (count - 1) / (m - 1)
}

// expectedCount derives the record count from the file size.
func expectedCount(path string, size int64, version byte, midpoints int64) (int64, error) {
	es := int64(entrySize(version))
	body := size - headerSize - md5Size
	if version >= PTableVersion4 {
		body -= footerSize + midpoints*midpointSize
	}
	if body < 0 || body%es != 0 {
		return 0, corruptf(path, "size %d does not hold a whole number of %d byte entries", size, es)
	}
	return body / es, nil
}

func bloomFilterPath(path string) string {
	return path + bloomFilterSuffix
}

func describeKey(k IndexEntryKey) string {
	return fmt.Sprintf("(%#x, %d)", k.Stream, k.Version)
}
