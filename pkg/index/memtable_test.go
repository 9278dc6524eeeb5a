package index

import (
	"errors"
	"testing"
)

// TestMemTable_IterateAndLookup tests that entries come back newest first and
// a single version resolves to its position
func TestMemTable_IterateAndLookup(t *testing.T) {
	mt := NewMemTable(LatestPTableVersion)
	for _, e := range []IndexEntry{{7, 2, 300}, {7, 1, 200}, {7, 0, 100}} {
		if err := mt.Add(e.Stream, e.Version, e.Position); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	got := collectAll(t, mt)
	if len(got) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(got))
	}
	for i, v := range []int64{2, 1, 0} {
		if got[i].Version != v {
			t.Errorf("entry %d: expected version %d, got %d", i, v, got[i].Version)
		}
	}

	pos, ok, err := mt.TryGetOneValue(7, 1)
	if err != nil || !ok || pos != 200 {
		t.Errorf("TryGetOneValue(7, 1) = %d, %v, %v; want 200", pos, ok, err)
	}
	if mt.Count() != 3 {
		t.Errorf("Expected count 3, got %d", mt.Count())
	}
}

func TestMemTable_IterateOrdersStreamsDescending(t *testing.T) {
	mt := NewMemTable(LatestPTableVersion)
	mt.Add(1, 0, 10)
	mt.Add(9, 0, 20)
	mt.Add(5, 0, 30)
	mt.Add(9, 1, 40)

	want := []IndexEntry{{9, 1, 40}, {9, 0, 20}, {5, 0, 30}, {1, 0, 10}}
	got := collectAll(t, mt)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestMemTable_Neighbours(t *testing.T) {
	mt := NewMemTable(LatestPTableVersion)
	mt.AddEntries([]IndexEntry{{3, 0, 10}, {3, 2, 30}, {3, 5, 60}})

	latest, ok, _ := mt.TryGetLatestEntry(3)
	if !ok || latest.Version != 5 {
		t.Errorf("latest = %v, %v", latest, ok)
	}
	oldest, ok, _ := mt.TryGetOldestEntry(3)
	if !ok || oldest.Version != 0 {
		t.Errorf("oldest = %v, %v", oldest, ok)
	}
	next, ok, _ := mt.TryGetNextEntry(3, 2)
	if !ok || next.Version != 5 {
		t.Errorf("next after 2 = %v, %v", next, ok)
	}
	if _, ok, _ := mt.TryGetNextEntry(3, 5); ok {
		t.Error("next after latest should miss")
	}
	prev, ok, _ := mt.TryGetPreviousEntry(3, 5)
	if !ok || prev.Version != 2 {
		t.Errorf("previous before 5 = %v, %v", prev, ok)
	}
	if _, ok, _ := mt.TryGetPreviousEntry(3, 0); ok {
		t.Error("previous before 0 should miss")
	}
	if _, ok, _ := mt.TryGetLatestEntry(4); ok {
		t.Error("unknown stream should miss")
	}
}

func TestMemTable_GetRange(t *testing.T) {
	mt := NewMemTable(LatestPTableVersion)
	mt.AddEntries(streamEntries(8, 10, 20, 30, 40, 50))

	tests := []struct {
		name       string
		start, end int64
		limit      int
		want       []int64
	}{
		{"all", 0, 100, 0, []int64{4, 3, 2, 1, 0}},
		{"window", 1, 3, 0, []int64{3, 2, 1}},
		{"limited", 0, 100, 2, []int64{4, 3}},
		{"empty", 6, 9, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mt.GetRange(8, tt.start, tt.end, tt.limit)
			if err != nil {
				t.Fatalf("GetRange failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d entries, got %v", len(tt.want), got)
			}
			for i, v := range tt.want {
				if got[i].Version != v {
					t.Errorf("entry %d: expected version %d, got %d", i, v, got[i].Version)
				}
			}
		})
	}

	if _, err := mt.GetRange(8, -1, 3, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for a negative start, got %v", err)
	}
}

func TestMemTable_LatestEntryBefore(t *testing.T) {
	mt := NewMemTable(LatestPTableVersion)
	mt.AddEntries(streamEntries(2, 100, 200, 300))
	all := func(IndexEntry) (bool, error) { return true, nil }

	e, ok, err := mt.TryGetLatestEntryBefore(2, 250, all)
	if err != nil || !ok || e.Position != 200 {
		t.Errorf("latest before 250 = %v, %v, %v", e, ok, err)
	}
	if _, ok, _ := mt.TryGetLatestEntryBefore(2, 100, all); ok {
		t.Error("nothing is before the first position")
	}
}

// TestMemTable_LatestEntryBeforeWithCollision tests that entries of another
// stream sharing the hash are skipped
func TestMemTable_LatestEntryBeforeWithCollision(t *testing.T) {
	mt := NewMemTable(LatestPTableVersion)
	// stream a: positions 100, 300; stream b (same hash): 200, 400
	mt.AddEntries([]IndexEntry{{5, 0, 100}, {5, 1, 300}})
	mt.AddEntries([]IndexEntry{{5, 0, 200}, {5, 1, 400}})
	isA := func(e IndexEntry) (bool, error) { return e.Position == 100 || e.Position == 300, nil }

	e, ok, err := mt.TryGetLatestEntryBefore(5, 350, isA)
	if err != nil || !ok || e.Position != 300 {
		t.Errorf("latest a before 350 = %v, %v, %v", e, ok, err)
	}
	e, ok, err = mt.TryGetLatestEntryBefore(5, 250, isA)
	if err != nil || !ok || e.Position != 100 {
		t.Errorf("latest a before 250 = %v, %v, %v", e, ok, err)
	}
}

func TestMemTable_V1FoldsHashes(t *testing.T) {
	mt := NewMemTable(PTableVersion1)
	full := uint64(0xAABBCCDD_11223344)
	mt.Add(full, 0, 10)

	got := collectAll(t, mt)
	if len(got) != 1 || got[0].Stream != 0xAABBCCDD {
		t.Fatalf("Expected folded hash, got %v", got)
	}
	if pos, ok, _ := mt.TryGetOneValue(full, 0); !ok || pos != 10 {
		t.Errorf("lookup by full hash = %d, %v", pos, ok)
	}
}

func TestMemTable_RejectsNegative(t *testing.T) {
	mt := NewMemTable(LatestPTableVersion)
	if err := mt.Add(1, -1, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("negative version: got %v", err)
	}
	if err := mt.Add(1, 0, -1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("negative position: got %v", err)
	}
}

func TestMemTable_MarkForConversionOnce(t *testing.T) {
	mt := NewMemTable(LatestPTableVersion)
	if !mt.MarkForConversion() {
		t.Fatal("first MarkForConversion should succeed")
	}
	if mt.MarkForConversion() {
		t.Error("second MarkForConversion should fail")
	}
}

func TestMemTable_Clear(t *testing.T) {
	mt := NewMemTable(LatestPTableVersion)
	mt.AddEntries(streamEntries(1, 1, 2, 3))
	mt.Clear()
	if mt.Count() != 0 || len(collectAll(t, mt)) != 0 {
		t.Error("Expected an empty memtable after Clear")
	}
}
