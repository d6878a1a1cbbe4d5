package statsstore

import (
	"bytes"
	"testing"
	"time"
)

func TestConnStatsCborRoundTrip(t *testing.T) {
	want := ConnStats{
		ConnID:       [6]byte{1, 2, 3, 4, 5, 6},
		BytesIn:      1234,
		BytesOut:     5678,
		PacketsIn:    9,
		PacketsOut:   3,
		LastActivity: time.Unix(1_700_000_000, 123000).UTC(),
	}

	var buf bytes.Buffer
	if err := want.MarshalCbor(&buf); err != nil {
		t.Fatalf("MarshalCbor: %v", err)
	}

	var got ConnStats
	if err := got.UnmarshalCbor(&buf); err != nil {
		t.Fatalf("UnmarshalCbor: %v", err)
	}

	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestUpsertAndGet(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	id := [6]byte{9, 9, 9, 9, 1, 1}
	stats := ConnStats{ConnID: id, BytesIn: 100, PacketsIn: 2, LastActivity: time.Now().UTC()}

	if err := store.Upsert(stats); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok := store.Get(id)
	if !ok {
		t.Fatal("Get reported no stored row after Upsert")
	}
	if got.BytesIn != 100 || got.PacketsIn != 2 {
		t.Fatalf("Get() = %+v, want BytesIn=100 PacketsIn=2", got)
	}
}

func TestUpsertReplacesPriorRow(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	id := [6]byte{1, 1, 1, 1, 2, 2}
	if err := store.Upsert(ConnStats{ConnID: id, BytesIn: 1}); err != nil {
		t.Fatalf("Upsert #1: %v", err)
	}
	if err := store.Upsert(ConnStats{ConnID: id, BytesIn: 2}); err != nil {
		t.Fatalf("Upsert #2: %v", err)
	}

	got, ok := store.Get(id)
	if !ok {
		t.Fatal("Get reported no stored row")
	}
	if got.BytesIn != 2 {
		t.Fatalf("Get().BytesIn = %d, want 2 (second Upsert should replace the first)", got.BytesIn)
	}
}

func TestGetMissingReturnsFalse(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	if _, ok := store.Get([6]byte{7, 7, 7, 7, 7, 7}); ok {
		t.Fatal("Get on an unknown ConnID should report false")
	}
}

func TestAllListsEveryRow(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	ids := [][6]byte{{1, 0, 0, 0, 0, 1}, {2, 0, 0, 0, 0, 2}, {3, 0, 0, 0, 0, 3}}
	for _, id := range ids {
		if err := store.Upsert(ConnStats{ConnID: id}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	rows, err := store.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(rows) != len(ids) {
		t.Fatalf("All() returned %d rows, want %d", len(rows), len(ids))
	}
}
