package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestKeyUpperBound(t *testing.T) {
	tests := []struct {
		name   string
		prefix []byte
		want   []byte
	}{
		{"ascii", []byte("ord:"), []byte("ord;")},
		{"carry", []byte{'a', 0xff}, []byte{'b'}},
		{"all ff", []byte{0xff, 0xff}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := KeyUpperBound(tt.prefix)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("KeyUpperBound(%v) = %v, want %v", tt.prefix, got, tt.want)
			}
		})
	}
}

func TestUint64KeysSortNumerically(t *testing.T) {
	a, b := Uint64(9), Uint64(10)
	if bytes.Compare(a, b) >= 0 {
		t.Fatal("9 should sort before 10")
	}
}

func TestJSONRoundTripAndScan(t *testing.T) {
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	type rec struct{ N int }
	for i := 1; i <= 3; i++ {
		if err := SetJSON(db, Key([]byte("r:"), Uint64(uint64(i))), rec{N: i}, nil); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if err := db.Set([]byte("s:other"), []byte("{}"), nil); err != nil {
		t.Fatal(err)
	}

	var got rec
	ok, err := GetJSON(db, Key([]byte("r:"), Uint64(2)), &got)
	if err != nil || !ok || got.N != 2 {
		t.Fatalf("GetJSON = %v %v %v", got, ok, err)
	}

	ok, err = GetJSON(db, []byte("r:missing"), &got)
	if err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}

	var seen []int
	err = ScanPrefix(db, []byte("r:"), func(_, v []byte) bool {
		var r rec
		if err := DecodeJSON(v, &r); err != nil {
			t.Fatal(err)
		}
		seen = append(seen, r.N)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("scan = %v", seen)
	}
}

func TestFileJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "orders.log")
	j, err := NewFileJournal(path)
	if err != nil {
		t.Fatalf("NewFileJournal: %v", err)
	}
	j.Record("ORDER_SUBMIT", map[string]any{"side": "SELL"})
	j.Record("ORDER_CANCEL", map[string]any{"id": 3})
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var events []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		events = append(events, e.Event)
	}
	if len(events) != 2 || events[0] != "ORDER_SUBMIT" {
		t.Errorf("events = %v", events)
	}
}
