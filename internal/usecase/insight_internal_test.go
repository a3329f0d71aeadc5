package usecase

import (
	"testing"
	"time"

	"github.com/cdesk/warehouse-gateway/internal/domain"
)

func bareStore(ringSize int) *Store {
	return &Store{
		cfg:   InsightConfig{RingSize: ringSize, QueryLimit: ringSize},
		rings: make(map[string]*customerRing),
	}
}

func atomAt(id string, ts time.Time, ttl int64) domain.InsightAtom {
	return domain.InsightAtom{
		AtomID:     id,
		CustomerID: "cust-1",
		Subject:    "revenue",
		Metric:     "daily",
		Value:      domain.NumberValue(1),
		TS:         ts,
		TTLSeconds: ttl,
	}
}

func Test_appendLocked_evictsOldest(t *testing.T) {
	s := bareStore(3)
	base := time.Now().UTC()
	for i, id := range []string{"a1", "a2", "a3", "a4"} {
		s.appendLocked(atomAt(id, base.Add(time.Duration(i)*time.Second), 0))
	}

	r := s.rings["cust-1"]
	if len(r.atoms) != 3 {
		t.Fatalf("ring size = %d, want 3", len(r.atoms))
	}
	if r.atoms[0].AtomID != "a2" || r.atoms[2].AtomID != "a4" {
		t.Fatalf("wrong eviction order: %s..%s", r.atoms[0].AtomID, r.atoms[2].AtomID)
	}
}

func Test_merge_dedupesAndBounds(t *testing.T) {
	s := bareStore(3)
	base := time.Now().UTC()
	s.appendLocked(atomAt("a2", base.Add(2*time.Second), 0))

	s.merge("cust-1", []domain.InsightAtom{
		atomAt("a2", base.Add(2*time.Second), 0), // duplicate
		atomAt("a1", base.Add(1*time.Second), 0),
		atomAt("a3", base.Add(3*time.Second), 0),
		atomAt("a4", base.Add(4*time.Second), 0),
	})

	r := s.rings["cust-1"]
	if len(r.atoms) != 3 {
		t.Fatalf("ring size = %d, want 3", len(r.atoms))
	}
	// Oldest dropped, remainder time-ordered.
	want := []string{"a2", "a3", "a4"}
	for i, id := range want {
		if r.atoms[i].AtomID != id {
			t.Fatalf("position %d = %s, want %s", i, r.atoms[i].AtomID, id)
		}
	}
}

func Test_sweep_dropsExpiredAndEmptyRings(t *testing.T) {
	s := bareStore(10)
	now := time.Now().UTC()
	s.appendLocked(atomAt("live", now, 3600))
	s.appendLocked(atomAt("stale", now.Add(-2*time.Hour), 60))
	other := atomAt("gone", now.Add(-2*time.Hour), 60)
	other.CustomerID = "cust-2"
	s.appendLocked(other)

	s.sweep(now)

	if s.sweptAtoms != 2 {
		t.Fatalf("swept = %d, want 2", s.sweptAtoms)
	}
	r := s.rings["cust-1"]
	if len(r.atoms) != 1 || r.atoms[0].AtomID != "live" {
		t.Fatalf("survivors: %+v", r.atoms)
	}
	if _, ok := s.rings["cust-2"]; ok {
		t.Fatalf("empty ring not deleted")
	}
}

func Test_rowToAtom_variants(t *testing.T) {
	ts := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	atom, ok := rowToAtom(domain.Row{
		"atom_id":     "a1",
		"customer_id": "c1",
		"subject":     "s",
		"metric":      "m",
		"value":       []byte(`{"p95": 120}`),
		"ts":          ts.Format(time.RFC3339Nano),
		"ttl_seconds": 30,
	})
	if !ok {
		t.Fatal("row rejected")
	}
	if atom.Value.Kind != domain.ValueJSON {
		t.Fatalf("value kind = %s", atom.Value.Kind)
	}
	if !atom.TS.Equal(ts) {
		t.Fatalf("ts = %v", atom.TS)
	}
	if atom.TTLSeconds != 30 {
		t.Fatalf("ttl = %d", atom.TTLSeconds)
	}

	atom, ok = rowToAtom(domain.Row{
		"atom_id":     "a2",
		"customer_id": "c1",
		"ts":          float64(ts.UnixMilli()),
		"value":       int64(7),
	})
	if !ok {
		t.Fatal("row rejected")
	}
	if f, numeric := atom.Value.Float(); !numeric || f != 7 {
		t.Fatalf("value = %+v", atom.Value)
	}
	if !atom.TS.Equal(ts) {
		t.Fatalf("millis ts = %v", atom.TS)
	}

	if _, ok := rowToAtom(domain.Row{"customer_id": "c1"}); ok {
		t.Fatal("row without atom_id accepted")
	}
}
