package cluster

import "testing"

func TestHashTagFoldsToSameSlot(t *testing.T) {
	a := KeySlot("{user1000}.following")
	b := KeySlot("{user1000}.followers")
	if a != b {
		t.Fatalf("hash-tagged keys mapped to different slots: %d vs %d", a, b)
	}
}

func TestEmptyHashTagIgnored(t *testing.T) {
	// An empty "{}" substring does not count as a hash tag; the whole
	// key is hashed per the RESP cluster spec.
	whole := KeySlot("{}foo")
	plain := crc16([]byte("{}foo")) % NumSlots
	if whole != plain {
		t.Fatalf("expected empty hash-tag to hash the whole key, got %d want %d", whole, plain)
	}
}

func TestKeySlotWithinRange(t *testing.T) {
	for _, k := range []string{"foo", "bar", "{tag}key", "", "a-very-long-key-name-indeed"} {
		if s := KeySlot(k); s >= NumSlots {
			t.Fatalf("slot %d out of range for key %q", s, k)
		}
	}
}

func TestSlotMapPatchIsCopyOnWrite(t *testing.T) {
	m1 := NewSlotMap(1, map[int]SlotRange{42: {Master: "a:1"}})
	m2 := m1.Patch(42, "b:2")

	if m1.Range(42).Master != "a:1" {
		t.Fatalf("original map mutated: %+v", m1.Range(42))
	}
	if m2.Range(42).Master != "b:2" {
		t.Fatalf("patched map missing update: %+v", m2.Range(42))
	}
	if m2.Version != m1.Version {
		t.Fatalf("patch must not change version: %d vs %d", m2.Version, m1.Version)
	}
}

func TestAtomicSlotMapLoadStore(t *testing.T) {
	var a AtomicSlotMap
	if a.Load() != nil {
		t.Fatal("expected nil before first Store")
	}
	m := NewSlotMap(1, nil)
	a.Store(m)
	if a.Load() != m {
		t.Fatal("Load did not return the stored map")
	}
}
