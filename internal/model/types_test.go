package model

import "testing"

func TestHuddleHashIsOrderIndependent(t *testing.T) {
	a := HuddleHash([]int64{3, 1, 2})
	b := HuddleHash([]int64{2, 3, 1})
	c := HuddleHash([]int64{1, 2, 3, 3})
	if a != b || a != c {
		t.Fatalf("hash mismatch: %s %s %s", a, b, c)
	}
	if d := HuddleHash([]int64{1, 2}); d == a {
		t.Fatalf("different groups share a hash")
	}
}

func TestUniqueIDs(t *testing.T) {
	got := UniqueIDs([]int64{5, 1, 5, 3, 1})
	want := []int64{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTargetOfRoundTrip(t *testing.T) {
	for _, tc := range []Target{PersonalTarget{UserID: 7}, StreamTarget{StreamID: 8}, HuddleTarget{HuddleID: 9}} {
		got, err := TargetOf(tc.Kind(), tc.TypeID())
		if err != nil {
			t.Fatalf("TargetOf(%v): %v", tc, err)
		}
		if got != tc {
			t.Fatalf("got %#v, want %#v", got, tc)
		}
	}
	if _, err := TargetOf(RecipientKind(42), 1); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
