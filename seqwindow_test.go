package genet

import "testing"

func TestAcceptableReliableSequenceWindowBoundary(t *testing.T) {
	cases := []struct {
		name    string
		seq     uint16
		current uint16
		want    bool
	}{
		{"same window", 10, 5, true},
		{"one window ahead", ReliableWindowSize + 1, 0, true},
		{"at the free-window edge", (FreeReliableWindows - 1) * ReliableWindowSize, 0, true},
		{"past the free-window edge", FreeReliableWindows * ReliableWindowSize, 0, false},
		{"exactly current", 0, 0, true},
		{"one behind wraps to the far side", 0xFFFF, 1, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := acceptableReliableSequence(c.seq, c.current)
			if got != c.want {
				t.Fatalf("acceptableReliableSequence(%d, %d) = %v, want %v", c.seq, c.current, got, c.want)
			}
		})
	}
}

func TestFragmentBitmapRoundTrip(t *testing.T) {
	const count = 70 // spans more than two 32-bit words
	bitmap := make([]uint32, fragmentWordCount(count))
	if got := fragmentsRemaining(bitmap, count); got != count {
		t.Fatalf("fresh bitmap remaining = %d, want %d", got, count)
	}
	for i := uint32(0); i < count; i++ {
		if fragmentBitSet(bitmap, i) {
			t.Fatalf("bit %d set before setFragmentBit", i)
		}
		setFragmentBit(bitmap, i)
		if !fragmentBitSet(bitmap, i) {
			t.Fatalf("bit %d not set after setFragmentBit", i)
		}
	}
	if got := fragmentsRemaining(bitmap, count); got != 0 {
		t.Fatalf("full bitmap remaining = %d, want 0", got)
	}
}

func TestFragmentWordCountBoundary(t *testing.T) {
	cases := map[uint32]int{1: 1, 32: 1, 33: 2, 64: 2, 65: 3}
	for count, want := range cases {
		if got := fragmentWordCount(count); got != want {
			t.Fatalf("fragmentWordCount(%d) = %d, want %d", count, got, want)
		}
	}
}

func TestUnsequencedIndexAcceptanceWindow(t *testing.T) {
	idx, ok := unsequencedIndex(5, 0)
	if !ok || idx != 5 {
		t.Fatalf("unsequencedIndex(5, 0) = (%d, %v), want (5, true)", idx, ok)
	}

	_, ok = unsequencedIndex(UnsequencedWindowSize, 0)
	if ok {
		t.Fatalf("group at the window edge should be rejected")
	}

	idx, ok = unsequencedIndex(UnsequencedWindowSize-1, 0)
	if !ok || idx != UnsequencedWindowSize-1 {
		t.Fatalf("last in-window group = (%d, %v), want (%d, true)", idx, ok, UnsequencedWindowSize-1)
	}

	// base near the 16-bit rollover: group 2 with base 0xFFFE wraps forward.
	idx, ok = unsequencedIndex(2, 0xFFFE)
	if !ok || idx != 4 {
		t.Fatalf("wrapped group = (%d, %v), want (4, true)", idx, ok)
	}

	// a group behind base is never delivered, even once.
	_, ok = unsequencedIndex(0, 10)
	if ok {
		t.Fatalf("group behind base should be out of range")
	}
}
