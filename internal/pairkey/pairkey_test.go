package pairkey

import "testing"

func TestPairIsOrderIndependent(t *testing.T) {
	a, b := TokenId("0xAAA"), TokenId("0xBBB")
	if Pair(a, b) != Pair(b, a) {
		t.Fatalf("Pair(a, b) = %q, Pair(b, a) = %q, want equal", Pair(a, b), Pair(b, a))
	}
}

func TestDirectedIsOrderDependent(t *testing.T) {
	a, b := TokenId("0xAAA"), TokenId("0xBBB")
	if Directed(a, b) == Directed(b, a) {
		t.Fatalf("Directed(a, b) == Directed(b, a) = %q, want distinct", Directed(a, b))
	}
}

func TestSplitRoundTrips(t *testing.T) {
	tests := []struct {
		name string
		a, b TokenId
	}{
		{"already sorted", "0xAAA", "0xBBB"},
		{"needs sorting", "0xCCC", "0x111"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := Pair(tt.a, tt.b)
			lo, hi := Split(key)
			if lo > hi {
				t.Fatalf("Split(%q) = (%q, %q), want lo <= hi", key, lo, hi)
			}
			if Pair(lo, hi) != key {
				t.Fatalf("Pair(Split(%q)) = %q, want %q", key, Pair(lo, hi), key)
			}
		})
	}
}

func TestSplitPanicsOnMalformedKey(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Split did not panic on malformed key")
		}
	}()
	Split(PairKey("no-separator-here"))
}
