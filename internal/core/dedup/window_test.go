package dedup

import (
	"math"
	"testing"
)

func TestIsUniqueHex_RepeatRejected(t *testing.T) {
	w := New(1, 0.8, 0)
	if !w.IsUniqueHex("ff00a1") {
		t.Fatal("first payload should be unique")
	}
	if w.IsUniqueHex("ff00a1") {
		t.Fatal("identical payload should be rejected")
	}
	if w.IsUniqueHex("zz") {
		t.Error("invalid hex should be rejected")
	}
}

func TestSimilarity_Formula(t *testing.T) {
	cases := []struct {
		a, b []byte
		want float64
	}{
		{[]byte{1, 2, 3}, []byte{1, 2, 3}, 1},
		{[]byte{1, 2, 3}, []byte{1, 2, 4}, 1 - 1.0/3},
		{[]byte{1, 2, 3, 4}, []byte{1, 2}, 1 - 2.0/4},
		{[]byte{9, 9}, []byte{1, 2, 3, 4, 5}, 0},
		{nil, nil, 1},
		{nil, []byte{1}, 0},
	}
	for i, c := range cases {
		if got := Similarity(c.a, c.b); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("case %d: got %v, want %v", i, got, c.want)
		}
	}
}

func TestIsUnique_Threshold(t *testing.T) {
	w := New(10, 0.8, 0)
	base := []byte("0123456789")
	if !w.IsUnique(base) {
		t.Fatal("base should be unique")
	}
	// 2 of 10 bytes differ: similarity 0.8 >= threshold
	if w.IsUnique([]byte("01234567xx")) {
		t.Error("similarity 0.8 should be rejected")
	}
	// 3 of 10 differ: similarity 0.7
	if !w.IsUnique([]byte("0123456xxx")) {
		t.Error("similarity 0.7 should be accepted")
	}
}

func TestIsUnique_CircularEviction(t *testing.T) {
	w := New(3, 0.8, 0)
	payloads := [][]byte{
		[]byte("aaaaaaaa"),
		[]byte("bbbbbbbb"),
		[]byte("cccccccc"),
		[]byte("dddddddd"), // evicts "aaaaaaaa"
	}
	for _, p := range payloads {
		if !w.IsUnique(p) {
			t.Fatalf("%s should be unique", p)
		}
	}
	if w.Len() != 3 {
		t.Fatalf("buffer length should stay at capacity, got %d", w.Len())
	}
	if !w.IsUnique([]byte("aaaaaaaa")) {
		t.Error("oldest entry should have been evicted in FIFO order")
	}
	// "aaaaaaaa" replaced "bbbbbbbb"
	if w.IsUnique([]byte("cccccccc")) {
		t.Error("cccccccc should still be buffered")
	}
	if !w.IsUnique([]byte("bbbbbbbb")) {
		t.Error("bbbbbbbb should have been evicted")
	}
}

func TestIsUnique_MaxSize(t *testing.T) {
	w := New(5, 0.8, 4)
	if w.IsUnique([]byte("12345")) {
		t.Error("payload over max size should be rejected")
	}
	if !w.IsUnique([]byte("1234")) {
		t.Error("payload at max size should be accepted")
	}
}

func TestIsUnique_StoresCopy(t *testing.T) {
	w := New(2, 0.8, 0)
	p := []byte("abcdefgh")
	w.IsUnique(p)
	copy(p, "zzzzzzzz")
	if w.IsUnique([]byte("abcdefgh")) {
		t.Error("window must keep its own copy of the payload")
	}
}
