package bitfield

import "testing"

func TestSetClearPopulation(t *testing.T) {
	b := New(10)
	if b.Count() != 0 {
		t.Fatalf("expected 0, got %d", b.Count())
	}
	b.Set(3)
	if b.Count() != 1 {
		t.Fatalf("expected 1, got %d", b.Count())
	}
	if !b.Test(3) {
		t.Fatal("expected bit 3 set")
	}
	b.Clear(3)
	if b.Count() != 0 {
		t.Fatalf("setting then clearing should leave population at zero: got %d", b.Count())
	}
}

func TestTrailingBitsZero(t *testing.T) {
	b := New(10)
	for i := uint32(0); i < 10; i++ {
		b.Set(i)
	}
	// byte layout is 2 bytes for 10 bits; last 6 bits of second byte are padding.
	if b.Bytes()[1]&0x3F != 0 {
		t.Fatalf("trailing bits not zero: %08b", b.Bytes()[1])
	}
	if !b.All() {
		t.Fatal("expected All() true")
	}
}

func TestNewBytesRejectsDirtyTrailer(t *testing.T) {
	if _, err := NewBytes([]byte{0xFF}, 4); err == nil {
		t.Fatal("expected error for dirty trailing bits")
	}
}

func TestUsable(t *testing.T) {
	a := New(4)
	a.Set(0)
	o := New(4)
	o.Set(0)
	o.Set(1)
	if !a.Usable(o) {
		t.Fatal("expected usable: o has piece 1 that a lacks")
	}
	o.Clear(1)
	if a.Usable(o) {
		t.Fatal("expected not usable: o has nothing a lacks")
	}
}
