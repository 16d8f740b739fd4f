package bitcoin

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {
	cases := []uint64{0, 0xfc, 0xfd, 0xffff, 0x10000, 0xffffffff, 0x100000000}

	for _, n := range cases {
		encoded := Varint(n)
		got, consumed, err := ReadVarint(encoded)
		if err != nil {
			t.Fatalf("Varint(%d): ReadVarint failed: %v", n, err)
		}
		if got != n {
			t.Errorf("Varint(%d) round-trip = %d", n, got)
		}
		if consumed != len(encoded) {
			t.Errorf("Varint(%d): consumed %d, encoded length %d", n, consumed, len(encoded))
		}
	}
}

func TestVarintPrefixBoundaries(t *testing.T) {
	if got := Varint(0xfc); len(got) != 1 {
		t.Errorf("0xfc should encode in 1 byte, got %d", len(got))
	}
	if got := Varint(0xfd); len(got) != 3 || got[0] != 0xfd {
		t.Errorf("0xfd should encode as 0xfd + u16, got %x", got)
	}
	if got := Varint(0x10000); len(got) != 5 || got[0] != 0xfe {
		t.Errorf("0x10000 should encode as 0xfe + u32, got %x", got)
	}
	if got := Varint(0x100000000); len(got) != 9 || got[0] != 0xff {
		t.Errorf("0x100000000 should encode as 0xff + u64, got %x", got)
	}
}

func TestDoubleSHA256(t *testing.T) {
	sum := DoubleSHA256([]byte("hello"))
	// Must be deterministic and not equal to a single SHA256 pass.
	again := DoubleSHA256([]byte("hello"))
	if !bytes.Equal(sum[:], again[:]) {
		t.Fatal("DoubleSHA256 is not deterministic")
	}
	single := sha256.Sum256([]byte("hello"))
	if bytes.Equal(sum[:], single[:]) {
		t.Fatal("DoubleSHA256 equals a single SHA256 pass")
	}
}

func TestReverseBytes(t *testing.T) {
	in := []byte{0x01, 0x02, 0x03, 0x04}
	want := []byte{0x04, 0x03, 0x02, 0x01}
	got := ReverseBytes(in)
	if !bytes.Equal(got, want) {
		t.Errorf("ReverseBytes(%x) = %x, want %x", in, got, want)
	}
	// Original slice must be untouched.
	if !bytes.Equal(in, []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Errorf("ReverseBytes mutated its input: %x", in)
	}
}
