package bitcoin

import (
	"encoding/hex"
	"testing"
)

func TestAddressToScriptP2PKH(t *testing.T) {
	// Well-known mainnet genesis coinbase payout address.
	script, err := AddressToScript("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	if err != nil {
		t.Fatalf("AddressToScript: %v", err)
	}

	wantHash160, _ := hex.DecodeString("62e907b15cbf27d5425399ebf6f0fb50ebb88f18")
	want := append([]byte{0x76, 0xa9, 0x14}, wantHash160...)
	want = append(want, 0x88, 0xac)

	if hex.EncodeToString(script) != hex.EncodeToString(want) {
		t.Errorf("AddressToScript P2PKH = %x, want %x", script, want)
	}
}

func TestAddressToScriptP2WPKH(t *testing.T) {
	script, err := AddressToScript("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4")
	if err != nil {
		t.Fatalf("AddressToScript: %v", err)
	}

	wantProgram, _ := hex.DecodeString("751e76e8199196d454941c45d1b3a323f1433bd6")
	want := append([]byte{0x00, 0x14}, wantProgram...)

	if hex.EncodeToString(script) != hex.EncodeToString(want) {
		t.Errorf("AddressToScript P2WPKH = %x, want %x", script, want)
	}
}

func TestAddressToScriptInvalid(t *testing.T) {
	if _, err := AddressToScript("not-an-address!!"); err == nil {
		t.Error("expected error for malformed address")
	}
}
