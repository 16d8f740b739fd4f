package mining

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/AlexPanacea/PBpool/pkg/bitcoin"
)

func testJobForShare() *Job {
	coinbasePrefix := []byte{0x01, 0x00, 0x00, 0x00, 0x01}
	coinbaseSuffix := []byte{0xff, 0xff, 0xff, 0xff, 0x00}

	tx1 := bitcoin.DoubleSHA256([]byte("tx1"))
	tx2 := bitcoin.DoubleSHA256([]byte("tx2"))

	return &Job{
		ID:             "1",
		PrevHash:       make([]byte, 32),
		CoinbasePrefix: coinbasePrefix,
		CoinbaseSuffix: coinbaseSuffix,
		MerkleBranch:   bitcoin.MerkleBranch([][]byte{tx1[:], tx2[:]}),
		Version:        0x20000000,
		Bits:           [4]byte{0x1d, 0x00, 0xff, 0xff},
		CurTime:        1700000000,
		MinTime:        1699990000,
		Target:         bitcoin.CompactToBig(0x1d00ffff),
		CreatedAt:      time.Now(),
	}
}

// Reassembling the same share twice must produce the identical header and
// hash: determinism property the block validator depends on.
func TestBuildBlockHeaderDeterministic(t *testing.T) {
	v := &ShareValidator{}
	job := testJobForShare()

	share := &Share{
		Extranonce1: "aabbccdd",
		Extranonce2: "00000001",
		Ntime:       "6553f100",
		Nonce:       "00000000",
	}

	_, h1, err := v.buildBlockHeader(share, job)
	if err != nil {
		t.Fatalf("buildBlockHeader: %v", err)
	}
	_, h2, err := v.buildBlockHeader(share, job)
	if err != nil {
		t.Fatalf("buildBlockHeader: %v", err)
	}

	if hex.EncodeToString(h1) != hex.EncodeToString(h2) {
		t.Error("header reassembly is not deterministic")
	}
	if len(h1) != 80 {
		t.Errorf("header length = %d, want 80", len(h1))
	}
}

func TestValidateNtimeWindow(t *testing.T) {
	v := &ShareValidator{}
	job := testJobForShare()

	toHex := func(v uint32) string {
		b := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
		return hex.EncodeToString(b)
	}

	if !v.validateNtime(toHex(uint32(job.MinTime)+100), job) {
		t.Error("expected ntime just above mintime to be accepted")
	}
	if v.validateNtime(toHex(uint32(job.MinTime)-1), job) {
		t.Error("expected ntime before mintime to be rejected")
	}
	future := uint32(time.Now().Add(3 * time.Hour).Unix())
	if v.validateNtime(toHex(future), job) {
		t.Error("expected ntime more than 2h in the future to be rejected")
	}
	if v.validateNtime("zz", job) {
		t.Error("expected malformed ntime to be rejected")
	}
}
