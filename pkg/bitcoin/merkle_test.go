package bitcoin

import (
	"bytes"
	"testing"
)

func hashOf(b byte) []byte {
	h := make([]byte, 32)
	h[0] = b
	return h
}

func TestMerkleBranchFoldMatchesDirectRoot(t *testing.T) {
	coinbase := hashOf(0xc0)
	others := [][]byte{hashOf(1), hashOf(2), hashOf(3)}

	branch := MerkleBranch(others)
	gotRoot := MerkleRootFromBranch(coinbase, branch)

	wantRoot := MerkleRoot(append([][]byte{coinbase}, others...))
	if !bytes.Equal(gotRoot, wantRoot) {
		t.Errorf("MerkleRootFromBranch = %x, want %x", gotRoot, wantRoot)
	}
}

func TestMerkleBranchSingleTransaction(t *testing.T) {
	coinbase := hashOf(0xc0)
	others := [][]byte{hashOf(1)}

	branch := MerkleBranch(others)
	if len(branch) != 1 {
		t.Fatalf("expected 1 branch level for 2 leaves, got %d", len(branch))
	}

	gotRoot := MerkleRootFromBranch(coinbase, branch)
	wantRoot := MerkleRoot([][]byte{coinbase, others[0]})
	if !bytes.Equal(gotRoot, wantRoot) {
		t.Errorf("MerkleRootFromBranch = %x, want %x", gotRoot, wantRoot)
	}
}

func TestMerkleBranchOddTransactionCountDuplicatesLast(t *testing.T) {
	coinbase := hashOf(0xc0)
	others := [][]byte{hashOf(1), hashOf(2)}

	branch := MerkleBranch(others)
	gotRoot := MerkleRootFromBranch(coinbase, branch)

	// 3 real leaves (coinbase + 2 others) -> padded to 4 by duplicating leaf 2.
	wantRoot := MerkleRoot([][]byte{coinbase, others[0], others[1], others[1]})
	if !bytes.Equal(gotRoot, wantRoot) {
		t.Errorf("MerkleRootFromBranch = %x, want %x", gotRoot, wantRoot)
	}
}

func TestMerkleBranchNoOtherTransactions(t *testing.T) {
	if branch := MerkleBranch(nil); branch != nil {
		t.Errorf("expected nil branch for coinbase-only block, got %v", branch)
	}
}
