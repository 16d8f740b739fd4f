package node

import (
	"encoding/hex"
	"math/big"
	"time"
)

// TemplateTx is one non-coinbase transaction offered by the upstream
// template, already decoded to internal byte order.
type TemplateTx struct {
	Data []byte // raw transaction bytes, as provided by getblocktemplate
	Hash []byte // 32-byte txid, internal (little-endian) byte order
}

// BlockTemplate is an immutable snapshot of upstream mining work. It is
// passed by value semantics: callers never mutate a template in place,
// they fetch a new one.
type BlockTemplate struct {
	Version       uint32
	PreviousHash  []byte // 32 bytes, internal byte order
	Bits          [4]byte
	CurTime       uint32
	MinTime       int64
	Height        uint32
	CoinbaseValue uint64
	Target        *big.Int
	Transactions  []TemplateTx
	FetchedAt     time.Time
}

// decodeReversedHash decodes a getblocktemplate display-order hash
// (big-endian hex, as bitcoind prints it) into internal byte order.
func decodeReversedHash(displayHex string) ([]byte, error) {
	b, err := hex.DecodeString(displayHex)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b, nil
}
