// Package bitcoin provides the binary encodings the Stratum pipeline needs:
// double-SHA-256, byte reversal, Bitcoin varints, and compact-bits/target/
// difficulty conversions, plus Merkle branch construction.
package bitcoin

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

// DoubleSHA256 computes SHA256(SHA256(data)).
func DoubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// ReverseBytes returns a new slice with the bytes of b in reverse order.
func ReverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}

// PutVarint appends the Bitcoin compact-size encoding of n to dst and
// returns the result.
func PutVarint(dst []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(dst, byte(n))
	case n <= 0xffff:
		dst = append(dst, 0xfd)
		return binary.LittleEndian.AppendUint16(dst, uint16(n))
	case n <= 0xffffffff:
		dst = append(dst, 0xfe)
		return binary.LittleEndian.AppendUint32(dst, uint32(n))
	default:
		dst = append(dst, 0xff)
		return binary.LittleEndian.AppendUint64(dst, n)
	}
}

// Varint encodes n as a standalone Bitcoin compact-size byte slice.
func Varint(n uint64) []byte {
	return PutVarint(nil, n)
}

// ReadVarint decodes a Bitcoin compact-size integer from the front of b,
// returning the value and the number of bytes consumed.
func ReadVarint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	switch b[0] {
	case 0xfd:
		if len(b) < 3 {
			return 0, 0, io.ErrUnexpectedEOF
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3, nil
	case 0xfe:
		if len(b) < 5 {
			return 0, 0, io.ErrUnexpectedEOF
		}
		return uint64(binary.LittleEndian.Uint32(b[1:5])), 5, nil
	case 0xff:
		if len(b) < 9 {
			return 0, 0, io.ErrUnexpectedEOF
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9, nil
	default:
		return uint64(b[0]), 1, nil
	}
}

// EncodingError reports a malformed or out-of-domain encoding input.
type EncodingError struct {
	Op  string
	Val interface{}
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("bitcoin: %s: invalid value %v", e.Op, e.Val)
}
