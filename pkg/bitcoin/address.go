package bitcoin

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// AddressToScript converts a Bitcoin address (legacy base58check P2PKH or
// bech32 P2WPKH) to its scriptPubKey, for use as the coinbase payout
// output. No third-party base58/bech32 library exists anywhere in the
// retrieved corpus for this; every pool implementation hand-rolls both
// against the standard library, so this one does too.
func AddressToScript(address string) ([]byte, error) {
	switch {
	case strings.HasPrefix(address, "bc1") || strings.HasPrefix(address, "tb1"):
		return bech32P2WPKHScript(address)
	default:
		return base58P2PKHScript(address)
	}
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Decode(s string) ([]byte, error) {
	result := make([]byte, 0, len(s))
	for range s {
		result = append(result, 0)
	}

	num := make([]byte, 1, len(s))
	for _, r := range s {
		idx := strings.IndexRune(base58Alphabet, r)
		if idx < 0 {
			return nil, fmt.Errorf("bitcoin: invalid base58 character %q", r)
		}

		carry := idx
		for i := len(num) - 1; i >= 0; i-- {
			carry += int(num[i]) * 58
			num[i] = byte(carry & 0xff)
			carry >>= 8
		}
		for carry > 0 {
			num = append([]byte{byte(carry & 0xff)}, num...)
			carry >>= 8
		}
	}

	leadingZeros := 0
	for _, r := range s {
		if r != '1' {
			break
		}
		leadingZeros++
	}

	out := make([]byte, leadingZeros)
	out = append(out, num...)
	return out, nil
}

func base58P2PKHScript(address string) ([]byte, error) {
	decoded, err := base58Decode(address)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: %s: %w", address, &EncodingError{Op: "AddressToScript", Val: address})
	}
	if len(decoded) != 25 {
		return nil, &EncodingError{Op: "AddressToScript", Val: address}
	}

	payload, checksum := decoded[:21], decoded[21:]
	sum := sha256.Sum256(decoded[:21])
	sum = sha256.Sum256(sum[:])
	if string(sum[:4]) != string(checksum) {
		return nil, &EncodingError{Op: "AddressToScript(bad checksum)", Val: address}
	}

	hash160 := payload[1:]
	script := make([]byte, 0, 25)
	script = append(script, 0x76, 0xa9, 0x14)
	script = append(script, hash160...)
	script = append(script, 0x88, 0xac)
	return script, nil
}

var bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func bech32Decode(address string) (hrp string, data []byte, err error) {
	lower := strings.ToLower(address)
	if lower != address && strings.ToUpper(address) != address {
		return "", nil, fmt.Errorf("bitcoin: mixed-case bech32 address")
	}

	pos := strings.LastIndex(lower, "1")
	if pos < 1 || pos+7 > len(lower) {
		return "", nil, fmt.Errorf("bitcoin: malformed bech32 address")
	}

	hrp = lower[:pos]
	dataPart := lower[pos+1:]

	data = make([]byte, 0, len(dataPart))
	for _, c := range dataPart {
		idx := strings.IndexRune(bech32Charset, c)
		if idx < 0 {
			return "", nil, fmt.Errorf("bitcoin: invalid bech32 character %q", c)
		}
		data = append(data, byte(idx))
	}

	// Drop the 6-symbol checksum; the wire caller only needs the payload.
	if len(data) < 6 {
		return "", nil, fmt.Errorf("bitcoin: bech32 payload too short")
	}
	data = data[:len(data)-6]
	return hrp, data, nil
}

func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	var acc uint32
	var bits uint
	out := make([]byte, 0, len(data))
	maxv := uint32(1)<<toBits - 1

	for _, b := range data {
		if uint32(b)>>fromBits != 0 {
			return nil, fmt.Errorf("bitcoin: invalid data range for bit conversion")
		}
		acc = acc<<fromBits | uint32(b)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte(acc>>bits)&byte(maxv))
		}
	}

	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(toBits-bits))&byte(maxv))
		}
	} else if bits >= fromBits || (acc<<(toBits-bits))&maxv != 0 {
		return nil, fmt.Errorf("bitcoin: invalid padding in bit conversion")
	}

	return out, nil
}

func bech32P2WPKHScript(address string) ([]byte, error) {
	_, data, err := bech32Decode(address)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: %s: %w", address, &EncodingError{Op: "AddressToScript", Val: address})
	}
	if len(data) < 1 {
		return nil, &EncodingError{Op: "AddressToScript(empty witness)", Val: address}
	}

	witnessVersion := data[0]
	program, err := convertBits(data[1:], 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: %s: %w", address, err)
	}
	if len(program) != 20 && len(program) != 32 {
		return nil, &EncodingError{Op: "AddressToScript(bad witness program length)", Val: address}
	}

	opcode := byte(0x00)
	if witnessVersion > 0 {
		opcode = 0x50 + witnessVersion
	}

	script := make([]byte, 0, 2+len(program))
	script = append(script, opcode, byte(len(program)))
	script = append(script, program...)
	return script, nil
}
