package bitcoin

import (
	"math"
	"math/big"
)

// Diff1Bits is the compact-bits encoding of Bitcoin's canonical
// difficulty-1 target (mainnet genesis target, exponent 0x1d).
const Diff1Bits uint32 = 0x1d00ffff

// Diff1Target is Bitcoin's canonical difficulty-1 target, computed once
// from Diff1Bits rather than hand-copied as a hex literal so it can never
// drift out of sync with CompactToBig/BigToCompact.
var Diff1Target = CompactToBig(Diff1Bits)

// CompactToBig expands a compact ("bits") target encoding into a big.Int,
// following the same mantissa/exponent layout bitcoind uses for nBits.
func CompactToBig(bits uint32) *big.Int {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff

	negative := bits&0x00800000 != 0

	target := new(big.Int).SetInt64(int64(mantissa))
	if exponent <= 3 {
		target.Rsh(target, uint(8*(3-exponent)))
	} else {
		target.Lsh(target, uint(8*(exponent-3)))
	}

	if negative {
		target.Neg(target)
	}
	return target
}

// BigToCompact reduces a big.Int target to its compact ("bits") encoding,
// re-normalizing whenever the mantissa's top bit would otherwise be
// mistaken for the sign bit.
func BigToCompact(target *big.Int) uint32 {
	if target.Sign() == 0 {
		return 0
	}

	negative := target.Sign() < 0
	n := new(big.Int).Abs(target)

	exponent := uint((n.BitLen() + 7) / 8)

	var mantissa uint32
	if exponent <= 3 {
		mantissa = uint32(n.Int64()) << (8 * (3 - exponent))
	} else {
		shifted := new(big.Int).Rsh(n, 8*(exponent-3))
		mantissa = uint32(shifted.Int64())
	}

	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	bits := uint32(exponent)<<24 | mantissa
	if negative {
		bits |= 0x00800000
	}
	return bits
}

// DifficultyToTarget converts a pool/network difficulty value to the
// corresponding 256-bit target, using arbitrary-precision division so the
// result stays accurate across the full practical difficulty range
// instead of drifting the way a float64-shift approximation would.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 || math.IsNaN(difficulty) {
		difficulty = 1
	}

	diff1 := new(big.Float).SetInt(Diff1Target)
	d := new(big.Float).SetFloat64(difficulty)
	targetF := new(big.Float).Quo(diff1, d)

	target, _ := targetF.Int(nil)
	if target.Sign() < 0 {
		target.SetInt64(0)
	}
	return target
}

// TargetToDifficulty converts a 256-bit target back to a difficulty value.
func TargetToDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return math.MaxFloat64
	}

	diff1 := new(big.Float).SetInt(Diff1Target)
	t := new(big.Float).SetInt(target)
	diffF := new(big.Float).Quo(diff1, t)

	result, _ := diffF.Float64()
	return result
}

// BitsFromDifficulty computes the compact-bits encoding of the target
// implied by difficulty d, treating any d below 1 as 1. Fails with
// EncodingError on a negative or NaN difficulty rather than silently
// clamping, per the codec's domain.
func BitsFromDifficulty(d float64) (uint32, error) {
	if d < 0 || math.IsNaN(d) {
		return 0, &EncodingError{Op: "BitsFromDifficulty", Val: d}
	}
	if d < 1 {
		d = 1
	}
	return BigToCompact(DifficultyToTarget(d)), nil
}

// DifficultyFromBits is the inverse of BitsFromDifficulty: it recovers the
// difficulty implied by a compact-bits value.
func DifficultyFromBits(bits uint32) float64 {
	return TargetToDifficulty(CompactToBig(bits))
}

// HashToBig interprets a 32-byte hash (already in the byte order the
// caller wants compared, i.e. big-endian / most-significant-first) as an
// unsigned 256-bit integer.
func HashToBig(hash []byte) *big.Int {
	return new(big.Int).SetBytes(hash)
}
