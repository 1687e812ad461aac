// Package scale implements the subset of the SCALE codec needed to build
// extrinsics and read dry-run results.
package scale

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// Errors
var (
	ErrShortInput    = errors.New("scale: input too short")
	ErrNegativeValue = errors.New("scale: negative value")
)

const (
	singleByteMax = 1<<6 - 1
	twoByteMax    = 1<<14 - 1
	fourByteMax   = 1<<30 - 1
)

// EncodeCompact encodes v as a SCALE compact integer.
func EncodeCompact(v uint64) []byte {
	switch {
	case v <= singleByteMax:
		return []byte{byte(v << 2)}
	case v <= twoByteMax:
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, uint16(v<<2)|0b01)
		return out
	case v <= fourByteMax:
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, uint32(v<<2)|0b10)
		return out
	}
	le := make([]byte, 8)
	binary.LittleEndian.PutUint64(le, v)
	return encodeBigMode(trimLE(le))
}

// EncodeCompactBig encodes an arbitrary non-negative integer (e.g. a u128 balance).
func EncodeCompactBig(v *big.Int) ([]byte, error) {
	if v.Sign() < 0 {
		return nil, ErrNegativeValue
	}
	if v.IsUint64() {
		return EncodeCompact(v.Uint64()), nil
	}
	be := v.Bytes()
	le := make([]byte, len(be))
	for i := range be {
		le[i] = be[len(be)-1-i]
	}
	if len(le) > 67 {
		return nil, fmt.Errorf("scale: value too large for compact encoding (%d bytes)", len(le))
	}
	return encodeBigMode(le), nil
}

// encodeBigMode writes the length-prefixed form used for values >= 2^30.
func encodeBigMode(le []byte) []byte {
	for len(le) < 4 {
		le = append(le, 0)
	}
	out := make([]byte, 0, len(le)+1)
	out = append(out, byte((len(le)-4)<<2)|0b11)
	return append(out, le...)
}

func trimLE(le []byte) []byte {
	n := len(le)
	for n > 0 && le[n-1] == 0 {
		n--
	}
	return le[:n]
}

// DecodeCompact reads a compact integer that fits in uint64.
// Returns the value and the number of bytes consumed.
func DecodeCompact(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, ErrShortInput
	}
	switch data[0] & 0b11 {
	case 0b00:
		return uint64(data[0] >> 2), 1, nil
	case 0b01:
		if len(data) < 2 {
			return 0, 0, ErrShortInput
		}
		return uint64(binary.LittleEndian.Uint16(data) >> 2), 2, nil
	case 0b10:
		if len(data) < 4 {
			return 0, 0, ErrShortInput
		}
		return uint64(binary.LittleEndian.Uint32(data) >> 2), 4, nil
	}
	n := int(data[0]>>2) + 4
	if n > 8 {
		return 0, 0, fmt.Errorf("scale: compact value of %d bytes overflows uint64", n)
	}
	if len(data) < 1+n {
		return 0, 0, ErrShortInput
	}
	buf := make([]byte, 8)
	copy(buf, data[1:1+n])
	return binary.LittleEndian.Uint64(buf), 1 + n, nil
}

// EncodeBytes encodes a byte vector with its compact length prefix.
func EncodeBytes(b []byte) []byte {
	out := EncodeCompact(uint64(len(b)))
	return append(out, b...)
}

// EncodeU32 encodes v as 4 little-endian bytes.
func EncodeU32(v uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, v)
	return out
}
