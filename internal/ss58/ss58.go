// Package ss58 encodes and decodes Substrate SS58 addresses.
package ss58

import (
	"bytes"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Errors
var (
	ErrInvalidAddress  = errors.New("ss58: invalid address")
	ErrInvalidChecksum = errors.New("ss58: checksum mismatch")
	ErrPrefixMismatch  = errors.New("ss58: network prefix mismatch")
	ErrInvalidPrefix   = errors.New("ss58: prefix out of range")
)

const (
	publicKeyLen = 32
	checksumLen  = 2
	maxPrefix    = 16383
)

var checksumPreimage = []byte("SS58PRE")

// Encode returns the SS58 address of a 32-byte public key under the given network prefix.
func Encode(pubKey []byte, prefix uint16) (string, error) {
	if len(pubKey) != publicKeyLen {
		return "", fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidAddress, publicKeyLen, len(pubKey))
	}
	pre, err := encodePrefix(prefix)
	if err != nil {
		return "", err
	}

	payload := append(pre, pubKey...)
	sum := checksum(payload)
	return base58.Encode(append(payload, sum[:checksumLen]...)), nil
}

// Decode parses an SS58 address and returns the public key and network prefix.
func Decode(address string) ([]byte, uint16, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) == 0 {
		return nil, 0, ErrInvalidAddress
	}

	var prefix uint16
	prefixLen := 1
	switch {
	case raw[0] < 64:
		prefix = uint16(raw[0])
	case raw[0] < 128:
		if len(raw) < 2 {
			return nil, 0, ErrInvalidAddress
		}
		lower := (raw[0] << 2) | (raw[1] >> 6)
		upper := raw[1] & 0x3f
		prefix = uint16(lower) | uint16(upper)<<8
		prefixLen = 2
	default:
		return nil, 0, fmt.Errorf("%w: reserved prefix byte 0x%02x", ErrInvalidAddress, raw[0])
	}

	if len(raw) != prefixLen+publicKeyLen+checksumLen {
		return nil, 0, fmt.Errorf("%w: unexpected length %d", ErrInvalidAddress, len(raw))
	}

	body := raw[:prefixLen+publicKeyLen]
	sum := checksum(body)
	if !bytes.Equal(sum[:checksumLen], raw[prefixLen+publicKeyLen:]) {
		return nil, 0, ErrInvalidChecksum
	}

	key := make([]byte, publicKeyLen)
	copy(key, raw[prefixLen:prefixLen+publicKeyLen])
	return key, prefix, nil
}

// DecodeForNetwork decodes address and requires it to carry the given prefix.
func DecodeForNetwork(address string, prefix uint16) ([]byte, error) {
	key, got, err := Decode(address)
	if err != nil {
		return nil, err
	}
	if got != prefix {
		return nil, fmt.Errorf("%w: address has prefix %d, network expects %d", ErrPrefixMismatch, got, prefix)
	}
	return key, nil
}

// Validate reports whether address is a well-formed SS58 address for prefix.
func Validate(address string, prefix uint16) error {
	_, err := DecodeForNetwork(address, prefix)
	return err
}

// IsEd25519Key reports whether key is a canonical point on the ed25519 curve.
// Sr25519 keys are ristretto encodings and are not expected to pass.
func IsEd25519Key(key []byte) bool {
	if len(key) != publicKeyLen {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(key)
	return err == nil
}

func encodePrefix(prefix uint16) ([]byte, error) {
	switch {
	case prefix < 64:
		return []byte{byte(prefix)}, nil
	case prefix <= maxPrefix:
		first := byte((prefix&0xfc)>>2) | 0x40
		second := byte(prefix>>8) | byte((prefix&0x03)<<6)
		return []byte{first, second}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrInvalidPrefix, prefix)
}

func checksum(payload []byte) [64]byte {
	return blake2b.Sum512(append(append([]byte{}, checksumPreimage...), payload...))
}
