package signer

import (
	"fmt"

	"golang.org/x/crypto/blake2b"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/scale"
	"dotbot-exec/internal/ss58"
	"dotbot-exec/internal/substrate"
)

const (
	extrinsicVersion = 4
	signedBit        = 0x80

	multiAddressID      = 0x00
	multiSigEd25519     = 0x00
	immortalEra         = 0x00
	metadataHashDisable = 0x00
	optionNone          = 0x00

	// Signing payloads longer than this are hashed before signing.
	maxUnhashedPayload = 256
)

// ExtrinsicOptions configures the signed extensions of an extrinsic.
type ExtrinsicOptions struct {
	Tip uint64
	// CheckMetadataHash adds the metadata hash extension (mode disabled),
	// required by runtimes that include it.
	CheckMetadataHash bool
}

// extra is the part of the signed extensions included in the extrinsic body.
func extra(nonce uint64, opts ExtrinsicOptions) []byte {
	out := []byte{immortalEra}
	out = append(out, scale.EncodeCompact(nonce)...)
	out = append(out, scale.EncodeCompact(opts.Tip)...)
	if opts.CheckMetadataHash {
		out = append(out, metadataHashDisable)
	}
	return out
}

// additional is the implicit part of the signed extensions: signed over but
// not included in the extrinsic.
func additional(schema domain.SchemaIdentity, opts ExtrinsicOptions) ([]byte, error) {
	genesis, err := substrate.DecodeHex(schema.GenesisHash)
	if err != nil || len(genesis) != 32 {
		return nil, fmt.Errorf("invalid genesis hash %q", schema.GenesisHash)
	}

	out := scale.EncodeU32(schema.SpecVersion)
	out = append(out, scale.EncodeU32(schema.TransactionVersion)...)
	out = append(out, genesis...)
	// Immortal era: the checkpoint block is genesis.
	out = append(out, genesis...)
	if opts.CheckMetadataHash {
		out = append(out, optionNone)
	}
	return out, nil
}

// SigningPayload returns the bytes a signer must sign for call.
func SigningPayload(call []byte, nonce uint64, schema domain.SchemaIdentity, opts ExtrinsicOptions) ([]byte, error) {
	add, err := additional(schema, opts)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 0, len(call)+len(add)+16)
	payload = append(payload, call...)
	payload = append(payload, extra(nonce, opts)...)
	payload = append(payload, add...)

	if len(payload) > maxUnhashedPayload {
		sum := blake2b.Sum256(payload)
		return sum[:], nil
	}
	return payload, nil
}

// EncodeSigned assembles a v4 signed extrinsic with an ed25519 signature.
func EncodeSigned(pubKey, signature, call []byte, nonce uint64, opts ExtrinsicOptions) ([]byte, error) {
	if len(pubKey) != 32 {
		return nil, fmt.Errorf("public key must be 32 bytes, got %d", len(pubKey))
	}
	if len(signature) != 64 {
		return nil, fmt.Errorf("signature must be 64 bytes, got %d", len(signature))
	}

	body := []byte{signedBit | extrinsicVersion, multiAddressID}
	body = append(body, pubKey...)
	body = append(body, multiSigEd25519)
	body = append(body, signature...)
	body = append(body, extra(nonce, opts)...)
	body = append(body, call...)

	return scale.EncodeBytes(body), nil
}

// FakeSigned builds p's extrinsic with a zero signature for fee estimation.
// The sender address must decode to a 32-byte account id.
func FakeSigned(p domain.Payload, nonce uint64, opts ExtrinsicOptions) ([]byte, error) {
	pubKey, _, err := ss58.Decode(p.Sender)
	if err != nil {
		return nil, fmt.Errorf("decode sender: %w", err)
	}
	return EncodeSigned(pubKey, make([]byte, 64), p.Call, nonce, opts)
}
