// Package signer signs operation payloads into broadcastable extrinsics.
package signer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/ss58"
	"dotbot-exec/internal/substrate"
)

// ErrAddressMismatch is returned when a signer is asked to sign for an
// account it does not hold.
var ErrAddressMismatch = errors.New("signer does not control address")

// Request is one signing request.
type Request struct {
	Payload domain.Payload
	Address string
	Nonce   uint64
	// Schema is the identity of the session the extrinsic will be broadcast on.
	Schema domain.SchemaIdentity
}

// Signer turns a payload into a signed extrinsic. Implementations may be a
// local key, a browser extension or a hardware wallet proxy.
type Signer interface {
	Sign(ctx context.Context, req Request) (*domain.SignedPayload, error)
}

// Func adapts a function to the Signer interface.
type Func func(ctx context.Context, req Request) (*domain.SignedPayload, error)

// Sign implements Signer.
func (f Func) Sign(ctx context.Context, req Request) (*domain.SignedPayload, error) {
	return f(ctx, req)
}

// Ed25519Signer signs with a local ed25519 key.
type Ed25519Signer struct {
	key     ed25519.PrivateKey
	address string
	opts    ExtrinsicOptions
}

// NewEd25519Signer creates a signer from a 32-byte seed.
func NewEd25519Signer(seed []byte, ss58Prefix uint16, opts ExtrinsicOptions) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	pub := key.Public().(ed25519.PublicKey)
	if !ss58.IsEd25519Key(pub) {
		return nil, errors.New("derived public key is not a valid ed25519 point")
	}

	address, err := ss58.Encode(pub, ss58Prefix)
	if err != nil {
		return nil, fmt.Errorf("encode address: %w", err)
	}

	return &Ed25519Signer{key: key, address: address, opts: opts}, nil
}

// Address returns the SS58 address of the signing account.
func (s *Ed25519Signer) Address() string {
	return s.address
}

// PublicKey returns the raw public key.
func (s *Ed25519Signer) PublicKey() []byte {
	return append([]byte(nil), s.key.Public().(ed25519.PublicKey)...)
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(ctx context.Context, req Request) (*domain.SignedPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.controls(req.Address) {
		return nil, fmt.Errorf("%w: %s", ErrAddressMismatch, req.Address)
	}
	if !req.Payload.Schema.Equal(req.Schema) {
		return nil, domain.ErrCrossSessionPayload
	}

	msg, err := SigningPayload(req.Payload.Call, req.Nonce, req.Schema, s.opts)
	if err != nil {
		return nil, fmt.Errorf("build signing payload: %w", err)
	}
	sig := ed25519.Sign(s.key, msg)

	ext, err := EncodeSigned(s.PublicKey(), sig, req.Payload.Call, req.Nonce, s.opts)
	if err != nil {
		return nil, err
	}

	return &domain.SignedPayload{
		Schema:    req.Schema,
		Extrinsic: ext,
		Hash:      substrate.ExtrinsicHash(ext),
		Signer:    s.address,
		Nonce:     req.Nonce,
	}, nil
}

// controls compares account ids so the same key matches under any prefix.
func (s *Ed25519Signer) controls(address string) bool {
	pub, _, err := ss58.Decode(address)
	if err != nil {
		return false
	}
	return ed25519.PublicKey(pub).Equal(s.key.Public())
}
