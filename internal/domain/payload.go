package domain

import (
	"encoding/hex"

	sdkmath "cosmossdk.io/math"
)

// Family classifies what an operation does on chain.
type Family string

const (
	FamilyTransfer     Family = "transfer"
	FamilyRead         Family = "read"
	FamilyConfirmation Family = "confirmation"
)

// String returns the string representation of Family.
func (f Family) String() string {
	return string(f)
}

// IsValid checks if the family is a known value.
func (f Family) IsValid() bool {
	return f == FamilyTransfer || f == FamilyRead || f == FamilyConfirmation
}

// NeedsSubmission reports whether payloads of this family are signed and broadcast.
func (f Family) NeedsSubmission() bool {
	return f == FamilyTransfer
}

// Payload is an operation produced by a collaborator. The core treats Call as opaque.
type Payload struct {
	Schema      SchemaIdentity
	Kind        string
	Family      Family
	Target      string // network / endpoint group the payload was built for
	Sender      string // SS58 address of the signing account
	Call        []byte // SCALE-encoded call
	Description string
	Warnings    []string

	// EstimatedFee is optional metadata supplied by the producer (planck).
	EstimatedFee *sdkmath.Int
	// ExpectedDeltas are the sender balance changes the call makes besides fees.
	ExpectedDeltas []BalanceDelta

	// Result is set by read/confirmation producers that complete without submission.
	Result string
}

// SchemaIdentity implements SchemaBound.
func (p Payload) SchemaIdentity() SchemaIdentity {
	return p.Schema
}

// CallHex returns the call data as 0x-prefixed hex.
func (p Payload) CallHex() string {
	return "0x" + hex.EncodeToString(p.Call)
}

// CompatibleWith reports whether two payloads can be combined into one batch.
func (p Payload) CompatibleWith(other Payload) bool {
	return p.Family == FamilyTransfer &&
		other.Family == FamilyTransfer &&
		p.Target == other.Target &&
		p.Sender == other.Sender &&
		p.Schema.Equal(other.Schema)
}

// SignedPayload is a signed extrinsic ready for broadcast.
type SignedPayload struct {
	Schema    SchemaIdentity
	Extrinsic []byte
	Hash      string // 0x-prefixed blake2b-256 of Extrinsic
	Signer    string
	Nonce     uint64
}

// SchemaIdentity implements SchemaBound.
func (s SignedPayload) SchemaIdentity() SchemaIdentity {
	return s.Schema
}

// ExtrinsicHex returns the extrinsic as 0x-prefixed hex.
func (s SignedPayload) ExtrinsicHex() string {
	return "0x" + hex.EncodeToString(s.Extrinsic)
}
