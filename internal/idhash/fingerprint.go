// Package idhash computes deterministic identifiers for plan items.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"dotbot-exec/internal/domain"
)

// ComputeFingerprint computes a deterministic fingerprint of an operation using SHA256.
// Formula: SHA256(kind|family|target|sender|call_hex|description)
// Returns hex-encoded hash (64 characters).
//
// The schema identity is not part of the fingerprint: the same operation
// rebuilt on a new session keeps its fingerprint.
func ComputeFingerprint(
	kind string,
	family domain.Family,
	target string,
	sender string,
	call []byte,
	description string,
) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		kind,
		string(family),
		target,
		sender,
		hex.EncodeToString(call),
		description,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// PayloadFingerprint computes the fingerprint of a payload.
func PayloadFingerprint(p domain.Payload) string {
	return ComputeFingerprint(p.Kind, p.Family, p.Target, p.Sender, p.Call, p.Description)
}
