package substrate

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	sdkmath "cosmossdk.io/math"
	"golang.org/x/crypto/blake2b"
)

// RuntimeVersion from state_getRuntimeVersion.
type RuntimeVersion struct {
	SpecName           string `json:"specName"`
	ImplName           string `json:"implName"`
	AuthoringVersion   uint32 `json:"authoringVersion"`
	SpecVersion        uint32 `json:"specVersion"`
	ImplVersion        uint32 `json:"implVersion"`
	TransactionVersion uint32 `json:"transactionVersion"`
}

// Header is a block header.
type Header struct {
	ParentHash     string `json:"parentHash"`
	Number         string `json:"number"` // hex-encoded
	StateRoot      string `json:"stateRoot"`
	ExtrinsicsRoot string `json:"extrinsicsRoot"`
}

// BlockNumber decodes the hex block number.
func (h *Header) BlockNumber() (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(h.Number, "0x"), 16, 64)
}

// Block is a block body with hex-encoded extrinsics.
type Block struct {
	Header     Header   `json:"header"`
	Extrinsics []string `json:"extrinsics"`
}

// SignedBlock from chain_getBlock.
type SignedBlock struct {
	Block Block `json:"block"`
}

// ContainsExtrinsic returns the index of the extrinsic with the given hash, or -1.
func (b *Block) ContainsExtrinsic(hash string) int {
	for i, ext := range b.Extrinsics {
		raw, err := DecodeHex(ext)
		if err != nil {
			continue
		}
		if strings.EqualFold(ExtrinsicHash(raw), hash) {
			return i
		}
	}
	return -1
}

// FeeInfo from payment_queryInfo.
type FeeInfo struct {
	Class      string
	PartialFee sdkmath.Int
	Weight     json.RawMessage
}

type feeInfoResult struct {
	Class      string          `json:"class"`
	PartialFee json.RawMessage `json:"partialFee"`
	Weight     json.RawMessage `json:"weight"`
}

func (r feeInfoResult) toFeeInfo() (*FeeInfo, error) {
	raw := strings.Trim(string(r.PartialFee), `"`)
	if strings.HasPrefix(raw, "0x") {
		n, err := strconv.ParseUint(raw[2:], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse partialFee %q: %w", raw, err)
		}
		raw = strconv.FormatUint(n, 10)
	}
	fee, ok := sdkmath.NewIntFromString(raw)
	if !ok {
		return nil, fmt.Errorf("parse partialFee %q", raw)
	}
	return &FeeInfo{Class: r.Class, PartialFee: fee, Weight: r.Weight}, nil
}

// StatusKind is the variant of a transaction pool status update.
type StatusKind string

const (
	StatusFuture          StatusKind = "future"
	StatusReady           StatusKind = "ready"
	StatusBroadcast       StatusKind = "broadcast"
	StatusInBlock         StatusKind = "inBlock"
	StatusRetracted       StatusKind = "retracted"
	StatusFinalityTimeout StatusKind = "finalityTimeout"
	StatusFinalized       StatusKind = "finalized"
	StatusUsurped         StatusKind = "usurped"
	StatusDropped         StatusKind = "dropped"
	StatusInvalid         StatusKind = "invalid"
)

// ExtrinsicStatus is one author_extrinsicUpdate notification.
type ExtrinsicStatus struct {
	Kind StatusKind
	// BlockHash for inBlock, retracted, finalityTimeout, finalized; the
	// replacing extrinsic hash for usurped.
	BlockHash string
	Peers     []string
}

// IsTerminal reports whether the pool will send no further updates.
func (s ExtrinsicStatus) IsTerminal() bool {
	switch s.Kind {
	case StatusFinalized, StatusUsurped, StatusDropped, StatusInvalid, StatusFinalityTimeout:
		return true
	}
	return false
}

// IsRejection reports whether the status is a terminal non-success.
func (s ExtrinsicStatus) IsRejection() bool {
	return s.IsTerminal() && s.Kind != StatusFinalized
}

// ParseExtrinsicStatus decodes a status update. Simple variants arrive as
// strings, the rest as single-key objects.
func ParseExtrinsicStatus(raw json.RawMessage) (ExtrinsicStatus, error) {
	var simple string
	if err := json.Unmarshal(raw, &simple); err == nil {
		switch StatusKind(simple) {
		case StatusFuture, StatusReady, StatusDropped, StatusInvalid:
			return ExtrinsicStatus{Kind: StatusKind(simple)}, nil
		}
		return ExtrinsicStatus{}, fmt.Errorf("unknown extrinsic status %q", simple)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ExtrinsicStatus{}, fmt.Errorf("decode extrinsic status: %w", err)
	}
	if len(obj) != 1 {
		return ExtrinsicStatus{}, fmt.Errorf("extrinsic status has %d variants", len(obj))
	}

	for key, value := range obj {
		status := ExtrinsicStatus{Kind: StatusKind(key)}
		switch status.Kind {
		case StatusBroadcast:
			if err := json.Unmarshal(value, &status.Peers); err != nil {
				return ExtrinsicStatus{}, fmt.Errorf("decode broadcast peers: %w", err)
			}
		case StatusInBlock, StatusRetracted, StatusFinalityTimeout, StatusFinalized, StatusUsurped:
			if err := json.Unmarshal(value, &status.BlockHash); err != nil {
				return ExtrinsicStatus{}, fmt.Errorf("decode %s hash: %w", key, err)
			}
		case StatusFuture, StatusReady, StatusDropped, StatusInvalid:
		default:
			return ExtrinsicStatus{}, fmt.Errorf("unknown extrinsic status %q", key)
		}
		return status, nil
	}
	return ExtrinsicStatus{}, fmt.Errorf("empty extrinsic status")
}

// ExtrinsicHash is the blake2b-256 hash of an encoded extrinsic, 0x-prefixed.
func ExtrinsicHash(ext []byte) string {
	sum := blake2b.Sum256(ext)
	return EncodeHex(sum[:])
}

// EncodeHex encodes bytes as 0x-prefixed lowercase hex.
func EncodeHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// DecodeHex decodes 0x-prefixed (or bare) hex.
func DecodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
