package stub

import (
	"encoding/hex"
	"strconv"

	"dotbot-exec/internal/substrate"
)

// Runtime describes the chain a stub node serves. Zero fields get defaults.
type Runtime struct {
	GenesisHash        string
	SpecName           string
	SpecVersion        uint32
	TransactionVersion uint32
	Metadata           []byte
	FinalizedHead      string
	BestNumber         uint64
}

// Default stub chain values.
const (
	DefaultGenesis       = "0x91b171bb158e2d3848fa23a9f1c25182fb8e20313b2c1eb49219da7a70ce90c3"
	DefaultFinalizedHead = "0x0101010101010101010101010101010101010101010101010101010101010101"
)

// NewNode returns a stub connection answering the calls made while
// negotiating a schema identity.
func NewNode(endpoint string, rt Runtime) *Conn {
	if rt.GenesisHash == "" {
		rt.GenesisHash = DefaultGenesis
	}
	if rt.SpecName == "" {
		rt.SpecName = "polkadot"
	}
	if rt.SpecVersion == 0 {
		rt.SpecVersion = 1_003_000
	}
	if rt.TransactionVersion == 0 {
		rt.TransactionVersion = 26
	}
	if rt.Metadata == nil {
		rt.Metadata = []byte("meta")
	}
	if rt.FinalizedHead == "" {
		rt.FinalizedHead = DefaultFinalizedHead
	}

	c := New(endpoint)
	c.Respond(substrate.MethodRuntimeVersion, substrate.RuntimeVersion{
		SpecName:           rt.SpecName,
		SpecVersion:        rt.SpecVersion,
		TransactionVersion: rt.TransactionVersion,
	})
	c.Respond(substrate.MethodBlockHash, rt.GenesisHash)
	c.Respond(substrate.MethodMetadata, "0x"+hex.EncodeToString(rt.Metadata))
	c.Respond(substrate.MethodFinalizedHead, rt.FinalizedHead)
	c.Respond(substrate.MethodHeader, substrate.Header{
		ParentHash: DefaultGenesis,
		Number:     "0x" + strconv.FormatUint(rt.BestNumber, 16),
	})
	c.Respond(substrate.MethodAccountNextIndex, 0)
	return c
}
