package substrate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtrinsicStatus(t *testing.T) {
	tests := []struct {
		raw      string
		kind     StatusKind
		hash     string
		terminal bool
		rejected bool
	}{
		{`"future"`, StatusFuture, "", false, false},
		{`"ready"`, StatusReady, "", false, false},
		{`{"broadcast":["12D3KooW"]}`, StatusBroadcast, "", false, false},
		{`{"inBlock":"0xaa"}`, StatusInBlock, "0xaa", false, false},
		{`{"retracted":"0xaa"}`, StatusRetracted, "0xaa", false, false},
		{`{"finalityTimeout":"0xaa"}`, StatusFinalityTimeout, "0xaa", true, true},
		{`{"finalized":"0xbb"}`, StatusFinalized, "0xbb", true, false},
		{`{"usurped":"0xcc"}`, StatusUsurped, "0xcc", true, true},
		{`"dropped"`, StatusDropped, "", true, true},
		{`"invalid"`, StatusInvalid, "", true, true},
	}

	for _, tt := range tests {
		status, err := ParseExtrinsicStatus(json.RawMessage(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.kind, status.Kind, tt.raw)
		assert.Equal(t, tt.hash, status.BlockHash, tt.raw)
		assert.Equal(t, tt.terminal, status.IsTerminal(), tt.raw)
		assert.Equal(t, tt.rejected, status.IsRejection(), tt.raw)
	}
}

func TestParseExtrinsicStatus_Unknown(t *testing.T) {
	_, err := ParseExtrinsicStatus(json.RawMessage(`"pending"`))
	assert.Error(t, err)

	_, err = ParseExtrinsicStatus(json.RawMessage(`{"inBlock":"0x1","finalized":"0x2"}`))
	assert.Error(t, err)
}

func TestBlock_ContainsExtrinsic(t *testing.T) {
	ext := []byte{0x10, 0x04, 0x00, 0x01}
	block := Block{Extrinsics: []string{"0x00", EncodeHex(ext)}}

	assert.Equal(t, 1, block.ContainsExtrinsic(ExtrinsicHash(ext)))
	assert.Equal(t, -1, block.ContainsExtrinsic("0xdeadbeef"))
}

func TestHeader_BlockNumber(t *testing.T) {
	h := Header{Number: "0x1b4"}
	n, err := h.BlockNumber()
	require.NoError(t, err)
	assert.Equal(t, uint64(436), n)
}
