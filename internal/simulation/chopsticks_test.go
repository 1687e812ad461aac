package simulation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/pool/pooltest"
	"dotbot-exec/internal/scale"
	"dotbot-exec/internal/substrate"
	"dotbot-exec/internal/substrate/stub"
)

func TestChopsticksForker_MissingBinary(t *testing.T) {
	s := pooltest.NewSession(stub.NewNode("wss://node", stub.Runtime{}), pooltest.Schema())
	defer s.Release()

	f := NewChopsticksForker(ChopsticksOptions{Binary: "definitely-not-a-chopsticks-binary"})
	_, err := f.Open(context.Background(), s)
	assert.ErrorIs(t, err, ErrForkUnavailable)
}

// fakeChopsticks writes an executable that idles until it is signalled.
func fakeChopsticks(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	bin := filepath.Join(t.TempDir(), "chopsticks")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))
	return bin
}

func TestChopsticksForker_OpenResolvesModuleErrors(t *testing.T) {
	errs, err := scale.DecodeModuleErrors(stub.Metadata{Pallets: []stub.Pallet{stub.Balances}}.Encode())
	require.NoError(t, err)
	s := pooltest.NewSession(stub.NewNode("wss://node", stub.Runtime{}), pooltest.Schema()).WithModuleErrors(errs)
	defer s.Release()

	forkNode := stub.NewNode("ws://fork", stub.Runtime{})
	forkNode.Respond(MethodDryRun, map[string]interface{}{
		"outcome":     "0x0001030502000000",
		"storageDiff": [][]interface{}{},
	})
	var dialed string
	f := NewChopsticksForker(ChopsticksOptions{
		Binary:       fakeChopsticks(t),
		StartTimeout: 5 * time.Second,
		Dialer: func(_ context.Context, url string) (substrate.Conn, error) {
			dialed = url
			return forkNode, nil
		},
	})

	fork, err := f.Open(context.Background(), s)
	require.NoError(t, err)
	defer fork.Close()
	assert.Contains(t, dialed, "ws://127.0.0.1:")
	assert.Equal(t, stub.DefaultFinalizedHead, fork.BlockHash())

	out, err := fork.DryRun(context.Background(), domain.Payload{Sender: "5Grw", Call: []byte{0x05, 0x03}})
	require.NoError(t, err)
	assert.False(t, out.Result.Ok())
	assert.Equal(t, "Balances.InsufficientBalance", out.Result.Reason())
}

func TestChopsticksFork_DryRunAndApply(t *testing.T) {
	conn := stub.New("ws://127.0.0.1:8000")
	var dryParams, setParams []interface{}
	conn.Handle(MethodDryRun, func(params []interface{}) (interface{}, error) {
		dryParams = params
		return map[string]interface{}{
			"outcome":     "0x0001030502000000",
			"storageDiff": [][]interface{}{{"0xaa", "0x01"}, {"0xbb", nil}},
		}, nil
	})
	conn.Handle(MethodSetStorage, func(params []interface{}) (interface{}, error) {
		setParams = params
		return "0x02", nil
	})

	fork := &chopsticksFork{client: substrate.NewClient(conn), blockHash: "0xhead"}
	defer fork.Close()

	p := domain.Payload{Sender: "5Grw", Call: []byte{0x05, 0x03}}
	out, err := fork.DryRun(context.Background(), p)
	require.NoError(t, err)

	require.Len(t, dryParams, 1)
	params, ok := dryParams[0].(dryRunParams)
	require.True(t, ok)
	assert.Equal(t, "0x0503", params.Extrinsic.Call)
	assert.Equal(t, "5Grw", params.Extrinsic.Address)

	assert.False(t, out.Result.Ok())
	assert.Equal(t, "Module(index=5, error=2)", out.Result.Reason())
	require.Len(t, out.StorageDiff, 2)
	assert.Equal(t, "0xaa", out.StorageDiff[0].Key)
	require.NotNil(t, out.StorageDiff[0].Value)
	assert.Equal(t, "0x01", *out.StorageDiff[0].Value)
	assert.Nil(t, out.StorageDiff[1].Value)

	require.NoError(t, fork.Apply(context.Background(), out))
	require.Len(t, setParams, 1)
	values, ok := setParams[0].([][]*string)
	require.True(t, ok)
	require.Len(t, values, 2)
	assert.Equal(t, "0xbb", *values[1][0])
	assert.Nil(t, values[1][1])

	assert.Equal(t, "0xhead", fork.BlockHash())
}

func TestChopsticksFork_DryRunRPCError(t *testing.T) {
	conn := stub.New("ws://127.0.0.1:8000")
	conn.Fail(MethodDryRun, &substrate.RPCError{Code: -32000, Message: "wasm trap: unreachable"})

	fork := &chopsticksFork{client: substrate.NewClient(conn)}
	_, err := fork.DryRun(context.Background(), domain.Payload{})

	var rpcErr *substrate.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.True(t, isNodeRejection(err))
	assert.Equal(t, domain.OutcomeStructuralFailure, classifyRejection(err).Outcome)
}

func TestCheckForkRuntime(t *testing.T) {
	schema := pooltest.Schema()
	client := substrate.NewClient(stub.NewNode("ws://fork", stub.Runtime{}))
	assert.NoError(t, checkForkRuntime(context.Background(), client, schema))

	schema.SpecVersion++
	assert.Error(t, checkForkRuntime(context.Background(), client, schema))
}
