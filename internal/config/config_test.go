package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dotbot-exec/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsFromInitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	require.NoError(t, WriteDefault(path, false))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Minute, cfg.Endpoints.FailoverCooldown)
	assert.Equal(t, 10*time.Second, cfg.Endpoints.ConnectTimeout)
	assert.Equal(t, 20*time.Second, cfg.Endpoints.NegotiationTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Endpoints.HealthCheckInterval)
	assert.Equal(t, 5*time.Minute, cfg.Execution.BroadcastTimeout)
	assert.Equal(t, "inline", cfg.Execution.Presimulate)
	assert.Equal(t, 4, cfg.Simulation.Workers)
	assert.Equal(t, DriverMemory, cfg.Persistence.Driver)
	assert.Equal(t, []string{"kusama", "polkadot", "westend"}, cfg.NetworkNames())
}

func TestWriteDefault_RefusesOverwrite(t *testing.T) {
	path := writeConfig(t, "")
	assert.ErrorIs(t, WriteDefault(path, false), ErrExists)
	assert.NoError(t, WriteDefault(path, true))
}

func TestLoad_NetworkPresets(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	dot, err := cfg.Network("polkadot")
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://rpc.polkadot.io"}, dot.Endpoints)
	assert.Equal(t, uint16(0), dot.SS58Prefix)
	assert.Equal(t, uint8(10), dot.Decimals)
	assert.Equal(t, "DOT", dot.Symbol)
	assert.Equal(t, "10000000000", dot.ExistentialDeposit.String())
	assert.Equal(t, domain.CallIndex{Pallet: 5, Call: 3}, dot.TransferKeepAlive)
	assert.Equal(t, domain.CallIndex{Pallet: 26, Call: 2}, dot.BatchAll)

	ksm, err := cfg.Network("kusama")
	require.NoError(t, err)
	assert.Equal(t, uint16(2), ksm.SS58Prefix)
	assert.Equal(t, domain.CallIndex{Pallet: 24, Call: 2}, ksm.BatchAll)

	wnd, err := cfg.Network("westend")
	require.NoError(t, err)
	assert.Equal(t, uint16(42), wnd.SS58Prefix)
	assert.Equal(t, "WND", wnd.Symbol)

	_, err = cfg.Network("rococo")
	assert.Error(t, err)
}

func TestLoad_FileOverridesAndAddsNetworks(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[log]
level = "debug"
format = "json"

[execution]
batching = true
presimulate = "parallel"
broadcast_timeout = "90s"

[networks.polkadot]
endpoints = ["wss://a.example", "wss://b.example"]

[networks.local]
endpoints = ["ws://127.0.0.1:9944"]
ss58_prefix = 42
decimals = 12
symbol = "UNIT"
transfer_keep_alive = [10, 3]
remark = [0, 0]
batch_all = [40, 2]
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Execution.Batching)
	assert.Equal(t, 90*time.Second, cfg.Execution.BroadcastTimeout)
	assert.True(t, cfg.Execution.StopOnError)

	networks, err := cfg.DomainNetworks()
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, networks["polkadot"].Endpoints)
	assert.Equal(t, "DOT", networks["polkadot"].Symbol)
	assert.True(t, networks["local"].ExistentialDeposit.IsZero())
	assert.Equal(t, domain.CallIndex{Pallet: 10, Call: 3}, networks["local"].TransferKeepAlive)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DOTEXEC_LOG_LEVEL", "warn")
	t.Setenv("DOTEXEC_EXECUTION_BROADCAST_TIMEOUT", "30s")
	t.Setenv("DOTEXEC_PERSISTENCE_DRIVER", "sqlite")
	t.Setenv("DOTEXEC_PERSISTENCE_DSN", "file:dotexec.db")

	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Execution.BroadcastTimeout)
	assert.Equal(t, DriverSQLite, cfg.Persistence.Driver)
	assert.Equal(t, "file:dotexec.db", cfg.Persistence.DSN)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "format", body: "[log]\nformat = \"xml\"", want: "log.format"},
		{name: "driver", body: "[persistence]\ndriver = \"mongo\"", want: "persistence.driver"},
		{name: "dsn", body: "[persistence]\ndriver = \"postgres\"", want: "persistence.dsn"},
		{name: "presimulate", body: "[execution]\npresimulate = \"eager\"", want: "execution.presimulate"},
		{name: "workers", body: "[simulation]\nworkers = 0", want: "simulation.workers"},
		{name: "call index", body: "[networks.polkadot]\nbatch_all = [26]", want: "batch_all"},
		{name: "index range", body: "[networks.polkadot]\nremark = [0, 300]", want: "out of range"},
		{name: "deposit", body: "[networks.polkadot]\nexistential_deposit = \"1.5\"", want: "existential_deposit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
