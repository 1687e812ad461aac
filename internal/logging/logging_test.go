package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dotbot-exec/internal/domain"
)

func TestNew_JSONSubsystem(t *testing.T) {
	var buf bytes.Buffer
	base, err := New(Config{Level: "debug", Format: FormatJSON, Output: &buf}, "1.2.3")
	require.NoError(t, err)

	Subsystem(base, SubsystemPool).Info("session created", "endpoint", "wss://a")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "session created", line["message"])
	assert.Equal(t, Service, line["service"])
	assert.Equal(t, "1.2.3", line["version"])
	assert.Equal(t, SubsystemPool, line["subsystem"])
	assert.Equal(t, "wss://a", line["endpoint"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	base, err := New(Config{Level: "warn", Format: FormatJSON, Output: &buf}, "dev")
	require.NoError(t, err)

	base.Info("hidden")
	assert.Zero(t, buf.Len())

	base.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"}, "dev")
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"}, "dev")
	assert.Error(t, err)
}

func TestErrorFields(t *testing.T) {
	assert.Nil(t, ErrorFields(nil))

	plain := ErrorFields(errors.New("boom"))
	assert.Equal(t, []any{"error", "boom"}, plain)

	wrapped := fmt.Errorf("sign: %w", domain.NewError(domain.CodeSigningFailed, "signer refused", nil))
	fields := ErrorFields(wrapped)
	require.Len(t, fields, 4)
	assert.Equal(t, "type", fields[2])
	assert.Equal(t, "SIGNING_FAILED", fields[3])
}

func TestSubsystem_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		Subsystem(nil, SubsystemQueue).Info("noop")
		OrNop(nil).Error("noop")
	})
}
