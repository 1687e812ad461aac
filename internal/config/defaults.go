package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Defaults returns the default settings as a nested map, keyed like the TOML file.
func Defaults() map[string]any {
	return map[string]any{
		"log": map[string]any{
			"level":  "info",
			"format": "console",
		},
		"endpoints": map[string]any{
			"failover_cooldown":     "5m",
			"connect_timeout":       "10s",
			"negotiation_timeout":   "20s",
			"health_check_interval": "10m",
			"health_checks":         true,
			"manager_id":            "dotexec",
		},
		"networks": map[string]any{
			"polkadot": map[string]any{
				"endpoints":           []string{"wss://rpc.polkadot.io"},
				"ss58_prefix":         0,
				"decimals":            10,
				"symbol":              "DOT",
				"existential_deposit": "10000000000",
				"transfer_keep_alive": []int{5, 3},
				"remark":              []int{0, 0},
				"batch_all":           []int{26, 2},
			},
			"kusama": map[string]any{
				"endpoints":           []string{"wss://kusama-rpc.polkadot.io"},
				"ss58_prefix":         2,
				"decimals":            12,
				"symbol":              "KSM",
				"existential_deposit": "333333333",
				"transfer_keep_alive": []int{4, 3},
				"remark":              []int{0, 0},
				"batch_all":           []int{24, 2},
			},
			"westend": map[string]any{
				"endpoints":           []string{"wss://westend-rpc.polkadot.io"},
				"ss58_prefix":         42,
				"decimals":            12,
				"symbol":              "WND",
				"existential_deposit": "10000000000",
				"transfer_keep_alive": []int{4, 3},
				"remark":              []int{0, 0},
				"batch_all":           []int{16, 2},
			},
		},
		"execution": map[string]any{
			"simulation":        true,
			"auto_approve":      false,
			"batching":          false,
			"presimulate":       "inline",
			"stop_on_error":     true,
			"broadcast_timeout": "5m",
			"poll_interval":     "2s",
		},
		"simulation": map[string]any{
			"chopsticks":    true,
			"binary":        "npx",
			"args":          []string{"--yes", "@acala-network/chopsticks@latest"},
			"start_timeout": "60s",
			"workers":       4,
		},
		"persistence": map[string]any{
			"driver": DriverMemory,
			"dsn":    "",
		},
		"analytics": map[string]any{
			"clickhouse_dsn": "",
		},
		"metrics": map[string]any{
			"addr":      "",
			"namespace": "dotexec",
		},
	}
}

// ErrExists is returned by WriteDefault when the file exists and force is off.
var ErrExists = errors.New("config file already exists")

// WriteDefault writes the default configuration to path.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, ErrExists)
		}
	}

	data, err := toml.Marshal(Defaults())
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
