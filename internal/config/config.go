// Package config loads dotexec settings from TOML and DOTEXEC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/spf13/viper"

	"dotbot-exec/internal/domain"
)

// FileName is the default config file name.
const FileName = "dotexec.toml"

// EnvPrefix prefixes environment overrides, e.g. DOTEXEC_LOG_LEVEL.
const EnvPrefix = "DOTEXEC"

// Persistence drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full dotexec configuration.
type Config struct {
	Log         LogConfig                `mapstructure:"log"`
	Endpoints   EndpointsConfig          `mapstructure:"endpoints"`
	Networks    map[string]NetworkConfig `mapstructure:"networks"`
	Execution   ExecutionConfig          `mapstructure:"execution"`
	Simulation  SimulationConfig         `mapstructure:"simulation"`
	Persistence PersistenceConfig        `mapstructure:"persistence"`
	Analytics   AnalyticsConfig          `mapstructure:"analytics"`
	Metrics     MetricsConfig            `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EndpointsConfig struct {
	FailoverCooldown    time.Duration `mapstructure:"failover_cooldown"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	NegotiationTimeout  time.Duration `mapstructure:"negotiation_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	HealthChecks        bool          `mapstructure:"health_checks"`
	ManagerID           string        `mapstructure:"manager_id"`
}

// NetworkConfig describes one network. Call indices are [pallet, call].
type NetworkConfig struct {
	Endpoints          []string `mapstructure:"endpoints"`
	SS58Prefix         uint16   `mapstructure:"ss58_prefix"`
	Decimals           uint8    `mapstructure:"decimals"`
	Symbol             string   `mapstructure:"symbol"`
	ExistentialDeposit string   `mapstructure:"existential_deposit"` // planck
	TransferKeepAlive  []int    `mapstructure:"transfer_keep_alive"`
	Remark             []int    `mapstructure:"remark"`
	BatchAll           []int    `mapstructure:"batch_all"`
}

type ExecutionConfig struct {
	Simulation       bool          `mapstructure:"simulation"`
	AutoApprove      bool          `mapstructure:"auto_approve"`
	Batching         bool          `mapstructure:"batching"`
	Presimulate      string        `mapstructure:"presimulate"`
	StopOnError      bool          `mapstructure:"stop_on_error"`
	BroadcastTimeout time.Duration `mapstructure:"broadcast_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
}

type SimulationConfig struct {
	Chopsticks   bool          `mapstructure:"chopsticks"`
	Binary       string        `mapstructure:"binary"`
	Args         []string      `mapstructure:"args"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	Workers      int           `mapstructure:"workers"`
}

type PersistenceConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type AnalyticsConfig struct {
	ClickHouseDSN string `mapstructure:"clickhouse_dsn"`
}

type MetricsConfig struct {
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// Load reads path, or the first dotexec.toml found in the working directory
// and $HOME/.config/dotexec when path is empty. A missing default file is not
// an error; the defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.MergeConfigMap(Defaults()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "dotexec"))
		}
	}
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}

	switch c.Persistence.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Persistence.DSN == "" {
			errs = append(errs, fmt.Errorf("persistence.dsn is required for driver %s", c.Persistence.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown persistence.driver %q", c.Persistence.Driver))
	}

	switch c.Execution.Presimulate {
	case "inline", "sequential", "parallel":
	default:
		errs = append(errs, fmt.Errorf("execution.presimulate must be inline, sequential or parallel, got %q", c.Execution.Presimulate))
	}
	if c.Execution.BroadcastTimeout <= 0 {
		errs = append(errs, errors.New("execution.broadcast_timeout must be positive"))
	}
	if c.Simulation.Workers < 1 {
		errs = append(errs, errors.New("simulation.workers must be at least 1"))
	}
	if c.Endpoints.FailoverCooldown <= 0 {
		errs = append(errs, errors.New("endpoints.failover_cooldown must be positive"))
	}

	for _, name := range c.NetworkNames() {
		if _, err := c.Network(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NetworkNames returns the configured network names, sorted.
func (c *Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Network builds the domain description of a configured network.
func (c *Config) Network(name string) (domain.Network, error) {
	nc, ok := c.Networks[name]
	if !ok {
		return domain.Network{}, fmt.Errorf("network %q is not configured", name)
	}
	if len(nc.Endpoints) == 0 {
		return domain.Network{}, fmt.Errorf("networks.%s.endpoints is empty", name)
	}
	if nc.Decimals > 18 {
		return domain.Network{}, fmt.Errorf("networks.%s.decimals must be at most 18", name)
	}

	ed := sdkmath.ZeroInt()
	if nc.ExistentialDeposit != "" {
		parsed, ok := sdkmath.NewIntFromString(nc.ExistentialDeposit)
		if !ok || parsed.IsNegative() {
			return domain.Network{}, fmt.Errorf("networks.%s.existential_deposit %q is not a planck amount", name, nc.ExistentialDeposit)
		}
		ed = parsed
	}

	transfer, err := callIndex(name, "transfer_keep_alive", nc.TransferKeepAlive)
	if err != nil {
		return domain.Network{}, err
	}
	remark, err := callIndex(name, "remark", nc.Remark)
	if err != nil {
		return domain.Network{}, err
	}
	batch, err := callIndex(name, "batch_all", nc.BatchAll)
	if err != nil {
		return domain.Network{}, err
	}

	return domain.Network{
		Name:               name,
		Endpoints:          append([]string(nil), nc.Endpoints...),
		SS58Prefix:         nc.SS58Prefix,
		Decimals:           nc.Decimals,
		Symbol:             nc.Symbol,
		ExistentialDeposit: ed,
		TransferKeepAlive:  transfer,
		Remark:             remark,
		BatchAll:           batch,
	}, nil
}

// DomainNetworks builds every configured network.
func (c *Config) DomainNetworks() (map[string]domain.Network, error) {
	out := make(map[string]domain.Network, len(c.Networks))
	for _, name := range c.NetworkNames() {
		n, err := c.Network(name)
		if err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, nil
}

func callIndex(network, key string, v []int) (domain.CallIndex, error) {
	if len(v) != 2 {
		return domain.CallIndex{}, fmt.Errorf("networks.%s.%s must be [pallet, call]", network, key)
	}
	for _, n := range v {
		if n < 0 || n > 255 {
			return domain.CallIndex{}, fmt.Errorf("networks.%s.%s index %d out of range", network, key, n)
		}
	}
	return domain.CallIndex{Pallet: uint8(v[0]), Call: uint8(v[1])}, nil
}
