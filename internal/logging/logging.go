// Package logging builds the structured loggers shared by all subsystems.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cosmossdk.io/log"
	"github.com/rs/zerolog"

	"dotbot-exec/internal/domain"
)

// Service is the service name bound on every log line.
const Service = "dotbot-exec"

// Subsystem names.
const (
	SubsystemCLI          = "cli"
	SubsystemEndpoints    = "endpoints"
	SubsystemPool         = "pool"
	SubsystemSimulation   = "simulation"
	SubsystemExecutioner  = "executioner"
	SubsystemQueue        = "queue"
	SubsystemOrchestrator = "orchestrator"
	SubsystemStorage      = "storage"
	SubsystemMetrics      = "metrics"
)

// Format selects the output encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Config configures the base logger.
type Config struct {
	Level   string // trace, debug, info, warn, error
	Format  Format
	NoColor bool
	Output  io.Writer // defaults to os.Stderr
}

// New builds the base logger bound with service, version and hostname.
func New(cfg Config, version string) (log.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := []log.Option{log.LevelOption(level)}
	switch cfg.Format {
	case FormatJSON:
		opts = append(opts, log.OutputJSONOption())
	case FormatConsole, "":
		opts = append(opts, log.ColorOption(!cfg.NoColor))
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	hostname, _ := os.Hostname()
	return log.NewLogger(out, opts...).With(
		"service", Service,
		"version", version,
		"hostname", hostname,
	), nil
}

// Subsystem returns l bound to a subsystem. A nil logger yields a no-op logger.
func Subsystem(l log.Logger, name string) log.Logger {
	if l == nil {
		return log.NewNopLogger()
	}
	return l.With("subsystem", name)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l log.Logger) log.Logger {
	if l == nil {
		return log.NewNopLogger()
	}
	return l
}

// ErrorFields returns key/value pairs for err, including its classified code
// as type when it carries one.
func ErrorFields(err error) []any {
	if err == nil {
		return nil
	}
	fields := []any{"error", err.Error()}
	var de *domain.Error
	if errors.As(err, &de) {
		fields = append(fields, "type", string(de.Code))
	}
	return fields
}
