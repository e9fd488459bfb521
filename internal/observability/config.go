package observability

import (
	"strings"

	"github.com/smallbiznis/tenancy/internal/config"
)

// Config is the slice of application config the telemetry stack reads.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled       bool
	OtelEndpoint      string
	OtelProtocol      string
	OtelSamplingRatio float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "tenancy"
	}
	obs := cfg.Observability

	protocol := obs.OtelProtocol
	if protocol != "http" && protocol != "grpc" {
		protocol = "grpc"
	}
	ratio := obs.OtelSamplingRatio
	if ratio < 0 || ratio > 1 {
		ratio = 0.1
	}

	return Config{
		ServiceName:       serviceName,
		Environment:       strings.TrimSpace(cfg.Environment),
		Version:           strings.TrimSpace(cfg.AppVersion),
		LogLevel:          obs.LogLevel,
		LogFormat:         obs.LogFormat,
		OtelEnabled:       obs.OtelEnabled,
		OtelEndpoint:      strings.TrimSpace(cfg.OTLPEndpoint),
		OtelProtocol:      protocol,
		OtelSamplingRatio: ratio,
	}
}

// Debug reports whether request bodies and stack traces may be logged.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}
