// Package server provides the environment-driven configuration shared by
// the TCP relay and the WebSocket gateway.
package server

import (
	"net"
	"strconv"
	"strings"

	"github.com/Netflix/go-env"
)

// Config holds the runtime settings. Values come from the environment;
// every field has a working default so an empty environment yields the
// reference configuration.
type Config struct {
	Host           string `env:"CHAT_HOST,default=127.0.0.1"`
	Port           int    `env:"CHAT_PORT,default=8082"`
	BusCapacity    int    `env:"BUS_CAPACITY,default=100"`
	HTTPAddr       string `env:"HTTP_ADDR,default=:8080"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`
}

// LoadConfig reads the configuration from the process environment and
// normalizes out-of-range values back to their defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, err
	}
	return sanitizeConfig(cfg), nil
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = 8082
	}
	if cfg.BusCapacity <= 0 {
		cfg.BusCapacity = DefaultBusCapacity
	}
	return cfg
}

// ListenAddr is the host:port the TCP relay binds.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Origins splits the configured origin allow-list. An empty list means the
// gateway refuses every browser origin; "*" allows all.
func (c Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
