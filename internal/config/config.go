// Package config holds the server configuration: defaults, an optional
// YAML or TOML file, environment overrides and command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read from the working directory when no -config flag is given.
const DefaultFile = "serve.yaml"

// Config contains all tunable server parameters.
// Values are fixed once the server starts.
type Config struct {
	Host string `yaml:"host" toml:"host"` // Interface to listen on (default: 0.0.0.0)
	Port int    `yaml:"port" toml:"port"` // TCP port (default: 5000, 0 picks a free port)

	// Timeouts
	ReadTimeout     time.Duration `yaml:"readTimeout" toml:"readTimeout"`         // Time allowed to read one request (default: 10s)
	WriteTimeout    time.Duration `yaml:"writeTimeout" toml:"writeTimeout"`       // Time allowed to write one response (default: 0, no limit)
	IdleTimeout     time.Duration `yaml:"idleTimeout" toml:"idleTimeout"`         // Keep-alive wait for the next request (default: 5s)
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" toml:"shutdownTimeout"` // Grace period for the connection in flight (default: 5s)

	// Compression
	Compress        bool `yaml:"compress" toml:"compress"`               // Negotiate zstd/gzip (default: false)
	CompressMinSize int  `yaml:"compressMinSize" toml:"compressMinSize"` // Smaller files are sent as-is (default: 1KB)
	CompressMaxSize int  `yaml:"compressMaxSize" toml:"compressMaxSize"` // Larger files are streamed uncompressed (default: 8MB)

	// Directory listings
	Watch  bool `yaml:"watch" toml:"watch"`   // Cache listings, invalidated by fsnotify (default: false)
	Minify bool `yaml:"minify" toml:"minify"` // Minify generated listing HTML (default: true)
}

// DefaultConfig returns the default server configuration
func DefaultConfig() *Config {
	return &Config{
		Host: "0.0.0.0",
		Port: 5000,

		ReadTimeout:     10 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     5 * time.Second,
		ShutdownTimeout: 5 * time.Second,

		Compress:        false,
		CompressMinSize: 1024,            // 1KB
		CompressMaxSize: 8 * 1024 * 1024, // 8MB

		Watch:  false,
		Minify: true,
	}
}

// Load builds the configuration for the serve command.
// Precedence, lowest first: defaults, config file, environment, flags.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Path to a YAML or TOML config file (default: ./"+DefaultFile+" if present)")
	host := fs.String("host", "", "The host/IP to bind to")
	port := fs.Int("port", -1, "The port to listen on")
	compress := fs.Bool("compress", false, "Enable zstd/gzip response compression")
	watch := fs.Bool("watch", false, "Cache directory listings and invalidate them on change")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	cfg := DefaultConfig()

	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat(DefaultFile); err == nil {
		if err := cfg.LoadFile(DefaultFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Only flags that were actually passed override earlier layers
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "compress":
			cfg.Compress = *compress
		case "watch":
			cfg.Watch = *watch
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the values found in a YAML or TOML file onto c.
// Keys missing from the file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("SERVE_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("SERVE_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SERVE_PORT %q: %w", v, err)
		}
		c.Port = p
	}
	return nil
}

// Validate rejects values the server cannot start with and clamps the rest
// into reasonable bounds.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("host must not be empty")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	// Timeouts
	if c.ReadTimeout < 0 {
		c.ReadTimeout = 0
	}
	if c.WriteTimeout < 0 {
		c.WriteTimeout = 0
	}
	if c.IdleTimeout < 100*time.Millisecond {
		c.IdleTimeout = 100 * time.Millisecond
	}
	if c.IdleTimeout > 2*time.Minute {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.ShutdownTimeout < 1*time.Second {
		c.ShutdownTimeout = 1 * time.Second
	}
	if c.ShutdownTimeout > 60*time.Second {
		c.ShutdownTimeout = 60 * time.Second
	}

	// Compression window
	if c.CompressMinSize < 0 {
		c.CompressMinSize = 0
	}
	if c.CompressMaxSize < 64*1024 {
		c.CompressMaxSize = 64 * 1024 // Minimum 64KB
	}
	if c.CompressMaxSize > 64*1024*1024 {
		c.CompressMaxSize = 64 * 1024 * 1024 // Maximum 64MB
	}
	if c.CompressMinSize > c.CompressMaxSize {
		c.CompressMinSize = c.CompressMaxSize
	}
	return nil
}

// Address returns the host:port pair the listener binds to
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
