// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the port both proxy front-ends listen on unless
// configured otherwise.
const DefaultPort = 3128

// DefaultSessionCapacity is the datagram session table size.
const DefaultSessionCapacity = 8

// Config is the master configuration shared by netbroker binaries.
type Config struct {
	// Socketd locates the broker's Unix socket.
	Socketd SocketdConfig `yaml:"socketd"`

	// Stream configures the stream (TCP) transparent proxy.
	Stream StreamConfig `yaml:"stream"`

	// Datagram configures the datagram (UDP) transparent proxy.
	Datagram DatagramConfig `yaml:"datagram"`

	// MetricsListen is an optional TCP address serving Prometheus
	// metrics (e.g. "127.0.0.1:9464"). Empty disables the endpoint.
	MetricsListen string `yaml:"metrics_listen"`

	// StatusSocket is an optional Unix socket path on which the proxy
	// answers CBOR status queries. Empty disables it.
	StatusSocket string `yaml:"status_socket"`

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `yaml:"log_level"`
}

// SocketdConfig locates the broker socket.
type SocketdConfig struct {
	// Name is the sandbox name. When SocketPath is empty the socket
	// lives at ${XDG_RUNTIME_DIR}/userns/<name>/socketd.
	Name string `yaml:"name"`

	// SocketPath overrides the derived socket location.
	SocketPath string `yaml:"socket_path"`
}

// StreamConfig configures the stream proxy.
type StreamConfig struct {
	// Listen is the TCP address to accept redirected connections on.
	// Default: 0.0.0.0:3128
	Listen string `yaml:"listen"`

	// DestinationOverride, when set, replaces the SO_ORIGINAL_DST lookup:
	// every connection is relayed to this address. Used when traffic
	// reaches the proxy without a REDIRECT rule.
	DestinationOverride string `yaml:"destination_override"`
}

// DatagramConfig configures the datagram proxy.
type DatagramConfig struct {
	// Listen is the UDP address to receive redirected datagrams on.
	// Default: 0.0.0.0:3128
	Listen string `yaml:"listen"`

	// Capacity bounds the session table. Default: 8
	Capacity int `yaml:"capacity"`

	// Transparent sets IP_TRANSPARENT on the listening socket and spoofs
	// reply sources. Requires CAP_NET_ADMIN. Default: true
	Transparent bool `yaml:"transparent"`

	// DestinationOverride, when set, replaces the IP_ORIGDSTADDR
	// destination of every datagram.
	DestinationOverride string `yaml:"destination_override"`
}

// Default returns the default configuration. Values loaded from a file
// are merged over it.
func Default() *Config {
	listen := fmt.Sprintf("0.0.0.0:%d", DefaultPort)
	return &Config{
		Stream: StreamConfig{
			Listen: listen,
		},
		Datagram: DatagramConfig{
			Listen:      listen,
			Capacity:    DefaultSessionCapacity,
			Transparent: true,
		},
		LogLevel: "info",
	}
}

// Load loads configuration from path, or from NETBROKER_CONFIG when path
// is empty. When neither is set the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("NETBROKER_CONFIG")
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML, so once comments and trailing
		// commas are stripped the YAML decoder handles it directly.
		data = jsonc.ToJSON(data)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	config.expandVariables()
	return config, nil
}

// expandVariables expands ${HOME} and ${XDG_RUNTIME_DIR} in path fields.
func (c *Config) expandVariables() {
	homeDirectory, _ := os.UserHomeDir()
	variables := map[string]string{
		"HOME":            homeDirectory,
		"XDG_RUNTIME_DIR": os.Getenv("XDG_RUNTIME_DIR"),
	}
	expand := func(value string) string {
		return os.Expand(value, func(name string) string {
			if replacement, ok := variables[name]; ok {
				return replacement
			}
			return "${" + name + "}"
		})
	}

	c.Socketd.SocketPath = expand(c.Socketd.SocketPath)
	c.StatusSocket = expand(c.StatusSocket)
}

// BrokerSocketPath returns the broker socket location: SocketPath when
// set, otherwise ${XDG_RUNTIME_DIR}/userns/<Name>/socketd.
func (c *Config) BrokerSocketPath() (string, error) {
	if c.Socketd.SocketPath != "" {
		return c.Socketd.SocketPath, nil
	}
	if c.Socketd.Name == "" {
		return "", errors.New("socketd: either socket_path or name is required")
	}
	runtimeDirectory := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDirectory == "" {
		return "", errors.New("socketd: XDG_RUNTIME_DIR is not set; set socket_path explicitly")
	}
	return filepath.Join(runtimeDirectory, "userns", c.Socketd.Name, "socketd"), nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var problems []error

	if _, err := netip.ParseAddrPort(c.Stream.Listen); err != nil {
		problems = append(problems, fmt.Errorf("stream.listen: %w", err))
	}
	if _, err := netip.ParseAddrPort(c.Datagram.Listen); err != nil {
		problems = append(problems, fmt.Errorf("datagram.listen: %w", err))
	}
	if c.Datagram.Capacity < 1 {
		problems = append(problems, fmt.Errorf("datagram.capacity must be at least 1, got %d", c.Datagram.Capacity))
	}
	for name, value := range map[string]string{
		"stream.destination_override":   c.Stream.DestinationOverride,
		"datagram.destination_override": c.Datagram.DestinationOverride,
	} {
		if value == "" {
			continue
		}
		endpoint, err := netip.ParseAddrPort(value)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if !endpoint.Addr().Unmap().Is4() {
			problems = append(problems, fmt.Errorf("%s: %s is not an IPv4 address", name, value))
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}

	return errors.Join(problems...)
}

// ParseOverride parses an optional destination override. The empty string
// yields the zero (invalid) AddrPort, meaning "no override".
func ParseOverride(value string) (netip.AddrPort, error) {
	if value == "" {
		return netip.AddrPort{}, nil
	}
	endpoint, err := netip.ParseAddrPort(value)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(endpoint.Addr().Unmap(), endpoint.Port()), nil
}
