// Package config loads and validates the YAML files driving the wirebus
// daemon commands.
package config

import "time"

// Defaults applied when the corresponding field is absent.
const (
	DefaultRelayPort   = 2098
	DefaultControlPort = 2097
	DefaultSecurity    = "TLS"
)

// GroupConfig restricts one accepted group on the relay. Zero values mean
// unlimited.
type GroupConfig struct {
	MaxCount       int `yaml:"max_count"`
	MaxConsumables int `yaml:"max_consumables"`
}

// RelayConfig configures the relay daemon.
type RelayConfig struct {
	Bind     string `yaml:"bind"` // listen host, default all interfaces
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`

	// AcceptedGroups restricts which groups exist. Empty accepts any
	// group with no limits.
	AcceptedGroups map[string]GroupConfig `yaml:"accepted_groups"`

	ControlPort int    `yaml:"local_com_port"`
	HeaderSize  int    `yaml:"header_size"`
	MaxBody     int    `yaml:"max_body"`
	Security    string `yaml:"security"`
	KeysDir     string `yaml:"keys_dir"`

	MetricsAddr string  `yaml:"metrics_addr"`
	AcceptRate  float64 `yaml:"accept_rate"`

	ServeCert bool `yaml:"serve_cert"` // offer certificate.pem over plain TCP
}

// ReconnectConfig shapes the endpoint's backoff.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       float64
}

// EndpointConfig configures the endpoint daemon.
type EndpointConfig struct {
	Host     string
	Port     int
	Password string
	Groups   []string

	HeaderSize int
	MaxBody    int
	Security   string
	KeysDir    string
	Hostname   string

	Reconnect ReconnectConfig
}
