package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wirebus/wirebus/internal/validate"
)

// checkFilePermissions refuses config files readable by group or world:
// they carry the relay password.
func checkFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o; fix with: chmod 600 %s", ErrInsecurePermissions, path, mode, path)
	}
	return nil
}

// LoadRelay loads and validates a relay daemon config.
func LoadRelay(path string) (*RelayConfig, error) {
	if err := checkFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg := RelayConfig{
		Port:        DefaultRelayPort,
		ControlPort: DefaultControlPort,
		Security:    DefaultSecurity,
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := ValidateRelay(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateRelay checks a relay config for usability.
func ValidateRelay(cfg *RelayConfig) error {
	if cfg.Password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidConfig)
	}
	if err := validate.Port(cfg.Port); err != nil {
		return fmt.Errorf("port: %w", err)
	}
	if cfg.ControlPort != 0 {
		if err := validate.Port(cfg.ControlPort); err != nil {
			return fmt.Errorf("local_com_port: %w", err)
		}
	}
	if cfg.Bind != "" {
		if err := validate.Host(cfg.Bind); err != nil {
			return fmt.Errorf("bind: %w", err)
		}
	}
	for name := range cfg.AcceptedGroups {
		if err := validate.GroupName(name); err != nil {
			return fmt.Errorf("accepted_groups: %w", err)
		}
	}
	return nil
}

// LoadEndpoint loads and validates an endpoint daemon config. Durations in
// the reconnect block use Go duration syntax ("500ms", "1m30s").
func LoadEndpoint(path string) (*EndpointConfig, error) {
	if err := checkFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var raw struct {
		Host       string   `yaml:"host"`
		Port       int      `yaml:"port"`
		Password   string   `yaml:"password"`
		Groups     []string `yaml:"groups"`
		HeaderSize int      `yaml:"header_size"`
		MaxBody    int      `yaml:"max_body"`
		Security   string   `yaml:"security"`
		KeysDir    string   `yaml:"keys_dir"`
		Hostname   string   `yaml:"hostname"`
		Reconnect  struct {
			InitialDelay string  `yaml:"initial_delay"`
			MaxDelay     string  `yaml:"max_delay"`
			Factor       float64 `yaml:"factor"`
			Jitter       float64 `yaml:"jitter"`
		} `yaml:"reconnect"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg := &EndpointConfig{
		Host:       raw.Host,
		Port:       raw.Port,
		Password:   raw.Password,
		Groups:     raw.Groups,
		HeaderSize: raw.HeaderSize,
		MaxBody:    raw.MaxBody,
		Security:   raw.Security,
		KeysDir:    raw.KeysDir,
		Hostname:   raw.Hostname,
		Reconnect: ReconnectConfig{
			Factor: raw.Reconnect.Factor,
			Jitter: raw.Reconnect.Jitter,
		},
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultRelayPort
	}
	if cfg.Security == "" {
		cfg.Security = DefaultSecurity
	}
	if cfg.Reconnect.InitialDelay, err = parseDuration(raw.Reconnect.InitialDelay); err != nil {
		return nil, fmt.Errorf("reconnect.initial_delay: %w", err)
	}
	if cfg.Reconnect.MaxDelay, err = parseDuration(raw.Reconnect.MaxDelay); err != nil {
		return nil, fmt.Errorf("reconnect.max_delay: %w", err)
	}
	if err := ValidateEndpoint(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateEndpoint checks an endpoint config for usability.
func ValidateEndpoint(cfg *EndpointConfig) error {
	if cfg.Password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidConfig)
	}
	if err := validate.Host(cfg.Host); err != nil {
		return fmt.Errorf("host: %w", err)
	}
	if err := validate.Port(cfg.Port); err != nil {
		return fmt.Errorf("port: %w", err)
	}
	if len(cfg.Groups) == 0 {
		return fmt.Errorf("%w: groups must name at least one group", ErrInvalidConfig)
	}
	for _, g := range cfg.Groups {
		if err := validate.GroupName(g); err != nil {
			return fmt.Errorf("groups: %w", err)
		}
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
