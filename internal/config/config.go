// Package config provides configuration management for fleet-admin.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"fleet-admin/internal/logging"
)

// EnvPrefix prefixes every environment variable fleet-admin reads
const EnvPrefix = "FLEET_ADMIN"

// Config represents the application configuration structure
type Config struct {
	Topology        string        `mapstructure:"topology"`          // Path to the topology file
	Inventory       string        `mapstructure:"inventory"`         // Ansible inventory used instead of a topology file
	CoordGroup      string        `mapstructure:"coordinator-group"` // Inventory group holding the coordinator
	WorkerGroup     string        `mapstructure:"worker-group"`      // Inventory group holding the workers
	Coordinator     string        `mapstructure:"coordinator"`       // Coordinator host when no topology file is given
	Workers         []string      `mapstructure:"workers"`           // Worker hosts when no topology file is given
	User            string        `mapstructure:"user"`              // Login user, defaults to the privileged user
	KeyFile         string        `mapstructure:"key-file"`          // Explicit private key
	Interactive     bool          `mapstructure:"interactive"`       // Prompt for the login password
	Password        string        `mapstructure:"password"`          // Login password
	SudoPassword    string        `mapstructure:"sudo-password"`     // Sudo password, defaults to the login password
	PrivilegedUser  string        `mapstructure:"privileged-user"`   // User that never needs sudo
	UseAgent        bool          `mapstructure:"use-agent"`         // Offer ssh-agent keys
	Serial          bool          `mapstructure:"serial"`            // One host at a time
	Concurrency     string        `mapstructure:"concurrency"`       // Concurrency limit ("auto" or number)
	ConnectTimeout  time.Duration `mapstructure:"connect-timeout"`   // Per-host connect bound
	CmdTimeout      time.Duration `mapstructure:"cmd-timeout"`       // Per-host command bound (0 for none)
	ConnectRetries  int           `mapstructure:"connect-retries"`   // Extra dial attempts on transient errors
	PasswordRetries int           `mapstructure:"password-retries"`  // Extra password attempts after a rejection
	Output          string        `mapstructure:"output"`            // Output format (streamed, buffered, json)
	LogFile         string        `mapstructure:"log-file"`          // Log destination ("-" for stderr)
	LogLevel        string        `mapstructure:"log-level"`         // Log level (debug, info, error)
	LogFormat       string        `mapstructure:"log-format"`        // Log format (json, text)
	Quiet           bool          `mapstructure:"quiet"`             // Suppress the summary and stats
	StrictHostKey   bool          `mapstructure:"strict-host-key"`   // Refuse hosts missing from known_hosts
	KnownHosts      string        `mapstructure:"known-hosts"`       // Known hosts file
	HistoryDB       string        `mapstructure:"history-db"`        // sqlite run history ("" disables it)
	ShowProgress    bool          `mapstructure:"progress"`          // Show the progress line on stderr
	Transfer        string        `mapstructure:"transfer"`          // Upload protocol for deploy (sftp, scp)
}

// Manager defines the interface for configuration management
type Manager interface {
	// Load reads configuration from all sources. Flags explicitly set on
	// flags take precedence over env vars, which take precedence over the
	// config file.
	Load(flags *pflag.FlagSet) (*Config, error)

	// SetDefaults establishes default configuration values
	SetDefaults()

	// Validate ensures configuration values are valid and consistent
	Validate(config *Config) error
}

// ViperManager implements the Manager interface using Viper
type ViperManager struct {
	v *viper.Viper

	// ConfigFile, when set, is read instead of searching the config paths
	ConfigFile string
}

// NewManager creates a new configuration manager
func NewManager() *ViperManager {
	return &ViperManager{
		v: viper.New(),
	}
}

// SetDefaults establishes default configuration values
func (m *ViperManager) SetDefaults() {
	m.v.SetDefault("topology", "")
	m.v.SetDefault("inventory", "")
	m.v.SetDefault("coordinator-group", "coordinator")
	m.v.SetDefault("worker-group", "workers")
	m.v.SetDefault("coordinator", "")
	m.v.SetDefault("workers", []string{})
	m.v.SetDefault("user", "")
	m.v.SetDefault("key-file", "")
	m.v.SetDefault("interactive", false)
	m.v.SetDefault("password", "")
	m.v.SetDefault("sudo-password", "")
	m.v.SetDefault("privileged-user", "root")
	m.v.SetDefault("use-agent", true)
	m.v.SetDefault("serial", false)
	m.v.SetDefault("concurrency", "auto")
	m.v.SetDefault("connect-timeout", 30*time.Second)
	m.v.SetDefault("cmd-timeout", time.Duration(0)) // No timeout by default
	m.v.SetDefault("connect-retries", 0)
	m.v.SetDefault("password-retries", 1)
	m.v.SetDefault("output", "streamed")
	m.v.SetDefault("log-file", logging.DefaultLogFile)
	m.v.SetDefault("log-level", "info")
	m.v.SetDefault("log-format", "text")
	m.v.SetDefault("quiet", false)
	m.v.SetDefault("strict-host-key", false)
	m.v.SetDefault("known-hosts", "")
	m.v.SetDefault("history-db", "")
	m.v.SetDefault("progress", false)
	m.v.SetDefault("transfer", "sftp")
}

// Load reads configuration from all sources with proper precedence
func (m *ViperManager) Load(flags *pflag.FlagSet) (*Config, error) {
	m.SetDefaults()

	if m.ConfigFile != "" {
		m.v.SetConfigFile(m.ConfigFile)
	} else {
		m.v.SetConfigName("config")
		m.v.AddConfigPath(".")
		if homeDir, err := os.UserHomeDir(); err == nil {
			m.v.AddConfigPath(filepath.Join(homeDir, ".config", "fleet-admin"))
		}
		m.v.AddConfigPath("/etc/fleet-admin/")
	}

	m.v.SetEnvPrefix(EnvPrefix)
	m.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	m.v.AutomaticEnv()

	if err := m.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || m.ConfigFile != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if flags != nil {
		// only flags the user actually set override lower layers
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if bindErr != nil || !f.Changed || !isKey(f.Name) {
				return
			}
			bindErr = m.v.BindPFlag(f.Name, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("error binding flags: %w", bindErr)
		}
	}

	var config Config
	if err := m.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if config.User == "" {
		config.User = config.PrivilegedUser
	}

	if err := m.Validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Validate ensures configuration values are valid and consistent
func (m *ViperManager) Validate(config *Config) error {
	if config.Concurrency != "auto" && config.Concurrency != "" {
		if concurrency, err := strconv.Atoi(config.Concurrency); err != nil {
			return fmt.Errorf("invalid concurrency value '%s': must be 'auto' or a positive integer", config.Concurrency)
		} else if concurrency <= 0 {
			return fmt.Errorf("concurrency must be positive, got %d", concurrency)
		}
	}

	if config.ConnectRetries < 0 {
		return fmt.Errorf("connect-retries must be non-negative, got %d", config.ConnectRetries)
	}
	if config.PasswordRetries < 0 {
		return fmt.Errorf("password-retries must be non-negative, got %d", config.PasswordRetries)
	}

	if config.ConnectTimeout <= 0 {
		return fmt.Errorf("connect-timeout must be positive, got %v", config.ConnectTimeout)
	}
	if config.CmdTimeout < 0 {
		return fmt.Errorf("cmd-timeout must be non-negative, got %v", config.CmdTimeout)
	}

	if config.Topology != "" && config.Inventory != "" {
		return fmt.Errorf("topology and inventory are mutually exclusive")
	}

	if config.User == "" {
		return fmt.Errorf("a login user is required")
	}

	validOutputs := map[string]bool{
		"streamed": true,
		"buffered": true,
		"json":     true,
	}
	if !validOutputs[config.Output] {
		return fmt.Errorf("invalid output format '%s': must be one of 'streamed', 'buffered', or 'json'", config.Output)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"error": true,
	}
	if !validLogLevels[config.LogLevel] {
		return fmt.Errorf("invalid log level '%s': must be one of 'debug', 'info' or 'error'", config.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[config.LogFormat] {
		return fmt.Errorf("invalid log format '%s': must be one of 'json' or 'text'", config.LogFormat)
	}

	if config.Transfer != "sftp" && config.Transfer != "scp" {
		return fmt.Errorf("invalid transfer '%s': must be 'sftp' or 'scp'", config.Transfer)
	}

	return nil
}

// Mode returns the dispatch mode name
func (c *Config) Mode() string {
	if c.Serial {
		return "serial"
	}
	return "parallel"
}

// Keys returns every configuration key in a stable order
func Keys() []string {
	return append([]string(nil), keys...)
}

// GetEnvVarNames returns a list of all supported environment variable names
func GetEnvVarNames() []string {
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(k, "-", "_")))
	}
	return names
}

var keys = []string{
	"topology", "inventory", "coordinator-group", "worker-group",
	"coordinator", "workers", "user", "key-file", "interactive",
	"password", "sudo-password", "privileged-user", "use-agent", "serial",
	"concurrency", "connect-timeout", "cmd-timeout", "connect-retries",
	"password-retries", "output", "log-file", "log-level", "log-format",
	"quiet", "strict-host-key", "known-hosts", "history-db", "progress",
	"transfer",
}

func isKey(name string) bool {
	for _, k := range keys {
		if k == name {
			return true
		}
	}
	return false
}
