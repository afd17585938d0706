// Package config loads Pylon's static configuration: the settings that
// require a process restart to change. It mirrors the load shape of
// skipper's own config package — a Config struct populated from a YAML
// file, with a matching flag.FlagSet for command-line overrides.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"
)

// ServerConfig holds the two listener addresses Pylon binds.
type ServerConfig struct {
	ProxyPort int    `yaml:"proxy_port"`
	AdminPort int    `yaml:"admin_port"`
	Host      string `yaml:"host"`
}

// DatabaseConfig points at the identity/request-log store. Any
// database/sql driver can be slotted in behind this DSN; the default
// build registers github.com/mattn/go-sqlite3 for an embedded,
// file-backed store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// AdminConfig configures the admin port's login flow.
type AdminConfig struct {
	PasswordHash    string `yaml:"password_hash"`
	JWTSecret       string `yaml:"jwt_secret"`
	JWTExpireHours  int    `yaml:"jwt_expire_hours"`
}

// LoggingConfig configures the application logger level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is Pylon's static, restart-only configuration.
type Config struct {
	Flags *flag.FlagSet `yaml:"-"`

	ConfigFile string `yaml:"-"`

	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Admin    AdminConfig    `yaml:"admin"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Default returns the zero-value configuration with skipper-style
// sensible defaults filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ProxyPort: 8000,
			AdminPort: 8001,
			Host:      "0.0.0.0",
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			URL:    "pylon.db",
		},
		Admin: AdminConfig{
			JWTExpireHours: 24,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// NewFlagSet builds a flag.FlagSet bound to the given Config, following
// the pattern of cmd/skipper's flag wiring: every field except the admin
// password hash is individually overridable from the command line, with
// the YAML file providing the base values.
func NewFlagSet(c *Config) *flag.FlagSet {
	f := flag.NewFlagSet("pylon", flag.ExitOnError)

	f.StringVar(&c.ConfigFile, "config-file", "", "path to the YAML config file")
	f.IntVar(&c.Server.ProxyPort, "proxy-port", c.Server.ProxyPort, "proxy listener port")
	f.IntVar(&c.Server.AdminPort, "admin-port", c.Server.AdminPort, "admin listener port")
	f.StringVar(&c.Server.Host, "host", c.Server.Host, "bind host for both listeners")
	f.StringVar(&c.Database.Driver, "database-driver", c.Database.Driver, "database/sql driver name")
	f.StringVar(&c.Database.URL, "database-url", c.Database.URL, "database DSN")
	f.StringVar(&c.Admin.JWTSecret, "admin-jwt-secret", c.Admin.JWTSecret, "admin token signing secret")
	f.IntVar(&c.Admin.JWTExpireHours, "admin-jwt-expire-hours", c.Admin.JWTExpireHours, "admin token TTL, in hours")
	f.StringVar(&c.Logging.Level, "log-level", c.Logging.Level, "application log level")

	c.Flags = f
	return f
}

// Load reads and merges a YAML config file into c. Fields absent from
// the file keep their current (default or flag-provided) values.
func Load(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	return nil
}

// Parse builds a Config from defaults, an optional YAML file, and
// command-line arguments, in that precedence order (later wins) — the
// YAML file is read first so that explicit flags can still override it,
// mirroring cmd/skipper/main.go's LoadConfig call sequence.
func Parse(args []string) (*Config, error) {
	c := Default()
	fs := NewFlagSet(c)

	// A first, silent pass only to discover -config-file before the
	// real parse, so YAML values land before flag defaults are baked in.
	probe := flag.NewFlagSet("pylon-probe", flag.ContinueOnError)
	probe.SetOutput(io.Discard)
	probe.StringVar(&c.ConfigFile, "config-file", "", "")
	_ = probe.Parse(args)

	if c.ConfigFile != "" {
		if err := Load(c, c.ConfigFile); err != nil {
			return nil, err
		}
		fs = NewFlagSet(c)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}
