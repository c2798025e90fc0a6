// Package config resolves daemon configuration for northd/northctl from
// flags, environment variables, and an on-disk defaults file, and holds
// the small persisted-preferences struct northctl reads at startup
// (northbound/southbound URLs, the control-socket path). Flags win over
// NORTHD_* environment variables, which win over the file; viper does
// the layering.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultNBDB and DefaultSBDB mirror ovn-northd's own compiled-in
// defaults: a local Unix-socket ovsdb-server for each database.
const (
	DefaultNBDB         = "unix:/var/run/ovn/ovnnb_db.sock"
	DefaultSBDB         = "unix:/var/run/ovn/ovnsb_db.sock"
	DefaultUnixctlPath  = "/var/run/ovn/northd.ctl"
	DefaultLockName     = "ovn_northd"
	DefaultPollInterval = "1s"
)

// Config is the resolved daemon configuration for one northd process.
type Config struct {
	NBDB         string `mapstructure:"ovnnb-db"`
	SBDB         string `mapstructure:"ovnsb-db"`
	UnixctlPath  string `mapstructure:"unixctl"`
	LockName     string `mapstructure:"lock-name"`
	PollInterval string `mapstructure:"poll-interval"`
	LogLevel     string `mapstructure:"log-level"`
	LogJSON      bool   `mapstructure:"log-json"`
	MetricsAddr  string `mapstructure:"metrics-addr"`
}

// BindFlags registers the daemon's flag surface
// (--ovnnb-db, --ovnsb-db, --unixctl) plus the ambient daemon flags
// (log level/format, metrics listen address, poll interval, lock name)
// onto fs, so cobra commands share one flag vocabulary with the
// viper-resolved Config.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("ovnnb-db", DefaultNBDB, "northbound database connection method")
	fs.String("ovnsb-db", DefaultSBDB, "southbound database connection method")
	fs.StringP("unixctl", "u", DefaultUnixctlPath, "control socket path")
	fs.String("lock-name", DefaultLockName, "advisory lock name used for leader election")
	fs.String("poll-interval", DefaultPollInterval, "interval between reconciliation passes")
	fs.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.Bool("log-json", false, "emit structured JSON logs instead of text")
	fs.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
}

// Load resolves Config from (in ascending precedence) the on-disk
// defaults file, NORTHD_-prefixed environment variables, and fs's
// parsed flags.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("northd")
	v.AutomaticEnv()

	if path := DefaultsFilePath(); path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: binding flags: %w", err)
	}

	cfg := &Config{
		NBDB:         v.GetString("ovnnb-db"),
		SBDB:         v.GetString("ovnsb-db"),
		UnixctlPath:  v.GetString("unixctl"),
		LockName:     v.GetString("lock-name"),
		PollInterval: v.GetString("poll-interval"),
		LogLevel:     v.GetString("log-level"),
		LogJSON:      v.GetBool("log-json"),
		MetricsAddr:  v.GetString("metrics-addr"),
	}
	return cfg, nil
}

// Defaults is the small set of persisted preferences northctl reads so
// operators don't retype --unixctl/--ovnnb-db on every invocation.
type Defaults struct {
	UnixctlPath string `yaml:"unixctl_path,omitempty"`
	NBDB        string `yaml:"ovnnb_db,omitempty"`
	SBDB        string `yaml:"ovnsb_db,omitempty"`
}

// DefaultsFilePath returns the default on-disk location for the
// Defaults file under the operator's home directory.
func DefaultsFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".northd", "defaults.yaml")
}

// LoadDefaults reads the persisted Defaults file, returning an empty
// (zero-value) Defaults if none exists yet.
func LoadDefaults() (*Defaults, error) {
	path := DefaultsFilePath()
	if path == "" {
		return &Defaults{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Defaults{}, nil
		}
		return nil, err
	}
	d := &Defaults{}
	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return d, nil
}

// Save persists d to its default location, creating the parent
// directory if needed.
func (d *Defaults) Save() error {
	path := DefaultsFilePath()
	if path == "" {
		return fmt.Errorf("config: cannot determine home directory")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(d)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
