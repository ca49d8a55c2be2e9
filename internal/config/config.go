package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Client holds client-side settings that are not part of any capture:
// where the daemon listens, where guardrail state and upload spools
// live, and whether this host is a locked-down production build.
type Client struct {
	Socket          string `mapstructure:"socket"`
	StateDir        string `mapstructure:"state_dir"`
	SpoolDir        string `mapstructure:"spool_dir"`
	ProductionBuild bool   `mapstructure:"production_build"`
	Verbose         bool   `mapstructure:"verbose"`
}

// DefaultClient returns a Client with default values.
func DefaultClient() *Client {
	stateDir := "/var/lib/tracectl"
	if dir, err := os.UserConfigDir(); err == nil {
		stateDir = filepath.Join(dir, "tracectl")
	}
	return &Client{
		Socket:   "/run/traced/consumer.sock",
		StateDir: stateDir,
		SpoolDir: filepath.Join(stateDir, "spool"),
	}
}

// LoadClient loads client configuration from files and environment.
func LoadClient() (*Client, error) {
	v := viper.New()

	v.SetConfigName("tracectl")
	v.SetConfigType("yaml")

	v.AddConfigPath("/etc/tracectl/")
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "tracectl"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
		v.SetConfigName(".tracectl")
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("TRACECTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.BindEnv("socket", "TRACECTL_SOCKET")
	v.BindEnv("state_dir", "TRACECTL_STATE_DIR")
	v.BindEnv("spool_dir", "TRACECTL_SPOOL_DIR")
	v.BindEnv("production_build", "TRACECTL_PRODUCTION_BUILD")

	cfg := DefaultClient()
	v.SetDefault("socket", cfg.Socket)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("spool_dir", cfg.SpoolDir)
	v.SetDefault("production_build", cfg.ProductionBuild)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// No config file; environment and defaults apply.
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadClientFromFile loads client configuration from a specific file.
func LoadClientFromFile(path string) (*Client, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := DefaultClient()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
