package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/suffragium/suffragium/central"
	"github.com/suffragium/suffragium/internal"
	"github.com/suffragium/suffragium/service"
)

const (
	defaultAPIHost   = "0.0.0.0"
	defaultAPIPort   = 9000
	defaultAdminHost = "127.0.0.1"
	defaultAdminPort = 9001
	defaultLogLevel  = "info"
	defaultLogOutput = "stdout"
	defaultDatadir   = ".suffragium-central"
)

// Version is the build version, set at build time with -ldflags.
var Version = internal.Version

// Config holds the central daemon configuration.
type Config struct {
	API     APIConfig
	Admin   APIConfig
	Tally   TallyConfig
	Log     LogConfig
	Datadir string
}

// APIConfig holds an HTTP bind address.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// TallyConfig holds the checkpoint cadence.
type TallyConfig struct {
	MaxApplies  int           `mapstructure:"maxapplies"`
	MaxInterval time.Duration `mapstructure:"maxinterval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// loadConfig loads configuration from flags, environment variables and
// defaults.
func loadConfig() (*Config, error) {
	v := viper.New()

	tallyDefaults := central.DefaultTallyConfig()
	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("admin.host", defaultAdminHost)
	v.SetDefault("admin.port", defaultAdminPort)
	v.SetDefault("tally.maxapplies", tallyDefaults.MaxApplies)
	v.SetDefault("tally.maxinterval", tallyDefaults.MaxInterval)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadir)

	flag.String("config", "", "path to an optional configuration file")
	flag.StringP("api.host", "a", defaultAPIHost, "API host")
	flag.IntP("api.port", "p", defaultAPIPort, "API port")
	flag.String("admin.host", defaultAdminHost, "admin API host")
	flag.Int("admin.port", defaultAdminPort, "admin API port")
	flag.Int("tally.maxapplies", tallyDefaults.MaxApplies, "applies between tally checkpoints")
	flag.Duration("tally.maxinterval", tallyDefaults.MaxInterval, "max time between tally checkpoints")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("datadir", "d", defaultDatadir, "data directory for the received log, tally and audit log")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "suffragium-central v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: suffragium-central [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, SUFFRAGIUM_API_PORT or SUFFRAGIUM_TALLY_MAXAPPLIES.\n")
		fmt.Fprintf(os.Stderr, "  DATA_DIR is also honored without the prefix.\n")
		fmt.Fprintf(os.Stderr, "\nA configuration file can be given with --config; flags and environment\n")
		fmt.Fprintf(os.Stderr, "  variables override its values.\n")
	}

	flag.CommandLine.SortFlags = false
	flag.Parse()

	v.SetEnvPrefix("SUFFRAGIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Deployment tooling sets this without the prefix.
	_ = v.BindEnv("datadir", "SUFFRAGIUM_DATADIR", "DATA_DIR")

	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	// An optional configuration file; flags and environment variables
	// override its values.
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// validateConfig validates the loaded configuration.
func validateConfig(cfg *Config) error {
	if cfg.Tally.MaxApplies <= 0 {
		return fmt.Errorf("tally.maxapplies must be positive, got %d", cfg.Tally.MaxApplies)
	}
	if cfg.Tally.MaxInterval <= 0 {
		return fmt.Errorf("tally.maxinterval must be positive, got %v", cfg.Tally.MaxInterval)
	}
	return nil
}

// serviceConfig maps the daemon configuration onto the central service.
func serviceConfig(cfg *Config) service.CentralConfig {
	return service.CentralConfig{
		DataDir:    cfg.Datadir,
		ListenHost: cfg.API.Host,
		ListenPort: cfg.API.Port,
		AdminHost:  cfg.Admin.Host,
		AdminPort:  cfg.Admin.Port,
		Tally: central.TallyConfig{
			MaxApplies:  cfg.Tally.MaxApplies,
			MaxInterval: cfg.Tally.MaxInterval,
		},
	}
}
