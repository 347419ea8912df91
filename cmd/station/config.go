package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/suffragium/suffragium/internal"
	"github.com/suffragium/suffragium/service"
	"github.com/suffragium/suffragium/station"
)

const (
	defaultAPIHost      = "0.0.0.0"
	defaultAPIPort      = 8080
	defaultAdminHost    = "127.0.0.1"
	defaultAdminPort    = 8081
	defaultLogLevel     = "info"
	defaultLogOutput    = "stdout"
	defaultDatadir      = ".suffragium-station"
	defaultScanInterval = 5 * time.Second
	defaultBackoffBase  = time.Second
	defaultBackoffMax   = 2 * time.Minute
	defaultSendTimeout  = 10 * time.Second
)

// Version is the build version, set at build time with -ldflags.
var Version = internal.Version

// Config holds the station daemon configuration.
type Config struct {
	Station StationConfig
	API     APIConfig
	Admin   APIConfig
	Broker  BrokerConfig
	Sender  SenderConfig
	Log     LogConfig
	Datadir string
}

// StationConfig identifies this polling station.
type StationConfig struct {
	ID     string `mapstructure:"id"`
	Region string `mapstructure:"region"`
	Roll   string `mapstructure:"roll"`
}

// APIConfig holds an HTTP bind address.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// BrokerConfig holds the upstream broker addresses.
type BrokerConfig struct {
	URL        string `mapstructure:"url"`
	ConfirmURL string `mapstructure:"confirmurl"`
}

// SenderConfig holds the retry loop tuning.
type SenderConfig struct {
	ScanInterval time.Duration `mapstructure:"scaninterval"`
	BackoffBase  time.Duration `mapstructure:"backoffbase"`
	BackoffMult  float64       `mapstructure:"backoffmult"`
	BackoffMax   time.Duration `mapstructure:"backoffmax"`
	SendTimeout  time.Duration `mapstructure:"sendtimeout"`
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

	defaults := station.DefaultSenderConfig()
	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("admin.host", defaultAdminHost)
	v.SetDefault("admin.port", defaultAdminPort)
	v.SetDefault("sender.scaninterval", defaults.ScanInterval)
	v.SetDefault("sender.backoffbase", defaults.BackoffBase)
	v.SetDefault("sender.backoffmult", defaults.BackoffMult)
	v.SetDefault("sender.backoffmax", defaults.BackoffMax)
	v.SetDefault("sender.sendtimeout", defaults.SendTimeout)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadir)

	flag.String("config", "", "path to an optional configuration file")
	flag.StringP("station.id", "i", "", "station identifier (required)")
	flag.StringP("station.region", "r", "", "region identifier")
	flag.String("station.roll", "", "path to the eligible voter roll file (required)")
	flag.StringP("api.host", "a", defaultAPIHost, "API host")
	flag.IntP("api.port", "p", defaultAPIPort, "API port")
	flag.String("admin.host", defaultAdminHost, "admin API host")
	flag.Int("admin.port", defaultAdminPort, "admin API port")
	flag.StringP("broker.url", "b", "", "base URL of the regional broker (required)")
	flag.String("broker.confirmurl", "", "public URL of this station's confirmation endpoint")
	flag.Duration("sender.scaninterval", defaultScanInterval, "outbox retry scan interval")
	flag.Duration("sender.backoffbase", defaultBackoffBase, "retry backoff base delay")
	flag.Float64("sender.backoffmult", 2, "retry backoff multiplier")
	flag.Duration("sender.backoffmax", defaultBackoffMax, "retry backoff cap")
	flag.Duration("sender.sendtimeout", defaultSendTimeout, "per-offer send timeout")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("datadir", "d", defaultDatadir, "data directory for the outbox and audit log")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "suffragium-station v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: suffragium-station [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, SUFFRAGIUM_STATION_ID or SUFFRAGIUM_BROKER_URL.\n")
		fmt.Fprintf(os.Stderr, "  STATION_ID, REGION_ID and DATA_DIR are also honored without the prefix.\n")
		fmt.Fprintf(os.Stderr, "\nA configuration file can be given with --config; flags and environment\n")
		fmt.Fprintf(os.Stderr, "  variables override its values.\n")
	}

	flag.CommandLine.SortFlags = false
	flag.Parse()

	v.SetEnvPrefix("SUFFRAGIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Deployment tooling sets these without the prefix.
	_ = v.BindEnv("station.id", "SUFFRAGIUM_STATION_ID", "STATION_ID")
	_ = v.BindEnv("station.region", "SUFFRAGIUM_STATION_REGION", "REGION_ID")
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
	if cfg.Station.ID == "" {
		return fmt.Errorf("station identifier is required (use --station.id or STATION_ID)")
	}
	if cfg.Station.Roll == "" {
		return fmt.Errorf("eligible roll path is required (use --station.roll)")
	}
	if cfg.Broker.URL == "" {
		return fmt.Errorf("broker URL is required (use --broker.url or SUFFRAGIUM_BROKER_URL)")
	}
	if cfg.Sender.BackoffMult < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %v", cfg.Sender.BackoffMult)
	}
	return nil
}

// serviceConfig maps the daemon configuration onto the station service.
func serviceConfig(cfg *Config) service.StationConfig {
	confirmURL := cfg.Broker.ConfirmURL
	if confirmURL == "" {
		confirmURL = fmt.Sprintf("http://%s:%d/v1/confirmations", cfg.API.Host, cfg.API.Port)
	}
	sender := station.DefaultSenderConfig()
	sender.ScanInterval = cfg.Sender.ScanInterval
	sender.BackoffBase = cfg.Sender.BackoffBase
	sender.BackoffMult = cfg.Sender.BackoffMult
	sender.BackoffMax = cfg.Sender.BackoffMax
	sender.SendTimeout = cfg.Sender.SendTimeout
	return service.StationConfig{
		StationID:  cfg.Station.ID,
		RegionID:   cfg.Station.Region,
		DataDir:    cfg.Datadir,
		RollPath:   cfg.Station.Roll,
		ListenHost: cfg.API.Host,
		ListenPort: cfg.API.Port,
		AdminHost:  cfg.Admin.Host,
		AdminPort:  cfg.Admin.Port,
		BrokerURL:  cfg.Broker.URL,
		ConfirmURL: confirmURL,
		Sender:     sender,
	}
}
