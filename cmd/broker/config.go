package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/suffragium/suffragium/broker"
	"github.com/suffragium/suffragium/internal"
	"github.com/suffragium/suffragium/service"
)

const (
	defaultAPIHost       = "0.0.0.0"
	defaultAPIPort       = 8090
	defaultAdminHost     = "127.0.0.1"
	defaultAdminPort     = 8091
	defaultLogLevel      = "info"
	defaultLogOutput     = "stdout"
	defaultDatadir       = ".suffragium-broker"
	defaultQueueCapacity = 10000
)

// Version is the build version, set at build time with -ldflags.
var Version = internal.Version

// Config holds the broker daemon configuration.
type Config struct {
	Region    string `mapstructure:"region"`
	API       APIConfig
	Admin     APIConfig
	Central   CentralConfig
	Queue     QueueConfig
	Breaker   BreakerConfig
	Scheduler SchedulerConfig
	Log       LogConfig
	Datadir   string
}

// APIConfig holds an HTTP bind address.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// CentralConfig holds the downstream central address.
type CentralConfig struct {
	URL string `mapstructure:"url"`
}

// QueueConfig holds the in-memory queue bound.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// BreakerConfig holds the circuit breaker thresholds.
type BreakerConfig struct {
	Failures    int           `mapstructure:"failures"`
	OpenTimeout time.Duration `mapstructure:"opentimeout"`
	Successes   int           `mapstructure:"successes"`
}

// SchedulerConfig holds the delivery loop tuning.
type SchedulerConfig struct {
	ScanInterval    time.Duration `mapstructure:"scaninterval"`
	SendTimeout     time.Duration `mapstructure:"sendtimeout"`
	BackoffBase     time.Duration `mapstructure:"backoffbase"`
	BackoffMult     float64       `mapstructure:"backoffmult"`
	BackoffMax      time.Duration `mapstructure:"backoffmax"`
	QuarantineAfter int           `mapstructure:"quarantineafter"`
	MaxInflight     int           `mapstructure:"maxinflight"`
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

	breakerDefaults := broker.DefaultBreakerParams()
	schedulerDefaults := broker.DefaultSchedulerConfig()
	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("admin.host", defaultAdminHost)
	v.SetDefault("admin.port", defaultAdminPort)
	v.SetDefault("queue.capacity", defaultQueueCapacity)
	v.SetDefault("breaker.failures", breakerDefaults.FailureThreshold)
	v.SetDefault("breaker.opentimeout", breakerDefaults.OpenTimeout)
	v.SetDefault("breaker.successes", breakerDefaults.SuccessThreshold)
	v.SetDefault("scheduler.scaninterval", schedulerDefaults.ScanInterval)
	v.SetDefault("scheduler.sendtimeout", schedulerDefaults.SendTimeout)
	v.SetDefault("scheduler.backoffbase", schedulerDefaults.BackoffBase)
	v.SetDefault("scheduler.backoffmult", schedulerDefaults.BackoffMult)
	v.SetDefault("scheduler.backoffmax", schedulerDefaults.BackoffMax)
	v.SetDefault("scheduler.quarantineafter", schedulerDefaults.QuarantineAfter)
	v.SetDefault("scheduler.maxinflight", schedulerDefaults.MaxInflight)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadir)

	flag.String("config", "", "path to an optional configuration file")
	flag.StringP("region", "r", "", "region identifier (required)")
	flag.StringP("api.host", "a", defaultAPIHost, "API host")
	flag.IntP("api.port", "p", defaultAPIPort, "API port")
	flag.String("admin.host", defaultAdminHost, "admin API host")
	flag.Int("admin.port", defaultAdminPort, "admin API port")
	flag.StringP("central.url", "c", "", "base URL of the central tally service (required)")
	flag.IntP("queue.capacity", "q", defaultQueueCapacity, "in-memory delivery queue capacity")
	flag.Int("breaker.failures", breakerDefaults.FailureThreshold, "consecutive failures before the circuit opens")
	flag.Duration("breaker.opentimeout", breakerDefaults.OpenTimeout, "time the circuit stays open before probing")
	flag.Int("breaker.successes", breakerDefaults.SuccessThreshold, "half-open successes before the circuit closes")
	flag.Duration("scheduler.scaninterval", schedulerDefaults.ScanInterval, "durable log re-scan interval")
	flag.Duration("scheduler.sendtimeout", schedulerDefaults.SendTimeout, "per-offer send timeout")
	flag.Duration("scheduler.backoffbase", schedulerDefaults.BackoffBase, "retry backoff base delay")
	flag.Float64("scheduler.backoffmult", schedulerDefaults.BackoffMult, "retry backoff multiplier")
	flag.Duration("scheduler.backoffmax", schedulerDefaults.BackoffMax, "retry backoff cap")
	flag.Int("scheduler.quarantineafter", schedulerDefaults.QuarantineAfter, "delivery attempts before quarantine")
	flag.Int("scheduler.maxinflight", schedulerDefaults.MaxInflight, "concurrent deliveries to central")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("datadir", "d", defaultDatadir, "data directory for the broker log and audit log")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "suffragium-broker v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: suffragium-broker [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, SUFFRAGIUM_CENTRAL_URL or SUFFRAGIUM_QUEUE_CAPACITY.\n")
		fmt.Fprintf(os.Stderr, "  REGION_ID and DATA_DIR are also honored without the prefix.\n")
		fmt.Fprintf(os.Stderr, "\nA configuration file can be given with --config; flags and environment\n")
		fmt.Fprintf(os.Stderr, "  variables override its values.\n")
	}

	flag.CommandLine.SortFlags = false
	flag.Parse()

	v.SetEnvPrefix("SUFFRAGIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Deployment tooling sets these without the prefix.
	_ = v.BindEnv("region", "SUFFRAGIUM_REGION", "REGION_ID")
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
	if cfg.Region == "" {
		return fmt.Errorf("region identifier is required (use --region or REGION_ID)")
	}
	if cfg.Central.URL == "" {
		return fmt.Errorf("central URL is required (use --central.url or SUFFRAGIUM_CENTRAL_URL)")
	}
	if cfg.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", cfg.Queue.Capacity)
	}
	if cfg.Breaker.Failures <= 0 || cfg.Breaker.Successes <= 0 {
		return fmt.Errorf("breaker thresholds must be positive")
	}
	if cfg.Scheduler.BackoffMult < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %v", cfg.Scheduler.BackoffMult)
	}
	return nil
}

// serviceConfig maps the daemon configuration onto the broker service.
func serviceConfig(cfg *Config) service.BrokerConfig {
	return service.BrokerConfig{
		RegionID:      cfg.Region,
		DataDir:       cfg.Datadir,
		ListenHost:    cfg.API.Host,
		ListenPort:    cfg.API.Port,
		AdminHost:     cfg.Admin.Host,
		AdminPort:     cfg.Admin.Port,
		CentralURL:    cfg.Central.URL,
		QueueCapacity: cfg.Queue.Capacity,
		Breaker: broker.BreakerParams{
			FailureThreshold: cfg.Breaker.Failures,
			OpenTimeout:      cfg.Breaker.OpenTimeout,
			SuccessThreshold: cfg.Breaker.Successes,
		},
		Scheduler: broker.SchedulerConfig{
			ScanInterval:    cfg.Scheduler.ScanInterval,
			SendTimeout:     cfg.Scheduler.SendTimeout,
			BackoffBase:     cfg.Scheduler.BackoffBase,
			BackoffMult:     cfg.Scheduler.BackoffMult,
			BackoffMax:      cfg.Scheduler.BackoffMax,
			QuarantineAfter: cfg.Scheduler.QuarantineAfter,
			MaxInflight:     cfg.Scheduler.MaxInflight,
		},
	}
}
