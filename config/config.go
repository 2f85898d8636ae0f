package config

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the full application configuration, threaded explicitly into
// each component at construction.
type Config struct {
	Port     int  `mapstructure:"port"`
	TestMode bool `mapstructure:"testMode"`

	Warehouse WarehouseConfig `mapstructure:"warehouse"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
}

type WarehouseConfig struct {
	DSN     string `mapstructure:"dsn"`
	Project string `mapstructure:"project"`
	Dataset string `mapstructure:"dataset"`
}

type FetchConfig struct {
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
	MaxRetries     int `mapstructure:"maxRetries"`
	BackoffBase    int `mapstructure:"backoffBase"`
}

type SecretsConfig struct {
	EnvPrefix string `mapstructure:"envPrefix"`
}

// Load reads the configuration file (optional) and BATCHLOADER_* environment
// variables into a Config.
func Load(path string) (Config, error) {
	v := viper.New()
	// Every key gets a default so environment overrides are always visible
	// to Unmarshal.
	v.SetDefault("port", 8080)
	v.SetDefault("testMode", false)
	v.SetDefault("warehouse.dsn", "")
	v.SetDefault("warehouse.project", "")
	v.SetDefault("warehouse.dataset", "public")
	v.SetDefault("fetch.timeoutSeconds", 15)
	v.SetDefault("fetch.maxRetries", 3)
	v.SetDefault("fetch.backoffBase", 2)
	v.SetDefault("secrets.envPrefix", "BATCHLOADER_SECRET")

	v.SetEnvPrefix("BATCHLOADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigureLogging sets up the process-wide logger.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
}
