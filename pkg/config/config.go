// Package config provides a reusable loader for the telemetry aggregator's
// configuration files and environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"telemetry-aggregator/pkg/utils"
)

// Config is the unified configuration for one aggregator process: the
// recognized aggregator options plus the transport and logging sections a
// complete deployment needs around them.
type Config struct {
	Aggregator struct {
		Denylist           []string      `mapstructure:"denylist" json:"denylist"`
		MaxQueueLen        int           `mapstructure:"max_queue_len" json:"max_queue_len"`
		MaxThirdPartyNodes int           `mapstructure:"max_third_party_nodes" json:"max_third_party_nodes"`
		UpdateEvery        time.Duration `mapstructure:"update_every" json:"update_every"`
		SendNodeData       bool          `mapstructure:"send_node_data" json:"send_node_data"`
		MetadataPath       string        `mapstructure:"metadata_path" json:"metadata_path"`
		FirstPartyChains   []string      `mapstructure:"first_party_chains" json:"first_party_chains"`
	} `mapstructure:"aggregator" json:"aggregator"`

	Transport struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"transport" json:"transport"`

	Metrics struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"metrics" json:"metrics"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func setDefaults() {
	viper.SetDefault("aggregator.max_queue_len", 10000)
	viper.SetDefault("aggregator.max_third_party_nodes", 500)
	viper.SetDefault("aggregator.update_every", time.Second)
	viper.SetDefault("aggregator.send_node_data", true)
	viper.SetDefault("transport.listen_addr", ":8000")
	viper.SetDefault("metrics.listen_addr", ":9090")
	viper.SetDefault("logging.level", "info")
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded. A
// missing default config file is not an error: every setting falls back to
// setDefaults or an AGGREGATOR_-prefixed environment variable.
func Load(env string) (*Config, error) {
	setDefaults()

	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("AGGREGATOR")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the AGGREGATOR_ENV environment
// variable to pick the environment-specific override file, if any.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("AGGREGATOR_ENV", ""))
}
