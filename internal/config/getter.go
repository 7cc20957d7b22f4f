package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const prefix = "EVENTWATCH"

var conf Config

// Parse reads the configuration file given as parameter.
func Parse(confFile string) (*Config, error) {
	setDefault()

	viper.SetEnvPrefix(prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	if len(confFile) > 0 {
		viper.SetConfigFile(confFile)

		err := viper.ReadInConfig()
		if err != nil {
			return &conf, fmt.Errorf("failed to read config file %v: %w", confFile, err)
		}
	}

	err := viper.Unmarshal(&conf)
	if err != nil {
		return &conf, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &conf, nil
}

// KafkaConfig returns kafka configuration.
// Passwords and sensitive information should be hidden with by implementing Stringer.
func KafkaConfig() Kafka {
	return conf.Sinks.Kafka
}

func setDefault() {
	viper.SetDefault("logs.level", 0)
	viper.SetDefault("logs.encoder", EncoderTypeConsole)
	viper.SetDefault("gracefulDuration", "30s")
	viper.SetDefault("metrics.port", 7777)
	viper.SetDefault("metrics.namespace", "eventwatch")
	viper.SetDefault("watchlist", "config.json")

	viper.SetDefault("watch.pollInterval", "10s")
	viper.SetDefault("watch.baseDelay", "1s")
	viper.SetDefault("watch.maxDelay", "5m")
	viper.SetDefault("watch.maxFailures", 10)

	viper.SetDefault("queue.size", 1024)
	viper.SetDefault("queue.grace", "1s")

	viper.SetDefault("reader.driver", ReaderDriverWMI)
	viper.SetDefault("reader.timeout", "30s")
	viper.SetDefault("reader.rateLimit", 20)
	viper.SetDefault("reader.burst", 5)
	viper.SetDefault("reader.wmi.namespace", `root\cimv2`)

	viper.SetDefault("sinks.console.enabled", true)
	viper.SetDefault("sinks.console.format", ConsoleFormatText)
	viper.SetDefault("sinks.kafka.broker.version", "3.6.0")
	viper.SetDefault("sinks.kafka.broker.creds.mechanism", "SCRAM-SHA-512")
	viper.SetDefault("sinks.valkey.stream", "eventwatch:notifications")
	viper.SetDefault("sinks.valkey.maxLen", 100000)
	viper.SetDefault("sinks.kube.namespace", "default")
	viper.SetDefault("sinks.kube.component", "eventwatch")
	viper.SetDefault("sinks.retry.maxAttempt", 3)
	viper.SetDefault("sinks.retry.delay", "500ms")

	viper.SetDefault("stats.enabled", true)
	viper.SetDefault("stats.interval", "6h")
	viper.SetDefault("stats.directory", ".")
}
