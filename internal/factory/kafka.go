package factory

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/IBM/sarama"

	"github.com/eventwatch/eventwatch/internal/common"
	"github.com/eventwatch/eventwatch/internal/config"
	"github.com/eventwatch/eventwatch/internal/sink/kafka"
)

func CreateKafkaProducer(kafkaConfig config.Kafka) (sarama.SyncProducer, common.CloseFunc, error) {
	conf, err := createKafkaConfig(kafkaConfig)
	if err != nil {
		return nil, nil, err
	}

	// Kafka URLs
	urls := strings.Split(kafkaConfig.Broker.URLs, ",")

	ret, err := sarama.NewSyncProducer(urls, conf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	shutdown := func(context.Context) error {
		return ret.Close()
	}

	return ret, shutdown, nil
}

func createKafkaConfig(kafkaConfig config.Kafka) (*sarama.Config, error) {
	conf := sarama.NewConfig()

	// mandatory configuration for sync producers
	conf.Producer.Return.Successes = true
	conf.Producer.Return.Errors = true

	// acks from every in-sync replica, a single producer-level retry
	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Producer.Retry.Max = 1

	// clientID
	conf.ClientID = computeClientID(kafkaConfig.Topic)

	// kafka version
	version, err := sarama.ParseKafkaVersion(kafkaConfig.Broker.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to parse kafka version: %w", err)
	}

	conf.Version = version

	// SASL
	creds := kafkaConfig.Broker.Creds
	if creds.User != "" {
		mechanism := sarama.SASLMechanism(creds.Mechanism)

		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = creds.User
		conf.Net.SASL.Password = creds.Password
		conf.Net.SASL.Mechanism = mechanism

		switch mechanism {
		case sarama.SASLTypePlaintext:
		case sarama.SASLTypeSCRAMSHA256, sarama.SASLTypeSCRAMSHA512:
			conf.Net.SASL.SCRAMClientGeneratorFunc = kafka.NewSCRAMClientGenerator(mechanism)
		default:
			return nil, fmt.Errorf("unsupported sasl mechanism %v", creds.Mechanism)
		}
	}

	err = conf.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid kafka configuration: %w", err)
	}

	return conf, nil
}

func computeClientID(topic string) string {
	prefix, err := os.Hostname()
	if err != nil {
		prefix = fmt.Sprintf("clientid-%v", topic)
	}

	return fmt.Sprintf("%s-%x", prefix, rand.Int31())
}
