package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	kafkago "github.com/segmentio/kafka-go"

	"go-overflow/internal/observability"
	"go-overflow/pkg/blobstore"
	"go-overflow/pkg/blobstore/s3"
	"go-overflow/pkg/fallback"
	"go-overflow/pkg/kafka"
)

type Config struct {
	Kafka    KafkaConfig
	Logging  LoggingConfig
	Consumer ConsumerConfig
	Fallback FallbackConfig
	Metrics  MetricsConfig
}

type KafkaConfig struct {
	Brokers         []string `validate:"required,min=1,dive,hostname_port"`
	Topic           string
	GroupID         string `validate:"required_with=Topic"`
	MaxMessageBytes int    `validate:"gte=0"`
	Compression     string `validate:"omitempty,oneof=none gzip snappy lz4 zstd"`
	Acks            int    `validate:"oneof=-1 1"`
	Retries         int    `validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `validate:"oneof=trace debug info warn warning error fatal panic"`
}

type ConsumerConfig struct {
	Workers         int           `validate:"gte=1,lte=256"`
	HandlerTimeout  time.Duration `validate:"gte=0"`
	ShutdownTimeout time.Duration `validate:"gte=0"`
}

// FallbackConfig configures moving large message bodies to S3.
type FallbackConfig struct {
	Enabled              bool
	ByteThreshold        int    `validate:"gte=0"`
	Bucket               string `validate:"required_if=Enabled true"`
	ReadBucket           string
	KeyPrefix            string
	Region               string
	Endpoint             string `validate:"omitempty,url"`
	ForcePathStyle       bool
	AccessKeyID          string
	SecretAccessKey      string `validate:"required_with=AccessKeyID"`
	StorageClass         string
	ServerSideEncryption string
	Compression          string `validate:"oneof=none zstd lz4"`
	UploadAttempts       int    `validate:"gte=1"`
}

type MetricsConfig struct {
	Addr string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		observability.GetLogger().Debug(".env file not found, using environment only")
	}

	cfg := &Config{
		Kafka: KafkaConfig{
			Brokers:         parseBrokers(getEnv("KAFKA_BROKERS", "localhost:9092")),
			Topic:           getEnv("KAFKA_TOPIC", "events"),
			GroupID:         getEnv("KAFKA_GROUP_ID", "event-processor-group"),
			MaxMessageBytes: getEnvBytes("KAFKA_MAX_MESSAGE_BYTES", kafka.DefaultMaxMessageBytes),
			Compression:     strings.ToLower(getEnv("KAFKA_COMPRESSION", "none")),
			Acks:            parseAcks(getEnv("KAFKA_PRODUCER_ACKS", "all")),
			Retries:         getEnvInt("KAFKA_PRODUCER_RETRIES", 10),
		},
		Logging: LoggingConfig{
			Level: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		},
		Consumer: ConsumerConfig{
			Workers:         getEnvInt("CONSUMER_WORKERS", 5),
			HandlerTimeout:  getEnvDuration("CONSUMER_HANDLER_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("CONSUMER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Fallback: FallbackConfig{
			Enabled:              getEnvBool("S3_FALLBACK_ENABLED", false),
			ByteThreshold:        getEnvBytes("S3_FALLBACK_BYTE_THRESHOLD", fallback.DefaultByteThreshold),
			Bucket:               getEnv("S3_FALLBACK_BUCKET", ""),
			ReadBucket:           getEnv("S3_FALLBACK_READ_BUCKET", ""),
			KeyPrefix:            getEnv("S3_FALLBACK_KEY_PREFIX", ""),
			Region:               getEnv("S3_FALLBACK_REGION", ""),
			Endpoint:             getEnv("S3_FALLBACK_ENDPOINT", ""),
			ForcePathStyle:       getEnvBool("S3_FALLBACK_FORCE_PATH_STYLE", false),
			AccessKeyID:          getEnv("S3_FALLBACK_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("S3_FALLBACK_SECRET_ACCESS_KEY", ""),
			StorageClass:         getEnv("S3_FALLBACK_STORAGE_CLASS", ""),
			ServerSideEncryption: getEnv("S3_FALLBACK_SSE", ""),
			Compression:          strings.ToLower(getEnv("S3_FALLBACK_COMPRESSION", "none")),
			UploadAttempts:       getEnvInt("S3_FALLBACK_UPLOAD_ATTEMPTS", 3),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// KafkaTransport returns the transport config. With input false the transport is
// send-only.
func (c *Config) KafkaTransport(input bool) kafka.Config {
	cfg := kafka.Config{
		Brokers:         c.Kafka.Brokers,
		MaxMessageBytes: c.Kafka.MaxMessageBytes,
		Compression:     parseCompression(c.Kafka.Compression),
		RequiredAcks:    kafkago.RequiredAcks(c.Kafka.Acks),
		MaxAttempts:     c.Kafka.Retries,
	}
	if input {
		cfg.Topic = c.Kafka.Topic
		cfg.GroupID = c.Kafka.GroupID
	}
	return cfg
}

// FallbackOptions maps the S3_FALLBACK_* settings onto fallback.Options.
func (c *Config) FallbackOptions() fallback.Options {
	opts := fallback.DefaultOptions()
	opts.Enabled = c.Fallback.Enabled
	opts.ByteThreshold = c.Fallback.ByteThreshold
	opts.KeyPrefix = c.Fallback.KeyPrefix
	opts.Compression = fallback.Compression(c.Fallback.Compression)
	opts.UploadRetry.MaxAttempts = c.Fallback.UploadAttempts
	opts.Store = c.S3()
	return opts
}

func (c *Config) S3() s3.Config {
	return s3.Config{
		Region:          c.Fallback.Region,
		Endpoint:        c.Fallback.Endpoint,
		ForcePathStyle:  c.Fallback.ForcePathStyle,
		AccessKeyID:     c.Fallback.AccessKeyID,
		SecretAccessKey: c.Fallback.SecretAccessKey,
		Upload: blobstore.UploadTemplate{
			Bucket:               c.Fallback.Bucket,
			StorageClass:         c.Fallback.StorageClass,
			ServerSideEncryption: c.Fallback.ServerSideEncryption,
			ContentType:          "application/octet-stream",
		},
		Read: blobstore.ReadTemplate{
			Bucket: c.Fallback.ReadBucket,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBytes accepts plain byte counts and sizes like "200kB" or "1MiB".
func getEnvBytes(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := humanize.ParseBytes(value); err == nil {
			return int(n)
		}
		observability.WithField("key", key).Warnf("Invalid byte size %q, using %s", value, humanize.Bytes(uint64(defaultValue)))
	}
	return defaultValue
}

func parseBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	result := make([]string, 0, len(parts))
	for _, broker := range parts {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseAcks(acks string) int {
	switch strings.ToLower(acks) {
	case "all", "-1":
		return -1
	case "0":
		return 0
	case "1":
		return 1
	default:
		return -1 // default to all
	}
}

func parseCompression(name string) kafkago.Compression {
	switch name {
	case "gzip":
		return kafkago.Gzip
	case "snappy":
		return kafkago.Snappy
	case "lz4":
		return kafkago.Lz4
	case "zstd":
		return kafkago.Zstd
	default:
		return 0
	}
}
