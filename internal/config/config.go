package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the message router.
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// Queue configuration (embedded NATS, external NATS, or SQS)
	Queue QueueConfig

	// Mediator configuration for outbound HTTP delivery
	Mediator MediatorConfig

	// Pools is the static set of process pools to reconcile at startup.
	// An empty list means pools are created lazily as messages reference
	// codes the manager hasn't seen yet, each with the default config.
	Pools []PoolSpec

	// Data directory for embedded services
	DataDir string

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// QueueConfig holds queue configuration
type QueueConfig struct {
	Type string // "embedded", "nats", "sqs"

	NATS NATSConfig
	SQS  SQSConfig
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL     string
	DataDir string
}

// SQSConfig holds AWS SQS configuration
type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// MediatorConfig holds outbound HTTP delivery configuration.
type MediatorConfig struct {
	TimeoutSeconds int
	MaxRetries     int
}

// PoolSpec is the static configuration for one process pool, read from
// environment/file config and handed to manager.QueueManager.ConfigurePools
// at startup. It mirrors manager.PoolConfig field-for-field so main can
// translate without the config package depending on the manager package.
type PoolSpec struct {
	Code               string
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute *int
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "embedded"),
			NATS: NATSConfig{
				URL:     getEnv("NATS_URL", "nats://localhost:4222"),
				DataDir: getEnv("NATS_DATA_DIR", "./data/nats"),
			},
			SQS: SQSConfig{
				QueueURL:          getEnv("SQS_QUEUE_URL", ""),
				Region:            getEnv("AWS_REGION", "us-east-1"),
				WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			},
		},

		Mediator: MediatorConfig{
			TimeoutSeconds: getEnvInt("MEDIATOR_TIMEOUT_SECONDS", 900),
			MaxRetries:     getEnvInt("MEDIATOR_MAX_RETRIES", 3),
		},

		Pools: parsePoolSpecs(getEnv("ROUTER_POOLS", "")),

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("FLOWCATALYST_DEV", false),
	}

	return cfg, nil
}

// parsePoolSpecs parses ROUTER_POOLS, a comma-separated list of
// code:concurrency:queueCapacity[:rateLimitPerMinute] entries, e.g.
// "billing:4:100,notifications:2:50:120". Malformed entries are skipped;
// an empty string yields no static pools (the manager creates them lazily
// on first message with default settings).
func parsePoolSpecs(raw string) []PoolSpec {
	if raw == "" {
		return nil
	}

	var specs []PoolSpec
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, ":")
		if len(fields) < 3 {
			continue
		}
		concurrency, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		queueCapacity, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		spec := PoolSpec{
			Code:          fields[0],
			Concurrency:   concurrency,
			QueueCapacity: queueCapacity,
		}
		if len(fields) >= 4 {
			if rl, err := strconv.Atoi(fields[3]); err == nil {
				spec.RateLimitPerMinute = &rl
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
