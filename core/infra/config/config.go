package config

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultEnvironment    = "prod"
	defaultRedisURL       = "redis://localhost:6379"
	defaultNATSURL        = "nats://localhost:4222"
	defaultGatewayWSURL   = "ws://localhost:8082/events"
	defaultActiveColorKey = "compilequeue:active-color"
	defaultQueueConfig    = "config/queues.yaml"
	defaultHTTPAddr       = ":8081"
	defaultGatewayAddr    = ":8082"
	defaultMetricsAddr    = ":9092"

	defaultRetries        = 1
	defaultCompileTimeout = 60 * time.Second
	defaultConnectTimeout = 5 * time.Second

	envEnvironmentName = "ENVIRONMENT_NAME"
	envRedisURL        = "REDIS_URL"
	envNATSURL         = "NATS_URL"
	envGatewayWSURL    = "EVENTS_GATEWAY_URL"
	envActiveColorKey  = "ACTIVE_COLOR_KEY"
	envQueueConfigPath = "QUEUE_CONFIG_PATH"
	envHTTPAddr        = "BRIDGE_HTTP_ADDR"
	envGatewayAddr     = "GATEWAY_WS_ADDR"
	envMetricsAddr     = "METRICS_ADDR"
	envRetries         = "COMPILATION_RETRIES"
	envCompileTimeout  = "COMPILATION_TIMEOUT"
	envConnectTimeout  = "WS_CONNECT_TIMEOUT"
)

// Config holds runtime configuration for the bridge components.
type Config struct {
	EnvironmentName string
	RedisURL        string
	NatsURL         string
	GatewayWSURL    string
	ActiveColorKey  string
	QueueConfigPath string
	HTTPAddr        string
	GatewayAddr     string
	MetricsAddr     string
	Retries         int
	CompileTimeout  time.Duration
	ConnectTimeout  time.Duration
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		EnvironmentName: getenv(envEnvironmentName, defaultEnvironment),
		RedisURL:        getenv(envRedisURL, defaultRedisURL),
		NatsURL:         getenv(envNATSURL, defaultNATSURL),
		GatewayWSURL:    getenv(envGatewayWSURL, defaultGatewayWSURL),
		ActiveColorKey:  getenv(envActiveColorKey, defaultActiveColorKey),
		QueueConfigPath: getenv(envQueueConfigPath, defaultQueueConfig),
		HTTPAddr:        getenv(envHTTPAddr, defaultHTTPAddr),
		GatewayAddr:     getenv(envGatewayAddr, defaultGatewayAddr),
		MetricsAddr:     getenv(envMetricsAddr, defaultMetricsAddr),
		Retries:         getenvInt(envRetries, defaultRetries),
		CompileTimeout:  getenvDuration(envCompileTimeout, defaultCompileTimeout),
		ConnectTimeout:  getenvDuration(envConnectTimeout, defaultConnectTimeout),
	}
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	// Accept both bare seconds and Go duration syntax.
	if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		return d
	}
	return fallback
}
