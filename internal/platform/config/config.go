// Package config holds process-level configuration bound from flags and the
// environment. Policy tables live in internal/ratelimit/config.
package config

import (
	"fmt"
	"strings"
	"time"

	"quotaguard/pkg/platform/middleware/metadata"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `help:"HTTP listen address" env:"QUOTAGUARD_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `name:"shutdown-timeout" help:"Graceful shutdown deadline" env:"QUOTAGUARD_SHUTDOWN_TIMEOUT" default:"10s"`
	LogLevel        string        `name:"log-level" help:"Log level" enum:"debug,info,warn,error" env:"LOG_LEVEL" default:"info"`
	LogFormat       string        `name:"log-format" help:"Log encoding" enum:"json,text" env:"LOG_FORMAT" default:"json"`
	JWTSigningKey   string        `name:"jwt-signing-key" help:"HMAC key used to verify bearer tokens" env:"JWT_SIGNING_KEY"`
	JWTIssuer       string        `name:"jwt-issuer" help:"Expected token issuer" env:"JWT_ISSUER" default:"quotaguard"`
	JWTAudience     string        `name:"jwt-audience" help:"Expected token audience" env:"JWT_AUDIENCE" default:"quotaguard-api"`
	TokenTTL        time.Duration `name:"token-ttl" help:"Lifetime of tokens issued by /auth/login" env:"QUOTAGUARD_TOKEN_TTL" default:"1h"`
	Accounts        []string      `help:"Login accounts as username:password[:tier]" env:"QUOTAGUARD_ACCOUNTS" sep:","`
	PolicyFile      string        `name:"policy-file" help:"YAML policy file merged over built-in defaults" env:"QUOTAGUARD_POLICY_FILE" type:"path"`

	// FingerprintSecret keys the anonymous client fingerprint HMAC.
	FingerprintSecret string `name:"fingerprint-secret" help:"HMAC key for anonymous client fingerprints" env:"FINGERPRINT_SECRET"`
	MetricsPath       string `name:"metrics-path" help:"Prometheus scrape path" env:"QUOTAGUARD_METRICS_PATH" default:"/metrics"`
	// TrustedProxies lists peers whose X-Forwarded-For is believed. Empty means
	// the socket address is always the client.
	TrustedProxies []string `name:"trusted-proxies" help:"CIDRs or addresses of proxies allowed to set forwarding headers" env:"QUOTAGUARD_TRUSTED_PROXIES" sep:","`

	Redis RedisConfig `embed:"" prefix:"redis-"`
	Kafka KafkaConfig `embed:"" prefix:"kafka-"`
}

// RedisConfig configures the counter store connection.
// An empty URL selects the in-memory store.
type RedisConfig struct {
	URL          string        `help:"Redis URL, empty for in-memory counters" env:"REDIS_URL"`
	PoolSize     int           `name:"pool-size" help:"Connection pool size" env:"REDIS_POOL_SIZE" default:"20"`
	MinIdleConns int           `name:"min-idle" help:"Minimum idle connections" env:"REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `name:"dial-timeout" env:"REDIS_DIAL_TIMEOUT" default:"2s"`
	ReadTimeout  time.Duration `name:"read-timeout" env:"REDIS_READ_TIMEOUT" default:"100ms"`
	WriteTimeout time.Duration `name:"write-timeout" env:"REDIS_WRITE_TIMEOUT" default:"100ms"`
}

// KafkaConfig configures the security event sink.
// No brokers disables publishing; events are still logged.
type KafkaConfig struct {
	Brokers []string `help:"Kafka seed brokers" env:"KAFKA_BROKERS" sep:","`
	Topic   string   `help:"Security event topic" env:"KAFKA_SECURITY_TOPIC" default:"quotaguard.security-events"`
}

// Validate checks cross-field constraints kong cannot express.
func (s Server) Validate() error {
	if strings.TrimSpace(s.Addr) == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	if !strings.HasPrefix(s.MetricsPath, "/") {
		return fmt.Errorf("metrics path must start with /")
	}
	if len(s.Accounts) > 0 && s.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required when accounts are configured")
	}
	if _, err := metadata.ParseTrustedProxies(s.TrustedProxies); err != nil {
		return err
	}
	if len(s.Kafka.Brokers) > 0 && s.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic is required when brokers are set")
	}
	if s.Redis.URL != "" && s.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis pool size must be positive")
	}
	return nil
}
