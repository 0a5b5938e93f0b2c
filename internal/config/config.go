package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables with defaults that let the
// binary run locally on in-memory stores.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RouteIndexTTL time.Duration

	PGDSN         string
	RunMigrations bool
	MigrationsDir string

	KafkaBrokers         []string
	KafkaAssignmentTopic string
	AMQPURL              string
	AMQPExchange         string
	AssignmentWebhookURL string

	OSRMEndpoint       string
	MatchMaxDistanceKm float64
	FareBase           decimal.Decimal
	FarePerKm          decimal.Decimal
	EstimateCacheTTL   time.Duration

	LockAttempts   int
	LockBackoff    time.Duration
	LockMaxBackoff time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
	JWTSecret      string
	CORSOrigins    []string

	LogLevel string
}

// ConsumerConfig configures the route ingestion consumer.
type ConsumerConfig struct {
	KafkaBrokers  []string
	RouteTopic    string
	Group         string
	RedisAddr     string
	RedisPassword string
	MetricsAddr   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func serverDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_READ_TIMEOUT", 5*time.Second)
	v.SetDefault("HTTP_WRITE_TIMEOUT", 10*time.Second)
	v.SetDefault("HTTP_IDLE_TIMEOUT", 120*time.Second)
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("ROUTE_INDEX_TTL", 30*time.Second)
	v.SetDefault("MIGRATE", false)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("KAFKA_ASSIGNMENT_TOPIC", "ride-assignments")
	v.SetDefault("AMQP_EXCHANGE", "assignments")
	v.SetDefault("MATCH_MAX_DISTANCE_KM", 10.0)
	v.SetDefault("FARE_BASE", "100")
	v.SetDefault("FARE_PER_KM", "50")
	v.SetDefault("ESTIMATE_CACHE_TTL", 10*time.Minute)
	v.SetDefault("LOCK_ATTEMPTS", 5)
	v.SetDefault("LOCK_BACKOFF", 10*time.Millisecond)
	v.SetDefault("LOCK_MAX_BACKOFF", 200*time.Millisecond)
	v.SetDefault("RATE_LIMIT_RPS", 50.0)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("LOG_LEVEL", "info")
}

func LoadServerConfig() (ServerConfig, error) {
	v := viper.New()
	v.AutomaticEnv()
	serverDefaults(v)
	l := &loader{v: v}

	cfg := ServerConfig{
		HTTPAddr:        l.str("HTTP_ADDR"),
		ReadTimeout:     l.duration("HTTP_READ_TIMEOUT"),
		WriteTimeout:    l.duration("HTTP_WRITE_TIMEOUT"),
		IdleTimeout:     l.duration("HTTP_IDLE_TIMEOUT"),
		ShutdownTimeout: l.duration("HTTP_SHUTDOWN_TIMEOUT"),

		RedisAddr:     l.str("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RouteIndexTTL: l.duration("ROUTE_INDEX_TTL"),

		PGDSN:         v.GetString("PG_DSN"),
		RunMigrations: l.boolean("MIGRATE"),
		MigrationsDir: l.str("MIGRATIONS_DIR"),

		KafkaBrokers:         splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaAssignmentTopic: l.str("KAFKA_ASSIGNMENT_TOPIC"),
		AMQPURL:              l.str("AMQP_URL"),
		AMQPExchange:         l.str("AMQP_EXCHANGE"),
		AssignmentWebhookURL: l.str("ASSIGNMENT_WEBHOOK_URL"),

		OSRMEndpoint:       l.str("OSRM_ENDPOINT"),
		MatchMaxDistanceKm: l.float("MATCH_MAX_DISTANCE_KM"),
		FareBase:           l.money("FARE_BASE"),
		FarePerKm:          l.money("FARE_PER_KM"),
		EstimateCacheTTL:   l.duration("ESTIMATE_CACHE_TTL"),

		LockAttempts:   l.integer("LOCK_ATTEMPTS"),
		LockBackoff:    l.duration("LOCK_BACKOFF"),
		LockMaxBackoff: l.duration("LOCK_MAX_BACKOFF"),

		RateLimitRPS:   l.float("RATE_LIMIT_RPS"),
		RateLimitBurst: l.integer("RATE_LIMIT_BURST"),
		JWTSecret:      v.GetString("JWT_SECRET"),
		CORSOrigins:    splitAndTrim(v.GetString("CORS_ORIGINS")),

		LogLevel: strings.ToLower(l.str("LOG_LEVEL")),
	}

	if cfg.MatchMaxDistanceKm <= 0 {
		l.errs = append(l.errs, fmt.Errorf("MATCH_MAX_DISTANCE_KM must be > 0"))
	}
	if cfg.LockAttempts <= 0 {
		l.errs = append(l.errs, fmt.Errorf("LOCK_ATTEMPTS must be > 0"))
	}
	if cfg.FarePerKm.IsNegative() {
		l.errs = append(l.errs, fmt.Errorf("FARE_PER_KM must be >= 0"))
	}
	if cfg.RateLimitRPS < 0 || cfg.RateLimitBurst < 0 {
		l.errs = append(l.errs, fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be >= 0"))
	}

	return cfg, errors.Join(l.errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_ROUTE_TOPIC", "driver-routes")
	v.SetDefault("KAFKA_GROUP", "route-consumer")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("METRICS_ADDR", ":2112")
	v.SetDefault("CONSUMER_RETRY_ATTEMPTS", 3)
	v.SetDefault("CONSUMER_RETRY_DELAY", 200*time.Millisecond)
	v.SetDefault("LOG_LEVEL", "info")
	l := &loader{v: v}

	cfg := ConsumerConfig{
		KafkaBrokers:  splitAndTrim(v.GetString("KAFKA_BROKERS")),
		RouteTopic:    l.str("KAFKA_ROUTE_TOPIC"),
		Group:         l.str("KAFKA_GROUP"),
		RedisAddr:     l.str("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		MetricsAddr:   l.str("METRICS_ADDR"),
		RetryAttempts: l.integer("CONSUMER_RETRY_ATTEMPTS"),
		RetryDelay:    l.duration("CONSUMER_RETRY_DELAY"),
		LogLevel:      strings.ToLower(l.str("LOG_LEVEL")),
	}
	if len(cfg.KafkaBrokers) == 0 {
		l.errs = append(l.errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.RetryAttempts <= 0 {
		l.errs = append(l.errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(l.errs...)
}

// loader reads typed values and collects every parse error instead of
// stopping at the first.
type loader struct {
	v    *viper.Viper
	errs []error
}

func (l *loader) fail(key string, err error) {
	l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
}

func (l *loader) str(key string) string {
	return strings.TrimSpace(l.v.GetString(key))
}

func (l *loader) duration(key string) time.Duration {
	d, err := cast.ToDurationE(l.v.Get(key))
	if err != nil {
		l.fail(key, err)
	}
	return d
}

func (l *loader) float(key string) float64 {
	f, err := cast.ToFloat64E(l.v.Get(key))
	if err != nil {
		l.fail(key, err)
	}
	return f
}

func (l *loader) integer(key string) int {
	i, err := cast.ToIntE(l.v.Get(key))
	if err != nil {
		l.fail(key, err)
	}
	return i
}

func (l *loader) boolean(key string) bool {
	b, err := cast.ToBoolE(l.v.Get(key))
	if err != nil {
		l.fail(key, err)
	}
	return b
}

func (l *loader) money(key string) decimal.Decimal {
	d, err := decimal.NewFromString(l.str(key))
	if err != nil {
		l.fail(key, err)
	}
	return d
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
