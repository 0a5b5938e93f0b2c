package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/route-negotiation/internal/config"
	"github.com/example/route-negotiation/internal/logging"
	"github.com/example/route-negotiation/internal/models"
	"github.com/example/route-negotiation/internal/routes"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total route update messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful route writes",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total route writes that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

var errInvalidMessage = errors.New("invalid route update")

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("route-consumer", cfg.LogLevel)

	rs := routes.NewRedisSource(cfg.RedisAddr, cfg.RedisPassword)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rs.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.RouteTopic, GroupID: cfg.Group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rs.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.RouteTopic, "brokers", cfg.KafkaBrokers, "group", cfg.Group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		msgsConsumed.Inc()

		err = handleMessage(ctx, rs, m.Value, cfg.RetryAttempts, cfg.RetryDelay)
		switch {
		case errors.Is(err, errInvalidMessage):
			msgsInvalid.Inc()
			logger.Warn("invalid message", "key", string(m.Key), "error", err)
		case err != nil:
			redisErrors.Inc()
			logger.Error("route write failed", "key", string(m.Key), "error", err)
		default:
			redisUpdates.Inc()
		}
	}
}

// handleMessage decodes and validates one route update, then stores it.
func handleMessage(ctx context.Context, w routes.Writer, value []byte, attempts int, delay time.Duration) error {
	var u models.RouteUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	route := u.Route(time.Now().UTC())
	if err := routes.Validate(route); err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	return storeRouteWithRetry(ctx, w, route, attempts, delay)
}

// storeRouteWithRetry writes the route, doubling delay between attempts.
func storeRouteWithRetry(ctx context.Context, w routes.Writer, r models.Route, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = w.Put(ctx, r); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

