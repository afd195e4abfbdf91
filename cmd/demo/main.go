// Command demo wires a Producer to an in-memory BatchSender and enqueues a
// handful of entries across a few queues, so the batching and flush timing
// behaviour can be observed end to end without a real queue service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/conveyorhq/batchq"
	"github.com/conveyorhq/batchq/alerting"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	Env          string
	LogLevel     string
	SentryDSN    string
	SlackToken   string
	SlackChannel string
}

func main() {
	godotenv.Load()

	config := &Config{
		Env:          getEnvWithDefault("APP_ENV", "development"),
		LogLevel:     getEnvWithDefault("LOG_LEVEL", "info"),
		SentryDSN:    os.Getenv("SENTRY_DSN"),
		SlackToken:   os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel: os.Getenv("SLACK_ALERT_CHANNEL"),
	}
	setupLogging(config)

	if config.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: config.SentryDSN, Environment: config.Env}); err != nil {
			log.Warn().Err(err).Msg("sentry init failed, continuing without error capture")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	alertSvc := alerting.NewService()
	if config.SlackToken != "" && config.SlackChannel != "" {
		alertSvc.AddChannel(alerting.NewSlackChannel(config.SlackToken, config.SlackChannel))
		log.Info().Msg("slack alert channel configured")
	}

	cfg := batchq.DefaultGlobalConfig()
	cfg.DefaultBatchInterval = 2 * time.Second
	cfg.DefaultIdleTimeout = 300 * time.Millisecond
	cfg = batchq.ApplyOptions(cfg,
		batchq.WithNamespace("demo-"),
		batchq.WithGroupBatchInterval("notifications", 500*time.Millisecond),
		batchq.WithGroupSendRateLimit("audit-log", 5),
	)

	sender := &logSender{}
	producer := batchq.NewProducer(cfg, sender, prometheus.DefaultRegisterer, alertSvc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seedDemoEntries(producer)

	<-ctx.Done()
	log.Info().Msg("shutting down, draining outstanding batches")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := producer.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("producer did not shut down cleanly")
	}
}

func seedDemoEntries(p *batchq.Producer) {
	queues := []string{"orders", "notifications", "audit-log"}
	for _, q := range queues {
		for i := 0; i < 12; i++ {
			body := fmt.Sprintf("%s entry %d", q, i)
			if err := p.Enqueue(q, batchq.Entry{Body: body}); err != nil {
				log.Warn().Err(err).Str("queue", q).Msg("enqueue rejected")
			}
		}
	}
}

// logSender is a minimal BatchSender that logs what it would have sent,
// standing in for a real SQS/compatible client in this demo binary.
type logSender struct {
	mu   sync.Mutex
	sent int
}

func (s *logSender) Send(ctx context.Context, queueName string, entries []batchq.Entry) (batchq.SendResult, error) {
	s.mu.Lock()
	s.sent += len(entries)
	s.mu.Unlock()

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	log.Info().Str("queue", queueName).Int("count", len(entries)).Msg("sent batch")
	return batchq.SendResult{Succeeded: ids}, nil
}

func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "batchq-demo").
			Logger()
	}
}
