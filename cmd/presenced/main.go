package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/companion-matching/internal/config"
	"github.com/example/companion-matching/internal/logging"
	"github.com/example/companion-matching/internal/models"
	"github.com/example/companion-matching/internal/observability"
	"github.com/example/companion-matching/internal/presence"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presenced_messages_consumed_total",
		Help: "Total traveler location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presenced_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	presenceUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presenced_presence_updates_total",
		Help: "Total successful presence updates",
	})
	presenceErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presenced_presence_errors_total",
		Help: "Total presence update errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, presenceUpdates, presenceErrors)
}

// PresenceUpdater is the subset of presence store operations presenced
// needs, separated out so the retry and sweep loops are testable.
type PresenceUpdater interface {
	UpdateLocation(ctx context.Context, travelerID, cohortTag string, c models.Coordinate) error
	Stale(ctx context.Context, cohortTag string) ([]models.ActiveRecord, error)
	Delete(ctx context.Context, travelerID, cohortTag string) error
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("info").Error("invalid configuration", "error", err.Error())
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})
	store := presence.NewRedisStoreWithClient(rc, cfg.PresenceStaleAfter)

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err.Error())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepLoop(ctx, store, cfg.SweepCohorts, cfg.SweepInterval, logger)

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = store.Close()
	}()

	logger.Info("presenced consuming", "topic", cfg.KafkaTopic, "brokers", brokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down presenced")
				return
			}
			logger.Warn("kafka read error", "error", err.Error(), "backoff", backoff.String())
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var report models.LocationReport
		if err := json.Unmarshal(m.Value, &report); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err.Error())
			continue
		}
		if report.TravelerID == "" || report.CohortTag == "" {
			msgsInvalid.Inc()
			continue
		}

		if err := updatePresenceWithRetry(ctx, store, report, 3, 200*time.Millisecond); err != nil {
			presenceErrors.Inc()
			logger.Warn("presence update failed", "traveler_id", report.TravelerID, "error", err.Error())
			continue
		}
		presenceUpdates.Inc()
	}
}

// updatePresenceWithRetry refreshes a traveler's published coordinate
// with retry and backoff. A missing record is terminal, not retryable:
// the traveler went offline after this report was produced.
func updatePresenceWithRetry(ctx context.Context, store PresenceUpdater, report models.LocationReport, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		err := store.UpdateLocation(ctx, report.TravelerID, report.CohortTag, report.Coord)
		if err == nil {
			return nil
		}
		if errors.Is(err, presence.ErrRecordNotFound) {
			return nil
		}
		if i == attempts-1 {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return nil
}

// sweepLoop periodically deletes records that outlived the freshness
// window, covering travelers whose client died without going offline.
func sweepLoop(ctx context.Context, store PresenceUpdater, cohorts []string, interval time.Duration, logger *slog.Logger) {
	if len(cohorts) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, cohort := range cohorts {
				swept := sweepCohort(ctx, store, cohort, logger)
				if swept > 0 {
					logger.Info("swept stale records", "cohort", cohort, "count", swept)
				}
			}
		}
	}
}

func sweepCohort(ctx context.Context, store PresenceUpdater, cohort string, logger *slog.Logger) int {
	stale, err := store.Stale(ctx, cohort)
	if err != nil {
		logger.Warn("stale scan failed", "cohort", cohort, "error", err.Error())
		return 0
	}
	swept := 0
	for _, rec := range stale {
		if err := store.Delete(ctx, rec.TravelerID, rec.CohortTag); err != nil {
			logger.Warn("stale delete failed", "traveler_id", rec.TravelerID, "error", err.Error())
			continue
		}
		observability.StaleRecordsSweptTotal.Inc()
		swept++
	}
	return swept
}
