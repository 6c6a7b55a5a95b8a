package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pegbridge/pegbridge/config"
	"github.com/pegbridge/pegbridge/internal/engine"
	"github.com/pegbridge/pegbridge/internal/logger"
	"github.com/pegbridge/pegbridge/internal/mq"
	"github.com/pegbridge/pegbridge/internal/observer"
	"github.com/pegbridge/pegbridge/internal/store"
	"github.com/pegbridge/pegbridge/internal/store/memory"
	"github.com/pegbridge/pegbridge/internal/store/postgresql"
	"github.com/pegbridge/pegbridge/internal/tracing"
)

func main() {
	err := run()
	if err != nil {
		log.Fatalf("failed to run coordinator: %v", err)
	}

	os.Exit(0)
}

func run() error {
	configDir := flag.String("config", "", "path to configuration directory")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		return fmt.Errorf("failed to load app config: %w", err)
	}

	appLogger, err := logger.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to create logger: %v", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get host name: %v", err)
	}
	appLogger = appLogger.With(slog.String("host", hostname))

	go func() {
		if cfg.ProfilerAddr != "" {
			appLogger.Info(fmt.Sprintf("Starting profiler on http://%s/debug/pprof", cfg.ProfilerAddr))

			err := http.ListenAndServe(cfg.ProfilerAddr, nil)
			if err != nil {
				appLogger.Error("failed to start profiler server", slog.String("err", err.Error()))
			}
		}
	}()

	go func() {
		if cfg.PrometheusAddr != "" {
			appLogger.Info("Starting prometheus", slog.String("endpoint", cfg.PrometheusEndpoint))
			http.Handle(cfg.PrometheusEndpoint, promhttp.Handler())
			err := http.ListenAndServe(cfg.PrometheusAddr, nil)
			if err != nil {
				appLogger.Error("failed to start prometheus server", slog.String("err", err.Error()))
			}
		}
	}()

	var storeOpts []func(*postgresql.PostgreSQL)
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		cleanup, err := tracing.Enable(appLogger, "pegbridge", cfg.Tracing.DialAddr)
		if err != nil {
			appLogger.Error("failed to enable tracing", slog.String("err", err.Error()))
		} else {
			defer cleanup()
		}
		storeOpts = append(storeOpts, postgresql.WithTracer(attribute.String("hostname", hostname)))
	}

	coordinatorStore, err := newStore(cfg.Db, storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to create coordinator store: %w", err)
	}
	defer coordinatorStore.Close()

	mqClient, err := mq.Connect(cfg.QueueURL, appLogger)
	if err != nil {
		return err
	}
	defer mqClient.Shutdown()

	eng := engine.New(appLogger, coordinatorStore, cfg.Coordinator, mqClient)

	err = attachFeeds(appLogger, eng, mqClient)
	if err != nil {
		return err
	}

	err = attachVoteFeed(appLogger, eng, mqClient)
	if err != nil {
		return err
	}

	err = eng.Start()
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-signalChan
	appLogger.Info("Shutting down", slog.String("signal", sig.String()))

	eng.Shutdown()
	return nil
}

func newStore(dbConfig *config.DbConfig, opts ...func(*postgresql.PostgreSQL)) (store.CoordinatorStore, error) {
	switch dbConfig.Mode {
	case "postgres":
		postgres := dbConfig.Postgres
		dbInfo := fmt.Sprintf(
			"user=%s password=%s dbname=%s host=%s port=%d sslmode=%s",
			postgres.User, postgres.Password, postgres.Name, postgres.Host, postgres.Port, postgres.SslMode,
		)
		s, err := postgresql.New(dbInfo, postgres.MaxIdleConns, postgres.MaxOpenConns, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres DB: %w", err)
		}
		err = s.Migrate()
		if err != nil {
			return nil, fmt.Errorf("failed to migrate postgres DB: %w", err)
		}
		return s, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("db mode %s is invalid", dbConfig.Mode)
	}
}

// attachVoteFeed subscribes the inbound signer-vote topic and routes each
// vote through the quorum surface.
func attachVoteFeed(appLogger *slog.Logger, eng *engine.Engine, mqClient *mq.Client) error {
	err := mqClient.Subscribe(mq.TopicSignerVotes, func(data []byte) error {
		key, signerPubKey, accept, err := engine.DecodeVote(data)
		if err != nil {
			return fmt.Errorf("failed to decode vote: %w", err)
		}

		outcome, err := eng.SubmitVote(context.Background(), key, signerPubKey, accept)
		if err != nil {
			return err
		}

		appLogger.Debug("vote processed",
			slog.String("request", key.Key()),
			slog.String("signer", signerPubKey),
			slog.String("outcome", string(outcome)))
		return nil
	})
	if err != nil {
		return err
	}

	appLogger.Info("Attached vote feed", slog.String("topic", mq.TopicSignerVotes))
	return nil
}

// attachFeeds subscribes one channel feed per chain on the block topics.
func attachFeeds(appLogger *slog.Logger, eng *engine.Engine, mqClient *mq.Client) error {
	topics := map[store.Chain]string{
		store.ChainBitcoin: mq.TopicBitcoinBlocks,
		store.ChainStacks:  mq.TopicStacksBlocks,
	}

	for chain, topic := range topics {
		feed := observer.NewChannelFeed(16)
		eng.AttachFeed(chain, feed)

		err := mqClient.Subscribe(topic, func(data []byte) error {
			ev, err := observer.DecodeBlockEvent(data, chain)
			if err != nil {
				return fmt.Errorf("failed to decode block event: %w", err)
			}
			feed.Push(ev)
			return nil
		})
		if err != nil {
			return err
		}

		appLogger.Info("Attached block feed", slog.String("chain", string(chain)), slog.String("topic", topic))
	}

	return nil
}
