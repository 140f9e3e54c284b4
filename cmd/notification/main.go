// 通知サービスのエントリポイント。
// 通知を永続化し、WebSocketで接続中のユーザーへリアルタイムに配信する。
// 複数プロセスで動かす場合はFan-out Busでプロセス間の配信を中継する。
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/livenotify/internal/config"
	"github.com/nao1215/livenotify/internal/fanout"
	"github.com/nao1215/livenotify/internal/logging"
	"github.com/nao1215/livenotify/internal/notification"
	"github.com/nao1215/livenotify/internal/notification/registry"
	"github.com/nao1215/livenotify/internal/notification/store"
	"github.com/nao1215/livenotify/internal/telemetry"
	"github.com/nao1215/livenotify/pkg/middleware"
)

const (
	// serviceName はテレメトリで使用するサービス名。
	serviceName = "livenotify"
	// serviceTokenTTL はピアへの転送に使用するサービストークンの有効期間。
	serviceTokenTTL = 5 * time.Minute
	// telemetryShutdownTimeout はテレメトリの停止を待つ最大時間。
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("通知サービスが異常終了しました", zap.Error(err))
		os.Exit(1)
	}
}

// run は通知サービスを構成し、ctxが終了するまで実行する。
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger = logger.With(zap.String("instance_id", cfg.InstanceID))

	providers, err := telemetry.New(ctx, telemetry.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		ServiceName: serviceName,
		InstanceID:  cfg.InstanceID,
	})
	if err != nil {
		return fmt.Errorf("テレメトリの初期化に失敗: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("テレメトリの停止に失敗", zap.Error(err))
		}
	}()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("通知ストアのクローズに失敗", zap.Error(err))
		}
	}()

	bus, ingress, err := openBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("Fan-out Busのクローズに失敗", zap.Error(err))
		}
	}()

	reg := registry.New()
	metrics, err := notification.NewMetrics(providers.MeterProvider, reg)
	if err != nil {
		return fmt.Errorf("メトリクスの初期化に失敗: %w", err)
	}
	defer func() { _ = metrics.Close() }()

	svc := notification.NewService(cfg.InstanceID, st, reg, bus,
		notification.WithLogger(logger),
		notification.WithMetrics(metrics),
		notification.WithTracerProvider(providers.TracerProvider),
		notification.WithLoggerProvider(providers.LoggerProvider),
		notification.WithFanoutTimeout(cfg.FanoutTimeout),
	)
	defer svc.Wait()

	sessions := notification.NewSessionHandler(svc, notification.SessionConfig{
		RegistrationTimeout: cfg.RegistrationTimeout,
		IdleTimeout:         cfg.IdleTimeout,
		PingInterval:        cfg.PingInterval,
		SendBuffer:          cfg.SendBuffer,
		AllowedOrigins:      cfg.AllowedOriginList(),
		JWTSecret:           cfg.JWTSecret,
		RequireToken:        cfg.RequireToken,
	}, logger)

	sweeper := notification.NewSweeper(st, cfg.Retention, cfg.SweepInterval, metrics, logger)

	server := notification.NewServer(notification.ServerConfig{
		Port:           cfg.Port,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOriginList(),
	}, svc, sessions, sweeper, ingress, logger)

	logger.Info("通知サービスを起動します",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.String("bus", cfg.BusDriver),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		if err := bus.Run(gctx, svc.HandleBusEvent); err != nil {
			return fmt.Errorf("Fan-out Busの受信に失敗: %w", err)
		}
		return nil
	})
	sweeper.Start(gctx)
	defer sweeper.Stop()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("通知サービスを停止しました")
	return nil
}

// openStore は設定に応じた通知ストアを開く。
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("PostgreSQLストアの初期化に失敗: %w", err)
		}
		return st, nil
	default:
		st, err := store.NewSQLiteStore(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("SQLiteストアの初期化に失敗: %w", err)
		}
		return st, nil
	}
}

// openBus は設定に応じたFan-out Busを開く。
// HTTPPeerBusの場合はピアからのイベントの受け口も返す。
func openBus(ctx context.Context, cfg *config.Config, logger *zap.Logger) (fanout.Bus, notification.EventReceiver, error) {
	switch cfg.BusDriver {
	case config.BusHTTP:
		bus := fanout.NewHTTPPeerBus(fanout.HTTPPeerBusConfig{
			PeerURLs: cfg.PeerURLList(),
			TokenSource: func() (string, error) {
				return middleware.GenerateServiceToken(cfg.JWTSecret, serviceName+":"+cfg.InstanceID, serviceTokenTTL)
			},
			Timeout: cfg.FanoutTimeout,
		}, logger)
		return bus, bus, nil
	case config.BusPostgres:
		bus, err := fanout.NewPostgresBus(ctx, cfg.DatabaseURL, cfg.NotifyChannel, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("PostgreSQL Fan-out Busの初期化に失敗: %w", err)
		}
		return bus, nil, nil
	default:
		// 単一プロセスの構成では自プロセスのイベントしか流れないため、実質的に中継しない。
		return fanout.NewMemoryBroker(0, logger).NewBus(), nil, nil
	}
}
