package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"veo-messaging/internal/api/handler"
	"veo-messaging/internal/api/router"
	"veo-messaging/internal/config"
	appLogger "veo-messaging/internal/logger"
	"veo-messaging/internal/outbox"
	"veo-messaging/internal/storage"
	"veo-messaging/internal/tracing"
)

var (
	version     = "1.0.0"         //nolint:gochecknoglobals
	serviceName = "veo-messaging" //nolint:gochecknoglobals
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "Path to config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	initLogger(cfg.Logger)
	appLogger.Info().Str("service", serviceName).Str("version", version).Msg("配置加载成功")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("初始化追踪失败")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			appLogger.Warn().Err(err).Msg("关闭追踪失败")
		}
	}()

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("初始化存储失败")
	}
	defer func() {
		if err := storageManager.Close(); err != nil {
			appLogger.Warn().Err(err).Msg("关闭存储失败")
		}
	}()
	appLogger.Info().Str("instance_id", storageManager.InstanceID).Msg("存储服务初始化成功")

	if err := run(ctx, cfg, storageManager); err != nil {
		appLogger.Error().Err(err).Msg("服务异常退出")
		return
	}
	appLogger.Info().Msg("优雅退出完成")
}

// run 组装出站事件管道与运维接口，阻塞到 ctx 取消
func run(ctx context.Context, cfg *config.Config, s *storage.Storage) error {
	metrics := outbox.NewMetrics(prometheus.DefaultRegisterer)
	store := outbox.NewGormStore(s.MySQL.DB())

	// 确认回调只注册一次，AckCollector 由发布与删除两侧共享
	acks := outbox.NewAckCollector(outbox.WithMetrics(metrics))
	s.RabbitMQ.AddAckCallback(acks.Add)
	if err := s.RabbitMQ.EnsureExchange(cfg.Messaging.Exchange); err != nil {
		// 发布时会再次尝试声明
		appLogger.Warn().Err(err).Str("exchange", cfg.Messaging.Exchange).Msg("声明exchange失败")
	}

	retriever := outbox.NewRetriever(store, outbox.RetrieverConfig{
		ChunkSize:      cfg.Messaging.Publishing.ChunkSize,
		LockExpiration: cfg.Messaging.LockExpiration(),
		Retry:          outbox.RetryPolicyFromConfig(cfg.Messaging),
	}, outbox.WithMetrics(metrics))

	publicationOpts := []outbox.Option{outbox.WithMetrics(metrics)}
	if cfg.Messaging.Lease.Enabled && s.Redis != nil {
		lease := storage.NewPublicationLease(s.Redis, cfg.Messaging.Lease.Key, cfg.Messaging.LeaseTTL())
		publicationOpts = append(publicationOpts, outbox.WithLease(lease))
		appLogger.Info().Str("key", cfg.Messaging.Lease.Key).Dur("ttl", cfg.Messaging.LeaseTTL()).Msg("已启用发布租约")
	}
	publication := outbox.NewPublicationJob(retriever, s.RabbitMQ, cfg.Messaging.Exchange, cfg.Messaging.PublishingDelay(), publicationOpts...)
	deletion := outbox.NewDeletionJob(store, acks, cfg.Messaging.DeletionDelay(), outbox.WithMetrics(metrics))

	h := newServer(cfg, s, store, acks)

	g, gctx := errgroup.WithContext(ctx)
	publication.Start(gctx)
	deletion.Start(gctx)
	appLogger.Info().
		Str("exchange", cfg.Messaging.Exchange).
		Int("chunk_size", cfg.Messaging.Publishing.ChunkSize).
		Dur("publishing_delay", cfg.Messaging.PublishingDelay()).
		Dur("deletion_delay", cfg.Messaging.DeletionDelay()).
		Msg("出站事件发布与删除任务已启动")

	g.Go(func() error {
		glog.Infof("HTTP 服务器启动中，监听地址: %s", cfg.Server.Address)
		if err := h.Run(); err != nil && gctx.Err() == nil {
			return fmt.Errorf("启动HTTP服务器失败: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info().Msg("接收到终止信号，正在优雅退出...")

		publication.Stop()
		deletion.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// 把已收到确认的事件删掉，减少重启后的重复发布
		if n, err := deletion.RunOnce(shutdownCtx); err != nil {
			appLogger.Warn().Err(err).Msg("退出前删除已确认事件失败")
		} else if n > 0 {
			appLogger.Info().Int64("deleted", n).Msg("退出前删除已确认事件")
		}

		if err := h.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("服务器关闭失败: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newServer(cfg *config.Config, s *storage.Storage, store *outbox.GormStore, acks *outbox.AckCollector) *server.Hertz {
	h := server.New(
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
		server.WithExitWaitTime(time.Second),
	)
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		glog.CtxDebugf(c, "Request: %s %s", string(ctx.Method()), string(ctx.Path()))
		ctx.Next(c)
		glog.CtxDebugf(c, "Response: status %d", ctx.Response.StatusCode())
	})

	components := map[string]handler.Pinger{
		"mysql":    s.MySQL,
		"rabbitmq": s.RabbitMQ,
	}
	if s.Redis != nil {
		components["redis"] = s.Redis
	}

	router.RegisterRoutes(h,
		handler.NewHealthHandler(components, 2*time.Second),
		handler.NewOutboxHandler(store, acks, cfg.Messaging.LockExpiration()),
		prometheus.DefaultGatherer,
	)
	glog.Info("HTTP路由注册成功")
	return h
}

// initLogger 初始化应用日志，并让 Hertz 通过适配器写入同一个 zerolog 实例
func initLogger(cfg config.LoggerConfig) {
	appLogger.Init(appLogger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		TimeFormat:   cfg.TimeFormat,
		ReportCaller: cfg.ReportCaller,
	})

	glog.SetLogger(hertzadapter.From(appLogger.Logger))
	glog.SetLevel(hertzLevel(appLogger.Logger.GetLevel()))
}

func hertzLevel(level zerolog.Level) glog.Level {
	switch level {
	case zerolog.TraceLevel:
		return glog.LevelTrace
	case zerolog.DebugLevel:
		return glog.LevelDebug
	case zerolog.WarnLevel:
		return glog.LevelWarn
	case zerolog.ErrorLevel:
		return glog.LevelError
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return glog.LevelFatal
	default:
		return glog.LevelInfo
	}
}
