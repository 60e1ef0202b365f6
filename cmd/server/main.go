package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/mmo-spawn/internal/api"
	"github.com/annel0/mmo-spawn/internal/auth"
	"github.com/annel0/mmo-spawn/internal/config"
	"github.com/annel0/mmo-spawn/internal/eventbus"
	"github.com/annel0/mmo-spawn/internal/logging"
	"github.com/annel0/mmo-spawn/internal/observability"
	"github.com/annel0/mmo-spawn/internal/session"
	"github.com/annel0/mmo-spawn/internal/spawn"
	"github.com/annel0/mmo-spawn/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "", "Путь к YAML-конфигурации (по умолчанию $SPAWN_CONFIG)")
	logLevel := flag.String("log-level", "", "Переопределить уровень логирования")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// === ЛОГИРОВАНИЕ ===
	level := logging.ParseLevel(cfg.Logging.Level)
	manager := logging.GetLoggerManager()
	manager.EnableFileOutput(cfg.Logging.Files)
	manager.SetConsoleLevel(level)
	if cfg.Logging.Files {
		if err := logging.InitDefaultLogger("server"); err != nil {
			log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
		}
	} else {
		logging.SetDefaultLogger(logging.NewConsoleLogger("server", os.Stdout, level))
	}
	defer logging.CloseDefaultLogger()
	defer manager.CloseAll()

	if err := run(cfg); err != nil {
		logging.Error("❌ %v", err)
		os.Exit(1)
	}
	logging.Info("👋 Сервер успешно остановлен")
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	participant := spawn.ParticipantID(cfg.Session.ParticipantID)
	logging.Info("🎮 Запуск узла порождения: участник %d, authority=%v", participant, cfg.Session.Authority)

	// === ТЕЛЕМЕТРИЯ ===
	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry, uint32(participant))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logging.Warn("Ошибка остановки телеметрии: %v", err)
		}
	}()

	// === ШИНА СОБЫТИЙ ===
	var bus eventbus.EventBus
	if cfg.EventBus.URL != "" {
		jb, err := eventbus.NewJetStreamBus(cfg.EventBus.URL, cfg.EventBus.Stream, time.Duration(cfg.EventBus.Retention)*time.Hour)
		if err != nil {
			return fmt.Errorf("eventbus: %w", err)
		}
		bus = jb
		logging.Info("🛰️ JetStream шина: %s (stream=%s)", cfg.EventBus.URL, cfg.EventBus.Stream)
	} else {
		bus = eventbus.NewMemoryBus(cfg.EventBus.Buffer)
		logging.Info("🧠 Используется in-memory шина событий")
	}
	defer bus.Close()

	codec, err := transport.NewCodec(cfg.EventBus.CompressThreshold)
	if err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	defer codec.Close()

	// === МЕТРИКИ ===
	reg := prometheus.DefaultRegisterer
	gatherer := prometheus.DefaultGatherer
	exporter := eventbus.NewMetricsExporter(bus, reg, gatherer)
	exporter.Start(fmt.Sprintf(":%d", cfg.Server.GetMetricsPort()))
	defer exporter.Stop()

	// === СЕССИЯ ===
	sess, err := session.New(session.FromConfig(cfg), session.Deps{
		Publisher: transport.NewBusPublisher(bus, codec, participant).
			WithTimeout(time.Duration(cfg.EventBus.PublishTimeoutMs) * time.Millisecond),
		Metrics:   spawn.NewMetrics(reg),
	})
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defer sess.Close()

	listener, err := transport.NewBusListener(ctx, bus, codec, participant, sess)
	if err != nil {
		return err
	}
	defer listener.Stop()

	if level := logging.ParseLevel(cfg.Logging.Level); level <= logging.DEBUG {
		sub, err := eventbus.StartLoggingListener(ctx, bus, logging.GetComponentLogger("eventbus"))
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	// === REST API ===
	tokens, err := auth.NewTokenManager(cfg.Auth.Secret())
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.Auth.Secret() == "" {
		logging.Warn("⚠️ SPAWN_JWT_SECRET не задан, используется случайный ключ до перезапуска")
	}
	gin.SetMode(gin.ReleaseMode)
	restPort := cfg.Server.GetRESTPort()
	rest, err := api.NewRestServer(api.Config{
		Addr:        fmt.Sprintf(":%d", restPort),
		ServiceName: "spawn_admin",
		Session:     sess,
		Tokens:      tokens,
		Registerer:  reg,
		Gatherer:    gatherer,
	})
	if err != nil {
		return err
	}
	restErr := make(chan error, 1)
	go func() { restErr <- rest.Start() }()

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	logging.Info("✅ Все сервисы запущены")
	logging.Info("   🌐 REST API: http://localhost:%d", restPort)
	logging.Info("   ❤️  Health check: http://localhost:%d/health", restPort)
	logging.Info("   📈 Метрики: http://localhost:%d/metrics", cfg.Server.GetMetricsPort())

	runDone := false
	select {
	case <-ctx.Done():
		logging.Info("📡 Получен сигнал завершения, останавливаемся...")
	case err := <-restErr:
		if err != nil {
			logging.Error("❌ REST API остановлен с ошибкой: %v", err)
		}
		cancel()
	case err := <-runErr:
		runDone = true
		if err != nil {
			logging.Error("❌ Цикл тиков остановлен с ошибкой: %v", err)
		}
		cancel()
	}

	// === GRACEFUL SHUTDOWN ===
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := rest.Stop(stopCtx); err != nil {
		logging.Error("❌ Ошибка остановки REST API: %v", err)
	}
	if !runDone {
		<-runErr
	}
	return nil
}
