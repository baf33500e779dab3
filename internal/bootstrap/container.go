package bootstrap

import (
	"context"
	"log"

	"wearext-be/internal/config"
	"wearext-be/internal/controller"
	"wearext-be/internal/handler"
	"wearext-be/internal/pkg/logger"
	"wearext-be/internal/pkg/mailer"
	"wearext-be/internal/relay"
	"wearext-be/internal/repository/implementation"
	"wearext-be/internal/service"

	pktNats "wearext-be/pkg/nats"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const notificationTopic = "relay.notifications"

type Container struct {
	// Controllers
	DeviceController controller.IDeviceController

	// WebSocket relay
	RelayHandler *handler.RelayHandler
	RelayEngine  *relay.Engine

	// Background Services (Exposed for main.go to run)
	NotifierService service.INotifierService
}

func NewContainer(db *gorm.DB, cfg *config.Config) *Container {
	// 1. Core Facades
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")

	emailService := mailer.NewEmailService(
		cfg.SMTP.Host,
		cfg.SMTP.Port,
		cfg.SMTP.Email,
		cfg.SMTP.Password,
		cfg.SMTP.Email,
		cfg.SMTP.SenderName,
	)

	// 2. Event Bus
	watermillLogger := watermill.NewStdLogger(false, false)
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{},
		watermillLogger,
	)

	// 2.5 Infrastructure
	// NATS (optional; relay alerting degrades gracefully without it)
	natsPub, err := pktNats.NewPublisher(cfg.App.NatsURL)
	if err != nil {
		log.Printf("[WARN] Failed to connect to NATS Publisher: %v", err)
		natsPub = nil
	}

	// Redis (optional; without it low-battery alerts are not de-duplicated)
	opt, err := redis.ParseURL(cfg.App.RedisURL)
	if err != nil {
		log.Printf("[WARN] Failed to parse Redis URL: %v. Using direct Addr", err)
		opt = &redis.Options{
			Addr: cfg.App.RedisURL,
		}
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		log.Printf("[WARN] Failed to connect to Redis: %v", err)
		rdb = nil
	}

	// 3. Relay core
	relayLogger := logger.NewIsolatedLogger(cfg.App.RelayLogFilePath)
	registry := relay.NewRegistry()
	deviceName := cfg.Relay.DeviceName
	engine := relay.NewEngine(registry, pubSub, relayLogger, relay.Config{
		IsDevice:            func(device string) bool { return device == deviceName },
		DeviceDisplayName:   deviceName,
		LowBatteryThreshold: cfg.Relay.LowBatteryThreshold,
		IdleTimeout:         cfg.Relay.IdleTimeout,
		ReapInterval:        cfg.Relay.IdleReapInterval,
		NotificationTopic:   notificationTopic,
	})

	// 4. Services
	catalogRepo := implementation.NewCatalogRepository(db)
	deviceService := service.NewDeviceService(engine, catalogRepo, sysLogger, cfg.Relay.SequenceDelay)
	notifierService := service.NewNotifierService(
		pubSub,
		notificationTopic,
		catalogRepo,
		emailService,
		natsPub,
		rdb,
		sysLogger,
		cfg.Alerts.TutorEmail,
	)

	// 5. Handlers & Controllers
	relayHandler := handler.NewRelayHandler(engine, relayLogger)

	return &Container{
		DeviceController: controller.NewDeviceController(deviceService),
		RelayHandler:     relayHandler,
		RelayEngine:      engine,
		NotifierService:  notifierService,
	}
}
