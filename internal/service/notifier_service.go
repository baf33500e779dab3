package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"wearext-be/internal/pkg/logger"
	"wearext-be/internal/pkg/mailer"
	"wearext-be/internal/repository/contract"
	"wearext-be/pkg/events"
	pktNats "wearext-be/pkg/nats"

	"github.com/ThreeDotsLabs/watermill/message"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const lowBatteryDedupKey = "wearext:relay:low_battery_alerted"

// INotifierService consumes relay notification events and fans them out to
// the alerting channels. Its failures never reach the relay.
type INotifierService interface {
	Start(ctx context.Context) error
}

type notifierService struct {
	subscriber message.Subscriber
	topic      string
	catalog    contract.CatalogRepository
	email      mailer.IEmailService
	natsPub    *pktNats.Publisher
	rdb        *redis.Client
	labelCache *gocache.Cache
	logger     logger.ILogger
	tutorEmail string
}

func NewNotifierService(
	subscriber message.Subscriber,
	topic string,
	catalog contract.CatalogRepository,
	email mailer.IEmailService,
	natsPub *pktNats.Publisher,
	rdb *redis.Client,
	log logger.ILogger,
	tutorEmail string,
) INotifierService {
	return &notifierService{
		subscriber: subscriber,
		topic:      topic,
		catalog:    catalog,
		email:      email,
		natsPub:    natsPub,
		rdb:        rdb,
		labelCache: gocache.New(10*time.Minute, 30*time.Minute),
		logger:     log,
		tutorEmail: tutorEmail,
	}
}

// Start begins draining the relay's notification topic.
func (s *notifierService) Start(ctx context.Context) error {
	messages, err := s.subscriber.Subscribe(ctx, s.topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			s.processMessage(ctx, msg)
		}
	}()

	s.logger.Info("NotifierService", "Notifier started", map[string]interface{}{"topic": s.topic})
	return nil
}

func (s *notifierService) processMessage(ctx context.Context, msg *message.Message) {
	// Everything here is at-most-once: the relay already moved on.
	defer msg.Ack()

	var evt struct {
		Type       string                 `json:"type"`
		Data       map[string]interface{} `json:"data"`
		OccurredAt time.Time              `json:"occurredAt"`
	}
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		s.logger.Warn("NotifierService", "Unparseable notification event", map[string]interface{}{"error": err.Error()})
		return
	}

	s.publishToNats(ctx, events.BaseEvent{Type: evt.Type, Data: evt.Data, OccurredAt: evt.OccurredAt})

	subject, body, ok := s.formatAlert(ctx, evt.Type, evt.Data, evt.OccurredAt)
	if !ok {
		return
	}

	if evt.Type == events.DeviceLowBattery && s.alreadyAlertedLowBattery(ctx) {
		return
	}

	if s.tutorEmail == "" || s.email == nil {
		return
	}
	if err := s.email.SendTutorAlert(s.tutorEmail, subject, body); err != nil {
		s.logger.Error("NotifierService", "Alert email failed", map[string]interface{}{
			"event": evt.Type, "error": err.Error(),
		})
	}
}

func (s *notifierService) publishToNats(ctx context.Context, evt events.BaseEvent) {
	if s.natsPub == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.natsPub.Publish(pubCtx, evt); err != nil {
		s.logger.Warn("NotifierService", "NATS publish failed", map[string]interface{}{
			"event": evt.Type, "error": err.Error(),
		})
	}
}

// alreadyAlertedLowBattery applies the collaborator-side de-duplication
// policy: one low-battery alert per Redis TTL window. Without Redis every
// report alerts, matching the relay's own no-suppression stance.
func (s *notifierService) alreadyAlertedLowBattery(ctx context.Context) bool {
	if s.rdb == nil {
		return false
	}
	set, err := s.rdb.SetNX(ctx, lowBatteryDedupKey, time.Now().Unix(), 30*time.Minute).Result()
	if err != nil {
		return false
	}
	return !set
}

func (s *notifierService) formatAlert(ctx context.Context, code string, data map[string]interface{}, occurredAt time.Time) (subject, body string, ok bool) {
	when := occurredAt.Format("02 Jan 2006 15:04:05")

	switch code {
	case events.DeviceButtonPress:
		label := s.categoryLabel(ctx, data["category"])
		button, _ := data["button"].(float64)
		return "Button pressed on the wearable",
			fmt.Sprintf("Your child pressed button %d (%s) at %s.", int(button), label, when),
			true
	case events.DeviceLowBattery:
		pct, _ := data["percentage"].(float64)
		return "Wearable battery low",
			fmt.Sprintf("The device battery is at %d%%. Please charge it soon.", int(pct)),
			true
	case events.DevicePowerOn:
		return "Wearable powered on",
			fmt.Sprintf("The device started up and connected at %s.", when),
			true
	case events.DeviceReconnected:
		return "Wearable reconnected",
			fmt.Sprintf("The device is back online as of %s.", when),
			true
	case events.DeviceDisconnected:
		return "Wearable disconnected",
			fmt.Sprintf("The device went offline at %s.", when),
			true
	case events.DeviceShutdown:
		return "Wearable shutting down",
			fmt.Sprintf("A shutdown command was sent to the device at %s.", when),
			true
	default:
		return "", "", false
	}
}

// categoryLabel resolves a raw category reference (numeric id or name) to a
// human-readable label, caching lookups.
func (s *notifierService) categoryLabel(ctx context.Context, raw interface{}) string {
	var key string
	switch v := raw.(type) {
	case string:
		key = v
	case float64:
		key = strconv.Itoa(int(v))
	default:
		return "Unknown category"
	}

	if cached, found := s.labelCache.Get("category:" + key); found {
		return cached.(string)
	}

	id, err := strconv.Atoi(key)
	if err != nil {
		// Already a name.
		return key
	}

	label := fmt.Sprintf("Category %d", id)
	if s.catalog != nil {
		if category, err := s.catalog.FindActiveCategory(ctx, id); err == nil && category != nil {
			label = category.Name
		}
	}
	s.labelCache.Set("category:"+key, label, gocache.DefaultExpiration)
	return label
}
