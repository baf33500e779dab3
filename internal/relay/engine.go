package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"wearext-be/internal/pkg/logger"
	"wearext-be/pkg/events"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// ErrDeviceNotConnected is the first-class "device unavailable" outcome. It is
// expected, not exceptional; callers map it to a user-facing message.
var ErrDeviceNotConnected = errors.New("device not connected")

const module = "Relay"

// Config tunes one engine instance. IsDevice is the identity predicate applied
// to the device field of an identify frame; tests supply their own.
type Config struct {
	IsDevice            func(device string) bool
	DeviceDisplayName   string
	LowBatteryThreshold int
	IdleTimeout         time.Duration
	ReapInterval        time.Duration
	NotificationTopic   string
}

// Status is the command-surface projection of registry + device state.
type Status struct {
	DeviceConnected bool
	ObserverCount   int
	DeviceBattery   *int
	DeviceCategory  *CategoryRef
	LastHeartbeat   *time.Time
}

// Engine is the relay state machine. It owns the Registry exclusively; every
// registry mutation happens synchronously inside a handler, while sends and
// notification publishes never run under the registry lock.
type Engine struct {
	registry  *Registry
	publisher message.Publisher
	logger    logger.ILogger
	cfg       Config
}

func NewEngine(registry *Registry, publisher message.Publisher, log logger.ILogger, cfg Config) *Engine {
	if cfg.IsDevice == nil {
		cfg.IsDevice = func(string) bool { return false }
	}
	if cfg.DeviceDisplayName == "" {
		cfg.DeviceDisplayName = "ESP32"
	}
	if cfg.LowBatteryThreshold <= 0 {
		cfg.LowBatteryThreshold = 20
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if cfg.NotificationTopic == "" {
		cfg.NotificationTopic = "relay.notifications"
	}
	return &Engine{
		registry:  registry,
		publisher: publisher,
		logger:    log,
		cfg:       cfg,
	}
}

// Connect registers a new unclassified session and greets it.
func (e *Engine) Connect(conn Sender) uuid.UUID {
	id := e.registry.Register(conn)
	e.send(conn, WireMessage{Type: "welcome", ClientId: id.String(), Timestamp: millis(nowMillis())})
	e.logger.Info(module, "Client connected", map[string]interface{}{"session_id": id})
	return id
}

// Disconnect applies close bookkeeping for a session, whatever the cause.
func (e *Engine) Disconnect(id uuid.UUID) {
	removed, wasDevice := e.registry.Remove(id)
	if removed == nil {
		return
	}
	e.logger.Info(module, "Client disconnected", map[string]interface{}{"session_id": id, "role": removed.Role})
	if wasDevice {
		// Only the device of record announces a loss; a displaced stale
		// session closing stays quiet.
		e.deviceLost(removed)
	}
}

// deviceLost broadcasts the loss to remaining observers and alerts the
// notification channel. Called after the registry entry is already gone.
func (e *Engine) deviceLost(s *Session) {
	e.broadcastToObservers(WireMessage{Type: "esp32_disconnected", Timestamp: millis(nowMillis())})
	e.notify(events.DeviceDisconnected, map[string]interface{}{
		"device":  s.DisplayName,
		"battery": s.Device.BatteryPercent,
	})
}

// HandleMessage processes one inbound frame from the identified session.
// Registry mutations run to completion before anything is sent; per-session
// FIFO is the transport's guarantee.
func (e *Engine) HandleMessage(id uuid.UUID, raw []byte) {
	e.registry.Touch(id)

	msg, err := ParseWire(raw)
	if err != nil {
		e.logger.Warn(module, "Malformed frame", map[string]interface{}{"session_id": id, "error": err.Error()})
		e.replyError(id, "Invalid JSON format")
		return
	}

	role, exists := e.registry.Role(id)
	if !exists {
		return
	}

	// Identification is handled regardless of current role: the first one
	// classifies, a repeat from the device refreshes telemetry, a repeat from
	// an observer just re-sends the status snapshot.
	if msg.Type == typeIdentify || msg.Type == typeConnection {
		e.handleIdentify(id, msg)
		return
	}

	switch role {
	case RoleUnclassified:
		// First frame was not an identify; treat the peer as an observer so
		// its commands are not silently dropped.
		e.registry.ClassifyAsObserver(id, "Mobile App")
		e.handleObserverCommand(id, FromObserver(msg))
	case RoleDevice:
		e.handleDeviceEvent(id, FromDevice(msg))
	case RoleObserver:
		e.handleObserverCommand(id, FromObserver(msg))
	}
}

func (e *Engine) handleIdentify(id uuid.UUID, msg WireMessage) {
	ev, ok := FromDevice(msg).(IdentifyEvent)
	if !ok {
		return
	}

	if e.cfg.IsDevice(ev.Device) {
		ok, replaced, refresh := e.registry.ClassifyAsDevice(id, e.cfg.DeviceDisplayName)
		if !ok {
			return
		}
		e.registry.UpdateDeviceState(id, DeviceStatePatch{
			BatteryPercent: ev.Battery,
			ActiveCategory: ev.Category,
			PowerState:     PowerStateOn,
		})
		e.logger.Info(module, "Device identified", map[string]interface{}{
			"session_id": id, "boot_count": ev.BootCount, "battery": ev.Battery,
		})

		if wire, fanOut := ToObserver(Event(ev)); fanOut {
			e.broadcastToObservers(wire)
		}

		// Alert only on a genuine (re)registration: a displacement hand-over
		// and an identity refresh from the live session both stay quiet.
		if !replaced && !refresh {
			code := events.DeviceReconnected
			if ev.BootCount != nil && *ev.BootCount <= 1 {
				code = events.DevicePowerOn
			}
			e.notify(code, map[string]interface{}{
				"device":     ev.Device,
				"battery":    ev.Battery,
				"boot_count": ev.BootCount,
			})
		}
		return
	}

	displayName := ev.Device
	if displayName == "" {
		displayName = "Mobile App"
	}
	e.registry.ClassifyAsObserver(id, displayName)
	e.logger.Info(module, "Observer identified", map[string]interface{}{"session_id": id, "name": displayName})

	// Answer with the device snapshot so the observer skips a status round-trip.
	e.replyDeviceSnapshot(id)
}

func (e *Engine) replyDeviceSnapshot(id uuid.UUID) {
	device := e.registry.DeviceSession()
	connected := device != nil
	reply := WireMessage{Type: "esp32_status", Connected: &connected, Timestamp: millis(nowMillis())}
	if device != nil {
		reply.Battery = device.Device.BatteryPercent
		reply.Category = device.Device.ActiveCategory
	}
	e.sendTo(id, reply)
}

func (e *Engine) handleDeviceEvent(id uuid.UUID, ev Event) {
	switch event := ev.(type) {
	case HeartbeatEvent:
		e.registry.UpdateDeviceState(id, DeviceStatePatch{BatteryPercent: event.Battery})
		e.sendTo(id, WireMessage{Type: "heartbeat_ack", Timestamp: millis(nowMillis())})

	case ButtonPressEvent:
		// Transient: fan out and alert, no state merge.
		if wire, ok := ToObserver(ev); ok {
			e.broadcastToObservers(wire)
		}
		data := map[string]interface{}{"button": event.Button, "timestamp": event.Timestamp}
		if event.Category != nil {
			data["category"] = event.Category.String()
		}
		e.notify(events.DeviceButtonPress, data)

	case BatteryStatusEvent:
		e.registry.UpdateDeviceState(id, DeviceStatePatch{BatteryPercent: event.Percentage})
		if wire, ok := ToObserver(ev); ok {
			e.broadcastToObservers(wire)
		}
		if event.Percentage != nil && *event.Percentage <= e.cfg.LowBatteryThreshold {
			// Repeat suppression is the notifier's business, not ours.
			e.notify(events.DeviceLowBattery, map[string]interface{}{
				"percentage": *event.Percentage,
				"voltage":    event.Voltage,
				"charging":   event.Charging,
			})
		}

	case StatusSnapshotEvent:
		e.registry.UpdateDeviceState(id, DeviceStatePatch{
			BatteryPercent: event.Battery,
			ActiveCategory: event.Category,
			PowerState:     event.PowerState,
		})
		if wire, ok := ToObserver(ev); ok {
			e.broadcastToObservers(wire)
		}

	case CategoryChangedEvent:
		// Device confirmation is authoritative; it overwrites any optimistic
		// value set on command send.
		category := event.Category
		e.registry.UpdateDeviceState(id, DeviceStatePatch{ActiveCategory: &category})
		if wire, ok := ToObserver(ev); ok {
			e.broadcastToObservers(wire)
		}

	case SystemStateChangedEvent:
		patch := DeviceStatePatch{}
		if event.CurrentState == PowerStateSleeping {
			patch.PowerState = PowerStateSleeping
		} else if event.CurrentState != "" {
			patch.PowerState = PowerStateOn
		}
		e.registry.UpdateDeviceState(id, patch)
		if wire, ok := ToObserver(ev); ok {
			e.broadcastToObservers(wire)
		}

	case WakeUpEvent:
		e.registry.UpdateDeviceState(id, DeviceStatePatch{PowerState: PowerStateOn})
		if wire, ok := ToObserver(ev); ok {
			e.broadcastToObservers(wire)
		}
		// Presumed live again after a sleep cycle.
		e.notify(events.DeviceReconnected, map[string]interface{}{"reason": event.Reason})

	case GoingToSleepEvent:
		e.registry.UpdateDeviceState(id, DeviceStatePatch{PowerState: PowerStateSleeping})
		if wire, ok := ToObserver(ev); ok {
			e.broadcastToObservers(wire)
		}

	case LogEvent:
		// Diagnostics stay on the operational stream; observers never see them.
		e.logger.Info(module, "Device log", map[string]interface{}{
			"level": event.Level, "message": event.Message,
			"function": event.FunctionName, "line": event.LineNumber,
		})

	case DeviceErrorEvent:
		e.logger.Error(module, "Device error", map[string]interface{}{
			"message": event.Message, "function": event.FunctionName, "line": event.LineNumber,
		})

	case UnknownEvent:
		e.logger.Warn(module, "Unknown device frame type", map[string]interface{}{"type": event.RawType})
	}
}

func (e *Engine) handleObserverCommand(id uuid.UUID, cmd Command) {
	switch cmd.(type) {
	case HeartbeatCommand:
		e.sendTo(id, WireMessage{Type: "heartbeat_ack", Timestamp: millis(nowMillis())})
		return
	case GetStatusCommand:
		e.sendTo(id, e.statusResponse())
		return
	}

	if err := e.DispatchCommand(cmd); err != nil {
		if errors.Is(err, ErrDeviceNotConnected) {
			e.replyError(id, "ESP32 not connected")
			return
		}
		e.logger.Error(module, "Command dispatch failed", map[string]interface{}{"error": err.Error()})
		e.replyError(id, "Command could not be delivered")
	}
}

// DispatchCommand forwards a domain command to the device session, applying
// the same side effects whether the command came from an observer frame or
// the HTTP command surface. Fire-and-forget: a nil error means the device was
// reachable, not that it executed anything.
func (e *Engine) DispatchCommand(cmd Command) error {
	device := e.registry.DeviceSession()
	if device == nil {
		return ErrDeviceNotConnected
	}

	payload, err := json.Marshal(ToDevice(cmd))
	if err != nil {
		return err
	}
	device.Conn.Send(payload)

	switch command := cmd.(type) {
	case ChangeCategoryCommand:
		// Optimistic; the device's category_changed confirmation overwrites it.
		category := command.Category
		e.registry.UpdateDeviceState(device.Id, DeviceStatePatch{ActiveCategory: &category})
	case ShutdownCommand:
		e.notify(events.DeviceShutdown, map[string]interface{}{
			"reason":         command.Reason,
			"sleep_duration": command.SleepDuration,
		})
	}
	return nil
}

func (e *Engine) statusResponse() WireMessage {
	status := e.Status()
	observers := status.ObserverCount
	return WireMessage{
		Type:           "status_response",
		Esp32Connected: &status.DeviceConnected,
		MobileClients:  &observers,
		Esp32Battery:   status.DeviceBattery,
		Esp32Category:  status.DeviceCategory,
		ServerTime:     time.Now().UTC().Format(time.RFC3339),
	}
}

// Status projects registry + device state for the command surface. Read-only.
func (e *Engine) Status() Status {
	status := Status{ObserverCount: e.registry.ObserverCount()}
	if device := e.registry.DeviceSession(); device != nil {
		status.DeviceConnected = true
		status.DeviceBattery = device.Device.BatteryPercent
		status.DeviceCategory = device.Device.ActiveCategory
		lastSeen := device.LastSeenAt
		status.LastHeartbeat = &lastSeen
	}
	return status
}

// BroadcastAll sends a frame to every session regardless of role.
func (e *Engine) BroadcastAll(msg WireMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		e.logger.Error(module, "Broadcast marshal failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, s := range e.registry.AllSessions() {
		s.Conn.Send(payload)
	}
}

// Run drives the idle reaper until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reapIdleSessions()
		}
	}
}

func (e *Engine) reapIdleSessions() {
	reaped, lostDevice := e.registry.ReapIdle(e.cfg.IdleTimeout)
	for i := range reaped {
		s := reaped[i]
		e.logger.Info(module, "Reaping idle session", map[string]interface{}{
			"session_id": s.Id, "role": s.Role, "last_seen": s.LastSeenAt,
		})
		s.Conn.Close()
	}
	if lostDevice != nil {
		e.deviceLost(lostDevice)
	}
}

// broadcastToObservers snapshots the observer set and attempts delivery to
// each; one failed send never aborts the rest.
func (e *Engine) broadcastToObservers(msg WireMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		e.logger.Error(module, "Fan-out marshal failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, s := range e.registry.ObserverSessions() {
		s.Conn.Send(payload)
	}
}

func (e *Engine) sendTo(id uuid.UUID, msg WireMessage) {
	if s := e.registry.SessionById(id); s != nil {
		e.send(s.Conn, msg)
	}
}

func (e *Engine) send(conn Sender, msg WireMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		e.logger.Error(module, "Send marshal failed", map[string]interface{}{"error": err.Error()})
		return
	}
	conn.Send(payload)
}

func (e *Engine) replyError(id uuid.UUID, text string) {
	e.sendTo(id, WireMessage{Type: typeError, Message: text, Timestamp: millis(nowMillis())})
}

// notify hands a domain notification event to the outbound bus without ever
// blocking the message-handling path. Delivery failures are logged and
// swallowed; relay correctness does not depend on the collaborator.
func (e *Engine) notify(code string, data map[string]interface{}) {
	if e.publisher == nil {
		return
	}
	evt := events.BaseEvent{Type: code, Data: data, OccurredAt: time.Now()}
	payload, err := json.Marshal(struct {
		Type       string                 `json:"type"`
		Data       map[string]interface{} `json:"data"`
		OccurredAt time.Time              `json:"occurredAt"`
	}{evt.Type, evt.Data, evt.OccurredAt})
	if err != nil {
		e.logger.Error(module, "Notification marshal failed", map[string]interface{}{"error": err.Error()})
		return
	}

	go func() {
		msg := message.NewMessage(watermill.NewUUID(), payload)
		if err := e.publisher.Publish(e.cfg.NotificationTopic, msg); err != nil {
			e.logger.Error(module, "Notification publish failed", map[string]interface{}{
				"event": code, "error": err.Error(),
			})
		}
	}()
}
