package relay

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(string, string, map[string]interface{}) {}
func (nopLogger) Info(string, string, map[string]interface{})  {}
func (nopLogger) Warn(string, string, map[string]interface{})  {}
func (nopLogger) Error(string, string, map[string]interface{}) {}
func (nopLogger) Sync() error                                  { return nil }

// capturingPublisher collects notification payloads; Publish runs in a
// detached goroutine so assertions poll.
type capturingPublisher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (p *capturingPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range messages {
		p.payloads = append(p.payloads, msg.Payload)
	}
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func (p *capturingPublisher) countOf(eventType string) int {
	count := 0
	for _, typ := range p.eventTypes() {
		if typ == eventType {
			count++
		}
	}
	return count
}

func (p *capturingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []string
	for _, payload := range p.payloads {
		var evt struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(payload, &evt) == nil {
			types = append(types, evt.Type)
		}
	}
	return types
}

func newTestEngine(t *testing.T) (*Engine, *capturingPublisher) {
	t.Helper()
	pub := &capturingPublisher{}
	engine := NewEngine(NewRegistry(), pub, nopLogger{}, Config{
		IsDevice:            func(device string) bool { return device == "TalkingChildren" },
		DeviceDisplayName:   "ESP32",
		LowBatteryThreshold: 20,
	})
	return engine, pub
}

func lastFrame(t *testing.T, conn *fakeConn) WireMessage {
	t.Helper()
	frames := conn.frames()
	require.NotEmpty(t, frames)
	var msg WireMessage
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &msg))
	return msg
}

func framesOfType(t *testing.T, conn *fakeConn, typ string) []WireMessage {
	t.Helper()
	var out []WireMessage
	for _, raw := range conn.frames() {
		var msg WireMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

func connectDevice(t *testing.T, engine *Engine, battery int) (uuid.UUID, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	id := engine.Connect(conn)
	frame := []byte(`{"type":"identify","device":"TalkingChildren","battery":` + jsonInt(battery) + `,"bootCount":1}`)
	engine.HandleMessage(id, frame)
	return id, conn
}

func connectObserver(t *testing.T, engine *Engine) (uuid.UUID, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	id := engine.Connect(conn)
	engine.HandleMessage(id, []byte(`{"type":"identify","device":"MobileApp"}`))
	return id, conn
}

func jsonInt(v int) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestConnectSendsWelcome(t *testing.T) {
	engine, _ := newTestEngine(t)
	conn := &fakeConn{}
	id := engine.Connect(conn)

	welcome := lastFrame(t, conn)
	assert.Equal(t, "welcome", welcome.Type)
	assert.Equal(t, id.String(), welcome.ClientId)
}

func TestDeviceIdentifyFansOutToObservers(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, observerConn := connectObserver(t, engine)
	_, deviceConn := connectDevice(t, engine, 90)

	connected := framesOfType(t, observerConn, "esp32_connected")
	require.Len(t, connected, 1)
	require.NotNil(t, connected[0].Battery)
	assert.Equal(t, 90, *connected[0].Battery)

	// The device itself never receives its own announcement.
	assert.Empty(t, framesOfType(t, deviceConn, "esp32_connected"))

	status := engine.Status()
	assert.True(t, status.DeviceConnected)
	assert.Equal(t, 1, status.ObserverCount)
}

func TestObserverIdentifyGetsDeviceSnapshot(t *testing.T) {
	engine, _ := newTestEngine(t)
	connectDevice(t, engine, 75)
	_, observerConn := connectObserver(t, engine)

	snapshot := lastFrame(t, observerConn)
	assert.Equal(t, "esp32_status", snapshot.Type)
	require.NotNil(t, snapshot.Connected)
	assert.True(t, *snapshot.Connected)
	require.NotNil(t, snapshot.Battery)
	assert.Equal(t, 75, *snapshot.Battery)
}

func TestObserverIdentifyWithoutDevice(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, observerConn := connectObserver(t, engine)

	snapshot := lastFrame(t, observerConn)
	assert.Equal(t, "esp32_status", snapshot.Type)
	require.NotNil(t, snapshot.Connected)
	assert.False(t, *snapshot.Connected)
}

func TestMalformedFrameGetsErrorReply(t *testing.T) {
	engine, _ := newTestEngine(t)
	conn := &fakeConn{}
	id := engine.Connect(conn)

	engine.HandleMessage(id, []byte(`{"type":`))

	reply := lastFrame(t, conn)
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, "Invalid JSON format", reply.Message)
}

func TestHeartbeatAckedNotFannedOut(t *testing.T) {
	engine, _ := newTestEngine(t)
	deviceId, deviceConn := connectDevice(t, engine, 90)
	_, observerConn := connectObserver(t, engine)

	observerFramesBefore := len(observerConn.frames())
	engine.HandleMessage(deviceId, []byte(`{"type":"heartbeat","battery":88}`))

	ack := lastFrame(t, deviceConn)
	assert.Equal(t, "heartbeat_ack", ack.Type)
	assert.Len(t, observerConn.frames(), observerFramesBefore, "heartbeats must not reach observers")

	status := engine.Status()
	require.NotNil(t, status.DeviceBattery)
	assert.Equal(t, 88, *status.DeviceBattery)
}

func TestButtonPressFanOutAndNotify(t *testing.T) {
	engine, pub := newTestEngine(t)
	deviceId, _ := connectDevice(t, engine, 90)
	_, observerA := connectObserver(t, engine)
	_, observerB := connectObserver(t, engine)

	engine.HandleMessage(deviceId, []byte(`{"type":"button_pressed","button":2,"category":1,"timestamp":111}`))

	for _, conn := range []*fakeConn{observerA, observerB} {
		pressed := framesOfType(t, conn, "button_pressed")
		require.Len(t, pressed, 1)
		require.NotNil(t, pressed[0].Button)
		assert.Equal(t, 2, *pressed[0].Button)
	}

	require.Eventually(t, func() bool {
		for _, typ := range pub.eventTypes() {
			if typ == "DEVICE_BUTTON_PRESS" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestLowBatteryTriggersNotification(t *testing.T) {
	engine, pub := newTestEngine(t)
	deviceId, _ := connectDevice(t, engine, 90)
	_, observerConn := connectObserver(t, engine)

	engine.HandleMessage(deviceId, []byte(`{"type":"battery_status","percentage":15,"charging":false}`))

	updates := framesOfType(t, observerConn, "battery_update")
	require.Len(t, updates, 1)
	assert.Equal(t, 15, *updates[0].Percentage)

	require.Eventually(t, func() bool {
		for _, typ := range pub.eventTypes() {
			if typ == "DEVICE_LOW_BATTERY" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestHealthyBatteryDoesNotNotify(t *testing.T) {
	engine, pub := newTestEngine(t)
	deviceId, _ := connectDevice(t, engine, 90)

	engine.HandleMessage(deviceId, []byte(`{"type":"battery_status","percentage":55}`))

	time.Sleep(50 * time.Millisecond)
	for _, typ := range pub.eventTypes() {
		assert.NotEqual(t, "DEVICE_LOW_BATTERY", typ)
	}
}

func TestDispatchCommandWithoutDevice(t *testing.T) {
	engine, _ := newTestEngine(t)
	err := engine.DispatchCommand(RequestBatteryCommand{})
	assert.ErrorIs(t, err, ErrDeviceNotConnected)
}

func TestObserverCommandReachesDevice(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, deviceConn := connectDevice(t, engine, 90)
	observerId, _ := connectObserver(t, engine)

	engine.HandleMessage(observerId, []byte(`{"type":"command","command":"play","button":1}`))

	commands := framesOfType(t, deviceConn, "command")
	require.Len(t, commands, 1)
	assert.Equal(t, "play", commands[0].Command)
	require.NotNil(t, commands[0].Button)
	assert.Equal(t, 1, *commands[0].Button)
}

func TestObserverCommandWithoutDeviceGetsError(t *testing.T) {
	engine, _ := newTestEngine(t)
	observerId, observerConn := connectObserver(t, engine)

	engine.HandleMessage(observerId, []byte(`{"type":"command","command":"play","button":1}`))

	reply := lastFrame(t, observerConn)
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, "ESP32 not connected", reply.Message)
}

func TestChangeCategoryIsOptimistic(t *testing.T) {
	engine, _ := newTestEngine(t)
	deviceId, _ := connectDevice(t, engine, 90)

	require.NoError(t, engine.DispatchCommand(ChangeCategoryCommand{Category: CategoryRef{Id: 2}}))

	status := engine.Status()
	require.NotNil(t, status.DeviceCategory)
	assert.Equal(t, 2, status.DeviceCategory.Id)

	// The device's own confirmation overwrites the optimistic value.
	engine.HandleMessage(deviceId, []byte(`{"type":"category_changed","category":3}`))
	status = engine.Status()
	require.NotNil(t, status.DeviceCategory)
	assert.Equal(t, 3, status.DeviceCategory.Id)
}

func TestGetStatusCommand(t *testing.T) {
	engine, _ := newTestEngine(t)
	connectDevice(t, engine, 64)
	observerId, observerConn := connectObserver(t, engine)

	engine.HandleMessage(observerId, []byte(`{"type":"get_status"}`))

	response := lastFrame(t, observerConn)
	assert.Equal(t, "status_response", response.Type)
	require.NotNil(t, response.Esp32Connected)
	assert.True(t, *response.Esp32Connected)
	require.NotNil(t, response.MobileClients)
	assert.Equal(t, 1, *response.MobileClients)
	require.NotNil(t, response.Esp32Battery)
	assert.Equal(t, 64, *response.Esp32Battery)
	assert.NotEmpty(t, response.ServerTime)
}

func TestUnclassifiedNonIdentifyBecomesObserver(t *testing.T) {
	engine, _ := newTestEngine(t)
	conn := &fakeConn{}
	id := engine.Connect(conn)

	engine.HandleMessage(id, []byte(`{"type":"get_status"}`))

	response := lastFrame(t, conn)
	assert.Equal(t, "status_response", response.Type)
	assert.Equal(t, 1, engine.Status().ObserverCount)
}

func TestDeviceDisconnectBroadcastsLoss(t *testing.T) {
	engine, pub := newTestEngine(t)
	deviceId, _ := connectDevice(t, engine, 90)
	_, observerConn := connectObserver(t, engine)

	engine.Disconnect(deviceId)

	lost := framesOfType(t, observerConn, "esp32_disconnected")
	assert.Len(t, lost, 1)
	assert.False(t, engine.Status().DeviceConnected)

	require.Eventually(t, func() bool {
		for _, typ := range pub.eventTypes() {
			if typ == "DEVICE_DISCONNECTED" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestObserverDisconnectIsQuiet(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, deviceConn := connectDevice(t, engine, 90)
	observerId, _ := connectObserver(t, engine)

	deviceFramesBefore := len(deviceConn.frames())
	engine.Disconnect(observerId)

	assert.Len(t, deviceConn.frames(), deviceFramesBefore)
	assert.Equal(t, 0, engine.Status().ObserverCount)
}

func TestDeviceReplacementKeepsNewestSession(t *testing.T) {
	engine, pub := newTestEngine(t)
	firstId, _ := connectDevice(t, engine, 90)
	secondConn := &fakeConn{}
	secondId := engine.Connect(secondConn)
	engine.HandleMessage(secondId, []byte(`{"type":"identify","device":"TalkingChildren","battery":70,"bootCount":5}`))

	// The stale session closing must not flip connectivity.
	engine.Disconnect(firstId)
	assert.True(t, engine.Status().DeviceConnected)

	require.NoError(t, engine.DispatchCommand(RequestBatteryCommand{}))
	commands := framesOfType(t, secondConn, "command")
	require.Len(t, commands, 1)
	assert.Equal(t, "battery", commands[0].Command)

	// A replacement identify is not a fresh power-on or reconnect.
	time.Sleep(50 * time.Millisecond)
	for _, typ := range pub.eventTypes() {
		assert.NotEqual(t, "DEVICE_RECONNECTED", typ)
	}
}

func TestShutdownCommandNotifies(t *testing.T) {
	engine, pub := newTestEngine(t)
	connectDevice(t, engine, 90)

	require.NoError(t, engine.DispatchCommand(ShutdownCommand{Reason: "api_request"}))

	require.Eventually(t, func() bool {
		for _, typ := range pub.eventTypes() {
			if typ == "DEVICE_SHUTDOWN" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestStaleDeviceCloseAfterCurrentDisconnect(t *testing.T) {
	engine, pub := newTestEngine(t)
	staleId, _ := connectDevice(t, engine, 90)
	currentConn := &fakeConn{}
	currentId := engine.Connect(currentConn)
	engine.HandleMessage(currentId, []byte(`{"type":"identify","device":"TalkingChildren","battery":80,"bootCount":4}`))
	_, observerConn := connectObserver(t, engine)

	// The device of record goes first, then the displaced session closes.
	engine.Disconnect(currentId)
	engine.Disconnect(staleId)

	assert.Len(t, framesOfType(t, observerConn, "esp32_disconnected"), 1,
		"the stale session must not announce a second loss")

	require.Eventually(t, func() bool {
		return pub.countOf("DEVICE_DISCONNECTED") >= 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, pub.countOf("DEVICE_DISCONNECTED"))
}

func TestReapClosesTransportAndAnnouncesLoss(t *testing.T) {
	current := time.Now()
	registry := NewRegistry()
	registry.now = func() time.Time { return current }
	pub := &capturingPublisher{}
	engine := NewEngine(registry, pub, nopLogger{}, Config{
		IsDevice:    func(device string) bool { return device == "TalkingChildren" },
		IdleTimeout: 5 * time.Minute,
	})

	deviceConn := &fakeConn{}
	deviceId := engine.Connect(deviceConn)
	engine.HandleMessage(deviceId, []byte(`{"type":"identify","device":"TalkingChildren","battery":90,"bootCount":1}`))
	_, observerConn := connectObserver(t, engine)

	current = current.Add(6 * time.Minute)
	observerId := engine.registry.ObserverSessions()[0].Id
	engine.registry.Touch(observerId)

	engine.reapIdleSessions()

	assert.True(t, deviceConn.isClosed(), "reap must force-close the transport")
	assert.Len(t, framesOfType(t, observerConn, "esp32_disconnected"), 1)
	assert.False(t, engine.Status().DeviceConnected)
	assert.NotNil(t, engine.registry.SessionById(observerId), "touched observer survives the reap")

	require.Eventually(t, func() bool {
		return pub.countOf("DEVICE_DISCONNECTED") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestReapOfDisplacedSessionIsQuiet(t *testing.T) {
	current := time.Now()
	registry := NewRegistry()
	registry.now = func() time.Time { return current }
	pub := &capturingPublisher{}
	engine := NewEngine(registry, pub, nopLogger{}, Config{
		IsDevice:    func(device string) bool { return device == "TalkingChildren" },
		IdleTimeout: 5 * time.Minute,
	})

	staleConn := &fakeConn{}
	staleId := engine.Connect(staleConn)
	engine.HandleMessage(staleId, []byte(`{"type":"identify","device":"TalkingChildren","battery":90,"bootCount":1}`))
	currentConn := &fakeConn{}
	currentId := engine.Connect(currentConn)
	engine.HandleMessage(currentId, []byte(`{"type":"identify","device":"TalkingChildren","battery":80,"bootCount":2}`))
	_, observerConn := connectObserver(t, engine)

	current = current.Add(6 * time.Minute)
	engine.registry.Touch(currentId)
	observerId := engine.registry.ObserverSessions()[0].Id
	engine.registry.Touch(observerId)

	engine.reapIdleSessions()

	assert.True(t, staleConn.isClosed())
	assert.Empty(t, framesOfType(t, observerConn, "esp32_disconnected"),
		"reaping a displaced session must not announce a device loss")
	assert.True(t, engine.Status().DeviceConnected)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, pub.countOf("DEVICE_DISCONNECTED"))
}

func TestRepeatIdentifyDoesNotReAlert(t *testing.T) {
	engine, pub := newTestEngine(t)
	deviceId, _ := connectDevice(t, engine, 90)
	_, observerConn := connectObserver(t, engine)

	// Firmware that refreshes its identity periodically must not re-alert.
	engine.HandleMessage(deviceId, []byte(`{"type":"identify","device":"TalkingChildren","battery":85,"bootCount":1}`))
	engine.HandleMessage(deviceId, []byte(`{"type":"identify","device":"TalkingChildren","battery":84,"bootCount":1}`))

	// Observers still see the refreshed state.
	assert.Len(t, framesOfType(t, observerConn, "esp32_connected"), 2)

	require.Eventually(t, func() bool {
		return pub.countOf("DEVICE_POWER_ON") == 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, pub.countOf("DEVICE_POWER_ON"))
	assert.Equal(t, 0, pub.countOf("DEVICE_RECONNECTED"))
}

func TestBroadcastAllReachesEveryRole(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, deviceConn := connectDevice(t, engine, 90)
	_, observerConn := connectObserver(t, engine)

	engine.BroadcastAll(WireMessage{Type: "announcement", Message: "maintenance at noon"})

	assert.Len(t, framesOfType(t, deviceConn, "announcement"), 1)
	assert.Len(t, framesOfType(t, observerConn, "announcement"), 1)
}
