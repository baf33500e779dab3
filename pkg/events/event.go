package events

import "time"

// Relay notification event codes. The engine emits these; the notifier
// consumes them. The set is closed on purpose: alerting is driven by state
// transitions, not by raw device frames.
const (
	DevicePowerOn      = "DEVICE_POWER_ON"
	DeviceReconnected  = "DEVICE_RECONNECTED"
	DeviceDisconnected = "DEVICE_DISCONNECTED"
	DeviceButtonPress  = "DEVICE_BUTTON_PRESS"
	DeviceLowBattery   = "DEVICE_LOW_BATTERY"
	DeviceShutdown     = "DEVICE_SHUTDOWN"
)

// Event defines the contract for all system events.
type Event interface {
	// EventType returns the unique code for this event (e.g., "DEVICE_LOW_BATTERY").
	EventType() string

	// Payload returns the data associated with the event.
	Payload() map[string]interface{}

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// BaseEvent is the plain implementation used across the relay.
type BaseEvent struct {
	Type       string
	Data       map[string]interface{}
	OccurredAt time.Time
}

func (e BaseEvent) EventType() string {
	return e.Type
}

func (e BaseEvent) Payload() map[string]interface{} {
	return e.Data
}

func (e BaseEvent) Timestamp() time.Time {
	return e.OccurredAt
}
