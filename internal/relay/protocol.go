package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Wire vocabulary, device side.
const (
	typeIdentify           = "identify"
	typeConnection         = "connection" // legacy firmware alias of identify
	typeHeartbeat          = "heartbeat"
	typeButtonPressed      = "button_pressed"
	typeBatteryStatus      = "battery_status"
	typeStatusSnapshot     = "status_snapshot"
	typeLog                = "log"
	typeError              = "error"
	typeSystemStateChanged = "system_state_changed"
	typeCategoryChanged    = "category_changed"
	typeWakeUp             = "wake_up"
	typeGoingToSleep       = "going_to_sleep"
)

// Wire vocabulary, observer side.
const (
	typeCommand          = "command"
	typePlayMessage      = "play_message"
	typePlayAudio        = "play_audio"
	typeChangeCategory   = "change_category"
	typeConfigureButtons = "configure_buttons"
	typeGetStatus        = "get_status"
)

// Command tags carried inside a {type:"command"} wrapper.
const (
	cmdPlay             = "play"
	cmdPlayAudio        = "play_audio"
	cmdPlayMessage      = "play_message"
	cmdCategory         = "category"
	cmdBattery          = "battery"
	cmdShutdown         = "shutdown"
	cmdSleep            = "sleep"
	cmdWakeup           = "wakeup"
	cmdWake             = "wake"
	cmdConfigureButtons = "configure_buttons"
	cmdSyncFavorites    = "sync_favorites"
)

// CategoryRef references a category either by numeric id or by name; the
// device firmware sends both forms depending on version.
type CategoryRef struct {
	Id   int
	Name string
}

func CategoryById(id int) *CategoryRef        { return &CategoryRef{Id: id} }
func CategoryByName(name string) *CategoryRef { return &CategoryRef{Name: name} }

func (c *CategoryRef) UnmarshalJSON(b []byte) error {
	var id int
	if err := json.Unmarshal(b, &id); err == nil {
		c.Id = id
		c.Name = ""
		return nil
	}
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		// Numeric strings are ids in disguise
		if id, convErr := strconv.Atoi(name); convErr == nil {
			c.Id = id
			return nil
		}
		c.Name = name
		return nil
	}
	return fmt.Errorf("category must be a number or a string")
}

func (c CategoryRef) MarshalJSON() ([]byte, error) {
	if c.Name != "" {
		return json.Marshal(c.Name)
	}
	return json.Marshal(c.Id)
}

func (c CategoryRef) String() string {
	if c.Name != "" {
		return c.Name
	}
	return strconv.Itoa(c.Id)
}

// WireMessage is the superset frame exchanged on the socket. Every field is
// optional; which ones are meaningful depends on Type.
type WireMessage struct {
	Type           string          `json:"type,omitempty"`
	Command        string          `json:"command,omitempty"`
	Button         *int            `json:"button,omitempty"`
	Category       *CategoryRef    `json:"category,omitempty"`
	CategoryName   string          `json:"categoryName,omitempty"`
	Device         string          `json:"device,omitempty"`
	BootCount      *int            `json:"bootCount,omitempty"`
	Battery        *int            `json:"battery,omitempty"`
	Voltage        *float64        `json:"voltage,omitempty"`
	Percentage     *int            `json:"percentage,omitempty"`
	Charging       *bool           `json:"charging,omitempty"`
	Timestamp      *int64          `json:"timestamp,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	MessageId      *int            `json:"messageId,omitempty"`
	ChildId        *int            `json:"childId,omitempty"`
	Text           string          `json:"text,omitempty"`
	IsFavorite     *bool           `json:"isFavorite,omitempty"`
	Favorites      json.RawMessage `json:"favorites,omitempty"`
	LogLevel       string          `json:"logLevel,omitempty"`
	Message        string          `json:"message,omitempty"`
	PreviousState  string          `json:"previousState,omitempty"`
	CurrentState   string          `json:"currentState,omitempty"`
	WakeReason     string          `json:"wakeReason,omitempty"`
	SleepReason    string          `json:"sleepReason,omitempty"`
	SleepDuration  *int            `json:"sleepDuration,omitempty"`
	FunctionName   string          `json:"functionName,omitempty"`
	LineNumber     *int            `json:"lineNumber,omitempty"`
	Buttons        json.RawMessage `json:"buttons,omitempty"`
	ClientId       string          `json:"clientId,omitempty"`
	Connected      *bool           `json:"connected,omitempty"`
	From           string          `json:"from,omitempty"`
	Esp32Connected *bool           `json:"esp32_connected,omitempty"`
	MobileClients  *int            `json:"mobile_clients,omitempty"`
	Esp32Battery   *int            `json:"esp32_battery,omitempty"`
	Esp32Category  *CategoryRef    `json:"esp32_category,omitempty"`
	ServerTime     string          `json:"server_time,omitempty"`
}

// ParseWire decodes a frame. A decode failure is reported as an error value so
// the engine can answer the sender with a ParseError event instead of
// crashing the session.
func ParseWire(raw []byte) (WireMessage, error) {
	var msg WireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return WireMessage{}, err
	}
	return msg, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func millis(t int64) *int64 { return &t }

// ---------------------------------------------------------------------------
// Domain events (device -> engine)

type Event interface{ isEvent() }

type IdentifyEvent struct {
	Device    string
	Battery   *int
	Category  *CategoryRef
	BootCount *int
}

type HeartbeatEvent struct {
	Battery *int
}

type ButtonPressEvent struct {
	Button    int
	Category  *CategoryRef
	Timestamp int64
}

type BatteryStatusEvent struct {
	Percentage *int
	Voltage    *float64
	Charging   *bool
}

type StatusSnapshotEvent struct {
	Battery    *int
	Category   *CategoryRef
	PowerState string
}

type LogEvent struct {
	Level        string
	Message      string
	FunctionName string
	LineNumber   *int
}

type DeviceErrorEvent struct {
	Message      string
	FunctionName string
	LineNumber   *int
}

type SystemStateChangedEvent struct {
	PreviousState string
	CurrentState  string
}

type CategoryChangedEvent struct {
	Category  CategoryRef
	Timestamp int64
}

type WakeUpEvent struct {
	Reason string
}

type GoingToSleepEvent struct {
	Reason        string
	SleepDuration *int
}

// UnknownEvent covers device frames with a type this build does not know.
// They are dropped from observer fan-out but never treated as an error.
type UnknownEvent struct {
	RawType string
	Raw     WireMessage
}

func (IdentifyEvent) isEvent()           {}
func (HeartbeatEvent) isEvent()          {}
func (ButtonPressEvent) isEvent()        {}
func (BatteryStatusEvent) isEvent()      {}
func (StatusSnapshotEvent) isEvent()     {}
func (LogEvent) isEvent()                {}
func (DeviceErrorEvent) isEvent()        {}
func (SystemStateChangedEvent) isEvent() {}
func (CategoryChangedEvent) isEvent()    {}
func (WakeUpEvent) isEvent()             {}
func (GoingToSleepEvent) isEvent()       {}
func (UnknownEvent) isEvent()            {}

// FromDevice maps a device frame to a typed domain event. Unrecognized types
// map to UnknownEvent, never to an error.
func FromDevice(msg WireMessage) Event {
	switch msg.Type {
	case typeIdentify, typeConnection:
		return IdentifyEvent{Device: msg.Device, Battery: msg.Battery, Category: msg.Category, BootCount: msg.BootCount}
	case typeHeartbeat:
		return HeartbeatEvent{Battery: msg.Battery}
	case typeButtonPressed:
		button := 0
		if msg.Button != nil {
			button = *msg.Button
		}
		ts := nowMillis()
		if msg.Timestamp != nil {
			ts = *msg.Timestamp
		}
		return ButtonPressEvent{Button: button, Category: msg.Category, Timestamp: ts}
	case typeBatteryStatus:
		return BatteryStatusEvent{Percentage: msg.Percentage, Voltage: msg.Voltage, Charging: msg.Charging}
	case typeStatusSnapshot:
		return StatusSnapshotEvent{Battery: msg.Battery, Category: msg.Category, PowerState: msg.CurrentState}
	case typeLog:
		return LogEvent{Level: msg.LogLevel, Message: msg.Message, FunctionName: msg.FunctionName, LineNumber: msg.LineNumber}
	case typeError:
		return DeviceErrorEvent{Message: msg.Message, FunctionName: msg.FunctionName, LineNumber: msg.LineNumber}
	case typeSystemStateChanged:
		return SystemStateChangedEvent{PreviousState: msg.PreviousState, CurrentState: msg.CurrentState}
	case typeCategoryChanged:
		category := CategoryRef{}
		if msg.Category != nil {
			category = *msg.Category
		}
		ts := nowMillis()
		if msg.Timestamp != nil {
			ts = *msg.Timestamp
		}
		return CategoryChangedEvent{Category: category, Timestamp: ts}
	case typeWakeUp:
		return WakeUpEvent{Reason: msg.WakeReason}
	case typeGoingToSleep:
		return GoingToSleepEvent{Reason: msg.SleepReason, SleepDuration: msg.SleepDuration}
	default:
		return UnknownEvent{RawType: msg.Type, Raw: msg}
	}
}

// ---------------------------------------------------------------------------
// Domain commands (observer/HTTP -> engine -> device)

type Command interface{ isCommand() }

type PlayButtonCommand struct {
	Button     int
	MessageId  *int
	Text       string
	Category   *CategoryRef
	IsFavorite *bool
}

type PlayMessageCommand struct {
	MessageId int
	Text      string
	Category  *CategoryRef
	Button    *int
}

type ChangeCategoryCommand struct {
	Category     CategoryRef
	CategoryName string
}

type RequestBatteryCommand struct{}

type ShutdownCommand struct {
	SleepDuration *int
	Reason        string
}

type WakeupCommand struct{}

type ConfigureButtonsCommand struct {
	Buttons json.RawMessage
}

type GetStatusCommand struct{}

type HeartbeatCommand struct{}

type SyncFavoritesCommand struct {
	ChildId   int
	Favorites []FavoriteEntry
}

// FavoriteEntry is one row of a sync_favorites push.
type FavoriteEntry struct {
	Id           int          `json:"id"`
	Text         string       `json:"text"`
	Category     *CategoryRef `json:"category,omitempty"`
	CategoryName string       `json:"categoryName,omitempty"`
	Button       int          `json:"button"`
}

// GenericCommand forwards command tags this build does not know about, so new
// firmware commands keep working without a translator update.
type GenericCommand struct {
	Name string
	Raw  WireMessage
}

func (PlayButtonCommand) isCommand()       {}
func (PlayMessageCommand) isCommand()      {}
func (ChangeCategoryCommand) isCommand()   {}
func (RequestBatteryCommand) isCommand()   {}
func (ShutdownCommand) isCommand()         {}
func (WakeupCommand) isCommand()           {}
func (ConfigureButtonsCommand) isCommand() {}
func (GetStatusCommand) isCommand()        {}
func (HeartbeatCommand) isCommand()        {}
func (SyncFavoritesCommand) isCommand()    {}
func (GenericCommand) isCommand()          {}

// FromObserver maps an observer frame to a canonical domain command. The
// shorthand aliases (play/play_audio, shutdown/sleep, wakeup/wake) collapse
// to one tag each.
func FromObserver(msg WireMessage) Command {
	name := msg.Command
	if msg.Type != typeCommand {
		name = msg.Type
	}

	switch name {
	case cmdPlay, cmdPlayAudio:
		button := 0
		if msg.Button != nil {
			button = *msg.Button
		}
		return PlayButtonCommand{Button: button, MessageId: msg.MessageId, Text: msg.Text, Category: msg.Category, IsFavorite: msg.IsFavorite}
	case cmdPlayMessage:
		messageId := 0
		if msg.MessageId != nil {
			messageId = *msg.MessageId
		}
		return PlayMessageCommand{MessageId: messageId, Text: msg.Text, Category: msg.Category, Button: msg.Button}
	case cmdCategory, typeChangeCategory:
		category := CategoryRef{}
		if msg.Category != nil {
			category = *msg.Category
		}
		return ChangeCategoryCommand{Category: category, CategoryName: msg.CategoryName}
	case cmdBattery:
		return RequestBatteryCommand{}
	case cmdShutdown, cmdSleep:
		return ShutdownCommand{SleepDuration: msg.SleepDuration, Reason: msg.SleepReason}
	case cmdWakeup, cmdWake:
		return WakeupCommand{}
	case cmdConfigureButtons:
		return ConfigureButtonsCommand{Buttons: msg.Buttons}
	case typeGetStatus:
		return GetStatusCommand{}
	case typeHeartbeat:
		return HeartbeatCommand{}
	default:
		return GenericCommand{Name: name, Raw: msg}
	}
}

// ToDevice serializes a domain command into the frame the device firmware
// expects: a {type:"command"} wrapper with a command tag.
func ToDevice(cmd Command) WireMessage {
	ts := millis(nowMillis())

	switch c := cmd.(type) {
	case PlayButtonCommand:
		button := c.Button
		return WireMessage{Type: typeCommand, Command: cmdPlay, Button: &button, MessageId: c.MessageId, Text: c.Text, Category: c.Category, IsFavorite: c.IsFavorite, Timestamp: ts}
	case PlayMessageCommand:
		messageId := c.MessageId
		return WireMessage{Type: typeCommand, Command: cmdPlayMessage, MessageId: &messageId, Text: c.Text, Category: c.Category, Button: c.Button, Timestamp: ts}
	case ChangeCategoryCommand:
		category := c.Category
		return WireMessage{Type: typeCommand, Command: cmdCategory, Category: &category, CategoryName: c.CategoryName, Timestamp: ts}
	case RequestBatteryCommand:
		return WireMessage{Type: typeCommand, Command: cmdBattery, Timestamp: ts}
	case ShutdownCommand:
		return WireMessage{Type: typeCommand, Command: cmdShutdown, SleepDuration: c.SleepDuration, SleepReason: c.Reason, Timestamp: ts}
	case WakeupCommand:
		return WireMessage{Type: typeCommand, Command: cmdWakeup, Timestamp: ts}
	case ConfigureButtonsCommand:
		return WireMessage{Type: typeCommand, Command: cmdConfigureButtons, Buttons: c.Buttons, Timestamp: ts}
	case SyncFavoritesCommand:
		childId := c.ChildId
		favorites, _ := json.Marshal(c.Favorites)
		return WireMessage{Type: typeCommand, Command: cmdSyncFavorites, ChildId: &childId, Favorites: favorites, Timestamp: ts}
	case GenericCommand:
		// Forwarded verbatim; only the envelope is normalized.
		out := c.Raw
		out.Type = typeCommand
		out.Command = c.Name
		out.Timestamp = ts
		return out
	default:
		return WireMessage{Type: typeCommand, Timestamp: ts}
	}
}

// ToObserver serializes a domain event into the frame the mobile vocabulary
// uses. The second return is false for events that have no observer
// representation (heartbeats, diagnostics, unknown device types).
func ToObserver(ev Event) (WireMessage, bool) {
	ts := millis(nowMillis())

	switch e := ev.(type) {
	case IdentifyEvent:
		return WireMessage{Type: "esp32_connected", Device: e.Device, Battery: e.Battery, Category: e.Category, BootCount: e.BootCount, Timestamp: ts}, true
	case ButtonPressEvent:
		button := e.Button
		return WireMessage{Type: typeButtonPressed, Button: &button, Category: e.Category, Timestamp: millis(e.Timestamp)}, true
	case BatteryStatusEvent:
		return WireMessage{Type: "battery_update", Percentage: e.Percentage, Voltage: e.Voltage, Charging: e.Charging, Timestamp: ts}, true
	case CategoryChangedEvent:
		category := e.Category
		return WireMessage{Type: typeCategoryChanged, Category: &category, Timestamp: millis(e.Timestamp)}, true
	case SystemStateChangedEvent:
		return WireMessage{Type: typeSystemStateChanged, PreviousState: e.PreviousState, CurrentState: e.CurrentState, Timestamp: ts}, true
	case WakeUpEvent:
		return WireMessage{Type: "esp32_wake_up", WakeReason: e.Reason, Timestamp: ts}, true
	case GoingToSleepEvent:
		return WireMessage{Type: "esp32_sleeping", SleepReason: e.Reason, SleepDuration: e.SleepDuration, Timestamp: ts}, true
	case StatusSnapshotEvent:
		connected := true
		return WireMessage{Type: "esp32_status", Connected: &connected, Battery: e.Battery, Category: e.Category, CurrentState: e.PowerState, Timestamp: ts}, true
	default:
		return WireMessage{}, false
	}
}
