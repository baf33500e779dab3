package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"

	"wearext-be/internal/pkg/serverutils"
	"wearext-be/internal/relay"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(string, string, map[string]interface{}) {}
func (nopLogger) Info(string, string, map[string]interface{})  {}
func (nopLogger) Warn(string, string, map[string]interface{})  {}
func (nopLogger) Error(string, string, map[string]interface{}) {}
func (nopLogger) Sync() error                                  { return nil }

type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeSender) Send(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.sent = append(f.sent, buf)
	return true
}

func (f *fakeSender) Close() {}

func (f *fakeSender) frames(t *testing.T) []relay.WireMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []relay.WireMessage
	for _, raw := range f.sent {
		var msg relay.WireMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		out = append(out, msg)
	}
	return out
}

// newTestApp wires the handler endpoints without the JWT layer so requests
// exercise validation and dispatch directly.
func newTestApp(t *testing.T, connectDevice bool) (*fiber.App, *fakeSender) {
	t.Helper()
	engine := relay.NewEngine(relay.NewRegistry(), nil, nopLogger{}, relay.Config{
		IsDevice: func(device string) bool { return device == "TalkingChildren" },
	})

	device := &fakeSender{}
	if connectDevice {
		id := engine.Connect(device)
		engine.HandleMessage(id, []byte(`{"type":"identify","device":"TalkingChildren","battery":66}`))
	}

	h := NewRelayHandler(engine, nopLogger{})
	app := fiber.New()
	app.Get("/status", h.GetStatus)
	app.Post("/send-command", h.SendCommand)
	app.Post("/broadcast", h.Broadcast)
	return app, device
}

func postJSON(t *testing.T, app *fiber.App, path, body string) (*http.Response, serverutils.ApiResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var parsed serverutils.ApiResponse
	require.NoError(t, json.Unmarshal(raw, &parsed))
	return resp, parsed
}

func TestSendCommandRequiresCommand(t *testing.T) {
	app, _ := newTestApp(t, true)
	resp, body := postJSON(t, app, "/send-command", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, body.Success)
}

func TestSendCommandParameterValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"play without button", `{"command":"play"}`},
		{"play_audio without button", `{"command":"play_audio"}`},
		{"play_message without messageId", `{"command":"play_message"}`},
		{"category without category", `{"command":"category"}`},
	}

	app, _ := newTestApp(t, true)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := postJSON(t, app, "/send-command", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.False(t, body.Success)
		})
	}
}

func TestSendCommandDeviceOffline(t *testing.T) {
	app, _ := newTestApp(t, false)
	resp, body := postJSON(t, app, "/send-command", `{"command":"battery"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, body.Success)
	assert.Equal(t, "ESP32 is not connected", body.Message)
}

func TestSendCommandReachesDevice(t *testing.T) {
	app, device := newTestApp(t, true)
	resp, body := postJSON(t, app, "/send-command", `{"command":"play","button":2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.Success)

	var commands []relay.WireMessage
	for _, frame := range device.frames(t) {
		if frame.Type == "command" {
			commands = append(commands, frame)
		}
	}
	require.Len(t, commands, 1)
	assert.Equal(t, "play", commands[0].Command)
	require.NotNil(t, commands[0].Button)
	assert.Equal(t, 2, *commands[0].Button)
}

func TestSendCommandCategoryByName(t *testing.T) {
	app, device := newTestApp(t, true)
	resp, _ := postJSON(t, app, "/send-command", `{"command":"category","category":"Feelings"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var found bool
	for _, frame := range device.frames(t) {
		if frame.Type == "command" && frame.Command == "category" {
			found = true
			require.NotNil(t, frame.Category)
			assert.Equal(t, "Feelings", frame.Category.Name)
		}
	}
	assert.True(t, found)
}

func TestGetStatusWithoutDevice(t *testing.T) {
	app, _ := newTestApp(t, false)
	req, err := http.NewRequest(http.MethodGet, "/status", nil)
	require.NoError(t, err)

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var parsed struct {
		Success bool `json:"success"`
		Data    struct {
			Esp32Connected     bool        `json:"esp32Connected"`
			MobileClientsCount int         `json:"mobileClientsCount"`
			Esp32Status        interface{} `json:"esp32Status"`
			ServerTime         string      `json:"serverTime"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.True(t, parsed.Success)
	assert.False(t, parsed.Data.Esp32Connected)
	assert.Nil(t, parsed.Data.Esp32Status)
	assert.NotEmpty(t, parsed.Data.ServerTime)
}

func TestBroadcastValidation(t *testing.T) {
	app, _ := newTestApp(t, true)
	resp, _ := postJSON(t, app, "/broadcast", `{"type":"announcement"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBroadcastReachesDevice(t *testing.T) {
	app, device := newTestApp(t, true)
	resp, _ := postJSON(t, app, "/broadcast", `{"type":"announcement","message":"maintenance"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var found bool
	for _, frame := range device.frames(t) {
		if frame.Type == "announcement" {
			found = true
			assert.Equal(t, "maintenance", frame.Message)
			assert.Equal(t, "api_server", frame.From)
		}
	}
	assert.True(t, found)
}
