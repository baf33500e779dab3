package handler

import (
	"errors"
	"time"

	"wearext-be/internal/dto"
	"wearext-be/internal/pkg/logger"
	"wearext-be/internal/pkg/serverutils"
	"wearext-be/internal/relay"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RelayHandler is the HTTP adapter in front of the relay engine: the
// WebSocket upgrade plus the synchronous command surface the rest of the
// backend drives the device with.
type RelayHandler struct {
	engine *relay.Engine
	logger logger.ILogger
}

func NewRelayHandler(engine *relay.Engine, log logger.ILogger) *RelayHandler {
	return &RelayHandler{engine: engine, logger: log}
}

// ServeWs upgrades the connection and hands it to the engine. The device
// cannot carry a JWT, so the socket itself is open; role classification
// happens on the first frame.
func (h *RelayHandler) ServeWs(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return websocket.New(func(conn *websocket.Conn) {
			relay.ServeWs(h.engine, conn)
		})(c)
	}
	return fiber.ErrUpgradeRequired
}

// GetStatus projects live registry state. No side effects.
func (h *RelayHandler) GetStatus(c *fiber.Ctx) error {
	status := h.engine.Status()

	response := dto.RelayStatusResponse{
		Esp32Connected:     status.DeviceConnected,
		MobileClientsCount: status.ObserverCount,
		ServerTime:         time.Now().UTC().Format(time.RFC3339),
	}
	if status.DeviceConnected && status.LastHeartbeat != nil {
		response.Esp32Status = &dto.Esp32Status{
			Battery:       status.DeviceBattery,
			Category:      status.DeviceCategory,
			LastHeartbeat: *status.LastHeartbeat,
		}
	}

	return c.JSON(serverutils.Ok("WebSocket status retrieved", response))
}

// SendCommand validates and injects a command exactly as an observer frame
// would; the engine applies identical side effects either way.
func (h *RelayHandler) SendCommand(c *fiber.Ctx) error {
	var req dto.SendCommandRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(serverutils.Fail("Invalid request body"))
	}

	if req.Command == "" {
		return c.Status(fiber.StatusBadRequest).JSON(serverutils.Fail("Command is required", "the command field is mandatory"))
	}
	switch req.Command {
	case "play", "play_audio":
		if req.Button == nil {
			return c.Status(fiber.StatusBadRequest).JSON(serverutils.Fail("Invalid command", "the play command requires the button parameter"))
		}
	case "play_message":
		if req.MessageId == nil {
			return c.Status(fiber.StatusBadRequest).JSON(serverutils.Fail("Invalid command", "the play_message command requires the messageId parameter"))
		}
	case "category":
		if req.Category == nil {
			return c.Status(fiber.StatusBadRequest).JSON(serverutils.Fail("Invalid command", "the category command requires the category parameter"))
		}
	}

	wire := relay.WireMessage{
		Type:          "command",
		Command:       req.Command,
		Button:        req.Button,
		Category:      req.Category,
		MessageId:     req.MessageId,
		SleepDuration: req.SleepDuration,
		Data:          req.Data,
	}

	if err := h.engine.DispatchCommand(relay.FromObserver(wire)); err != nil {
		if errors.Is(err, relay.ErrDeviceNotConnected) {
			return c.Status(fiber.StatusNotFound).JSON(serverutils.Fail("ESP32 is not connected", "cannot send command: device unavailable"))
		}
		h.logger.Error("RelayHandler", "Command dispatch failed", map[string]interface{}{"command": req.Command, "error": err.Error()})
		return c.Status(fiber.StatusInternalServerError).JSON(serverutils.Fail("Internal server error"))
	}

	return c.JSON(serverutils.Ok("Command sent to ESP32", fiber.Map{
		"command": req.Command,
		"sentAt":  time.Now().UTC().Format(time.RFC3339),
	}))
}

// Broadcast fans a frame out to every session regardless of role.
func (h *RelayHandler) Broadcast(c *fiber.Ctx) error {
	var req dto.BroadcastRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(serverutils.Fail("Invalid request body"))
	}
	if req.Type == "" || req.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(serverutils.Fail("Missing required fields", "the type and message fields are mandatory"))
	}

	ts := time.Now().UnixMilli()
	h.engine.BroadcastAll(relay.WireMessage{
		Type:      req.Type,
		Message:   req.Message,
		Data:      req.Data,
		Timestamp: &ts,
		From:      "api_server",
	})

	return c.JSON(serverutils.Ok("Broadcast sent", fiber.Map{
		"type":   req.Type,
		"sentAt": time.Now().UTC().Format(time.RFC3339),
	}))
}

func (h *RelayHandler) RegisterRoutes(router fiber.Router) {
	// WebSocket endpoint; no middleware, see ServeWs.
	router.Get("/ws", h.ServeWs)

	ws := router.Group("/websocket")
	ws.Use(serverutils.JwtMiddleware)
	ws.Get("/status", h.GetStatus)
	ws.Post("/send-command", h.SendCommand)
	ws.Post("/broadcast", h.Broadcast)
}
