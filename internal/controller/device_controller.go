package controller

import (
	"errors"
	"time"

	"wearext-be/internal/dto"
	"wearext-be/internal/pkg/serverutils"
	"wearext-be/internal/relay"
	"wearext-be/internal/service"

	"github.com/gofiber/fiber/v2"
)

type IDeviceController interface {
	RegisterRoutes(r fiber.Router)
	PlayMessage(ctx *fiber.Ctx) error
	ChangeCategory(ctx *fiber.Ctx) error
	GetStatus(ctx *fiber.Ctx) error
	RequestBattery(ctx *fiber.Ctx) error
	PlaySequence(ctx *fiber.Ctx) error
	SyncFavorites(ctx *fiber.Ctx) error
	Shutdown(ctx *fiber.Ctx) error
}

type deviceController struct {
	service service.IDeviceService
}

func NewDeviceController(service service.IDeviceService) IDeviceController {
	return &deviceController{service: service}
}

func (c *deviceController) RegisterRoutes(r fiber.Router) {
	h := r.Group("/esp32")
	h.Use(serverutils.JwtMiddleware)
	h.Get("/status", c.GetStatus)
	h.Post("/play/:messageId", c.PlayMessage)
	h.Post("/category/:categoryId", c.ChangeCategory)
	h.Post("/category/:categoryId/sequence", c.PlaySequence)
	h.Post("/battery", c.RequestBattery)
	h.Post("/sync-favorites/:childId", c.SyncFavorites)
	h.Post("/shutdown", c.Shutdown)
}

// respondDeviceError maps the expected outcomes to structured responses;
// anything else is a generic internal error.
func respondDeviceError(ctx *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, relay.ErrDeviceNotConnected):
		return ctx.Status(fiber.StatusNotFound).JSON(serverutils.Fail("ESP32 is not connected", "device unavailable"))
	case errors.Is(err, service.ErrMessageUnavailable):
		return ctx.Status(fiber.StatusNotFound).JSON(serverutils.Fail("Message not found or inactive"))
	case errors.Is(err, service.ErrMessageNotAssigned):
		return ctx.Status(fiber.StatusNotFound).JSON(serverutils.Fail("Message is not assigned to this child"))
	case errors.Is(err, service.ErrCategoryUnavailable):
		return ctx.Status(fiber.StatusNotFound).JSON(serverutils.Fail("Category not found or inactive"))
	case errors.Is(err, service.ErrNoMessagesAvailable):
		return ctx.Status(fiber.StatusNotFound).JSON(serverutils.Fail("No messages available for this category and child"))
	default:
		return ctx.Status(fiber.StatusInternalServerError).JSON(serverutils.Fail("Internal server error"))
	}
}

func (c *deviceController) PlayMessage(ctx *fiber.Ctx) error {
	messageId, err := ctx.ParamsInt("messageId")
	if err != nil || messageId <= 0 {
		return ctx.Status(fiber.StatusBadRequest).JSON(serverutils.Fail("Missing required parameters", "messageId must be a positive integer"))
	}

	var req dto.PlayMessageRequest
	if err := ctx.BodyParser(&req); err != nil || req.ChildId <= 0 {
		return ctx.Status(fiber.StatusBadRequest).JSON(serverutils.Fail("Missing required parameters", "childId is mandatory"))
	}

	if err := c.service.PlayMessage(ctx.UserContext(), messageId, req.ChildId); err != nil {
		return respondDeviceError(ctx, err)
	}

	return ctx.JSON(serverutils.Ok("Message sent to ESP32 for playback", fiber.Map{
		"messageId": messageId,
		"childId":   req.ChildId,
		"sentAt":    time.Now().UTC().Format(time.RFC3339),
	}))
}

func (c *deviceController) ChangeCategory(ctx *fiber.Ctx) error {
	categoryId, err := ctx.ParamsInt("categoryId")
	if err != nil || categoryId <= 0 {
		return ctx.Status(fiber.StatusBadRequest).JSON(serverutils.Fail("Missing required parameters", "categoryId must be a positive integer"))
	}

	if err := c.service.ChangeCategory(ctx.UserContext(), categoryId); err != nil {
		return respondDeviceError(ctx, err)
	}

	return ctx.JSON(serverutils.Ok("Category changed on ESP32", fiber.Map{
		"categoryId": categoryId,
		"changedAt":  time.Now().UTC().Format(time.RFC3339),
	}))
}

func (c *deviceController) GetStatus(ctx *fiber.Ctx) error {
	status := c.service.Status()

	var esp32 *dto.Esp32Status
	if status.DeviceConnected && status.LastHeartbeat != nil {
		esp32 = &dto.Esp32Status{
			Battery:       status.DeviceBattery,
			Category:      status.DeviceCategory,
			LastHeartbeat: *status.LastHeartbeat,
		}
	}

	return ctx.JSON(serverutils.Ok("ESP32 status retrieved", fiber.Map{
		"esp32": esp32,
		"connections": fiber.Map{
			"esp32":       status.DeviceConnected,
			"mobileCount": status.ObserverCount,
		},
		"serverTime": time.Now().UTC().Format(time.RFC3339),
	}))
}

func (c *deviceController) RequestBattery(ctx *fiber.Ctx) error {
	if err := c.service.RequestBatteryStatus(ctx.UserContext()); err != nil {
		return respondDeviceError(ctx, err)
	}

	return ctx.JSON(serverutils.Ok("Battery status request sent to ESP32", fiber.Map{
		"requestedAt": time.Now().UTC().Format(time.RFC3339),
		"note":        "the ESP32 reports battery status over the WebSocket",
	}))
}

func (c *deviceController) PlaySequence(ctx *fiber.Ctx) error {
	categoryId, err := ctx.ParamsInt("categoryId")
	if err != nil || categoryId <= 0 {
		return ctx.Status(fiber.StatusBadRequest).JSON(serverutils.Fail("Missing required parameters", "categoryId must be a positive integer"))
	}

	var req dto.SequenceRequest
	if err := ctx.BodyParser(&req); err != nil || req.ChildId <= 0 {
		return ctx.Status(fiber.StatusBadRequest).JSON(serverutils.Fail("Missing required parameters", "childId is mandatory"))
	}

	if err := c.service.PlayCategorySequence(ctx.UserContext(), categoryId, req.ChildId); err != nil {
		return respondDeviceError(ctx, err)
	}

	return ctx.JSON(serverutils.Ok("Message sequence started on ESP32", fiber.Map{
		"categoryId": categoryId,
		"childId":    req.ChildId,
		"startedAt":  time.Now().UTC().Format(time.RFC3339),
	}))
}

func (c *deviceController) SyncFavorites(ctx *fiber.Ctx) error {
	childId, err := ctx.ParamsInt("childId")
	if err != nil || childId <= 0 {
		return ctx.Status(fiber.StatusBadRequest).JSON(serverutils.Fail("Missing required parameters", "childId must be a positive integer"))
	}

	if err := c.service.SyncFavorites(ctx.UserContext(), childId); err != nil {
		return respondDeviceError(ctx, err)
	}

	return ctx.JSON(serverutils.Ok("Favorite messages synced with ESP32", fiber.Map{
		"childId":  childId,
		"syncedAt": time.Now().UTC().Format(time.RFC3339),
	}))
}

func (c *deviceController) Shutdown(ctx *fiber.Ctx) error {
	var req dto.ShutdownRequest
	_ = ctx.BodyParser(&req) // body optional

	if err := c.service.Shutdown(ctx.UserContext(), req.Reason); err != nil {
		return respondDeviceError(ctx, err)
	}

	return ctx.JSON(serverutils.Ok("Shutdown command sent to ESP32", fiber.Map{
		"sentAt": time.Now().UTC().Format(time.RFC3339),
	}))
}
