package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"wearext-be/internal/entity"
	"wearext-be/internal/pkg/logger"
	"wearext-be/internal/relay"
	"wearext-be/internal/repository/contract"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Expected outcomes the controller maps to 404-style responses. They are
// distinct from relay.ErrDeviceNotConnected so callers can message users
// precisely.
var (
	ErrMessageUnavailable  = errors.New("message not found or inactive")
	ErrMessageNotAssigned  = errors.New("message not assigned to child")
	ErrCategoryUnavailable = errors.New("category not found or inactive")
	ErrNoMessagesAvailable = errors.New("no messages available for category and child")
)

type IDeviceService interface {
	PlayMessage(ctx context.Context, messageId, childId int) error
	ChangeCategory(ctx context.Context, categoryId int) error
	RequestBatteryStatus(ctx context.Context) error
	PlayCategorySequence(ctx context.Context, categoryId, childId int) error
	SyncFavorites(ctx context.Context, childId int) error
	Shutdown(ctx context.Context, reason string) error
	Status() relay.Status
}

type deviceService struct {
	engine        *relay.Engine
	catalog       contract.CatalogRepository
	logger        logger.ILogger
	sequenceDelay time.Duration
}

func NewDeviceService(engine *relay.Engine, catalog contract.CatalogRepository, log logger.ILogger, sequenceDelay time.Duration) IDeviceService {
	if sequenceDelay <= 0 {
		sequenceDelay = 3 * time.Second
	}
	return &deviceService{
		engine:        engine,
		catalog:       catalog,
		logger:        log,
		sequenceDelay: sequenceDelay,
	}
}

// categoryButton maps a category id onto one of the wearable's three physical
// buttons.
func categoryButton(categoryId int) int {
	if categoryId < 1 {
		return 1
	}
	if categoryId > 3 {
		return 3
	}
	return categoryId
}

// PlayMessage pushes a single assigned message to the device and records the
// playback.
func (s *deviceService) PlayMessage(ctx context.Context, messageId, childId int) error {
	message, err := s.catalog.FindActiveMessage(ctx, messageId)
	if err != nil {
		return err
	}
	if message == nil {
		return ErrMessageUnavailable
	}

	assigned, err := s.catalog.IsMessageAssigned(ctx, messageId, childId)
	if err != nil {
		return err
	}
	if !assigned {
		return ErrMessageNotAssigned
	}

	button := categoryButton(message.CategoryId)
	msgId := messageId
	cmd := relay.PlayButtonCommand{
		Button:    button,
		MessageId: &msgId,
		Text:      message.Text,
		Category:  relay.CategoryById(message.CategoryId),
	}
	if err := s.engine.DispatchCommand(cmd); err != nil {
		return err
	}

	s.recordPlayback(ctx, messageId, childId, "esp32", button)
	s.logger.Info("DeviceService", "Message sent to device", map[string]interface{}{
		"message_id": messageId, "child_id": childId, "button": button,
	})
	return nil
}

// ChangeCategory switches the device to another message category.
func (s *deviceService) ChangeCategory(ctx context.Context, categoryId int) error {
	category, err := s.catalog.FindActiveCategory(ctx, categoryId)
	if err != nil {
		return err
	}
	if category == nil {
		return ErrCategoryUnavailable
	}

	return s.engine.DispatchCommand(relay.ChangeCategoryCommand{
		Category:     relay.CategoryRef{Id: categoryId},
		CategoryName: category.Name,
	})
}

func (s *deviceService) RequestBatteryStatus(ctx context.Context) error {
	return s.engine.DispatchCommand(relay.RequestBatteryCommand{})
}

// PlayCategorySequence plays up to three of the child's assigned messages in
// the category, favorites first, spaced by the configured delay. The HTTP
// caller only learns whether the sequence started.
func (s *deviceService) PlayCategorySequence(ctx context.Context, categoryId, childId int) error {
	assignments, err := s.catalog.ListCategoryMessages(ctx, categoryId, childId, 3)
	if err != nil {
		return err
	}
	if len(assignments) == 0 {
		return ErrNoMessagesAvailable
	}

	if err := s.ChangeCategory(ctx, categoryId); err != nil {
		return err
	}

	go func() {
		for i, assignment := range assignments {
			if i > 0 {
				time.Sleep(s.sequenceDelay)
			}
			button := i + 1
			msgId := assignment.MessageId
			isFavorite := assignment.IsFavorite
			cmd := relay.PlayButtonCommand{
				Button:     button,
				MessageId:  &msgId,
				Text:       assignment.Message.Text,
				Category:   relay.CategoryById(categoryId),
				IsFavorite: &isFavorite,
			}
			if err := s.engine.DispatchCommand(cmd); err != nil {
				// Device dropped mid-sequence; stop quietly.
				s.logger.Warn("DeviceService", "Sequence aborted", map[string]interface{}{
					"category_id": categoryId, "at_index": i, "error": err.Error(),
				})
				return
			}
			s.recordPlayback(context.Background(), assignment.MessageId, childId, "esp32_sequence", button)
		}
	}()

	s.logger.Info("DeviceService", "Message sequence started", map[string]interface{}{
		"category_id": categoryId, "child_id": childId, "count": len(assignments),
	})
	return nil
}

// SyncFavorites pushes the child's favorite messages (up to nine) so the
// device can serve them offline.
func (s *deviceService) SyncFavorites(ctx context.Context, childId int) error {
	favorites, err := s.catalog.ListFavorites(ctx, childId, 9)
	if err != nil {
		return err
	}

	entries := make([]relay.FavoriteEntry, 0, len(favorites))
	for _, assignment := range favorites {
		entries = append(entries, relay.FavoriteEntry{
			Id:           assignment.MessageId,
			Text:         assignment.Message.Text,
			Category:     relay.CategoryById(assignment.Message.CategoryId),
			CategoryName: assignment.Message.Category.Name,
			Button:       categoryButton(assignment.Message.CategoryId),
		})
	}

	if err := s.engine.DispatchCommand(relay.SyncFavoritesCommand{ChildId: childId, Favorites: entries}); err != nil {
		return err
	}

	s.logger.Info("DeviceService", "Favorites synced", map[string]interface{}{
		"child_id": childId, "count": len(entries),
	})
	return nil
}

func (s *deviceService) Shutdown(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "api_request"
	}
	return s.engine.DispatchCommand(relay.ShutdownCommand{Reason: reason})
}

func (s *deviceService) Status() relay.Status {
	return s.engine.Status()
}

func (s *deviceService) recordPlayback(ctx context.Context, messageId, childId int, source string, button int) {
	meta, _ := json.Marshal(map[string]interface{}{"button": button})
	playback := &entity.MessagePlayback{
		Id:        uuid.New(),
		MessageId: messageId,
		ChildId:   childId,
		Source:    source,
		Metadata:  datatypes.JSON(meta),
		PlayedAt:  time.Now(),
	}
	if err := s.catalog.RecordPlayback(ctx, playback); err != nil {
		// Audit only; playback already happened.
		s.logger.Error("DeviceService", "Failed to record playback", map[string]interface{}{
			"message_id": messageId, "error": err.Error(),
		})
	}
}
