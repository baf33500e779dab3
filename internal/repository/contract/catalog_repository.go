package contract

import (
	"context"

	"wearext-be/internal/entity"
)

// CatalogRepository is the data-access collaborator the relay calls into to
// resolve which messages a device/child combination may play. The relay core
// never touches gorm directly.
type CatalogRepository interface {
	// FindActiveMessage returns the message with its category preloaded, or
	// nil when the message does not exist or is inactive.
	FindActiveMessage(ctx context.Context, messageId int) (*entity.Message, error)

	// IsMessageAssigned reports whether the child has been assigned the message.
	IsMessageAssigned(ctx context.Context, messageId, childId int) (bool, error)

	// FindActiveCategory returns nil when the category does not exist or is inactive.
	FindActiveCategory(ctx context.Context, categoryId int) (*entity.Category, error)

	// ListCategoryMessages returns up to limit active messages of the category
	// assigned to the child, favorites first.
	ListCategoryMessages(ctx context.Context, categoryId, childId, limit int) ([]*entity.ChildMessage, error)

	// ListFavorites returns up to limit favorite assignments for the child,
	// ordered by category then message id.
	ListFavorites(ctx context.Context, childId, limit int) ([]*entity.ChildMessage, error)

	RecordPlayback(ctx context.Context, playback *entity.MessagePlayback) error
}
