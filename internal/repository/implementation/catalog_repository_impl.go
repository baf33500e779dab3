package implementation

import (
	"context"
	"errors"

	"wearext-be/internal/entity"
	"wearext-be/internal/repository/contract"

	"gorm.io/gorm"
)

type catalogRepository struct {
	db *gorm.DB
}

func NewCatalogRepository(db *gorm.DB) contract.CatalogRepository {
	return &catalogRepository{db: db}
}

func (r *catalogRepository) FindActiveMessage(ctx context.Context, messageId int) (*entity.Message, error) {
	var message entity.Message
	err := r.db.WithContext(ctx).
		Preload("Category").
		Where("id = ? AND is_active = ?", messageId, true).
		First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &message, nil
}

func (r *catalogRepository) IsMessageAssigned(ctx context.Context, messageId, childId int) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&entity.ChildMessage{}).
		Where("message_id = ? AND child_id = ?", messageId, childId).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *catalogRepository) FindActiveCategory(ctx context.Context, categoryId int) (*entity.Category, error) {
	var category entity.Category
	err := r.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", categoryId, true).
		First(&category).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &category, nil
}

func (r *catalogRepository) ListCategoryMessages(ctx context.Context, categoryId, childId, limit int) ([]*entity.ChildMessage, error) {
	var assignments []*entity.ChildMessage
	err := r.db.WithContext(ctx).
		Preload("Message").
		Joins("JOIN messages ON messages.id = child_messages.message_id").
		Where("messages.category_id = ? AND child_messages.child_id = ? AND messages.is_active = ?", categoryId, childId, true).
		Order("child_messages.is_favorite DESC, messages.id ASC").
		Limit(limit).
		Find(&assignments).Error
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

func (r *catalogRepository) ListFavorites(ctx context.Context, childId, limit int) ([]*entity.ChildMessage, error) {
	var assignments []*entity.ChildMessage
	err := r.db.WithContext(ctx).
		Preload("Message").
		Preload("Message.Category").
		Joins("JOIN messages ON messages.id = child_messages.message_id").
		Where("child_messages.child_id = ? AND child_messages.is_favorite = ? AND messages.is_active = ?", childId, true, true).
		Order("messages.category_id ASC, messages.id ASC").
		Limit(limit).
		Find(&assignments).Error
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

func (r *catalogRepository) RecordPlayback(ctx context.Context, playback *entity.MessagePlayback) error {
	return r.db.WithContext(ctx).Create(playback).Error
}
