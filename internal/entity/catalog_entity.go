package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Category struct {
	Id        int `gorm:"primaryKey"`
	Name      string
	IsActive  bool `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt *time.Time
}

type Message struct {
	Id         int `gorm:"primaryKey"`
	Text       string
	CategoryId int      `gorm:"index"`
	Category   Category `gorm:"foreignKey:CategoryId"`
	IsActive   bool     `gorm:"default:true"`
	CreatedAt  time.Time
	UpdatedAt  *time.Time
}

// ChildMessage assigns a message to a child. Only assigned messages may be
// played on the child's device.
type ChildMessage struct {
	Id         int `gorm:"primaryKey"`
	ChildId    int `gorm:"index:idx_child_message,unique"`
	MessageId  int `gorm:"index:idx_child_message,unique"`
	Message    Message `gorm:"foreignKey:MessageId"`
	IsFavorite bool    `gorm:"default:false"`
	CreatedAt  time.Time
}

// MessagePlayback is the audit row written every time the relay pushes a
// message to the device.
type MessagePlayback struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	MessageId int       `gorm:"index"`
	ChildId   int       `gorm:"index"`
	Source    string
	Metadata  datatypes.JSON
	PlayedAt  time.Time
}
