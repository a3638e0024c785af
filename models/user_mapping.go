package models

import (
	"time"

	"gorm.io/gorm"
)

// UserMapping は Trelloユーザーと DiscordユーザーのIDの対応を保持する
type UserMapping struct {
	ID              string `gorm:"primaryKey"`
	IntegrationID   string `gorm:"index:idx_trello_user_integration,unique"`
	TrelloUserID    string `gorm:"index:idx_trello_user_integration,unique"` // Trello のメンバーID
	TrelloUsername  string
	DiscordUserID   string `gorm:"index"` // Discord のユーザーID
	DiscordUsername string
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       gorm.DeletedAt `gorm:"index"`
}
