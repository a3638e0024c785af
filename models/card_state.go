package models

import (
	"time"

	"gorm.io/gorm"
)

// CardState はポーリングで観測したカード状態の永続ミラー。
// オンデマンドの更新チェックが is_processed フラグで未処理の変更を追跡する。
// ポーリングループ自体はメモリ上のスナップショットで差分を取る。
type CardState struct {
	ID            string `gorm:"primaryKey"`
	IntegrationID string `gorm:"index"`
	CardID        string `gorm:"index"`
	Name          string
	ListID        string
	Description   string
	Due           string
	LastModified  time.Time
	IsProcessed   bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     gorm.DeletedAt `gorm:"index"`
}
