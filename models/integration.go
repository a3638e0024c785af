package models

import (
	"time"

	"gorm.io/gorm"
)

// Integration は監視対象の (Trelloボード, Discordサーバー) の組を表す
type Integration struct {
	ID              string `gorm:"primaryKey"`
	TrelloBoardID   string `gorm:"index:idx_board_guild_owner,unique"`
	DiscordGuildID  string `gorm:"index:idx_board_guild_owner,unique"`
	CreatedBy       string `gorm:"index:idx_board_guild_owner,unique"` // 連携を作成したユーザーのID
	Name            string
	TrelloBoardName string
	TrelloBoardURL  string
	Active          bool
	PollingInterval int        // ポーリング間隔（秒単位、デフォルト300秒）
	LastCheck       *time.Time // 最後にボードを確認した時刻
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       gorm.DeletedAt `gorm:"index"`
}
