package models

import (
	"time"

	"gorm.io/gorm"
)

// CardChannelMapping は Trelloのカードまたはリストと Discordチャンネルの対応を保持する。
// TrelloCardID と TrelloListID はどちらか一方だけが設定される。
// DiscordMessageID はチャンネル作成後に送る案内メッセージのIDで、
// メッセージ送信が完了してから書き戻される（二段階で確定する）。
type CardChannelMapping struct {
	ID                   string `gorm:"primaryKey"`
	IntegrationID        string `gorm:"index"`
	TrelloCardID         string `gorm:"index"`
	TrelloListID         string `gorm:"index"`
	TrelloCardName       string
	DiscordChannelID     string `gorm:"index"`
	DiscordChannelName   string
	DiscordMessageID     string
	CreatedBy            string
	CreatedAutomatically bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
	DeletedAt            gorm.DeletedAt `gorm:"index"`
}
