package handlers

import (
	"log"
	"net/http"
	"time"

	"trello-discord-sync/models"
	"trello-discord-sync/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// currentUserID はリクエストの操作ユーザーを返す。
// 認証基盤は持たないので X-User-ID ヘッダをそのまま信用する。
func currentUserID(c *gin.Context) string {
	return c.GetHeader("X-User-ID")
}

type CreateIntegrationRequest struct {
	Name            string `json:"name"`
	TrelloBoardID   string `json:"trello_board_id"`
	DiscordGuildID  string `json:"discord_guild_id"`
	PollingInterval int    `json:"polling_interval"`
}

// CreateIntegration はボードとサーバーの連携を登録する。
// 同じユーザーが同じ組み合わせを二重登録しようとしたら409を返す。
func CreateIntegration(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := currentUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
			return
		}

		var req CreateIntegrationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.TrelloBoardID == "" || req.DiscordGuildID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "trello_board_id and discord_guild_id are required"})
			return
		}

		var count int64
		db.Model(&models.Integration{}).
			Where("trello_board_id = ? AND discord_guild_id = ? AND created_by = ?",
				req.TrelloBoardID, req.DiscordGuildID, userID).
			Count(&count)
		if count > 0 {
			c.JSON(http.StatusConflict, gin.H{"error": "integration already exists for this board and guild"})
			return
		}

		interval := req.PollingInterval
		if interval <= 0 {
			interval = 300
		}

		integration := models.Integration{
			ID:              uuid.NewString(),
			Name:            req.Name,
			TrelloBoardID:   req.TrelloBoardID,
			DiscordGuildID:  req.DiscordGuildID,
			CreatedBy:       userID,
			Active:          true,
			PollingInterval: interval,
		}
		if err := db.Create(&integration).Error; err != nil {
			log.Printf("integration作成エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create integration"})
			return
		}

		log.Printf("integration作成: id=%s board=%s", integration.ID, integration.TrelloBoardID)
		c.JSON(http.StatusCreated, integration)
	}
}

// ListIntegrations は操作ユーザーの連携を一覧する
func ListIntegrations(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := currentUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
			return
		}

		var integrations []models.Integration
		if err := db.Where("created_by = ?", userID).Find(&integrations).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list integrations"})
			return
		}
		c.JSON(http.StatusOK, integrations)
	}
}

func GetIntegration(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var integration models.Integration
		if err := db.Where("id = ?", c.Param("id")).First(&integration).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "integration not found"})
			return
		}
		c.JSON(http.StatusOK, integration)
	}
}

// DeleteIntegration は連携と、それにぶら下がるマッピングや状態をまとめて消す
func DeleteIntegration(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := currentUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
			return
		}

		id := c.Param("id")
		// フロントエンドが未定義値をそのまま投げてくることがある
		if id == "" || id == "None" || id == "undefined" || uuid.Validate(id) != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid integration id"})
			return
		}

		var integration models.Integration
		if err := db.Where("id = ?", id).First(&integration).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "integration not found"})
			return
		}
		if integration.CreatedBy != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "not the owner of this integration"})
			return
		}

		states := db.Where("integration_id = ?", id).Delete(&models.CardState{})
		users := db.Where("integration_id = ?", id).Delete(&models.UserMapping{})
		channels := db.Where("integration_id = ?", id).Delete(&models.CardChannelMapping{})
		if err := db.Delete(&integration).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete integration"})
			return
		}

		log.Printf("integration削除: id=%s (card_states=%d, user_mappings=%d, channel_mappings=%d)",
			id, states.RowsAffected, users.RowsAffected, channels.RowsAffected)
		c.JSON(http.StatusOK, gin.H{
			"message":                  "integration deleted",
			"deleted_card_states":      states.RowsAffected,
			"deleted_user_mappings":    users.RowsAffected,
			"deleted_channel_mappings": channels.RowsAffected,
		})
	}
}

// CheckIntegrationUpdates は永続ミラーと現在のボードを突き合わせて
// 未処理の変更を検出する。ポーリングとは独立したオンデマンドの経路。
func CheckIntegrationUpdates(db *gorm.DB, trello *services.TrelloClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		var integration models.Integration
		if err := db.Where("id = ?", c.Param("id")).First(&integration).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "integration not found"})
			return
		}

		cards, err := trello.GetCards(integration.TrelloBoardID)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch board cards", "details": err.Error()})
			return
		}

		var states []models.CardState
		db.Where("integration_id = ?", integration.ID).Find(&states)
		known := make(map[string]models.CardState, len(states))
		for _, state := range states {
			known[state.CardID] = state
		}

		newCount, modifiedCount, movedCount := 0, 0, 0
		var details []gin.H

		for _, card := range cards {
			state, ok := known[card.ID]
			if !ok {
				lastModified, err := time.Parse(time.RFC3339, card.DateLastActivity)
				if err != nil {
					lastModified = time.Now()
				}
				db.Create(&models.CardState{
					ID:            uuid.NewString(),
					IntegrationID: integration.ID,
					CardID:        card.ID,
					Name:          card.Name,
					ListID:        card.ListID,
					Description:   card.Desc,
					Due:           card.Due,
					LastModified:  lastModified,
					IsProcessed:   false,
				})
				newCount++
				details = append(details, gin.H{"type": "new", "card_id": card.ID, "card_name": card.Name})
				continue
			}

			changed := false
			if state.Name != card.Name {
				modifiedCount++
				details = append(details, gin.H{
					"type": "modified", "card_id": card.ID,
					"old_name": state.Name, "new_name": card.Name,
				})
				changed = true
			}
			if state.ListID != card.ListID {
				movedCount++
				details = append(details, gin.H{
					"type": "moved", "card_id": card.ID, "card_name": card.Name,
					"old_list_id": state.ListID, "new_list_id": card.ListID,
				})
				changed = true
			}
			if changed {
				state.Name = card.Name
				state.ListID = card.ListID
				state.Description = card.Desc
				state.Due = card.Due
				state.IsProcessed = false
				db.Save(&state)
			}
		}

		now := time.Now()
		db.Model(&integration).Update("last_check", now)

		c.JSON(http.StatusOK, gin.H{
			"new_cards":      newCount,
			"modified_cards": modifiedCount,
			"moved_cards":    movedCount,
			"details":        details,
		})
	}
}

// GetPendingChanges は未処理フラグの立っているカード状態を返す
func GetPendingChanges(db *gorm.DB, trello *services.TrelloClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		var integration models.Integration
		if err := db.Where("id = ?", c.Param("id")).First(&integration).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "integration not found"})
			return
		}

		var states []models.CardState
		db.Where("integration_id = ? AND is_processed = ?", integration.ID, false).Find(&states)

		// リスト名は取れたら付ける（取れなくても一覧自体は返す）
		listNames := make(map[string]string)
		if lists, err := trello.GetLists(integration.TrelloBoardID); err == nil {
			for _, list := range lists {
				listNames[list.ID] = list.Name
			}
		} else {
			log.Printf("リスト取得エラー (board: %s): %v", integration.TrelloBoardID, err)
		}

		changes := make([]gin.H, 0, len(states))
		for _, state := range states {
			changes = append(changes, gin.H{
				"card_id":       state.CardID,
				"card_name":     state.Name,
				"list_id":       state.ListID,
				"list_name":     listNames[state.ListID],
				"due":           state.Due,
				"last_modified": state.LastModified,
			})
		}
		c.JSON(http.StatusOK, gin.H{"pending_changes": changes, "count": len(changes)})
	}
}

type MarkProcessedRequest struct {
	CardIDs []string `json:"card_ids"`
}

// MarkChangesProcessed は指定カードの未処理フラグを下ろす
func MarkChangesProcessed(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var integration models.Integration
		if err := db.Where("id = ?", c.Param("id")).First(&integration).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "integration not found"})
			return
		}

		var req MarkProcessedRequest
		if err := c.ShouldBindJSON(&req); err != nil || len(req.CardIDs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "card_ids is required"})
			return
		}

		result := db.Model(&models.CardState{}).
			Where("integration_id = ? AND card_id IN ?", integration.ID, req.CardIDs).
			Update("is_processed", true)
		if result.Error != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark changes"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"processed_count": result.RowsAffected})
	}
}
