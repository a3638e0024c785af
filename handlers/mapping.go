package handlers

import (
	"log"
	"net/http"

	"trello-discord-sync/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserMappingRequest struct {
	IntegrationID   string `json:"integration_id"`
	TrelloUserID    string `json:"trello_user_id"`
	TrelloUsername  string `json:"trello_username"`
	DiscordUserID   string `json:"discord_user_id"`
	DiscordUsername string `json:"discord_username"`
}

// CreateUserMapping はTrelloメンバーとDiscordユーザーの対応を登録する
func CreateUserMapping(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := currentUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
			return
		}

		var req UserMappingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.IntegrationID == "" || req.TrelloUserID == "" || req.DiscordUserID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "integration_id, trello_user_id and discord_user_id are required"})
			return
		}

		var count int64
		db.Model(&models.UserMapping{}).
			Where("trello_user_id = ? AND integration_id = ?", req.TrelloUserID, req.IntegrationID).
			Count(&count)
		if count > 0 {
			c.JSON(http.StatusConflict, gin.H{"error": "mapping already exists for this trello user"})
			return
		}

		mapping := models.UserMapping{
			ID:              uuid.NewString(),
			IntegrationID:   req.IntegrationID,
			TrelloUserID:    req.TrelloUserID,
			TrelloUsername:  req.TrelloUsername,
			DiscordUserID:   req.DiscordUserID,
			DiscordUsername: req.DiscordUsername,
			CreatedBy:       userID,
		}
		if err := db.Create(&mapping).Error; err != nil {
			log.Printf("user mapping作成エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create mapping"})
			return
		}
		c.JSON(http.StatusCreated, mapping)
	}
}

type BulkUserMappingRequest struct {
	IntegrationID string               `json:"integration_id"`
	Mappings      []UserMappingRequest `json:"mappings"`
}

// BulkCreateUserMappings は複数のユーザーマッピングを一括登録する。
// 重複分はスキップして、登録できた件数とスキップした件数を返す。
func BulkCreateUserMappings(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := currentUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
			return
		}

		var req BulkUserMappingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.IntegrationID == "" || len(req.Mappings) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "integration_id and mappings are required"})
			return
		}

		created, skipped := 0, 0
		for _, m := range req.Mappings {
			if m.TrelloUserID == "" || m.DiscordUserID == "" {
				skipped++
				continue
			}
			var count int64
			db.Model(&models.UserMapping{}).
				Where("trello_user_id = ? AND integration_id = ?", m.TrelloUserID, req.IntegrationID).
				Count(&count)
			if count > 0 {
				skipped++
				continue
			}
			mapping := models.UserMapping{
				ID:              uuid.NewString(),
				IntegrationID:   req.IntegrationID,
				TrelloUserID:    m.TrelloUserID,
				TrelloUsername:  m.TrelloUsername,
				DiscordUserID:   m.DiscordUserID,
				DiscordUsername: m.DiscordUsername,
				CreatedBy:       userID,
			}
			if err := db.Create(&mapping).Error; err != nil {
				log.Printf("user mapping一括登録エラー (trello: %s): %v", m.TrelloUserID, err)
				skipped++
				continue
			}
			created++
		}

		log.Printf("user mapping一括登録: created=%d skipped=%d", created, skipped)
		c.JSON(http.StatusCreated, gin.H{"created": created, "skipped": skipped})
	}
}

func ListUserMappings(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		query := db.Model(&models.UserMapping{})
		if integrationID := c.Query("integration_id"); integrationID != "" {
			query = query.Where("integration_id = ?", integrationID)
		}

		var mappings []models.UserMapping
		if err := query.Find(&mappings).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list mappings"})
			return
		}
		c.JSON(http.StatusOK, mappings)
	}
}

func DeleteUserMapping(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		result := db.Where("id = ?", c.Param("id")).Delete(&models.UserMapping{})
		if result.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "mapping not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "mapping deleted"})
	}
}

type CardChannelMappingRequest struct {
	IntegrationID      string `json:"integration_id"`
	TrelloCardID       string `json:"trello_card_id"`
	TrelloListID       string `json:"trello_list_id"`
	TrelloCardName     string `json:"trello_card_name"`
	DiscordChannelID   string `json:"discord_channel_id"`
	DiscordChannelName string `json:"discord_channel_name"`
}

// CreateCardChannelMapping はカードまたはリストとチャンネルの対応を手動登録する。
// 対象はカードかリストのどちらか一方だけ指定できる。
func CreateCardChannelMapping(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := currentUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
			return
		}

		var req CardChannelMappingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.IntegrationID == "" || req.DiscordChannelID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "integration_id and discord_channel_id are required"})
			return
		}
		hasCard := req.TrelloCardID != ""
		hasList := req.TrelloListID != ""
		if hasCard == hasList {
			c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of trello_card_id or trello_list_id must be set"})
			return
		}

		var count int64
		if hasCard {
			db.Model(&models.CardChannelMapping{}).
				Where("trello_card_id = ? AND integration_id = ?", req.TrelloCardID, req.IntegrationID).
				Count(&count)
		} else {
			db.Model(&models.CardChannelMapping{}).
				Where("trello_list_id = ? AND integration_id = ?", req.TrelloListID, req.IntegrationID).
				Count(&count)
		}
		if count > 0 {
			c.JSON(http.StatusConflict, gin.H{"error": "mapping already exists for this card or list"})
			return
		}

		db.Model(&models.CardChannelMapping{}).
			Where("discord_channel_id = ? AND integration_id = ?", req.DiscordChannelID, req.IntegrationID).
			Count(&count)
		if count > 0 {
			c.JSON(http.StatusConflict, gin.H{"error": "channel is already mapped"})
			return
		}

		mapping := models.CardChannelMapping{
			ID:                   uuid.NewString(),
			IntegrationID:        req.IntegrationID,
			TrelloCardID:         req.TrelloCardID,
			TrelloListID:         req.TrelloListID,
			TrelloCardName:       req.TrelloCardName,
			DiscordChannelID:     req.DiscordChannelID,
			DiscordChannelName:   req.DiscordChannelName,
			CreatedBy:            userID,
			CreatedAutomatically: false,
		}
		if err := db.Create(&mapping).Error; err != nil {
			log.Printf("channel mapping作成エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create mapping"})
			return
		}
		c.JSON(http.StatusCreated, mapping)
	}
}

func ListCardChannelMappings(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		query := db.Model(&models.CardChannelMapping{})
		if integrationID := c.Query("integration_id"); integrationID != "" {
			query = query.Where("integration_id = ?", integrationID)
		}

		var mappings []models.CardChannelMapping
		if err := query.Find(&mappings).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list mappings"})
			return
		}
		c.JSON(http.StatusOK, mappings)
	}
}

func DeleteCardChannelMapping(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		result := db.Where("id = ?", c.Param("id")).Delete(&models.CardChannelMapping{})
		if result.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "mapping not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "mapping deleted"})
	}
}
