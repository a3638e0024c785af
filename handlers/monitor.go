package handlers

import (
	"log"
	"net/http"
	"time"

	"trello-discord-sync/models"
	"trello-discord-sync/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// StartMonitoring は指定ボードのポーリングを開始する。
// 先にTrello側でボードの存在を確かめてから動かす。
func StartMonitoring(db *gorm.DB, trello *services.TrelloClient, poller *services.Poller) gin.HandlerFunc {
	return func(c *gin.Context) {
		boardID := c.Param("board_id")
		if boardID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "board_id is required"})
			return
		}

		board, err := trello.GetBoard(boardID)
		if err != nil {
			log.Printf("ボード確認エラー (board: %s): %v", boardID, err)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "board is not accessible",
				"details": err.Error(),
			})
			return
		}

		// 連携が登録されていればその設定を引き継ぐ
		integrationID := ""
		interval := services.DefaultPollInterval
		var integration models.Integration
		if err := db.Where("trello_board_id = ?", boardID).First(&integration).Error; err == nil {
			integrationID = integration.ID
			if integration.PollingInterval > 0 {
				interval = time.Duration(integration.PollingInterval) * time.Second
			}
		}

		if err := poller.Start(boardID, integrationID, interval); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message":    "monitoring started",
			"board_id":   boardID,
			"board_name": board.Name,
		})
	}
}

func StopMonitoring(poller *services.Poller) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := poller.Stop(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "monitoring stopped"})
	}
}

func MonitoringStatus(poller *services.Poller) gin.HandlerFunc {
	return func(c *gin.Context) {
		active, boardID := poller.Status()
		c.JSON(http.StatusOK, gin.H{
			"active":             active,
			"monitored_board_id": boardID,
		})
	}
}
