package main

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"trello-discord-sync/handlers"
	"trello-discord-sync/models"
	"trello-discord-sync/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "trello_discord_sync.db"
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		log.Fatalf("データベース接続エラー: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Integration{},
		&models.UserMapping{},
		&models.CardChannelMapping{},
		&models.CardState{},
	); err != nil {
		log.Fatalf("マイグレーションエラー: %v", err)
	}

	trello := services.NewTrelloClient()

	gateway, err := services.NewDiscordGateway(os.Getenv("DISCORD_BOT_TOKEN"), os.Getenv("DISCORD_GUILD_ID"))
	if err != nil {
		log.Fatalf("Discordゲートウェイ初期化エラー: %v", err)
	}
	router := services.NewConfirmationRouter(db, trello)
	gateway.SetRouter(router)
	if err := gateway.Start(); err != nil {
		log.Fatalf("Discord接続エラー: %v", err)
	}
	defer gateway.Stop()

	poller := services.NewPoller(db, trello, gateway, router)

	// 放置された確認ボタンを定期的に掃除する
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			router.ExpireOldConfirmations(7 * 24 * time.Hour)
		}
	}()

	r := gin.Default()

	integrations := r.Group("/api/integrations")
	{
		integrations.POST("", handlers.CreateIntegration(db))
		integrations.GET("", handlers.ListIntegrations(db))
		integrations.GET("/:id", handlers.GetIntegration(db))
		integrations.DELETE("/:id", handlers.DeleteIntegration(db))
		integrations.POST("/:id/check-updates", handlers.CheckIntegrationUpdates(db, trello))
		integrations.GET("/:id/pending-changes", handlers.GetPendingChanges(db, trello))
		integrations.POST("/:id/mark-processed", handlers.MarkChangesProcessed(db))
	}

	mappings := r.Group("/api/mappings")
	{
		mappings.POST("/users", handlers.CreateUserMapping(db))
		mappings.POST("/users/bulk", handlers.BulkCreateUserMappings(db))
		mappings.GET("/users", handlers.ListUserMappings(db))
		mappings.DELETE("/users/:id", handlers.DeleteUserMapping(db))
		mappings.POST("/channels", handlers.CreateCardChannelMapping(db))
		mappings.GET("/channels", handlers.ListCardChannelMappings(db))
		mappings.DELETE("/channels/:id", handlers.DeleteCardChannelMapping(db))
	}

	monitor := r.Group("/api/monitor")
	{
		monitor.POST("/start/:board_id", handlers.StartMonitoring(db, trello, poller))
		monitor.POST("/stop", handlers.StopMonitoring(poller))
		monitor.GET("/status", handlers.MonitoringStatus(poller))
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := r.Run(":" + port); err != nil {
		log.Fatal(err)
	}
}
