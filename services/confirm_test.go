package services

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"trello-discord-sync/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("fail to open test db: %v", err)
	}

	// マイグレーションを実行
	if err := db.AutoMigrate(
		&models.Integration{},
		&models.UserMapping{},
		&models.CardChannelMapping{},
		&models.CardState{},
	); err != nil {
		t.Fatalf("fail to migrate test db: %v", err)
	}

	return db
}

// fakeResponder はインタラクションへの返信を記録するだけのゲートウェイ
type fakeResponder struct {
	responses []string
	followups []string
	edits     []string
}

func (f *fakeResponder) RespondEphemeral(interaction *discordgo.Interaction, content string) error {
	f.responses = append(f.responses, content)
	return nil
}

func (f *fakeResponder) FollowupEphemeral(interaction *discordgo.Interaction, content string) error {
	f.followups = append(f.followups, content)
	return nil
}

func (f *fakeResponder) DisableButtonMessage(channelID, messageID, content string) error {
	f.edits = append(f.edits, content)
	return nil
}

func TestConfirmationRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	defer gock.Off()

	db.Create(&models.UserMapping{
		ID:             "um1",
		IntegrationID:  "int1",
		TrelloUserID:   "trello-user-1",
		TrelloUsername: "taro",
		DiscordUserID:  "discord-user-1",
	})

	// コメント追加とラベル付けのTrello呼び出しをモック
	gock.New("https://api.trello.com").
		Post("/1/cards/card1/actions/comments").
		Reply(200).
		JSON(map[string]string{"id": "comment1"})
	gock.New("https://api.trello.com").
		Get("/1/cards/card1").
		Reply(200).
		JSON(map[string]interface{}{"id": "card1", "idBoard": "board1"})
	gock.New("https://api.trello.com").
		Get("/1/boards/board1/labels").
		Reply(200).
		JSON([]map[string]string{
			{"id": "lab1", "name": ConfirmedLabelName, "color": "green"},
		})
	gock.New("https://api.trello.com").
		Post("/1/cards/card1/idLabels").
		Reply(200).
		JSON(map[string]string{})

	router := NewConfirmationRouter(db, newTestTrelloClient())
	token := router.Register("card1", "int1", "discord-user-1", ActionConfirm)
	assert.Equal(t, 1, router.PendingCount())

	gw := &fakeResponder{}
	interaction := &discordgo.Interaction{
		ChannelID: "chan1",
		Message:   &discordgo.Message{ID: "msg1", Content: "割り当ての通知"},
	}

	router.HandleInteraction(gw, interaction, token, "discord-user-1")

	// Trello更新が走り、元メッセージが書き換わり、保留状態が消える
	assert.True(t, gock.IsDone(), "すべてのモックが使用されていません")
	assert.Equal(t, 0, router.PendingCount())
	assert.Len(t, gw.responses, 1)
	assert.Contains(t, gw.responses[0], "確認を受け付けました")
	assert.Len(t, gw.edits, 1)
	assert.Contains(t, gw.edits[0], "割り当ての通知")
	assert.Contains(t, gw.edits[0], "<@discord-user-1> さんが確認しました")
	assert.Empty(t, gw.followups)

	// 同じトークンをもう一度押してもTrello側には何も起きない
	gw2 := &fakeResponder{}
	router.HandleInteraction(gw2, interaction, token, "discord-user-1")
	assert.Len(t, gw2.responses, 1)
	assert.Contains(t, gw2.responses[0], "期限切れ")
	assert.Empty(t, gw2.edits)
}

func TestConfirmationConcurrentPressesApplyOnce(t *testing.T) {
	db := setupTestDB(t)
	defer gock.Off()

	db.Create(&models.UserMapping{
		ID:             "um1",
		IntegrationID:  "int1",
		TrelloUserID:   "trello-user-1",
		TrelloUsername: "taro",
		DiscordUserID:  "discord-user-1",
	})

	// Trello呼び出しのモックは1回分だけ用意する。コメントには遅延を入れて
	// 片方の処理中にもう片方の押下が届く状況を作る
	gock.New("https://api.trello.com").
		Post("/1/cards/card1/actions/comments").
		Reply(200).
		Delay(50 * time.Millisecond).
		JSON(map[string]string{"id": "comment1"})
	gock.New("https://api.trello.com").
		Get("/1/cards/card1").
		Reply(200).
		JSON(map[string]interface{}{"id": "card1", "idBoard": "board1"})
	gock.New("https://api.trello.com").
		Get("/1/boards/board1/labels").
		Reply(200).
		JSON([]map[string]string{
			{"id": "lab1", "name": ConfirmedLabelName, "color": "green"},
		})
	gock.New("https://api.trello.com").
		Post("/1/cards/card1/idLabels").
		Reply(200).
		JSON(map[string]string{})

	router := NewConfirmationRouter(db, newTestTrelloClient())
	token := router.Register("card1", "int1", "discord-user-1", ActionConfirm)

	interaction := &discordgo.Interaction{
		ChannelID: "chan1",
		Message:   &discordgo.Message{ID: "msg1", Content: "割り当ての通知"},
	}

	// 同じボタンを同時に2回押す
	gw1, gw2 := &fakeResponder{}, &fakeResponder{}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		router.HandleInteraction(gw1, interaction, token, "discord-user-1")
	}()
	go func() {
		defer wg.Done()
		router.HandleInteraction(gw2, interaction, token, "discord-user-1")
	}()
	wg.Wait()

	// Trelloの更新とメッセージ編集は1回だけで、もう片方は処理済みの返事になる
	assert.True(t, gock.IsDone(), "すべてのモックが使用されていません")
	assert.Equal(t, 0, router.PendingCount())
	assert.Equal(t, 1, len(gw1.edits)+len(gw2.edits))
	assert.Empty(t, gw1.followups)
	assert.Empty(t, gw2.followups)

	expired := 0
	for _, gw := range []*fakeResponder{gw1, gw2} {
		for _, res := range gw.responses {
			if strings.Contains(res, "期限切れ") {
				expired++
			}
		}
	}
	assert.Equal(t, 1, expired)
}

func TestConfirmationUsesMappingFromOwnIntegration(t *testing.T) {
	db := setupTestDB(t)
	defer gock.Off()

	// 同じDiscordユーザーが別の連携では別のTrelloユーザーに対応している
	db.Create(&models.UserMapping{
		ID:             "um1",
		IntegrationID:  "other-integration",
		TrelloUserID:   "trello-x",
		TrelloUsername: "jiro",
		DiscordUserID:  "discord-user-1",
	})
	db.Create(&models.UserMapping{
		ID:             "um2",
		IntegrationID:  "int1",
		TrelloUserID:   "trello-y",
		TrelloUsername: "taro",
		DiscordUserID:  "discord-user-1",
	})

	// コメント本文に自分の連携側のTrelloユーザー名が入ることまで突き合わせる
	gock.New("https://api.trello.com").
		Post("/1/cards/card1/actions/comments").
		MatchParam("text", "taro").
		Reply(200).
		JSON(map[string]string{"id": "comment1"})
	gock.New("https://api.trello.com").
		Get("/1/cards/card1").
		Reply(200).
		JSON(map[string]interface{}{"id": "card1", "idBoard": "board1"})
	gock.New("https://api.trello.com").
		Get("/1/boards/board1/labels").
		Reply(200).
		JSON([]map[string]string{
			{"id": "lab1", "name": ConfirmedLabelName, "color": "green"},
		})
	gock.New("https://api.trello.com").
		Post("/1/cards/card1/idLabels").
		Reply(200).
		JSON(map[string]string{})

	router := NewConfirmationRouter(db, newTestTrelloClient())
	token := router.Register("card1", "int1", "discord-user-1", ActionConfirm)

	gw := &fakeResponder{}
	router.HandleInteraction(gw, &discordgo.Interaction{
		ChannelID: "chan1",
		Message:   &discordgo.Message{ID: "msg1", Content: "割り当ての通知"},
	}, token, "discord-user-1")

	assert.True(t, gock.IsDone(), "すべてのモックが使用されていません")
	assert.Equal(t, 0, router.PendingCount())
	assert.Empty(t, gw.followups)
}

func TestConfirmationUnknownToken(t *testing.T) {
	db := setupTestDB(t)
	defer gock.Off()

	router := NewConfirmationRouter(db, newTestTrelloClient())

	gw := &fakeResponder{}
	router.HandleInteraction(gw, &discordgo.Interaction{}, "confirm_unknown", "discord-user-1")

	// Trelloへのリクエストは一切飛ばない
	assert.Len(t, gw.responses, 1)
	assert.Contains(t, gw.responses[0], "期限切れ")
	assert.Empty(t, gw.edits)
	assert.Empty(t, gw.followups)
}

func TestConfirmationTrelloFailureKeepsPending(t *testing.T) {
	db := setupTestDB(t)
	defer gock.Off()

	db.Create(&models.UserMapping{
		ID:            "um1",
		IntegrationID: "int1",
		TrelloUserID:  "trello-user-1",
		DiscordUserID: "discord-user-1",
	})

	gock.New("https://api.trello.com").
		Post("/1/cards/card1/actions/comments").
		Reply(500).
		BodyString("internal error")

	router := NewConfirmationRouter(db, newTestTrelloClient())
	token := router.Register("card1", "int1", "discord-user-1", ActionConfirm)

	gw := &fakeResponder{}
	interaction := &discordgo.Interaction{
		ChannelID: "chan1",
		Message:   &discordgo.Message{ID: "msg1", Content: "割り当ての通知"},
	}
	router.HandleInteraction(gw, interaction, token, "discord-user-1")

	// 失敗を本人に伝えて、保留状態は残す（もう一度押せばリトライになる）
	assert.True(t, gock.IsDone())
	assert.Equal(t, 1, router.PendingCount())
	assert.Len(t, gw.followups, 1)
	assert.Contains(t, gw.followups[0], "失敗しました")
	assert.Empty(t, gw.edits)
}

func TestConfirmationUnmappedDiscordUser(t *testing.T) {
	db := setupTestDB(t)
	defer gock.Off()

	router := NewConfirmationRouter(db, newTestTrelloClient())
	token := router.Register("card1", "int1", "discord-user-9", ActionConfirm)

	gw := &fakeResponder{}
	router.HandleInteraction(gw, &discordgo.Interaction{}, "confirm_unknown", "discord-user-9")
	router.HandleInteraction(gw, &discordgo.Interaction{
		ChannelID: "chan1",
		Message:   &discordgo.Message{ID: "msg1", Content: "通知"},
	}, token, "discord-user-9")

	// マッピングがないユーザーの押下は失敗扱いで、保留状態は残る
	assert.Equal(t, 1, router.PendingCount())
	assert.Len(t, gw.followups, 1)
}

func TestExpireOldConfirmations(t *testing.T) {
	db := setupTestDB(t)

	router := NewConfirmationRouter(db, newTestTrelloClient())
	oldToken := router.Register("card1", "int1", "discord-user-1", ActionConfirm)
	router.Register("card2", "int1", "discord-user-2", ActionConfirm)

	// 片方だけ発行時刻を8日前に巻き戻す
	router.mu.Lock()
	p := router.pending[oldToken]
	p.IssuedAt = time.Now().Add(-8 * 24 * time.Hour)
	router.pending[oldToken] = p
	router.mu.Unlock()

	expired := router.ExpireOldConfirmations(7 * 24 * time.Hour)

	assert.Equal(t, 1, expired)
	assert.Equal(t, 1, router.PendingCount())
}
