package services

import (
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"trello-discord-sync/models"
)

func newTestPoller(t *testing.T) (*Poller, *fakeChatGateway, *gorm.DB) {
	db := setupTestDB(t)
	gw := &fakeChatGateway{}
	trello := newTestTrelloClient()
	router := NewConfirmationRouter(db, trello)

	p := NewPoller(db, trello, gw, router)
	p.integrationID = "int1"
	p.notifier = NewNotifier(db, trello, gw, router, "int1")
	p.cards = make(map[string]TrelloCard)
	p.lists = make(map[string]bool)
	return p, gw, db
}

func mockBoardSnapshot(lists []map[string]interface{}, cards []map[string]interface{}) {
	gock.New("https://api.trello.com").
		Get("/1/boards/board1/lists").
		Reply(200).
		JSON(lists)
	gock.New("https://api.trello.com").
		Get("/1/boards/board1/cards").
		Reply(200).
		JSON(cards)
}

func TestTickColdStartSendsNothing(t *testing.T) {
	p, gw, db := newTestPoller(t)
	defer gock.Off()

	mockBoardSnapshot(
		[]map[string]interface{}{
			{"id": "list1", "name": "To Do"},
		},
		[]map[string]interface{}{
			{"id": "c1", "name": "既存カード", "idList": "list1", "dateLastActivity": "2024-05-01T10:00:00.000Z"},
			{"id": "c2", "name": "もう一枚", "idList": "list1", "dateLastActivity": "2024-05-01T11:00:00.000Z"},
		},
	)

	p.tick("board1")

	// 初回はベースラインを取るだけで、既存分に通知もチャンネル作成もしない
	assert.True(t, gock.IsDone())
	assert.Empty(t, gw.channels)
	assert.Empty(t, gw.messages)
	assert.Empty(t, gw.buttons)
	assert.True(t, p.baselined)
	assert.Len(t, p.cards, 2)
	assert.Len(t, p.lists, 1)

	var count int64
	db.Model(&models.CardState{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestTickDetectsCardUpdate(t *testing.T) {
	p, gw, db := newTestPoller(t)
	defer gock.Off()

	db.Create(&models.Integration{ID: "int1", TrelloBoardID: "board1", CreatedBy: "u1"})
	db.Create(&models.CardChannelMapping{
		ID:               "ccm1",
		IntegrationID:    "int1",
		TrelloListID:     "list1",
		DiscordChannelID: "chan1",
	})

	mockBoardSnapshot(
		[]map[string]interface{}{{"id": "list1", "name": "To Do"}},
		[]map[string]interface{}{
			{"id": "c1", "name": "旧タイトル", "idList": "list1", "dateLastActivity": "2024-05-01T10:00:00.000Z"},
		},
	)
	p.tick("board1")
	assert.Empty(t, gw.messages)

	// 2回目はタイトルが変わり dateLastActivity が進んでいる
	mockBoardSnapshot(
		[]map[string]interface{}{{"id": "list1", "name": "To Do"}},
		[]map[string]interface{}{
			{"id": "c1", "name": "新タイトル", "idList": "list1", "dateLastActivity": "2024-05-01T12:00:00.000Z"},
		},
	)
	p.tick("board1")

	assert.True(t, gock.IsDone())
	assert.Len(t, gw.messages, 1)
	assert.Contains(t, gw.messages[0].Content, "タイトル変更")

	// 永続ミラーと最終確認時刻も更新される
	var state models.CardState
	assert.NoError(t, db.Where("card_id = ?", "c1").First(&state).Error)
	assert.Equal(t, "新タイトル", state.Name)
	assert.False(t, state.IsProcessed)

	var integration models.Integration
	db.Where("id = ?", "int1").First(&integration)
	assert.NotNil(t, integration.LastCheck)
}

func TestTickProvisionsChannelForNewList(t *testing.T) {
	p, gw, db := newTestPoller(t)
	defer gock.Off()

	mockBoardSnapshot(
		[]map[string]interface{}{{"id": "list1", "name": "To Do"}},
		[]map[string]interface{}{},
	)
	p.tick("board1")

	mockBoardSnapshot(
		[]map[string]interface{}{
			{"id": "list1", "name": "To Do"},
			{"id": "list2", "name": "Doing"},
		},
		[]map[string]interface{}{},
	)
	p.tick("board1")

	// ベースライン後に現れたリストだけチャンネルが作られる
	assert.True(t, gock.IsDone())
	assert.Equal(t, []string{"trello-doing"}, gw.channels)

	var mapping models.CardChannelMapping
	assert.NoError(t, db.Where("trello_list_id = ?", "list2").First(&mapping).Error)
	assert.Equal(t, "chan-trello-doing", mapping.DiscordChannelID)
}

func TestTickSchedulesNewCardNotification(t *testing.T) {
	p, gw, db := newTestPoller(t)
	defer gock.Off()

	mockBoardSnapshot(
		[]map[string]interface{}{{"id": "list1", "name": "To Do"}},
		[]map[string]interface{}{},
	)
	p.tick("board1")

	mockBoardSnapshot(
		[]map[string]interface{}{{"id": "list1", "name": "To Do"}},
		[]map[string]interface{}{
			{"id": "c1", "name": "新カード", "idList": "list1", "dateLastActivity": "2024-05-01T10:00:00.000Z"},
		},
	)
	p.tick("board1")
	defer p.notifier.CancelPendingSends()

	// 初回通知は遅延付きで予約されるだけで、即時には送られない
	assert.True(t, gock.IsDone())
	assert.Empty(t, gw.messages)
	assert.Empty(t, gw.buttons)

	p.notifier.mu.Lock()
	assert.Len(t, p.notifier.timers, 1)
	p.notifier.mu.Unlock()

	var state models.CardState
	assert.NoError(t, db.Where("card_id = ?", "c1").First(&state).Error)
	assert.Equal(t, "新カード", state.Name)
}

func TestTickFetchFailureKeepsBaseline(t *testing.T) {
	p, _, _ := newTestPoller(t)
	defer gock.Off()

	gock.New("https://api.trello.com").
		Get("/1/boards/board1/lists").
		Reply(500).
		BodyString("server error")

	p.tick("board1")

	// 取得に失敗した回はベースラインを取らない
	assert.False(t, p.baselined)
}

func TestStartAndStopGuards(t *testing.T) {
	db := setupTestDB(t)
	// 認証情報を空にしておくと起動直後のtickは即失敗して何もしない
	trello := &TrelloClient{BaseURL: "https://api.trello.com/1"}
	router := NewConfirmationRouter(db, trello)
	p := NewPoller(db, trello, &fakeChatGateway{}, router)

	assert.NoError(t, p.Start("board1", "int1", time.Hour))

	err := p.Start("board1", "int1", time.Hour)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already active")

	active, boardID := p.Status()
	assert.True(t, active)
	assert.Equal(t, "board1", boardID)

	assert.NoError(t, p.Stop())
	assert.Error(t, p.Stop())

	active, boardID = p.Status()
	assert.False(t, active)
	assert.Empty(t, boardID)
}
