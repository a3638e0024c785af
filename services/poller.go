package services

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"trello-discord-sync/models"
)

// DefaultPollInterval はポーリング間隔のデフォルト値
const DefaultPollInterval = 10 * time.Second

// Poller は一つのボードを定期的にスナップショットして差分をNotifierに流す
type Poller struct {
	db      *gorm.DB
	trello  *TrelloClient
	gateway ChatGateway
	router  *ConfirmationRouter

	mu            sync.Mutex
	running       bool
	boardID       string
	integrationID string
	interval      time.Duration
	stop          chan struct{}
	notifier      *Notifier

	// 前回スナップショット。baselined が立つまでイベントは発火しない。
	cards     map[string]TrelloCard
	lists     map[string]bool
	baselined bool
}

func NewPoller(db *gorm.DB, trello *TrelloClient, gateway ChatGateway, router *ConfirmationRouter) *Poller {
	return &Poller{
		db:      db,
		trello:  trello,
		gateway: gateway,
		router:  router,
	}
}

// Start はボードの監視ループを起動する。すでに動いていればエラーを返す。
func (p *Poller) Start(boardID, integrationID string, interval time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("monitoring is already active for board %s", p.boardID)
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	p.running = true
	p.boardID = boardID
	p.integrationID = integrationID
	p.interval = interval
	p.stop = make(chan struct{})
	p.notifier = NewNotifier(p.db, p.trello, p.gateway, p.router, integrationID)
	p.cards = make(map[string]TrelloCard)
	p.lists = make(map[string]bool)
	p.baselined = false

	go p.loop(p.stop, boardID, interval)
	log.Printf("monitoring started: board=%s interval=%s", boardID, interval)
	return nil
}

// Stop は監視ループを止めて、予約済みの通知も取り消す
func (p *Poller) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return fmt.Errorf("monitoring is not active")
	}
	close(p.stop)
	p.notifier.CancelPendingSends()
	p.running = false
	log.Printf("monitoring stopped: board=%s", p.boardID)
	return nil
}

// Status は監視中かどうかと監視対象のボードIDを返す
func (p *Poller) Status() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false, ""
	}
	return true, p.boardID
}

func (p *Poller) loop(stop chan struct{}, boardID string, interval time.Duration) {
	p.tick(boardID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.tick(boardID)
		}
	}
}

// tick はボードを一回スナップショットして前回との差分を処理する。
// 取得に失敗した回はベースラインに触らず次の周期に任せる。
func (p *Poller) tick(boardID string) {
	lists, err := p.trello.GetLists(boardID)
	if err != nil {
		log.Printf("list fetch error (board: %s): %v", boardID, err)
		return
	}
	cards, err := p.trello.GetCards(boardID)
	if err != nil {
		log.Printf("card fetch error (board: %s): %v", boardID, err)
		return
	}

	currentCards := make(map[string]TrelloCard, len(cards))
	for _, card := range cards {
		currentCards[card.ID] = card
	}
	currentLists := make(map[string]bool, len(lists))
	for _, list := range lists {
		currentLists[list.ID] = true
	}

	p.mu.Lock()
	notifier := p.notifier
	baselined := p.baselined
	prevCards := p.cards
	prevLists := p.lists
	p.mu.Unlock()

	// 初回はベースラインを取るだけで、既存のカードに通知は出さない
	if !baselined {
		p.replaceSnapshot(currentCards, currentLists, true)
		log.Printf("baseline snapshot stored: %d cards, %d lists", len(currentCards), len(lists))
		return
	}

	for _, list := range lists {
		if !prevLists[list.ID] {
			notifier.HandleNewList(list)
		}
	}

	for _, card := range cards {
		p.processCard(notifier, prevCards, card)
	}

	p.replaceSnapshot(currentCards, currentLists, true)
	p.touchLastCheck()
}

// processCard は一枚のカードの差分処理。パニックしても他のカードを巻き込まない。
func (p *Poller) processCard(notifier *Notifier, prevCards map[string]TrelloCard, card TrelloCard) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("card processing panic (card: %s): %v", card.ID, r)
		}
	}()

	prev, known := prevCards[card.ID]
	if !known {
		notifier.HandleNewCard(card)
		p.saveCardState(card)
		return
	}
	if prev.DateLastActivity != card.DateLastActivity {
		notifier.HandleCardUpdated(prev, card)
		p.saveCardState(card)
	}
}

func (p *Poller) replaceSnapshot(cards map[string]TrelloCard, lists map[string]bool, baselined bool) {
	p.mu.Lock()
	p.cards = cards
	p.lists = lists
	p.baselined = baselined
	p.mu.Unlock()
}

// saveCardState は永続ミラーを未処理フラグ付きで更新する
func (p *Poller) saveCardState(card TrelloCard) {
	lastModified, err := time.Parse(time.RFC3339, card.DateLastActivity)
	if err != nil {
		lastModified = time.Now()
	}

	var state models.CardState
	err = p.db.Where("card_id = ? AND integration_id = ?", card.ID, p.integrationID).
		First(&state).Error
	if err != nil {
		state = models.CardState{
			ID:            uuid.NewString(),
			IntegrationID: p.integrationID,
			CardID:        card.ID,
		}
	}
	state.Name = card.Name
	state.ListID = card.ListID
	state.Description = card.Desc
	state.Due = card.Due
	state.LastModified = lastModified
	state.IsProcessed = false

	if err := p.db.Save(&state).Error; err != nil {
		log.Printf("card state save error (card: %s): %v", card.ID, err)
	}
}

func (p *Poller) touchLastCheck() {
	now := time.Now()
	if err := p.db.Model(&models.Integration{}).
		Where("id = ?", p.integrationID).
		Update("last_check", now).Error; err != nil {
		log.Printf("last check update error (integration: %s): %v", p.integrationID, err)
	}
}
