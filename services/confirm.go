package services

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"trello-discord-sync/models"
)

// ActionConfirm は担当の割り当てを確認するアクション
const ActionConfirm = "confirm"

// ConfirmedLabelName は確認時にカードへ付けるラベルの名前
const ConfirmedLabelName = "確認済み"

// PendingConfirmation は送信済みの確認ボタンと、押下時に行うTrello側の更新を結びつける。
// プロセス内にだけ保持され、再起動で消える（そのときは押下に「見つからない」と返す）。
type PendingConfirmation struct {
	TrelloCardID  string
	IntegrationID string
	DiscordUserID string
	Action        string
	IssuedAt      time.Time
}

// InteractionResponder はルーターがインタラクションへの返信と
// 元メッセージの編集のために使うゲートウェイ操作
type InteractionResponder interface {
	RespondEphemeral(interaction *discordgo.Interaction, content string) error
	FollowupEphemeral(interaction *discordgo.Interaction, content string) error
	DisableButtonMessage(channelID, messageID, content string) error
}

// ConfirmationRouter はボタン押下を保留中の確認に対応づけて、
// Trello のカードへの反映（コメントとラベル）まで行う
type ConfirmationRouter struct {
	db     *gorm.DB
	trello *TrelloClient

	mu      sync.Mutex
	pending map[string]PendingConfirmation
}

func NewConfirmationRouter(db *gorm.DB, trello *TrelloClient) *ConfirmationRouter {
	return &ConfirmationRouter{
		db:      db,
		trello:  trello,
		pending: make(map[string]PendingConfirmation),
	}
}

// Register は確認ボタン用のトークンを払い出して保留状態を記録する
func (r *ConfirmationRouter) Register(cardID, integrationID, discordUserID, action string) string {
	token := "confirm_" + uuid.NewString()

	r.mu.Lock()
	r.pending[token] = PendingConfirmation{
		TrelloCardID:  cardID,
		IntegrationID: integrationID,
		DiscordUserID: discordUserID,
		Action:        action,
		IssuedAt:      time.Now(),
	}
	r.mu.Unlock()

	return token
}

// Unregister はトークンを破棄する（送信失敗時の巻き戻しに使う）
func (r *ConfirmationRouter) Unregister(token string) {
	r.mu.Lock()
	delete(r.pending, token)
	r.mu.Unlock()
}

// take はトークンに対応する保留状態を取り出して、同時に登録から外す。
// discordgo はイベントハンドラをそれぞれ別の goroutine で呼ぶので、
// 取り出しと削除をひとつのロックの中で行わないと同じボタンの連打が
// 二重に通ってしまう。
func (r *ConfirmationRouter) take(token string) (PendingConfirmation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[token]
	if ok {
		delete(r.pending, token)
	}
	return p, ok
}

// restore は失敗した確認を発行時刻ごと登録に戻す（もう一度押せばリトライになる）
func (r *ConfirmationRouter) restore(token string, p PendingConfirmation) {
	r.mu.Lock()
	r.pending[token] = p
	r.mu.Unlock()
}

// PendingCount は保留中の確認の数を返す
func (r *ConfirmationRouter) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ExpireOldConfirmations は一定期間放置された保留中の確認を破棄して、
// 破棄した件数を返す
func (r *ConfirmationRouter) ExpireOldConfirmations(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := 0
	for token, p := range r.pending {
		if p.IssuedAt.Before(cutoff) {
			delete(r.pending, token)
			expired++
		}
	}
	if expired > 0 {
		log.Printf("expired pending confirmations: %d", expired)
	}
	return expired
}

// HandleInteraction は届いたボタン押下を処理する。
// 未知のトークンには「見つからない」とだけ返し、Trello側には何もしない。
// 保留状態は最初の押下がその場で消費するので、同じボタンを同時に連打しても
// Trello の更新は一度しか走らない。失敗時は保留状態を戻してリトライに備える。
func (r *ConfirmationRouter) HandleInteraction(gw InteractionResponder, interaction *discordgo.Interaction, token, discordUserID string) {
	p, ok := r.take(token)
	if !ok {
		log.Printf("unknown confirmation token: %s", token)
		if err := gw.RespondEphemeral(interaction, "この確認は期限切れか、すでに処理されています。"); err != nil {
			log.Printf("interaction respond error: %v", err)
		}
		return
	}

	// Discord はインタラクションへの素早い応答を要求するので先に返す
	if err := gw.RespondEphemeral(interaction, "確認を受け付けました。Trelloのカードを更新しています…"); err != nil {
		log.Printf("interaction respond error: %v", err)
	}

	if err := r.applyConfirmation(p); err != nil {
		log.Printf("confirmation apply error (card: %s): %v", p.TrelloCardID, err)
		r.restore(token, p)
		if err := gw.FollowupEphemeral(interaction, "Trelloのカード更新に失敗しました。もう一度ボタンを押すとリトライできます。"); err != nil {
			log.Printf("interaction followup error: %v", err)
		}
		return
	}

	// 元のメッセージを書き換えて、誰が確認したか残しつつボタンを外す
	if interaction.Message != nil {
		content := interaction.Message.Content + fmt.Sprintf("\n\n✅ <@%s> さんが確認しました", discordUserID)
		if err := gw.DisableButtonMessage(interaction.ChannelID, interaction.Message.ID, content); err != nil {
			log.Printf("confirmation message edit error: %v", err)
		}
	}

	log.Printf("card confirmed: card=%s user=%s", p.TrelloCardID, discordUserID)
}

// applyConfirmation は確認内容を Trello のカードに反映する
func (r *ConfirmationRouter) applyConfirmation(p PendingConfirmation) error {
	if p.Action != ActionConfirm {
		return fmt.Errorf("unknown confirmation action: %s", p.Action)
	}

	// Discord ユーザーから Trello ユーザーへの逆引き。
	// 同じユーザーが複数の連携に登録されていることがあるので連携で絞る。
	var mapping models.UserMapping
	if err := r.db.Where("integration_id = ? AND discord_user_id = ?", p.IntegrationID, p.DiscordUserID).
		First(&mapping).Error; err != nil {
		return fmt.Errorf("no user mapping for discord user %s: %w", p.DiscordUserID, err)
	}

	comment := "✅ タスクの割り当てが Discord で確認されました。"
	if mapping.TrelloUsername != "" {
		comment = fmt.Sprintf("✅ %s さんが Discord でタスクの割り当てを確認しました。", mapping.TrelloUsername)
	}
	if err := r.trello.AddComment(p.TrelloCardID, comment); err != nil {
		return err
	}

	// コメントは付いているのでラベル付けの失敗は致命的にしない
	if err := r.attachConfirmedLabel(p.TrelloCardID); err != nil {
		log.Printf("confirmed label attach error (card: %s): %v", p.TrelloCardID, err)
	}
	return nil
}

// attachConfirmedLabel はカードの所属ボードにある緑の「確認済み」ラベルを
// カードへ付ける。ラベルがなければ作る。
func (r *ConfirmationRouter) attachConfirmedLabel(cardID string) error {
	card, err := r.trello.GetCard(cardID)
	if err != nil {
		return err
	}

	labels, err := r.trello.GetBoardLabels(card.BoardID)
	if err != nil {
		return err
	}

	labelID := ""
	for _, label := range labels {
		if label.Color == "green" && label.Name == ConfirmedLabelName {
			labelID = label.ID
			break
		}
	}

	if labelID == "" {
		created, err := r.trello.CreateLabel(card.BoardID, ConfirmedLabelName, "green")
		if err != nil {
			return err
		}
		labelID = created.ID
	}

	return r.trello.AddLabelToCard(cardID, labelID)
}
