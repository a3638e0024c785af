package services

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"trello-discord-sync/models"
)

// DefaultSendDelay はカード作成から最初の通知までの待ち時間。
// 作成直後の編集ラッシュが落ち着いてから通知を送るための猶予。
const DefaultSendDelay = 2 * time.Minute

// Notifier はボードの変化を Discord チャンネルへの提供と通知に変換する
type Notifier struct {
	db            *gorm.DB
	trello        *TrelloClient
	gateway       ChatGateway
	router        *ConfirmationRouter
	integrationID string
	sendDelay     time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewNotifier(db *gorm.DB, trello *TrelloClient, gateway ChatGateway, router *ConfirmationRouter, integrationID string) *Notifier {
	return &Notifier{
		db:            db,
		trello:        trello,
		gateway:       gateway,
		router:        router,
		integrationID: integrationID,
		sendDelay:     DefaultSendDelay,
		timers:        make(map[string]*time.Timer),
	}
}

// HandleNewList はリスト用の通知チャンネルを用意する。
// すでにマッピングがあるリストには何もしない。
func (n *Notifier) HandleNewList(list TrelloList) {
	var count int64
	n.db.Model(&models.CardChannelMapping{}).
		Where("trello_list_id = ? AND integration_id = ?", list.ID, n.integrationID).
		Count(&count)
	if count > 0 {
		return
	}

	channelName := "trello-" + SanitizeChannelName(list.Name)
	channelID, err := n.gateway.CreateChannel(channelName)
	if err != nil {
		log.Printf("channel create error (list: %s): %v", list.Name, err)
		return
	}

	mapping := models.CardChannelMapping{
		ID:                   uuid.NewString(),
		IntegrationID:        n.integrationID,
		TrelloListID:         list.ID,
		DiscordChannelID:     channelID,
		DiscordChannelName:   channelName,
		CreatedAutomatically: true,
	}
	if err := n.db.Create(&mapping).Error; err != nil {
		log.Printf("channel mapping save error (list: %s): %v", list.Name, err)
		return
	}

	log.Printf("channel provisioned: list=%s channel=%s", list.Name, channelName)

	messageID, err := n.gateway.SendMessage(channelID, fmt.Sprintf("📋 Trelloリスト「%s」の通知チャンネルです。", list.Name))
	if err != nil {
		log.Printf("intro message send error (channel: %s): %v", channelName, err)
		return
	}

	// メッセージIDは後から書き戻す（送信に失敗してもマッピングは残す）
	if err := n.db.Model(&models.CardChannelMapping{}).
		Where("id = ?", mapping.ID).
		Update("discord_message_id", messageID).Error; err != nil {
		log.Printf("message id save error (mapping: %s): %v", mapping.ID, err)
	}
}

// HandleNewCard は新しいカードの初回通知を遅延して予約する。
// 同じカードの予約がすでにあれば待ち時間を仕切り直す。
func (n *Notifier) HandleNewCard(card TrelloCard) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if timer, ok := n.timers[card.ID]; ok {
		timer.Reset(n.sendDelay)
		return
	}

	cardID := card.ID
	n.timers[cardID] = time.AfterFunc(n.sendDelay, func() {
		n.sendInitialCardMessage(cardID)
	})
	log.Printf("initial notification scheduled: card=%s delay=%s", card.Name, n.sendDelay)
}

// HandleCardUpdated は既存カードの変化を差分メッセージにして送る
func (n *Notifier) HandleCardUpdated(old, current TrelloCard) {
	// 初回通知がまだ出ていないカードの編集は初回通知に吸収する
	n.mu.Lock()
	if timer, ok := n.timers[current.ID]; ok {
		timer.Reset(n.sendDelay)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	channelID := n.resolveChannel(current)
	if channelID == "" {
		return
	}

	diff := DiffCards(old, current)
	if diff.IsEmpty() {
		return
	}

	var lines []string
	if len(diff.Changes) > 0 {
		lines = append(lines, fmt.Sprintf("**Trelloカード「%s」が更新されました**", current.Name))
		lines = append(lines, diff.Changes...)
	}

	for _, memberID := range diff.AddedMembers {
		mapping, member := n.resolveMember(memberID)
		if mapping != nil {
			// マッピング済みの新しい担当にはメンションで知らせてから確認ボタンを送る
			mention := fmt.Sprintf("🙋 <@%s> カード「%s」に割り当てられました！", mapping.DiscordUserID, current.Name)
			if _, err := n.gateway.SendMessage(channelID, mention); err != nil {
				log.Printf("assignment mention send error (card: %s): %v", current.Name, err)
			}
			n.sendAssignmentConfirm(channelID, current, mapping.DiscordUserID)
			continue
		}
		name := memberID
		if member != nil {
			name = member.FullName
		}
		lines = append(lines, fmt.Sprintf("🙋 新しい担当: %s（Discord未マッピング）", name))
	}

	for _, memberID := range diff.RemovedMembers {
		_, member := n.resolveMember(memberID)
		name := memberID
		if member != nil {
			name = member.FullName
		}
		lines = append(lines, fmt.Sprintf("🙋 担当から外れました: %s", name))
	}

	if len(lines) == 0 {
		return
	}
	if _, err := n.gateway.SendMessage(channelID, strings.Join(lines, "\n")); err != nil {
		log.Printf("update message send error (card: %s): %v", current.Name, err)
	}
}

// CancelPendingSends は予約済みの初回通知をすべて取り消す
func (n *Notifier) CancelPendingSends() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for cardID, timer := range n.timers {
		timer.Stop()
		delete(n.timers, cardID)
	}
}

// sendInitialCardMessage は遅延明けの初回通知を送る。
// 待っている間の編集を拾うためカードは送信直前に取り直す。
func (n *Notifier) sendInitialCardMessage(cardID string) {
	n.mu.Lock()
	delete(n.timers, cardID)
	n.mu.Unlock()

	card, err := n.trello.GetCard(cardID)
	if err != nil {
		log.Printf("card fetch error (card: %s): %v", cardID, err)
		return
	}

	channelID := n.resolveChannel(*card)
	if channelID == "" {
		log.Printf("no channel mapping for card: %s", card.Name)
		return
	}

	// Discord ユーザーが分かる担当には確認ボタン付きで個別に送る
	notified := false
	var unmapped []string
	for _, memberID := range card.MemberIDs {
		mapping, member := n.resolveMember(memberID)
		if mapping == nil {
			name := memberID
			if member != nil && member.FullName != "" {
				name = member.FullName
			}
			unmapped = append(unmapped, name)
			continue
		}
		n.sendAssignmentConfirm(channelID, *card, mapping.DiscordUserID)
		notified = true
	}
	if notified {
		return
	}

	content := "**Trelloに新しいカードが作成されました**\n" + n.composeCardMessage(*card, "")
	for _, name := range unmapped {
		content += fmt.Sprintf("\n🙋 担当: %s（Discord未マッピング）", name)
	}
	if _, err := n.gateway.SendMessage(channelID, content); err != nil {
		log.Printf("card message send error (card: %s): %v", card.Name, err)
	}
}

// sendAssignmentConfirm は担当者あての確認ボタン付きメッセージを送る
func (n *Notifier) sendAssignmentConfirm(channelID string, card TrelloCard, discordUserID string) {
	content := n.composeCardMessage(card, discordUserID) +
		"\n下のボタンを押して、この割り当てを確認してください。"

	token := n.router.Register(card.ID, n.integrationID, discordUserID, ActionConfirm)
	if _, err := n.gateway.SendMessageWithButton(channelID, content, "割り当てを確認", token); err != nil {
		log.Printf("confirm message send error (card: %s): %v", card.Name, err)
		n.router.Unregister(token)
	}
}

// composeCardMessage はカードの内容をまとめたメッセージを組み立てる
func (n *Notifier) composeCardMessage(card TrelloCard, mentionDiscordID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📄 **タスク:** %s\n", card.Name)
	if card.Desc != "" {
		fmt.Fprintf(&b, "📝 **説明:** %s\n", card.Desc)
	}
	fmt.Fprintf(&b, "📅 **期限:** %s\n", FormatDueDate(card.Due))
	if len(card.Labels) > 0 {
		names := make([]string, 0, len(card.Labels))
		for _, label := range card.Labels {
			names = append(names, label.Name)
		}
		fmt.Fprintf(&b, "🏷️ **ラベル:** %s\n", strings.Join(names, ", "))
	}
	for _, attachment := range card.Attachments {
		fmt.Fprintf(&b, "📎 **添付:** %s\n", attachment.Name)
	}
	if mentionDiscordID != "" {
		fmt.Fprintf(&b, "🙋 **担当:** <@%s>\n", mentionDiscordID)
	}
	if card.ShortURL != "" {
		fmt.Fprintf(&b, "📌 **カードへのリンク:** %s", card.ShortURL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// resolveChannel はカードの通知先チャンネルを決める。
// カード個別のマッピングが最優先で、なければ所属リストのマッピングを使う。
func (n *Notifier) resolveChannel(card TrelloCard) string {
	var mapping models.CardChannelMapping
	err := n.db.Where("trello_card_id = ? AND integration_id = ?", card.ID, n.integrationID).
		First(&mapping).Error
	if err == nil {
		return mapping.DiscordChannelID
	}

	err = n.db.Where("trello_list_id = ? AND integration_id = ?", card.ListID, n.integrationID).
		First(&mapping).Error
	if err == nil {
		return mapping.DiscordChannelID
	}
	return ""
}

// resolveMember は Trello メンバーのユーザーマッピングとプロフィールを引く。
// マッピングは Trello の ID とユーザー名のどちらで登録されていても見つける。
func (n *Notifier) resolveMember(memberID string) (*models.UserMapping, *TrelloMember) {
	member, err := n.trello.GetMember(memberID)
	if err != nil {
		log.Printf("member fetch error (member: %s): %v", memberID, err)
		member = nil
	}

	var mapping models.UserMapping
	query := n.db.Where("integration_id = ?", n.integrationID)
	if member != nil {
		query = query.Where("trello_user_id IN ?", []string{memberID, member.Username})
	} else {
		query = query.Where("trello_user_id = ?", memberID)
	}
	if err := query.First(&mapping).Error; err != nil {
		return nil, member
	}
	return &mapping, member
}
