package services

import (
	"fmt"
	"log"
	"time"

	"github.com/bwmarrin/discordgo"
)

// ChatGateway は通知エンジンが必要とするチャット側の操作
type ChatGateway interface {
	CreateChannel(name string) (string, error)
	SendMessage(channelID, content string) (string, error)
	SendMessageWithButton(channelID, content, buttonLabel, customID string) (string, error)
}

// DiscordGateway は Discord との唯一の認証済みセッションを保持する。
// 操作はゲートウェイ専用のループに送られ、呼び出し側はタイムアウト付きで
// 結果を待つ。タイムアウトや転送エラーは失敗として返り、呼び出し元の
// goroutine に波及しない。
type DiscordGateway struct {
	session   *discordgo.Session
	guildID   string
	router    *ConfirmationRouter
	ops       chan gatewayOp
	stop      chan struct{}
	opTimeout time.Duration
	guildWait time.Duration
}

type gatewayOp struct {
	name   string
	run    func() (string, error)
	result chan gatewayResult
}

type gatewayResult struct {
	value string
	err   error
}

func NewDiscordGateway(token, guildID string) (*DiscordGateway, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is not configured")
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages

	return &DiscordGateway{
		session:   session,
		guildID:   guildID,
		ops:       make(chan gatewayOp),
		stop:      make(chan struct{}),
		opTimeout: 30 * time.Second,
		guildWait: 30 * time.Second,
	}, nil
}

// SetRouter はボタン押下の配送先を設定する
func (g *DiscordGateway) SetRouter(router *ConfirmationRouter) {
	g.router = router
}

// Start はセッションを開いて操作ループを起動する
func (g *DiscordGateway) Start() error {
	g.session.AddHandler(g.onReady)
	g.session.AddHandler(g.onInteraction)

	if err := g.session.Open(); err != nil {
		return fmt.Errorf("discord session open error: %w", err)
	}

	go g.loop()
	return nil
}

func (g *DiscordGateway) Stop() {
	close(g.stop)
	if err := g.session.Close(); err != nil {
		log.Printf("discord session close error: %v", err)
	}
}

func (g *DiscordGateway) onReady(s *discordgo.Session, r *discordgo.Ready) {
	log.Printf("discord bot connected: %s (guilds: %d)", r.User.Username, len(r.Guilds))
}

func (g *DiscordGateway) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}

	customID := i.MessageComponentData().CustomID

	userID := ""
	if i.Member != nil && i.Member.User != nil {
		userID = i.Member.User.ID
	} else if i.User != nil {
		userID = i.User.ID
	}

	log.Printf("discord button pressed: custom_id=%s user=%s", customID, userID)

	if g.router == nil {
		log.Println("interaction received but no confirmation router is set")
		return
	}
	g.router.HandleInteraction(g, i.Interaction, customID, userID)
}

// loop はゲートウェイに送られた操作を1つずつ実行する
func (g *DiscordGateway) loop() {
	for {
		select {
		case op := <-g.ops:
			value, err := op.run()
			op.result <- gatewayResult{value: value, err: err}
		case <-g.stop:
			return
		}
	}
}

// submit は操作をゲートウェイのループに送って結果を待つ。
// ループが詰まっている場合も実行が長引いた場合もタイムアウトで失敗になる。
func (g *DiscordGateway) submit(name string, run func() (string, error)) (string, error) {
	op := gatewayOp{name: name, run: run, result: make(chan gatewayResult, 1)}

	select {
	case g.ops <- op:
	case <-time.After(g.opTimeout):
		return "", fmt.Errorf("%s: discord gateway timeout", name)
	case <-g.stop:
		return "", fmt.Errorf("%s: discord gateway is stopped", name)
	}

	select {
	case res := <-op.result:
		return res.value, res.err
	case <-time.After(g.opTimeout):
		return "", fmt.Errorf("%s: discord gateway timeout", name)
	}
}

// waitForGuild は起動直後にギルドがまだローカルキャッシュに見えない場合に備えて、
// セッションのハンドシェイク完了を一定時間待つ
func (g *DiscordGateway) waitForGuild() error {
	deadline := time.Now().Add(g.guildWait)
	for {
		if _, err := g.session.State.Guild(g.guildID); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("discord guild %s is not visible", g.guildID)
		}
		time.Sleep(1 * time.Second)
	}
}

// CreateChannel はギルドにテキストチャンネルを作成して、そのIDを返す
func (g *DiscordGateway) CreateChannel(name string) (string, error) {
	return g.submit("create channel", func() (string, error) {
		if err := g.waitForGuild(); err != nil {
			return "", err
		}
		channel, err := g.session.GuildChannelCreate(g.guildID, name, discordgo.ChannelTypeGuildText)
		if err != nil {
			return "", err
		}
		log.Printf("discord channel created: %s (id: %s)", channel.Name, channel.ID)
		return channel.ID, nil
	})
}

// SendMessage はチャンネルにメッセージを送り、メッセージIDを返す
func (g *DiscordGateway) SendMessage(channelID, content string) (string, error) {
	return g.submit("send message", func() (string, error) {
		msg, err := g.session.ChannelMessageSend(channelID, content)
		if err != nil {
			return "", err
		}
		return msg.ID, nil
	})
}

// SendMessageWithButton は確認ボタン付きのメッセージを送る。
// customID はボタン押下時にそのまま届くので、確認トークンとして使う。
func (g *DiscordGateway) SendMessageWithButton(channelID, content, buttonLabel, customID string) (string, error) {
	return g.submit("send message with button", func() (string, error) {
		msg, err := g.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content: content,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    buttonLabel,
							Style:    discordgo.PrimaryButton,
							CustomID: customID,
						},
					},
				},
			},
		})
		if err != nil {
			return "", err
		}

		// ボタン付きメッセージの下に区切り線を入れて見やすくする
		if _, err := g.session.ChannelMessageSend(channelID, "───────────────────────────────────────"); err != nil {
			log.Printf("separator message send error (channel: %s): %v", channelID, err)
		}
		return msg.ID, nil
	})
}

// DisableButtonMessage は元のメッセージを書き換えてボタンを取り除く
func (g *DiscordGateway) DisableButtonMessage(channelID, messageID, content string) error {
	_, err := g.submit("edit message", func() (string, error) {
		empty := []discordgo.MessageComponent{}
		_, err := g.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
			Channel:    channelID,
			ID:         messageID,
			Content:    &content,
			Components: &empty,
		})
		return "", err
	})
	return err
}

// RespondEphemeral はインタラクションに本人だけに見える返信をする。
// Discord はインタラクションへの応答を3秒以内に要求するので、
// ゲートウェイのループを経由せずその場で返す。
func (g *DiscordGateway) RespondEphemeral(interaction *discordgo.Interaction, content string) error {
	return g.session.InteractionRespond(interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

// FollowupEphemeral は応答済みのインタラクションに追加の本人向けメッセージを送る
func (g *DiscordGateway) FollowupEphemeral(interaction *discordgo.Interaction, content string) error {
	_, err := g.session.FollowupMessageCreate(interaction, true, &discordgo.WebhookParams{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
	return err
}
