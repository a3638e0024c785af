package services

import (
	"log"
	"regexp"
	"strings"
	"time"
)

var jst = time.FixedZone("JST", 9*60*60)

// FormatDueDate は Trello の ISO 8601 形式の期限を日本時間の読みやすい形式にする。
// 期限なしは「期限なし」、パースできない文字列はそのまま返す。
func FormatDueDate(due string) string {
	if due == "" {
		return "期限なし"
	}

	t, err := time.Parse(time.RFC3339, due)
	if err != nil {
		log.Printf("due date parse error: %s: %v", due, err)
		return due
	}

	return t.In(jst).Format("2006/01/02 15:04")
}

var invalidChannelChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// SanitizeChannelName は任意の名前を Discord のチャンネル名として使える形にする。
// 小文字化し、英数字とハイフン・アンダースコア以外をハイフンに置き換える。
func SanitizeChannelName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = invalidChannelChars.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")

	// Discord のチャンネル名は100文字まで。少し余裕をみて切り詰める
	if len(name) > 90 {
		name = strings.Trim(name[:90], "-")
	}
	if name == "" {
		name = "trello"
	}
	return name
}
