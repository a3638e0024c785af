package services

import (
	"fmt"
	"sort"
	"strings"
)

// CardDiff は1枚のカードについて検出した変更のまとめ。
// Changes は人間が読める変更行、Added/RemovedMembers は担当の増減（TrelloメンバーID）。
type CardDiff struct {
	Changes        []string
	AddedMembers   []string
	RemovedMembers []string
}

func (d CardDiff) IsEmpty() bool {
	return len(d.Changes) == 0 && len(d.AddedMembers) == 0 && len(d.RemovedMembers) == 0
}

// DiffCards は前回観測と今回観測のカードを比較して変更点を列挙する。
// タイトル・説明・期限・ラベル・添付ファイル・担当を対象とし、
// ラベルと担当は集合として、添付ファイルはIDで突き合わせる。
func DiffCards(old, current TrelloCard) CardDiff {
	var diff CardDiff

	if old.Name != current.Name {
		diff.Changes = append(diff.Changes,
			fmt.Sprintf("📄 *タイトル変更:* 「%s」 → 「%s」", old.Name, current.Name))
	}

	if old.Desc != current.Desc {
		newDesc := strings.TrimSpace(current.Desc)
		if newDesc != "" {
			diff.Changes = append(diff.Changes, fmt.Sprintf("⚠️ *説明が更新されました:* %s", newDesc))
		} else {
			diff.Changes = append(diff.Changes, "⚠️ *説明が削除されました*")
		}
	}

	if old.Due != current.Due {
		diff.Changes = append(diff.Changes,
			fmt.Sprintf("📅 *期限変更:* %s → %s", FormatDueDate(old.Due), FormatDueDate(current.Due)))
	}

	oldLabels := labelNameSet(old.Labels)
	newLabels := labelNameSet(current.Labels)
	if added := missingFrom(newLabels, oldLabels); len(added) > 0 {
		diff.Changes = append(diff.Changes, fmt.Sprintf("🏷️ *ラベル追加:* %s", strings.Join(added, ", ")))
	}
	if removed := missingFrom(oldLabels, newLabels); len(removed) > 0 {
		diff.Changes = append(diff.Changes, fmt.Sprintf("🏷️ *ラベル削除:* %s", strings.Join(removed, ", ")))
	}

	oldAttachments := attachmentNameByID(old.Attachments)
	newAttachments := attachmentNameByID(current.Attachments)
	var addedFiles, removedFiles []string
	for id, name := range newAttachments {
		if _, ok := oldAttachments[id]; !ok {
			addedFiles = append(addedFiles, name)
		}
	}
	for id, name := range oldAttachments {
		if _, ok := newAttachments[id]; !ok {
			removedFiles = append(removedFiles, name)
		}
	}
	sort.Strings(addedFiles)
	sort.Strings(removedFiles)
	if len(addedFiles) > 0 {
		diff.Changes = append(diff.Changes, "📎 *添付ファイル追加:* "+strings.Join(addedFiles, ", "))
	}
	if len(removedFiles) > 0 {
		diff.Changes = append(diff.Changes, "📎 *添付ファイル削除:* "+strings.Join(removedFiles, ", "))
	}

	oldMembers := stringSet(old.MemberIDs)
	newMembers := stringSet(current.MemberIDs)
	diff.AddedMembers = missingFrom(newMembers, oldMembers)
	diff.RemovedMembers = missingFrom(oldMembers, newMembers)

	return diff
}

func labelNameSet(labels []TrelloLabel) map[string]bool {
	set := make(map[string]bool)
	for _, label := range labels {
		if label.Name != "" {
			set[label.Name] = true
		}
	}
	return set
}

func attachmentNameByID(attachments []TrelloAttachment) map[string]string {
	byID := make(map[string]string)
	for _, a := range attachments {
		byID[a.ID] = a.Name
	}
	return byID
}

func stringSet(values []string) map[string]bool {
	set := make(map[string]bool)
	for _, v := range values {
		set[v] = true
	}
	return set
}

// missingFrom は a にあって b にない要素を返す
func missingFrom(a, b map[string]bool) []string {
	var result []string
	for v := range a {
		if !b[v] {
			result = append(result, v)
		}
	}
	sort.Strings(result)
	return result
}
