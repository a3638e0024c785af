package services

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
)

// TrelloClient は Trello REST API の薄いラッパー。状態を持たず、
// 各呼び出しは呼び出し側が独立してリトライできる。
type TrelloClient struct {
	APIKey  string
	Token   string
	BaseURL string
}

func NewTrelloClient() *TrelloClient {
	return &TrelloClient{
		APIKey:  os.Getenv("TRELLO_API_KEY"),
		Token:   os.Getenv("TRELLO_TOKEN"),
		BaseURL: "https://api.trello.com/1",
	}
}

// TrelloAPIError は 2xx 以外の応答。ステータスコードと本文をログ用に保持する。
type TrelloAPIError struct {
	StatusCode int
	Body       string
}

func (e *TrelloAPIError) Error() string {
	return fmt.Sprintf("trello api error: HTTP %d: %s", e.StatusCode, e.Body)
}

type TrelloBoard struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type TrelloList struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Closed bool   `json:"closed"`
}

type TrelloLabel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type TrelloAttachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type TrelloCard struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Desc             string             `json:"desc"`
	ListID           string             `json:"idList"`
	BoardID          string             `json:"idBoard"`
	MemberIDs        []string           `json:"idMembers"`
	DateLastActivity string             `json:"dateLastActivity"`
	ShortURL         string             `json:"shortUrl"`
	Due              string             `json:"due"`
	Labels           []TrelloLabel      `json:"labels"`
	Attachments      []TrelloAttachment `json:"attachments"`
}

type TrelloMember struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	FullName string `json:"fullName"`
}

func (c *TrelloClient) do(method, path string, query url.Values, out interface{}) error {
	if c.APIKey == "" || c.Token == "" {
		return fmt.Errorf("trello credentials are not configured")
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("key", c.APIKey)
	query.Set("token", c.Token)

	req, err := http.NewRequest(method, c.BaseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TrelloAPIError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("trello response parse error: %v", err)
	}
	return nil
}

// GetBoard はボードの基本情報を取得する
func (c *TrelloClient) GetBoard(boardID string) (*TrelloBoard, error) {
	query := url.Values{}
	query.Set("fields", "id,name,url")

	var board TrelloBoard
	if err := c.do("GET", "/boards/"+boardID, query, &board); err != nil {
		return nil, err
	}
	return &board, nil
}

// GetLists はボードのアーカイブされていないリストを取得する
func (c *TrelloClient) GetLists(boardID string) ([]TrelloList, error) {
	query := url.Values{}
	query.Set("fields", "id,name,closed")
	query.Set("filter", "open")

	var lists []TrelloList
	if err := c.do("GET", "/boards/"+boardID+"/lists", query, &lists); err != nil {
		return nil, err
	}
	return lists, nil
}

// GetCards はボードの全カードを、添付ファイル・期限・ラベルを含めて取得する
func (c *TrelloClient) GetCards(boardID string) ([]TrelloCard, error) {
	query := url.Values{}
	query.Set("fields", "id,name,desc,idList,idMembers,dateLastActivity,shortUrl,due,labels")
	query.Set("attachments", "true")
	query.Set("attachment_fields", "id,name,url")

	var cards []TrelloCard
	if err := c.do("GET", "/boards/"+boardID+"/cards", query, &cards); err != nil {
		return nil, err
	}
	return cards, nil
}

// GetCard は1枚のカードを添付ファイル込みで取得する
func (c *TrelloClient) GetCard(cardID string) (*TrelloCard, error) {
	query := url.Values{}
	query.Set("fields", "id,name,desc,idList,idBoard,idMembers,dateLastActivity,shortUrl,due,labels")
	query.Set("attachments", "true")
	query.Set("attachment_fields", "id,name,url")

	var card TrelloCard
	if err := c.do("GET", "/cards/"+cardID, query, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// GetMember は Trello メンバーの表示名などを取得する
func (c *TrelloClient) GetMember(memberID string) (*TrelloMember, error) {
	query := url.Values{}
	query.Set("fields", "id,username,fullName")

	var member TrelloMember
	if err := c.do("GET", "/members/"+memberID, query, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

// GetBoardMembers はボードのメンバー一覧を取得する
func (c *TrelloClient) GetBoardMembers(boardID string) ([]TrelloMember, error) {
	query := url.Values{}
	query.Set("fields", "id,username,fullName")

	var members []TrelloMember
	if err := c.do("GET", "/boards/"+boardID+"/members", query, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// AddComment はカードにコメントを追加する
func (c *TrelloClient) AddComment(cardID, text string) error {
	query := url.Values{}
	query.Set("text", text)

	return c.do("POST", "/cards/"+cardID+"/actions/comments", query, nil)
}

// GetBoardLabels はボードに定義されているラベルの一覧を取得する
func (c *TrelloClient) GetBoardLabels(boardID string) ([]TrelloLabel, error) {
	var labels []TrelloLabel
	if err := c.do("GET", "/boards/"+boardID+"/labels", nil, &labels); err != nil {
		return nil, err
	}
	return labels, nil
}

// CreateLabel はボードに新しいラベルを作成する
func (c *TrelloClient) CreateLabel(boardID, name, color string) (*TrelloLabel, error) {
	query := url.Values{}
	query.Set("name", name)
	query.Set("color", color)
	query.Set("idBoard", boardID)

	var label TrelloLabel
	if err := c.do("POST", "/labels", query, &label); err != nil {
		return nil, err
	}
	return &label, nil
}

// AddLabelToCard はカードに既存のラベルを付ける
func (c *TrelloClient) AddLabelToCard(cardID, labelID string) error {
	query := url.Values{}
	query.Set("value", labelID)

	return c.do("POST", "/cards/"+cardID+"/idLabels", query, nil)
}
