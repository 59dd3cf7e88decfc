package provider

import (
	"context"
	"errors"

	"github.com/jacktok/jacky-tracker/models"
)

// ErrExchangeFailed 代表授權碼交換失敗
// 授權碼是一次性的，交換失敗不會重試，呼叫端應直接導向錯誤頁面
var ErrExchangeFailed = errors.New("authorization code exchange failed")

// Profile 是提供者回報的外部身份資料
// Email 可能為空，LINE 類型的提供者通常不會提供
type Profile struct {
	Subject     string
	Email       string
	DisplayName string
	AvatarURL   string
}

// IClient 定義單一外部登入提供者的操作介面
// 每個提供者各自實作，由觸發 callback 的路由靜態選擇，不做多型分派
type IClient interface {
	// Kind 回傳提供者的種類
	Kind() models.ProviderKind
	// AuthURL 產生授權頁面的跳轉網址，state 由呼叫端負責產生與驗證
	AuthURL(state, redirectURL string) string
	// Exchange 用授權碼向提供者交換外部身份資料
	// 任何失敗（HTTP 錯誤、token 格式錯誤、缺少 subject）都以 ErrExchangeFailed 呈現
	Exchange(ctx context.Context, code, redirectURL string) (Profile, error)
}
