package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PendingLink 是一筆待處理的帳號連結作業
// 以瀏覽器會話為單位儲存，一個會話最多只有一筆
type PendingLink struct {
	UserID    uuid.UUID
	Token     string
	CreatedAt time.Time
}

// ILinkingStore 定義跨越重導回程的連結作業儲存介面
// 這個元件只負責關聯，不認識提供者或使用者的任何語意
type ILinkingStore interface {
	// Begin 為指定的瀏覽器會話建立連結作業，覆蓋既有的作業
	// 回傳的防偽 token 必須透過提供者的 state 參數帶回
	Begin(ctx context.Context, browserSessionID string, userID uuid.UUID) (string, error)
	// Pending 回傳目前待處理的連結作業，不消耗
	// 沒有待處理作業或已過期時回傳 ErrNotPending
	Pending(ctx context.Context, browserSessionID string) (*PendingLink, error)
	// Consume 一次性讀取並刪除連結作業
	// 無論 token 是否相符，作業都會被刪除，防止重放與暴力嘗試
	// 回傳 ErrNotPending 或 ErrTokenMismatch
	Consume(ctx context.Context, browserSessionID, token string) (uuid.UUID, error)
}
