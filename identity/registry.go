package identity

import (
	"context"

	"github.com/google/uuid"

	"github.com/jacktok/jacky-tracker/adapters/provider"
	"github.com/jacktok/jacky-tracker/models"
)

// IRegistry 定義使用者與外部身份綁定的持久層介面
// 只有 Resolver 與 api 層會使用，所有多列寫入都必須在交易內完成，
// 唯一性除了資料庫約束外還要在交易內重新驗證，避免並發請求的競態
type IRegistry interface {
	// FindLinkByProvider 以 (provider, subject) 查詢綁定，回傳時帶上所屬的使用者
	// 查無資料回傳 ErrLinkNotFound
	FindLinkByProvider(ctx context.Context, kind models.ProviderKind, subject string) (*models.ProviderLink, error)
	// GetUser 以 id 查詢使用者，查無資料回傳 ErrUserNotFound
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	// FindUserByEmail 以 Email 查詢使用者，查無資料回傳 ErrUserNotFound
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	// CreateUserWithLink 在同一個交易內建立使用者、第一筆綁定並執行新使用者的種子程序
	// 撞上唯一性約束時回傳 ErrConflict
	CreateUserWithLink(ctx context.Context, kind models.ProviderKind, profile provider.Profile, email, username, avatarURL string) (*models.User, error)
	// AddLink 在交易內為既有使用者新增綁定
	// 撞上唯一性約束時回傳 ErrConflict
	AddLink(ctx context.Context, userID uuid.UUID, kind models.ProviderKind, profile provider.Profile) (*models.ProviderLink, error)
	// RemoveLink 移除綁定，剩餘數量在同一個交易內計算
	// 移除最後一筆綁定回傳 ErrLastLinkRejected，查無資料回傳 ErrLinkNotFound
	RemoveLink(ctx context.Context, userID uuid.UUID, kind models.ProviderKind) error
	// ListLinks 列出使用者的所有綁定
	ListLinks(ctx context.Context, userID uuid.UUID) ([]models.ProviderLink, error)
	// UpdateUsername 更新使用者的顯示名稱
	UpdateUsername(ctx context.Context, userID uuid.UUID, username string) error
}
