package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/jacktok/jacky-tracker/adapters/provider"
	"github.com/jacktok/jacky-tracker/models"
)

// IAvatarMirror 定義頭像鏡像的介面
// 提供者的頭像網址可能會過期，第一次綁定時鏡像到自己的儲存空間
type IAvatarMirror interface {
	Mirror(ctx context.Context, sourceURL string) (string, error)
}

// Resolver 把驗證過的外部身份解析成系統內的使用者
// 依序嘗試：直接比對、連結流程、Email 合併、建立新使用者
type Resolver struct {
	registry IRegistry
	mirror   IAvatarMirror
	policy   *bluemonday.Policy
	logger   *slog.Logger
}

type ResolverOption func(*Resolver)

// WithAvatarMirror 設定頭像鏡像
func WithAvatarMirror(mirror IAvatarMirror) ResolverOption {
	return func(r *Resolver) {
		r.mirror = mirror
	}
}

// WithResolverLogger 設定日誌記錄器
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger.With(slog.String("caller", "Resolver"))
	}
}

func NewResolver(registry IRegistry, opts ...ResolverOption) *Resolver {
	resolver := &Resolver{
		registry: registry,
		policy:   bluemonday.StrictPolicy(),
		logger:   slog.Default().With(slog.String("caller", "Resolver")),
	}
	for _, opt := range opts {
		opt(resolver)
	}
	return resolver
}

// Resolve 用外部身份找出或建立使用者
// pendingLinkUserID 不為 nil 時代表這是連結流程的 callback，
// 外部身份會被附掛到該使用者而不是拿來登入
//
// 所有會寫入的路徑都是原子的：不會出現沒有綁定的使用者，
// 也不會出現指向不存在使用者的綁定
func (r *Resolver) Resolve(ctx context.Context, kind models.ProviderKind, profile provider.Profile, pendingLinkUserID *uuid.UUID) (*models.User, error) {
	const op = "Resolver.Resolve"

	// 直接比對 (provider, subject)
	// 最常見的回訪路徑，必須最先檢查，避免 Email 比對造成的歧義
	link, err := r.registry.FindLinkByProvider(ctx, kind, profile.Subject)
	if err == nil {
		if pendingLinkUserID == nil || *pendingLinkUserID == link.UserID {
			return link.User, nil
		}
		// 連結流程中發現這個外部身份屬於別人，拒絕以免帳號被奪走
		r.logger.Warn("Reject linking a provider identity owned by another user",
			slog.String("provider", string(kind)), slog.String("initiator", pendingLinkUserID.String()))
		return nil, ErrAlreadyLinkedElsewhere
	}
	if !errors.Is(err, ErrLinkNotFound) {
		return nil, fmt.Errorf("[%s] err=%w", op, err)
	}

	// 連結流程
	if pendingLinkUserID != nil {
		return r.resolveLinking(ctx, kind, profile, *pendingLinkUserID)
	}

	// Email 合併
	// NOTE: 這是沿用原始行為的隱式合併，前提是提供者已驗證過 Email 的所有權。
	//       合成的佔位 Email 不參與比對
	if profile.Email != "" && !IsPlaceholderEmail(profile.Email) {
		user, err := r.registry.FindUserByEmail(ctx, profile.Email)
		if err == nil {
			return r.attachLink(ctx, user, kind, profile)
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("[%s] err=%w", op, err)
		}
	}

	// 建立新使用者
	return r.createUser(ctx, kind, profile)
}

// resolveLinking 處理把外部身份附掛到既有使用者的流程
func (r *Resolver) resolveLinking(ctx context.Context, kind models.ProviderKind, profile provider.Profile, userID uuid.UUID) (*models.User, error) {
	const op = "Resolver.resolveLinking"
	// 已經有同一個提供者的綁定時視為重複連結，直接回傳成功，
	// 讓使用者重試時不會看到錯誤
	links, err := r.registry.ListLinks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("[%s] err=%w", op, err)
	}
	for _, link := range links {
		if link.Provider == kind {
			return r.registry.GetUser(ctx, userID)
		}
	}

	if _, err := r.registry.AddLink(ctx, userID, kind, profile); err != nil {
		if errors.Is(err, ErrConflict) {
			// 預查之後被其他請求搶先寫入，重新讀取後裁決
			link, lookupErr := r.registry.FindLinkByProvider(ctx, kind, profile.Subject)
			if lookupErr == nil {
				if link.UserID == userID {
					return link.User, nil
				}
				return nil, ErrAlreadyLinkedElsewhere
			}
			// (user, provider) 撞上，代表同一個使用者的並發連結已完成
			return r.registry.GetUser(ctx, userID)
		}
		return nil, fmt.Errorf("[%s] err=%w", op, err)
	}
	return r.registry.GetUser(ctx, userID)
}

// attachLink 把外部身份附掛到 Email 相符的既有使用者
func (r *Resolver) attachLink(ctx context.Context, user *models.User, kind models.ProviderKind, profile provider.Profile) (*models.User, error) {
	const op = "Resolver.attachLink"
	if _, err := r.registry.AddLink(ctx, user.ID, kind, profile); err != nil {
		if errors.Is(err, ErrConflict) {
			link, lookupErr := r.registry.FindLinkByProvider(ctx, kind, profile.Subject)
			if lookupErr == nil {
				return link.User, nil
			}
			// Email 相符的使用者已經綁了同提供者的另一個身份，
			// 無法合併也不能建立重複 Email 的新使用者
			return nil, ErrAlreadyLinkedElsewhere
		}
		return nil, fmt.Errorf("[%s] err=%w", op, err)
	}
	return user, nil
}

// createUser 建立新使用者與第一筆綁定
func (r *Resolver) createUser(ctx context.Context, kind models.ProviderKind, profile provider.Profile) (*models.User, error) {
	const op = "Resolver.createUser"
	email := profile.Email
	if email == "" {
		email = PlaceholderEmail(kind, profile.Subject)
	}
	username := r.displayName(profile, email)
	avatarURL := r.mirrorAvatar(ctx, profile.AvatarURL)

	user, err := r.registry.CreateUserWithLink(ctx, kind, profile, email, username, avatarURL)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, fmt.Errorf("[%s] err=%w", op, err)
	}

	// 唯一性約束擋下了並發的註冊，重新讀取既有資料
	if link, lookupErr := r.registry.FindLinkByProvider(ctx, kind, profile.Subject); lookupErr == nil {
		return link.User, nil
	}
	if existing, lookupErr := r.registry.FindUserByEmail(ctx, email); lookupErr == nil {
		// Email 被另一個提供者的註冊搶先建立，改走附掛
		return r.attachLink(ctx, existing, kind, profile)
	}
	return nil, fmt.Errorf("[%s] err=%w", op, err)
}

// displayName 整理提供者回報的顯示名稱
// 去除 HTML 與空白，空值時以 Email 的本地部分或 subject 代替
func (r *Resolver) displayName(profile provider.Profile, email string) string {
	name := strings.TrimSpace(r.policy.Sanitize(profile.DisplayName))
	if name != "" {
		return name
	}
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return profile.Subject
}

// mirrorAvatar 嘗試把頭像鏡像到自己的儲存空間
// 失敗時保留原始網址，不影響註冊流程
func (r *Resolver) mirrorAvatar(ctx context.Context, sourceURL string) string {
	if r.mirror == nil || sourceURL == "" {
		return sourceURL
	}
	mirrored, err := r.mirror.Mirror(ctx, sourceURL)
	if err != nil {
		r.logger.Warn("Fail to mirror avatar, keep provider url", slog.Any("error", err))
		return sourceURL
	}
	return mirrored
}

// PlaceholderEmail 為不提供 Email 的提供者合成佔位地址
func PlaceholderEmail(kind models.ProviderKind, subject string) string {
	return fmt.Sprintf("%s@%s.local", subject, kind)
}

// IsPlaceholderEmail 檢查是否為合成的佔位地址
func IsPlaceholderEmail(email string) bool {
	return strings.HasSuffix(email, ".local")
}
