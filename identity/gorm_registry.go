package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jacktok/jacky-tracker/adapters/provider"
	"github.com/jacktok/jacky-tracker/models"
)

// GormRegistry 是 IRegistry 的資料庫實作
// 依賴 gorm 的 TranslateError，唯一性約束的錯誤會被轉譯成 gorm.ErrDuplicatedKey
type GormRegistry struct {
	db     *gorm.DB
	seeder Seeder
}

// NewGormRegistry 建立資料庫版的 registry
// seeder 會在新使用者建立的同一個交易內被呼叫一次
func NewGormRegistry(db *gorm.DB, seeder Seeder) *GormRegistry {
	return &GormRegistry{db: db, seeder: seeder}
}

func (r *GormRegistry) FindLinkByProvider(ctx context.Context, kind models.ProviderKind, subject string) (*models.ProviderLink, error) {
	const op = "GormRegistry.FindLinkByProvider"
	link := models.ProviderLink{Provider: kind, Subject: subject}
	if result := r.db.WithContext(ctx).Preload("User").Where(&link).First(&link); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find provider link, err=%w", op, result.Error)
	}
	return &link, nil
}

func (r *GormRegistry) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	const op = "GormRegistry.GetUser"
	user := models.User{ID: id}
	if result := r.db.WithContext(ctx).First(&user); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find user, err=%w", op, result.Error)
	}
	return &user, nil
}

func (r *GormRegistry) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "GormRegistry.FindUserByEmail"
	var user models.User
	if result := r.db.WithContext(ctx).Where("email = ?", email).First(&user); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find user by email, err=%w", op, result.Error)
	}
	return &user, nil
}

// CreateUserWithLink 在單一交易內建立使用者、綁定與種子資料
// 交易失敗時不會留下沒有綁定的使用者或沒有使用者的綁定
func (r *GormRegistry) CreateUserWithLink(ctx context.Context, kind models.ProviderKind, profile provider.Profile, email, username, avatarURL string) (*models.User, error) {
	const op = "GormRegistry.CreateUserWithLink"
	var user models.User
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user = models.User{
			Email:     email,
			Username:  username,
			AvatarURL: avatarURL,
		}
		if result := tx.Create(&user); result.Error != nil {
			return result.Error
		}
		link := models.ProviderLink{
			UserID:      user.ID,
			Provider:    kind,
			Subject:     profile.Subject,
			Email:       profile.Email,
			DisplayName: profile.DisplayName,
			AvatarURL:   profile.AvatarURL,
		}
		if result := tx.Create(&link); result.Error != nil {
			return result.Error
		}
		if r.seeder != nil {
			if err := r.seeder.SeedNewUser(ctx, tx, &user); err != nil {
				return fmt.Errorf("fail to seed new user, err=%w", err)
			}
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create user with link, err=%w", op, err)
	}
	return &user, nil
}

// AddLink 為既有使用者新增綁定
// 唯一性在交易內重新檢查，預查通過後被別的請求搶先寫入時回傳 ErrConflict
func (r *GormRegistry) AddLink(ctx context.Context, userID uuid.UUID, kind models.ProviderKind, profile provider.Profile) (*models.ProviderLink, error) {
	const op = "GormRegistry.AddLink"
	var link models.ProviderLink
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 交易內重查，讓並發的同一組 (provider, subject) 或 (user, provider)
		// 寫入在這裡就被擋下，而不是依賴呼叫端的預查
		var count int64
		if result := tx.Model(&models.ProviderLink{}).
			Where("provider = ? AND subject = ?", kind, profile.Subject).
			Or("user_id = ? AND provider = ?", userID, kind).
			Count(&count); result.Error != nil {
			return result.Error
		}
		if count > 0 {
			return gorm.ErrDuplicatedKey
		}
		link = models.ProviderLink{
			UserID:      userID,
			Provider:    kind,
			Subject:     profile.Subject,
			Email:       profile.Email,
			DisplayName: profile.DisplayName,
			AvatarURL:   profile.AvatarURL,
		}
		if result := tx.Create(&link); result.Error != nil {
			return result.Error
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to add link, err=%w", op, err)
	}
	return &link, nil
}

// RemoveLink 移除綁定
// 剩餘綁定數量在同一個交易內、鎖定列之後才計算，
// 兩個並發的解除請求不會讓使用者失去所有登入方式
func (r *GormRegistry) RemoveLink(ctx context.Context, userID uuid.UUID, kind models.ProviderKind) error {
	const op = "GormRegistry.RemoveLink"
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var links []models.ProviderLink
		if result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Find(&links); result.Error != nil {
			return result.Error
		}
		var target *models.ProviderLink
		for i := range links {
			if links[i].Provider == kind {
				target = &links[i]
				break
			}
		}
		if target == nil {
			return ErrLinkNotFound
		}
		if len(links) <= 1 {
			return ErrLastLinkRejected
		}
		if result := tx.Delete(target); result.Error != nil {
			return result.Error
		}
		return nil
	})
	if errors.Is(err, ErrLinkNotFound) || errors.Is(err, ErrLastLinkRejected) {
		return err
	}
	if err != nil {
		return fmt.Errorf("[%s] Fail to remove link, err=%w", op, err)
	}
	return nil
}

func (r *GormRegistry) ListLinks(ctx context.Context, userID uuid.UUID) ([]models.ProviderLink, error) {
	const op = "GormRegistry.ListLinks"
	var links []models.ProviderLink
	if result := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}}).
		Find(&links); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list links, err=%w", op, result.Error)
	}
	return links, nil
}

func (r *GormRegistry) UpdateUsername(ctx context.Context, userID uuid.UUID, username string) error {
	const op = "GormRegistry.UpdateUsername"
	user := models.User{ID: userID}
	if result := r.db.WithContext(ctx).Model(&user).Update("username", username); result.Error != nil {
		return fmt.Errorf("[%s] Fail to update username, err=%w", op, result.Error)
	}
	return nil
}
