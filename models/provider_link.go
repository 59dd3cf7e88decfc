package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProviderKind 代表支援的外部登入提供者
type ProviderKind string

const (
	ProviderGoogle ProviderKind = "google"
	ProviderLine   ProviderKind = "line"
)

// AllProviderKinds 列出所有支援的提供者，路由掛載與參數驗證都以此為準
var AllProviderKinds = []ProviderKind{ProviderGoogle, ProviderLine}

// Valid 檢查提供者名稱是否為支援的提供者
func (k ProviderKind) Valid() bool {
	for _, kind := range AllProviderKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ProviderLink 代表使用者綁定的外部登入身份
// 同一個外部身份 (provider, subject) 只能綁定一個使用者，
// 且一個使用者對同一個提供者只能有一筆綁定
type ProviderLink struct {
	gorm.Model

	ID          uuid.UUID    `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	UserID      uuid.UUID    `gorm:"type:uuid;uniqueIndex:idx_provider_link_user_id_provider,where:deleted_at IS NULL;not null;<-:create"`
	Provider    ProviderKind `gorm:"type:text;uniqueIndex:idx_provider_link_user_id_provider,where:deleted_at IS NULL;uniqueIndex:idx_provider_link_provider_subject,where:deleted_at IS NULL;not null;<-:create"`
	Subject     string       `gorm:"type:text;uniqueIndex:idx_provider_link_provider_subject,where:deleted_at IS NULL;not null;<-:create"`
	Email       string       `gorm:"type:varchar(255)"`
	DisplayName string       `gorm:"type:varchar(255)"`
	AvatarURL   string       `gorm:"type:text"`

	User *User `gorm:"foreignKey:UserID"`
}
