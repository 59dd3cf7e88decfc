package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User 代表記帳系統中的使用者
// 一個使用者可以綁定多個外部登入身份，但 Email 在系統中必須唯一
type User struct {
	gorm.Model

	ID        uuid.UUID `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	Email     string    `gorm:"type:varchar(255);uniqueIndex:idx_user_email,where:deleted_at IS NULL;not null"`
	Username  string    `gorm:"type:varchar(255);not null"`
	AvatarURL string    `gorm:"type:text"`

	Links []ProviderLink `gorm:"foreignKey:UserID"`
}
