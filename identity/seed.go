package identity

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jacktok/jacky-tracker/models"
)

// Seeder 是新使用者建立時的種子掛鉤
// 預設分類與預設的記帳分類提示詞由記帳子系統負責，這裡只定義邊界，
// tx 是建立使用者的同一個交易，種子失敗會讓整個註冊回滾
type Seeder interface {
	SeedNewUser(ctx context.Context, tx *gorm.DB, user *models.User) error
}

// UserCreatedEvent 是發佈到 stream 的新使用者事件
type UserCreatedEvent struct {
	UserID    string
	Email     string
	Username  string
	CreatedAt time.Time
}

// IEventPublisher 定義種子事件的發佈介面
// 由 adapters/redis 的 Producer 實作
type IEventPublisher interface {
	Publish(event UserCreatedEvent) error
}

// StreamSeeder 把新使用者事件發佈到 stream，由記帳子系統消費後
// 建立預設分類與分類提示詞
// 進入發佈緩衝失敗會使註冊交易回滾，確保下游不會漏掉使用者
type StreamSeeder struct {
	publisher IEventPublisher
}

func NewStreamSeeder(publisher IEventPublisher) *StreamSeeder {
	return &StreamSeeder{publisher: publisher}
}

func (s *StreamSeeder) SeedNewUser(ctx context.Context, tx *gorm.DB, user *models.User) error {
	const op = "StreamSeeder.SeedNewUser"
	event := UserCreatedEvent{
		UserID:    user.ID.String(),
		Email:     user.Email,
		Username:  user.Username,
		CreatedAt: time.Now(),
	}
	if err := s.publisher.Publish(event); err != nil {
		return fmt.Errorf("[%s] Fail to publish user created event, err=%w", op, err)
	}
	return nil
}
