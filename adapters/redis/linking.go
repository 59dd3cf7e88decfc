package redis

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/jacktok/jacky-tracker/identity"
)

// DefaultLinkingTTL 是連結作業的預設存活時間
// 超過時間還沒等到 callback 就視為使用者放棄
const DefaultLinkingTTL = 10 * time.Minute

// linkingEntry 是儲存在 Redis 中的連結作業資料
type linkingEntry struct {
	UserID    string
	Token     string
	CreatedAt time.Time
}

// LinkingStore 實現了 identity.ILinkingStore 介面
// 每個瀏覽器會話最多一筆作業，新的 Begin 直接覆蓋舊的
type LinkingStore struct {
	client  *redis.Client
	options LinkingStoreOptions
}

// LinkingStoreOptions 定義了 LinkingStore 的配置選項
type LinkingStoreOptions struct {
	Prefix string
	TTL    time.Duration
}

type LinkingStoreOption func(*LinkingStoreOptions)

// WithLinkingPrefix 設定 key 前綴
func WithLinkingPrefix(prefix string) LinkingStoreOption {
	return func(o *LinkingStoreOptions) {
		o.Prefix = prefix
	}
}

// WithLinkingTTL 設定作業的存活時間
func WithLinkingTTL(ttl time.Duration) LinkingStoreOption {
	return func(o *LinkingStoreOptions) {
		o.TTL = ttl
	}
}

// NewLinkingStore 建立一個新的 LinkingStore 實例
func NewLinkingStore(client *redis.Client, opts ...LinkingStoreOption) identity.ILinkingStore {
	options := &LinkingStoreOptions{
		TTL: DefaultLinkingTTL,
	}
	for _, opt := range opts {
		opt(options)
	}
	return &LinkingStore{
		client:  client,
		options: *options,
	}
}

// Begin 建立連結作業並回傳防偽 token
func (s *LinkingStore) Begin(ctx context.Context, browserSessionID string, userID uuid.UUID) (string, error) {
	const op = "redis.LinkingStore.Begin"
	token, err := generateToken("lk")
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to generate token, err=%w", op, err)
	}
	entry := linkingEntry{
		UserID:    userID.String(),
		Token:     token,
		CreatedAt: time.Now(),
	}
	payload, err := msgpack.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to marshal entry, err=%w", op, err)
	}
	key := s.options.Prefix + browserSessionID
	if err := s.client.Set(ctx, key, payload, s.options.TTL).Err(); err != nil {
		return "", fmt.Errorf("[%s] Fail to save entry, err=%w", op, err)
	}
	return token, nil
}

// Pending 回傳待處理的連結作業，不消耗
func (s *LinkingStore) Pending(ctx context.Context, browserSessionID string) (*identity.PendingLink, error) {
	const op = "redis.LinkingStore.Pending"
	key := s.options.Prefix + browserSessionID
	payload, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, identity.ErrNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load entry, err=%w", op, err)
	}
	pending, err := s.decode(payload)
	if err != nil {
		return nil, fmt.Errorf("[%s] err=%w", op, err)
	}
	return pending, nil
}

// consumeScript 原子性地讀取並刪除連結作業
var consumeScript = redis.NewScript(`
local value = redis.call('GET', KEYS[1])
if value then
    redis.call('DEL', KEYS[1])
end
return value
`)

// Consume 一次性讀取連結作業
// 第二個呼叫者會得到 ErrNotPending，token 不符也會刪除作業
func (s *LinkingStore) Consume(ctx context.Context, browserSessionID, token string) (uuid.UUID, error) {
	const op = "redis.LinkingStore.Consume"
	key := s.options.Prefix + browserSessionID
	result, err := consumeScript.Run(ctx, s.client, []string{key}).Text()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, identity.ErrNotPending
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("[%s] Fail to execute consume script, err=%w", op, err)
	}
	pending, err := s.decode([]byte(result))
	if errors.Is(err, identity.ErrNotPending) {
		return uuid.Nil, identity.ErrNotPending
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("[%s] err=%w", op, err)
	}
	if pending.Token != token {
		return uuid.Nil, identity.ErrTokenMismatch
	}
	return pending.UserID, nil
}

// decode 解析作業資料並做惰性過期檢查
// Redis 的 TTL 已經涵蓋大部分情況，這裡再檢查一次建立時間，
// 避免持久化還原後出現過期但還沒清除的資料
func (s *LinkingStore) decode(payload []byte) (*identity.PendingLink, error) {
	var entry linkingEntry
	if err := msgpack.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("fail to unmarshal entry, err=%w", err)
	}
	if time.Since(entry.CreatedAt) > s.options.TTL {
		return nil, identity.ErrNotPending
	}
	userID, err := uuid.Parse(entry.UserID)
	if err != nil {
		return nil, fmt.Errorf("fail to parse user id, err=%w", err)
	}
	return &identity.PendingLink{
		UserID:    userID,
		Token:     entry.Token,
		CreatedAt: entry.CreatedAt,
	}, nil
}

// generateToken 產生帶前綴的隨機識別字串
func generateToken(prefix string) (string, error) {
	bytes := make([]byte, 20)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return prefix + "_" + base64.URLEncoding.EncodeToString(bytes), nil
}
