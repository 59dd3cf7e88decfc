package session

import "context"

// IStore 定義 session 資料的儲存介面
type IStore interface {
	Load(ctx context.Context, name string) (map[string]string, error)
	Save(ctx context.Context, name string, data map[string]string) error
}

// ISession 定義單一瀏覽器會話的操作介面
type ISession interface {
	// ID 回傳瀏覽器會話的識別碼
	ID() string
	Load() error
	Get(key string) string
	Set(key, value string)
	Delete(key string)
	Clear()
	Save() error
}
