package api

import (
	"crypto/ed25519"
	"time"

	"github.com/jacktok/jacky-tracker/models"
)

type ServerConfig struct {
	// PublicBaseURL 是對外的 API base URL，用於組出 OAuth callback 網址
	PublicBaseURL string
	// FrontendBaseURL 是登入完成後跳轉的前端網址
	FrontendBaseURL string

	// Providers 是靜態的提供者啟用表，啟動時算好，
	// 沒有設定憑證的提供者不會掛載路由
	Providers map[models.ProviderKind]ProviderConfig

	Auth    AuthConfig
	DB      DBConfig
	Redis   RedisConfig
	S3      S3Config
	Session SessionConfig
	Linking LinkingConfig
}

type ProviderConfig struct {
	ClientID     string
	ClientSecret string
}

// Enabled 檢查提供者是否有設定憑證
func (c ProviderConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type AuthConfig struct {
	PrivateKey     ed25519.PrivateKey
	ExpireDuration time.Duration
	Issuer         string
	Audience       string
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	StreamKeys RedisStreamKeys
}

type RedisStreamKeys struct {
	UserCreated string
}

// S3Config 是頭像鏡像的儲存設定，留空時停用鏡像
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Bucket          string
	PublicBaseURL   string
}

// Enabled 檢查是否啟用頭像鏡像
func (c S3Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

type SessionConfig struct {
	KeyForCookie string
	CookieMaxAge time.Duration
	CookieSecure bool
}

type LinkingConfig struct {
	TTL time.Duration
}
