package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/jacktok/jacky-tracker/adapters/avatar"
	"github.com/jacktok/jacky-tracker/adapters/provider"
	redisAdapter "github.com/jacktok/jacky-tracker/adapters/redis"
	"github.com/jacktok/jacky-tracker/identity"
	"github.com/jacktok/jacky-tracker/models"
)

type ServerImpl struct {
	providers    map[models.ProviderKind]provider.IClient
	registry     identity.IRegistry
	resolver     *identity.Resolver
	linkingStore identity.ILinkingStore
	producer     redisAdapter.IProducer[identity.UserCreatedEvent]
	redisClient  *redis.Client
	db           *gorm.DB

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化提供者，沒有憑證的提供者不會掛載
	providers := make(map[models.ProviderKind]provider.IClient)
	if cfg := config.Providers[models.ProviderGoogle]; cfg.Enabled() {
		client, err := provider.NewGoogleClient(context.Background(), cfg.ClientID, cfg.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to initial google provider, err=%w", op, err)
		}
		providers[models.ProviderGoogle] = client
	}
	if cfg := config.Providers[models.ProviderLine]; cfg.Enabled() {
		providers[models.ProviderLine] = provider.NewLineClient(cfg.ClientID, cfg.ClientSecret)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("[%s] No provider is configured", op)
	}

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化新使用者事件的producer
	producer, err := redisAdapter.NewProducer[identity.UserCreatedEvent](redisClient, config.Redis.StreamKeys.UserCreated)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create producer, err=%w", op, err)
	}

	// 初始化registry與resolver
	registry := identity.NewGormRegistry(db, identity.NewStreamSeeder(producer))
	resolverOpts := []identity.ResolverOption{}
	if config.S3.Enabled() {
		s3Cfg, err := awsCfg.LoadDefaultConfig(
			context.Background(),
			awsCfg.WithBaseEndpoint(config.S3.Endpoint),
			awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.S3.AccessKeyID, config.S3.SecretAccessKey, "")),
			awsCfg.WithRegion("auto"),
		)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to load AWS config, err=%w", op, err)
		}
		mirror, err := avatar.NewMirror(s3.NewFromConfig(s3Cfg), config.S3.Bucket, config.S3.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create avatar mirror, err=%w", op, err)
		}
		resolverOpts = append(resolverOpts, identity.WithAvatarMirror(mirror))
	}
	resolver := identity.NewResolver(registry, resolverOpts...)

	// 初始化連結作業的儲存
	linkingOpts := []redisAdapter.LinkingStoreOption{
		redisAdapter.WithLinkingPrefix(config.Redis.KeyPrefix + "linking:"),
	}
	if config.Linking.TTL > 0 {
		linkingOpts = append(linkingOpts, redisAdapter.WithLinkingTTL(config.Linking.TTL))
	}
	linkingStore := redisAdapter.NewLinkingStore(redisClient, linkingOpts...)

	return &ServerImpl{
		providers:    providers,
		registry:     registry,
		resolver:     resolver,
		linkingStore: linkingStore,
		producer:     producer,
		redisClient:  redisClient,
		db:           db,
		config:       config,
	}, nil
}

func (impl *ServerImpl) Start() {
	// 啟動producer
	impl.producer.Start()
}

func (impl *ServerImpl) Close() {
	// 關閉producer
	impl.producer.Close()
}

// RegisterRoutes 掛載所有路由
// 提供者相關的路由只為啟用的提供者掛載
func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	router.Use(impl.SessionMiddleware())

	for kind, client := range impl.providers {
		base := "/auth/" + string(kind)
		router.GET(base, impl.handleLogin(kind, client))
		router.GET(base+"/callback", impl.handleCallback(kind, client))
		router.POST(base+"/prepare-link", impl.handlePrepareLink(kind))
		router.GET(base+"/link", impl.handleLink(kind, client))
	}
	router.GET("/auth/linked-accounts", impl.handleListLinkedAccounts)
	router.DELETE("/auth/linked-accounts/:provider", impl.handleRemoveLink)
	router.GET("/auth/logout", impl.handleLogout)
	router.GET("/user/info", impl.handleGetUserInfo)
	router.PATCH("/user/info", impl.handlePatchUserInfo)
}

// callbackURL 組出提供者重導回來的網址
func (impl *ServerImpl) callbackURL(kind models.ProviderKind) string {
	return impl.config.PublicBaseURL + "/auth/" + string(kind) + "/callback"
}

func generateID(prefix string) (string, error) {
	const op = "generateID"
	bytes := make([]byte, 20)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("[%s] Fail to generate unique id, err=%w", op, err)
	}
	return prefix + "_" + base64.URLEncoding.EncodeToString(bytes), nil
}
