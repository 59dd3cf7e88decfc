package api

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jacktok/jacky-tracker/adapters/provider"
	"github.com/jacktok/jacky-tracker/adapters/session"
	"github.com/jacktok/jacky-tracker/identity"
	"github.com/jacktok/jacky-tracker/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSessionStore 是記憶體中的 session.IStore
type fakeSessionStore struct {
	data map[string]map[string]string
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{data: map[string]map[string]string{}}
}

func (f *fakeSessionStore) Load(ctx context.Context, name string) (map[string]string, error) {
	stored, ok := f.data[name]
	if !ok {
		return map[string]string{}, nil
	}
	result := map[string]string{}
	for k, v := range stored {
		result[k] = v
	}
	return result, nil
}

func (f *fakeSessionStore) Save(ctx context.Context, name string, data map[string]string) error {
	stored := map[string]string{}
	for k, v := range data {
		stored[k] = v
	}
	f.data[name] = stored
	return nil
}

// fakeLinkingStore 是記憶體中的 identity.ILinkingStore
type fakeLinkingStore struct {
	entries    map[string]*identity.PendingLink
	beginCalls int
}

func newFakeLinkingStore() *fakeLinkingStore {
	return &fakeLinkingStore{entries: map[string]*identity.PendingLink{}}
}

func (f *fakeLinkingStore) Begin(ctx context.Context, browserSessionID string, userID uuid.UUID) (string, error) {
	f.beginCalls++
	token := "lk_test"
	f.entries[browserSessionID] = &identity.PendingLink{UserID: userID, Token: token}
	return token, nil
}

func (f *fakeLinkingStore) Pending(ctx context.Context, browserSessionID string) (*identity.PendingLink, error) {
	entry, ok := f.entries[browserSessionID]
	if !ok {
		return nil, identity.ErrNotPending
	}
	return entry, nil
}

func (f *fakeLinkingStore) Consume(ctx context.Context, browserSessionID, token string) (uuid.UUID, error) {
	entry, ok := f.entries[browserSessionID]
	if !ok {
		return uuid.Nil, identity.ErrNotPending
	}
	delete(f.entries, browserSessionID)
	if entry.Token != token {
		return uuid.Nil, identity.ErrTokenMismatch
	}
	return entry.UserID, nil
}

// fakeClient 是回傳固定資料的 provider.IClient
type fakeClient struct {
	kind          models.ProviderKind
	profile       provider.Profile
	exchangeErr   error
	exchangeCalls int
}

func (f *fakeClient) Kind() models.ProviderKind {
	return f.kind
}

func (f *fakeClient) AuthURL(state, redirectURL string) string {
	return "https://provider.example/authorize?state=" + url.QueryEscape(state) +
		"&redirect_uri=" + url.QueryEscape(redirectURL)
}

func (f *fakeClient) Exchange(ctx context.Context, code, redirectURL string) (provider.Profile, error) {
	f.exchangeCalls++
	if f.exchangeErr != nil {
		return provider.Profile{}, f.exchangeErr
	}
	return f.profile, nil
}

// fakeRegistry 是記憶體中的 identity.IRegistry
type fakeRegistry struct {
	users map[uuid.UUID]*models.User
	links []*models.ProviderLink
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{users: map[uuid.UUID]*models.User{}}
}

func (f *fakeRegistry) seedUser(email, username string) *models.User {
	user := &models.User{ID: uuid.New(), Email: email, Username: username}
	f.users[user.ID] = user
	return user
}

func (f *fakeRegistry) seedLink(user *models.User, kind models.ProviderKind, subject string) *models.ProviderLink {
	link := &models.ProviderLink{
		ID:       uuid.New(),
		UserID:   user.ID,
		Provider: kind,
		Subject:  subject,
		User:     user,
	}
	f.links = append(f.links, link)
	return link
}

func (f *fakeRegistry) FindLinkByProvider(ctx context.Context, kind models.ProviderKind, subject string) (*models.ProviderLink, error) {
	for _, link := range f.links {
		if link.Provider == kind && link.Subject == subject {
			return link, nil
		}
	}
	return nil, identity.ErrLinkNotFound
}

func (f *fakeRegistry) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if user, ok := f.users[id]; ok {
		return user, nil
	}
	return nil, identity.ErrUserNotFound
}

func (f *fakeRegistry) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return nil, identity.ErrUserNotFound
}

func (f *fakeRegistry) CreateUserWithLink(ctx context.Context, kind models.ProviderKind, profile provider.Profile, email, username, avatarURL string) (*models.User, error) {
	if _, err := f.FindUserByEmail(ctx, email); err == nil {
		return nil, identity.ErrConflict
	}
	if _, err := f.FindLinkByProvider(ctx, kind, profile.Subject); err == nil {
		return nil, identity.ErrConflict
	}
	user := &models.User{ID: uuid.New(), Email: email, Username: username, AvatarURL: avatarURL}
	f.users[user.ID] = user
	f.seedLink(user, kind, profile.Subject)
	return user, nil
}

func (f *fakeRegistry) AddLink(ctx context.Context, userID uuid.UUID, kind models.ProviderKind, profile provider.Profile) (*models.ProviderLink, error) {
	if _, err := f.FindLinkByProvider(ctx, kind, profile.Subject); err == nil {
		return nil, identity.ErrConflict
	}
	for _, link := range f.links {
		if link.UserID == userID && link.Provider == kind {
			return nil, identity.ErrConflict
		}
	}
	user, ok := f.users[userID]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	return f.seedLink(user, kind, profile.Subject), nil
}

func (f *fakeRegistry) RemoveLink(ctx context.Context, userID uuid.UUID, kind models.ProviderKind) error {
	count := 0
	index := -1
	for i, link := range f.links {
		if link.UserID == userID {
			count++
			if link.Provider == kind {
				index = i
			}
		}
	}
	if index < 0 {
		return identity.ErrLinkNotFound
	}
	if count <= 1 {
		return identity.ErrLastLinkRejected
	}
	f.links = append(f.links[:index], f.links[index+1:]...)
	return nil
}

func (f *fakeRegistry) ListLinks(ctx context.Context, userID uuid.UUID) ([]models.ProviderLink, error) {
	result := []models.ProviderLink{}
	for _, link := range f.links {
		if link.UserID == userID {
			result = append(result, *link)
		}
	}
	return result, nil
}

func (f *fakeRegistry) UpdateUsername(ctx context.Context, userID uuid.UUID, username string) error {
	user, ok := f.users[userID]
	if !ok {
		return identity.ErrUserNotFound
	}
	user.Username = username
	return nil
}

// testEnv 集合 handler 測試需要的假元件
type testEnv struct {
	impl         *ServerImpl
	router       *gin.Engine
	registry     *fakeRegistry
	linkingStore *fakeLinkingStore
	sessionStore *fakeSessionStore
	google       *fakeClient
	line         *fakeClient
	config       ServerConfig
}

func setupTestEnv(t *testing.T) *testEnv {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	config := ServerConfig{
		PublicBaseURL:   "https://api.example.com",
		FrontendBaseURL: "https://app.example.com",
		Auth: AuthConfig{
			PrivateKey:     privateKey,
			ExpireDuration: time.Hour,
			Issuer:         "jacky-tracker",
			Audience:       "jacky-tracker",
		},
		Session: SessionConfig{KeyForCookie: "session"},
	}

	registry := newFakeRegistry()
	linkingStore := newFakeLinkingStore()
	sessionStore := newFakeSessionStore()
	google := &fakeClient{kind: models.ProviderGoogle}
	line := &fakeClient{kind: models.ProviderLine}

	impl := &ServerImpl{
		providers: map[models.ProviderKind]provider.IClient{
			models.ProviderGoogle: google,
			models.ProviderLine:   line,
		},
		registry:     registry,
		resolver:     identity.NewResolver(registry),
		linkingStore: linkingStore,
		config:       config,
	}

	// 與 RegisterRoutes 相同的路由表，session middleware 換成記憶體實作
	router := gin.New()
	router.Use(session.GinMiddleware(
		sessionStore,
		session.WithSessionKeyForCookie(config.Session.KeyForCookie),
		session.WithCookieSecure(false),
	))
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

	return &testEnv{
		impl:         impl,
		router:       router,
		registry:     registry,
		linkingStore: linkingStore,
		sessionStore: sessionStore,
		google:       google,
		line:         line,
		config:       config,
	}
}

// issueToken 為指定的使用者簽發測試用的 session token
func (env *testEnv) issueToken(t *testing.T, user *models.User) string {
	token, err := IssueJWT(user, env.config.Auth)
	require.NoError(t, err)
	return token
}
