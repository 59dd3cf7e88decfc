package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktok/jacky-tracker/adapters/provider"
	"github.com/jacktok/jacky-tracker/models"
)

// fakeRegistry 是記憶體中的 IRegistry，強制執行與資料庫相同的唯一性約束
type fakeRegistry struct {
	users map[uuid.UUID]*models.User
	links []*models.ProviderLink

	// 寫入前的掛鉤，回傳非 nil 錯誤時寫入失敗
	// 掛鉤內可以塞入資料，模擬被併發請求搶先寫入的情況
	addLinkHook func() error
	createHook  func() error

	addLinkCalls int
	createCalls  int
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
	return nil, ErrLinkNotFound
}

func (f *fakeRegistry) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if user, ok := f.users[id]; ok {
		return user, nil
	}
	return nil, ErrUserNotFound
}

func (f *fakeRegistry) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return nil, ErrUserNotFound
}

func (f *fakeRegistry) CreateUserWithLink(ctx context.Context, kind models.ProviderKind, profile provider.Profile, email, username, avatarURL string) (*models.User, error) {
	f.createCalls++
	if f.createHook != nil {
		hook := f.createHook
		f.createHook = nil
		if err := hook(); err != nil {
			return nil, err
		}
	}
	if _, err := f.FindUserByEmail(ctx, email); err == nil {
		return nil, ErrConflict
	}
	if _, err := f.FindLinkByProvider(ctx, kind, profile.Subject); err == nil {
		return nil, ErrConflict
	}
	user := &models.User{ID: uuid.New(), Email: email, Username: username, AvatarURL: avatarURL}
	f.users[user.ID] = user
	f.links = append(f.links, &models.ProviderLink{
		ID:          uuid.New(),
		UserID:      user.ID,
		Provider:    kind,
		Subject:     profile.Subject,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		User:        user,
	})
	return user, nil
}

func (f *fakeRegistry) AddLink(ctx context.Context, userID uuid.UUID, kind models.ProviderKind, profile provider.Profile) (*models.ProviderLink, error) {
	f.addLinkCalls++
	if f.addLinkHook != nil {
		hook := f.addLinkHook
		f.addLinkHook = nil
		if err := hook(); err != nil {
			return nil, err
		}
	}
	if _, err := f.FindLinkByProvider(ctx, kind, profile.Subject); err == nil {
		return nil, ErrConflict
	}
	for _, link := range f.links {
		if link.UserID == userID && link.Provider == kind {
			return nil, ErrConflict
		}
	}
	user, ok := f.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	link := &models.ProviderLink{
		ID:          uuid.New(),
		UserID:      userID,
		Provider:    kind,
		Subject:     profile.Subject,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		User:        user,
	}
	f.links = append(f.links, link)
	return link, nil
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
		return ErrLinkNotFound
	}
	if count <= 1 {
		return ErrLastLinkRejected
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
		return ErrUserNotFound
	}
	user.Username = username
	return nil
}

type fakeMirror struct {
	url string
	err error
}

func (f *fakeMirror) Mirror(ctx context.Context, sourceURL string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func TestResolver_Resolve_DirectMatch(t *testing.T) {
	t.Run("returning user", func(t *testing.T) {
		registry := newFakeRegistry()
		owner := registry.seedUser("alice@example.com", "alice")
		registry.seedLink(owner, models.ProviderGoogle, "g-100")

		resolver := NewResolver(registry)
		user, err := resolver.Resolve(context.Background(), models.ProviderGoogle, provider.Profile{
			Subject: "g-100",
			Email:   "alice@example.com",
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, owner.ID, user.ID)
		assert.Len(t, registry.links, 1)
		assert.Zero(t, registry.createCalls)
	})

	t.Run("direct match wins over email", func(t *testing.T) {
		// 同一個 Email 被另一個使用者持有時，subject 比對優先
		registry := newFakeRegistry()
		owner := registry.seedUser("shared@example.com", "owner")
		registry.seedLink(owner, models.ProviderGoogle, "g-100")
		registry.seedUser("other@example.com", "other")

		resolver := NewResolver(registry)
		user, err := resolver.Resolve(context.Background(), models.ProviderGoogle, provider.Profile{
			Subject: "g-100",
			Email:   "other@example.com",
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, owner.ID, user.ID)
	})
}

func TestResolver_Resolve_NewUser(t *testing.T) {
	t.Run("with verified email", func(t *testing.T) {
		registry := newFakeRegistry()
		resolver := NewResolver(registry)

		user, err := resolver.Resolve(context.Background(), models.ProviderGoogle, provider.Profile{
			Subject:     "g-100",
			Email:       "alice@example.com",
			DisplayName: "Alice",
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", user.Email)
		assert.Equal(t, "Alice", user.Username)
		assert.Len(t, registry.links, 1)
		assert.Equal(t, user.ID, registry.links[0].UserID)
	})

	t.Run("without email uses placeholder", func(t *testing.T) {
		registry := newFakeRegistry()
		resolver := NewResolver(registry)

		user, err := resolver.Resolve(context.Background(), models.ProviderLine, provider.Profile{
			Subject:     "U-123",
			DisplayName: "Bob",
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, "U-123@line.local", user.Email)
		assert.True(t, IsPlaceholderEmail(user.Email))
	})

	t.Run("placeholder emails never merge", func(t *testing.T) {
		// 兩個沒有 Email 的身份不會因為都沒有 Email 而被合併
		registry := newFakeRegistry()
		resolver := NewResolver(registry)

		first, err := resolver.Resolve(context.Background(), models.ProviderLine, provider.Profile{Subject: "U-1"}, nil)
		require.NoError(t, err)
		second, err := resolver.Resolve(context.Background(), models.ProviderLine, provider.Profile{Subject: "U-2"}, nil)
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
		assert.Len(t, registry.users, 2)
	})

	t.Run("display name is sanitized", func(t *testing.T) {
		registry := newFakeRegistry()
		resolver := NewResolver(registry)

		user, err := resolver.Resolve(context.Background(), models.ProviderGoogle, provider.Profile{
			Subject:     "g-100",
			Email:       "alice@example.com",
			DisplayName: "  <b>Alice</b> ",
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, "Alice", user.Username)
	})

	t.Run("empty display name falls back to email local part", func(t *testing.T) {
		registry := newFakeRegistry()
		resolver := NewResolver(registry)

		user, err := resolver.Resolve(context.Background(), models.ProviderGoogle, provider.Profile{
			Subject: "g-100",
			Email:   "alice@example.com",
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, "alice", user.Username)
	})

	t.Run("avatar is mirrored", func(t *testing.T) {
		registry := newFakeRegistry()
		resolver := NewResolver(registry, WithAvatarMirror(&fakeMirror{url: "https://cdn.example.com/avatars/a.png"}))

		user, err := resolver.Resolve(context.Background(), models.ProviderGoogle, provider.Profile{
			Subject:   "g-100",
			Email:     "alice@example.com",
			AvatarURL: "https://lh3.googleusercontent.com/a",
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example.com/avatars/a.png", user.AvatarURL)
	})

	t.Run("mirror failure keeps provider url", func(t *testing.T) {
		registry := newFakeRegistry()
		resolver := NewResolver(registry, WithAvatarMirror(&fakeMirror{err: errors.New("bucket unavailable")}))

		user, err := resolver.Resolve(context.Background(), models.ProviderGoogle, provider.Profile{
			Subject:   "g-100",
			Email:     "alice@example.com",
			AvatarURL: "https://lh3.googleusercontent.com/a",
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, "https://lh3.googleusercontent.com/a", user.AvatarURL)
	})
}

func TestResolver_Resolve_EmailMerge(t *testing.T) {
	t.Run("merge into existing user", func(t *testing.T) {
		registry := newFakeRegistry()
		owner := registry.seedUser("alice@example.com", "alice")
		registry.seedLink(owner, models.ProviderGoogle, "g-100")

		resolver := NewResolver(registry)
		user, err := resolver.Resolve(context.Background(), models.ProviderLine, provider.Profile{
			Subject: "U-123",
			Email:   "alice@example.com",
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, owner.ID, user.ID)
		assert.Len(t, registry.links, 2)
		assert.Len(t, registry.users, 1)
	})

	t.Run("same provider already linked", func(t *testing.T) {
		// Email 相符的使用者已經綁了同提供者的另一個 subject
		registry := newFakeRegistry()
		owner := registry.seedUser("alice@example.com", "alice")
		registry.seedLink(owner, models.ProviderGoogle, "g-100")

		resolver := NewResolver(registry)
		_, err := resolver.Resolve(context.Background(), models.ProviderGoogle, provider.Profile{
			Subject: "g-200",
			Email:   "alice@example.com",
		}, nil)

		assert.ErrorIs(t, err, ErrAlreadyLinkedElsewhere)
		assert.Len(t, registry.links, 1)
		assert.Len(t, registry.users, 1)
	})
}

func TestResolver_Resolve_Linking(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		registry := newFakeRegistry()
		initiator := registry.seedUser("alice@example.com", "alice")
		registry.seedLink(initiator, models.ProviderGoogle, "g-100")

		resolver := NewResolver(registry)
		user, err := resolver.Resolve(context.Background(), models.ProviderLine, provider.Profile{
			Subject: "U-123",
		}, &initiator.ID)

		require.NoError(t, err)
		assert.Equal(t, initiator.ID, user.ID)
		assert.Len(t, registry.links, 2)
	})

	t.Run("reject identity owned by another user", func(t *testing.T) {
		registry := newFakeRegistry()
		initiator := registry.seedUser("alice@example.com", "alice")
		registry.seedLink(initiator, models.ProviderGoogle, "g-100")
		victim := registry.seedUser("bob@example.com", "bob")
		registry.seedLink(victim, models.ProviderLine, "U-123")

		resolver := NewResolver(registry)
		_, err := resolver.Resolve(context.Background(), models.ProviderLine, provider.Profile{
			Subject: "U-123",
		}, &initiator.ID)

		assert.ErrorIs(t, err, ErrAlreadyLinkedElsewhere)
		// 綁定歸屬不變
		link, lookupErr := registry.FindLinkByProvider(context.Background(), models.ProviderLine, "U-123")
		require.NoError(t, lookupErr)
		assert.Equal(t, victim.ID, link.UserID)
		assert.Len(t, registry.links, 2)
	})

	t.Run("relink same identity is idempotent", func(t *testing.T) {
		registry := newFakeRegistry()
		initiator := registry.seedUser("alice@example.com", "alice")
		registry.seedLink(initiator, models.ProviderGoogle, "g-100")

		resolver := NewResolver(registry)
		user, err := resolver.Resolve(context.Background(), models.ProviderGoogle, provider.Profile{
			Subject: "g-100",
		}, &initiator.ID)

		require.NoError(t, err)
		assert.Equal(t, initiator.ID, user.ID)
		assert.Len(t, registry.links, 1)
	})

	t.Run("provider already linked on initiator", func(t *testing.T) {
		// 同提供者的另一個 subject 已經綁在發起者身上，重試視為成功
		registry := newFakeRegistry()
		initiator := registry.seedUser("alice@example.com", "alice")
		registry.seedLink(initiator, models.ProviderLine, "U-123")

		resolver := NewResolver(registry)
		user, err := resolver.Resolve(context.Background(), models.ProviderLine, provider.Profile{
			Subject: "U-456",
		}, &initiator.ID)

		require.NoError(t, err)
		assert.Equal(t, initiator.ID, user.ID)
		assert.Zero(t, registry.addLinkCalls)
		assert.Len(t, registry.links, 1)
	})

	t.Run("conflict recovery resolves to initiator", func(t *testing.T) {
		// 預查之後另一個併發請求寫入了同一筆綁定
		registry := newFakeRegistry()
		initiator := registry.seedUser("alice@example.com", "alice")
		registry.seedLink(initiator, models.ProviderGoogle, "g-100")
		registry.addLinkHook = func() error {
			registry.seedLink(initiator, models.ProviderLine, "U-123")
			return ErrConflict
		}

		resolver := NewResolver(registry)
		user, err := resolver.Resolve(context.Background(), models.ProviderLine, provider.Profile{
			Subject: "U-123",
		}, &initiator.ID)

		require.NoError(t, err)
		assert.Equal(t, initiator.ID, user.ID)
	})

	t.Run("conflict recovery rejects foreign owner", func(t *testing.T) {
		registry := newFakeRegistry()
		initiator := registry.seedUser("alice@example.com", "alice")
		registry.seedLink(initiator, models.ProviderGoogle, "g-100")
		victim := registry.seedUser("bob@example.com", "bob")
		registry.addLinkHook = func() error {
			registry.seedLink(victim, models.ProviderLine, "U-123")
			return ErrConflict
		}

		resolver := NewResolver(registry)
		_, err := resolver.Resolve(context.Background(), models.ProviderLine, provider.Profile{
			Subject: "U-123",
		}, &initiator.ID)

		assert.ErrorIs(t, err, ErrAlreadyLinkedElsewhere)
	})
}

func TestResolver_Resolve_SignupConflictRecovery(t *testing.T) {
	t.Run("concurrent signup of same identity", func(t *testing.T) {
		// CreateUserWithLink 撞上唯一性約束後重新讀取既有的綁定
		registry := newFakeRegistry()
		var winner *models.User
		registry.createHook = func() error {
			winner = registry.seedUser("alice@example.com", "alice")
			registry.seedLink(winner, models.ProviderGoogle, "g-100")
			return ErrConflict
		}

		resolver := NewResolver(registry)
		user, err := resolver.Resolve(context.Background(), models.ProviderGoogle, provider.Profile{
			Subject: "g-100",
			Email:   "alice@example.com",
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, winner.ID, user.ID)
		assert.Equal(t, 1, registry.createCalls)
	})

	t.Run("email taken by concurrent signup", func(t *testing.T) {
		// Email 被另一個提供者的併發註冊搶先，改走附掛
		registry := newFakeRegistry()
		var winner *models.User
		registry.createHook = func() error {
			winner = registry.seedUser("alice@example.com", "alice")
			registry.seedLink(winner, models.ProviderLine, "U-123")
			return ErrConflict
		}

		resolver := NewResolver(registry)
		user, err := resolver.Resolve(context.Background(), models.ProviderGoogle, provider.Profile{
			Subject: "g-100",
			Email:   "alice@example.com",
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, winner.ID, user.ID)
		assert.Len(t, registry.links, 2)
	})
}

func TestPlaceholderEmail(t *testing.T) {
	assert.Equal(t, "U-123@line.local", PlaceholderEmail(models.ProviderLine, "U-123"))
	assert.True(t, IsPlaceholderEmail("U-123@line.local"))
	assert.False(t, IsPlaceholderEmail("alice@example.com"))
}
