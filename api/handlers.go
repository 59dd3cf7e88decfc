package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/samber/lo"

	"github.com/jacktok/jacky-tracker/adapters/provider"
	"github.com/jacktok/jacky-tracker/adapters/session"
	"github.com/jacktok/jacky-tracker/identity"
	"github.com/jacktok/jacky-tracker/models"
)

const AccessTokenCookie = "access_token"

// 對外的錯誤代碼
// 只透露錯誤的類別，不帶任何提供者或底層的訊息
const (
	ErrorCodeExchangeFailed  = "exchange_failed"
	ErrorCodeStateMismatch   = "state_mismatch"
	ErrorCodeAlreadyLinked   = "provider_already_linked"
	ErrorCodeLastLink        = "last_link"
	ErrorCodeNotFound        = "not_found"
	ErrorCodeNoPendingLink   = "no_pending_link"
	ErrorCodeUnauthorized    = "unauthorized"
	ErrorCodeInvalidProvider = "invalid_provider"
	ErrorCodeInvalidRequest  = "invalid_request"
	ErrorCodeServerError     = "server_error"
)

// Obtain authorization url and redirect
// (GET /auth/{provider})
func (impl *ServerImpl) handleLogin(kind models.ProviderKind, client provider.IClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "handleLogin"
		sess, err := session.GetSession(c)
		if err != nil {
			slog.Error("Fail to get session", slog.String("op", op), slog.Any("error", err))
			impl.redirectError(c, ErrorCodeServerError)
			return
		}
		state, err := generateID("st")
		if err != nil {
			slog.Error("Fail to generate state", slog.String("op", op), slog.Any("error", err))
			impl.redirectError(c, ErrorCodeServerError)
			return
		}
		// 把 state 存在瀏覽器會話中，callback 時比對
		sess.Set(SESSION_KEY_REQUEST_STATE, state)
		if err := sess.Save(); err != nil {
			slog.Error("Fail to save session", slog.String("op", op), slog.Any("error", err))
			impl.redirectError(c, ErrorCodeServerError)
			return
		}
		c.Redirect(http.StatusFound, client.AuthURL(state, impl.callbackURL(kind)))
	}
}

// Exchange authorization code
// (GET /auth/{provider}/callback)
//
// 登入與連結共用同一個 callback：先嘗試消耗連結作業，
// 沒有待處理的作業時退回登入流程的 state 比對
func (impl *ServerImpl) handleCallback(kind models.ProviderKind, client provider.IClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "handleCallback"
		code := c.Query("code")
		state := c.Query("state")

		sess, err := session.GetSession(c)
		if err != nil {
			slog.Error("Fail to get session", slog.String("op", op), slog.Any("error", err))
			impl.redirectError(c, ErrorCodeServerError)
			return
		}

		// 判斷這個 callback 屬於哪個流程
		var pendingUserID *uuid.UUID
		userID, err := impl.linkingStore.Consume(c.Request.Context(), sess.ID(), state)
		switch {
		case err == nil:
			pendingUserID = &userID
		case errors.Is(err, identity.ErrTokenMismatch):
			// 有待處理的連結作業但 token 不符，視為安全事件
			slog.Warn("Linking state mismatch",
				slog.String("op", op), slog.String("provider", string(kind)), slog.String("session", sess.ID()))
			impl.redirectError(c, ErrorCodeStateMismatch)
			return
		case errors.Is(err, identity.ErrNotPending):
			// 登入流程：比對會話中的 state，用過即刪
			expected := sess.Get(SESSION_KEY_REQUEST_STATE)
			sess.Delete(SESSION_KEY_REQUEST_STATE)
			if saveErr := sess.Save(); saveErr != nil {
				slog.Error("Fail to save session", slog.String("op", op), slog.Any("error", saveErr))
				impl.redirectError(c, ErrorCodeServerError)
				return
			}
			if expected == "" || expected != state {
				slog.Warn("Login state mismatch",
					slog.String("op", op), slog.String("provider", string(kind)), slog.String("session", sess.ID()))
				impl.redirectError(c, ErrorCodeStateMismatch)
				return
			}
		default:
			slog.Error("Fail to consume linking session", slog.String("op", op), slog.Any("error", err))
			impl.redirectError(c, ErrorCodeServerError)
			return
		}

		// 向提供者交換授權碼
		// 授權碼是一次性的，失敗不重試
		profile, err := client.Exchange(c.Request.Context(), code, impl.callbackURL(kind))
		if err != nil {
			slog.Error("Fail to exchange authorization code",
				slog.String("op", op), slog.String("provider", string(kind)), slog.Any("error", err))
			impl.redirectError(c, ErrorCodeExchangeFailed)
			return
		}

		// 解析使用者
		user, err := impl.resolver.Resolve(c.Request.Context(), kind, profile, pendingUserID)
		if errors.Is(err, identity.ErrAlreadyLinkedElsewhere) {
			impl.redirectError(c, ErrorCodeAlreadyLinked)
			return
		}
		if err != nil {
			slog.Error("Fail to resolve user", slog.String("op", op), slog.Any("error", err))
			impl.redirectError(c, ErrorCodeServerError)
			return
		}

		// 簽發token並帶著跳回前端
		tokenString, err := IssueJWT(user, impl.config.Auth)
		if err != nil {
			slog.Error("Fail to issue JWT", slog.String("op", op), slog.Any("error", err))
			impl.redirectError(c, ErrorCodeServerError)
			return
		}
		c.SetCookie(AccessTokenCookie, tokenString, int(impl.config.Auth.ExpireDuration/time.Second), "/", "", impl.config.Session.CookieSecure, true)
		c.Redirect(http.StatusFound, impl.config.FrontendBaseURL+"?token="+url.QueryEscape(tokenString))
	}
}

// Begin a linking session
// (POST /auth/{provider}/prepare-link)
func (impl *ServerImpl) handlePrepareLink(kind models.ProviderKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "handlePrepareLink"
		token, ok := impl.currentUser(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": ErrorCodeUnauthorized})
			return
		}
		sess, err := session.GetSession(c)
		if err != nil {
			slog.Error("Fail to get session", slog.String("op", op), slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": ErrorCodeServerError})
			return
		}
		// 同一個會話重複 prepare 會直接覆蓋之前的作業
		if _, err := impl.linkingStore.Begin(c.Request.Context(), sess.ID(), uuid.MustParse(token.Subject)); err != nil {
			slog.Error("Fail to begin linking session", slog.String("op", op), slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": ErrorCodeServerError})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// Redirect to the provider for linking
// (GET /auth/{provider}/link)
func (impl *ServerImpl) handleLink(kind models.ProviderKind, client provider.IClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "handleLink"
		sess, err := session.GetSession(c)
		if err != nil {
			slog.Error("Fail to get session", slog.String("op", op), slog.Any("error", err))
			impl.redirectError(c, ErrorCodeServerError)
			return
		}
		// 必須先呼叫過 prepare-link，防偽 token 會透過 state 參數帶回
		pending, err := impl.linkingStore.Pending(c.Request.Context(), sess.ID())
		if errors.Is(err, identity.ErrNotPending) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": ErrorCodeNoPendingLink})
			return
		}
		if err != nil {
			slog.Error("Fail to load linking session", slog.String("op", op), slog.Any("error", err))
			impl.redirectError(c, ErrorCodeServerError)
			return
		}
		c.Redirect(http.StatusFound, client.AuthURL(pending.Token, impl.callbackURL(kind)))
	}
}

// List linked accounts
// (GET /auth/linked-accounts)
func (impl *ServerImpl) handleListLinkedAccounts(c *gin.Context) {
	const op = "handleListLinkedAccounts"
	token, ok := impl.currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": ErrorCodeUnauthorized})
		return
	}
	links, err := impl.registry.ListLinks(c.Request.Context(), uuid.MustParse(token.Subject))
	if err != nil {
		slog.Error("Fail to list links", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": ErrorCodeServerError})
		return
	}
	accounts := lo.Map(links, func(link models.ProviderLink, _ int) gin.H {
		return gin.H{
			"provider":    link.Provider,
			"email":       link.Email,
			"displayName": link.DisplayName,
			"linkedAt":    link.CreatedAt,
		}
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "accounts": accounts})
}

// Remove a linked account
// (DELETE /auth/linked-accounts/{provider})
func (impl *ServerImpl) handleRemoveLink(c *gin.Context) {
	const op = "handleRemoveLink"
	token, ok := impl.currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": ErrorCodeUnauthorized})
		return
	}
	kind := models.ProviderKind(c.Param("provider"))
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": ErrorCodeInvalidProvider})
		return
	}
	err := impl.registry.RemoveLink(c.Request.Context(), uuid.MustParse(token.Subject), kind)
	switch {
	case errors.Is(err, identity.ErrLastLinkRejected):
		// 不允許移除最後一個登入方式
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": ErrorCodeLastLink})
	case errors.Is(err, identity.ErrLinkNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": ErrorCodeNotFound})
	case err != nil:
		slog.Error("Fail to remove link", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": ErrorCodeServerError})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// Revoke authentication token
// (GET /auth/logout)
func (impl *ServerImpl) handleLogout(c *gin.Context) {
	// only clear the cookie without revoking the token
	c.SetCookie(AccessTokenCookie, "", -1, "/", "", impl.config.Session.CookieSecure, true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Get user information
// (GET /user/info)
func (impl *ServerImpl) handleGetUserInfo(c *gin.Context) {
	const op = "handleGetUserInfo"
	token, ok := impl.currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": ErrorCodeUnauthorized})
		return
	}
	userID := uuid.MustParse(token.Subject)
	user, err := impl.registry.GetUser(c.Request.Context(), userID)
	if err != nil {
		slog.Error("Fail to find user", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": ErrorCodeServerError})
		return
	}
	links, err := impl.registry.ListLinks(c.Request.Context(), userID)
	if err != nil {
		slog.Error("Fail to list links", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": ErrorCodeServerError})
		return
	}
	connectStatus := lo.SliceToMap(models.AllProviderKinds, func(kind models.ProviderKind) (models.ProviderKind, bool) {
		return kind, lo.ContainsBy(links, func(link models.ProviderLink) bool {
			return link.Provider == kind
		})
	})
	c.JSON(http.StatusOK, gin.H{
		"username":  user.Username,
		"email":     user.Email,
		"avatarUrl": user.AvatarURL,
		"providers": connectStatus,
	})
}

// Update user information
// (PATCH /user/info)
func (impl *ServerImpl) handlePatchUserInfo(c *gin.Context) {
	const op = "handlePatchUserInfo"
	token, ok := impl.currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": ErrorCodeUnauthorized})
		return
	}
	var body struct {
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": ErrorCodeInvalidRequest})
		return
	}
	// 檢查新的使用者名稱是否合法
	username := strings.TrimSpace(sanitizePolicy.Sanitize(body.Username))
	if len(username) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": ErrorCodeInvalidRequest})
		return
	}
	if err := impl.registry.UpdateUsername(c.Request.Context(), uuid.MustParse(token.Subject), username); err != nil {
		slog.Error("Fail to update username", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": ErrorCodeServerError})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

var sanitizePolicy = bluemonday.StrictPolicy()

// currentUser 解析請求帶的 session token
// 接受 Authorization header 或 cookie
func (impl *ServerImpl) currentUser(c *gin.Context) (*JWT, bool) {
	const op = "currentUser"
	tokenString := ""
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		tokenString = strings.TrimPrefix(header, "Bearer ")
	}
	if tokenString == "" {
		tokenString, _ = c.Cookie(AccessTokenCookie)
	}
	if tokenString == "" {
		return nil, false
	}
	token, err := ParseAndValidateJWT(tokenString, impl.config.Auth.PrivateKey)
	if err != nil {
		slog.Error("Fail to parse and validate JWT", slog.String("op", op), slog.Any("error", err))
		return nil, false
	}
	return token, true
}

// redirectError 帶著錯誤代碼跳回前端
// 錯誤代碼是預先定義的，不會包含內部訊息
func (impl *ServerImpl) redirectError(c *gin.Context, code string) {
	c.Redirect(http.StatusFound, impl.config.FrontendBaseURL+"?error="+url.QueryEscape(code))
}
