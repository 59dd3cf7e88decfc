package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/jacktok/jacky-tracker/models"
)

// LINE Login v2.1 的端點
// 參考 https://developers.line.biz/en/reference/line-login/
var LineEndpoint = oauth2.Endpoint{
	AuthURL:  "https://access.line.me/oauth2/v2.1/authorize",
	TokenURL: "https://api.line.me/oauth2/v2.1/token",
}

var LineProfileURL = "https://api.line.me/v2/profile"

// LineClient 透過 LINE Login 交換授權碼並取得使用者個人資料
// LINE 的 id_token 以 channel secret 做 HS256 簽章，Email 只會出現在 id_token 內
type LineClient struct {
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

func NewLineClient(clientID, clientSecret string) *LineClient {
	return &LineClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   http.DefaultClient,
	}
}

func (c *LineClient) Kind() models.ProviderKind {
	return models.ProviderLine
}

func (c *LineClient) AuthURL(state, redirectURL string) string {
	config := oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     LineEndpoint,
		RedirectURL:  redirectURL,
		Scopes:       []string{"profile", "openid", "email"},
	}
	return config.AuthCodeURL(state)
}

// Exchange 交換授權碼，再用 access token 呼叫 profile API
func (c *LineClient) Exchange(ctx context.Context, code, redirectURL string) (Profile, error) {
	const op = "LineClient.Exchange"
	config := oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     LineEndpoint,
		RedirectURL:  redirectURL,
	}
	oauth2Token, err := config.Exchange(ctx, code)
	if err != nil {
		return Profile{}, fmt.Errorf("[%s] %w, err=%w", op, ErrExchangeFailed, err)
	}

	// 取得個人資料
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, LineProfileURL, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("[%s] %w, err=%w", op, ErrExchangeFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+oauth2Token.AccessToken)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("[%s] %w, err=%w", op, ErrExchangeFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("[%s] %w, profile request failed with status code=%d", op, ErrExchangeFailed, resp.StatusCode)
	}
	var lineProfile struct {
		UserID      string `json:"userId"`
		DisplayName string `json:"displayName"`
		PictureURL  string `json:"pictureUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&lineProfile); err != nil {
		return Profile{}, fmt.Errorf("[%s] %w, err=%w", op, ErrExchangeFailed, err)
	}
	if lineProfile.UserID == "" {
		return Profile{}, fmt.Errorf("[%s] %w, profile has no userId", op, ErrExchangeFailed)
	}

	return Profile{
		Subject:     lineProfile.UserID,
		Email:       c.emailFromIDToken(oauth2Token),
		DisplayName: lineProfile.DisplayName,
		AvatarURL:   lineProfile.PictureURL,
	}, nil
}

// emailFromIDToken 從 id_token 中取出 Email
// 使用者未授權 email scope 時 id_token 不會帶 Email，此時回傳空字串，
// 驗章失敗也視為沒有 Email，不影響登入流程
func (c *LineClient) emailFromIDToken(token *oauth2.Token) string {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return ""
	}
	claims := struct {
		Email string `json:"email"`
		jwt.RegisteredClaims
	}{}
	parsed, err := jwt.ParseWithClaims(rawIDToken, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(c.clientSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithAudience(c.clientID))
	if err != nil || !parsed.Valid {
		return ""
	}
	return claims.Email
}
