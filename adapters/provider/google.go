package provider

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/jacktok/jacky-tracker/models"
)

// GoogleIssuerURL 是 Google OIDC 的 issuer，用於 discovery
var GoogleIssuerURL = "https://accounts.google.com"

// GoogleClient 透過 OIDC discovery 與 Google 交換授權碼
type GoogleClient struct {
	provider     *oidc.Provider
	clientID     string
	clientSecret string
}

// NewGoogleClient 建立 Google 的登入客戶端
// 會在啟動時向 issuer 進行一次 discovery
func NewGoogleClient(ctx context.Context, clientID, clientSecret string) (*GoogleClient, error) {
	const op = "NewGoogleClient"
	p, err := oidc.NewProvider(ctx, GoogleIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to discover issuer, err=%w", op, err)
	}
	return &GoogleClient{
		provider:     p,
		clientID:     clientID,
		clientSecret: clientSecret,
	}, nil
}

func (c *GoogleClient) Kind() models.ProviderKind {
	return models.ProviderGoogle
}

func (c *GoogleClient) AuthURL(state, redirectURL string) string {
	config := oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     c.provider.Endpoint(),
		RedirectURL:  redirectURL,
		Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
	}
	return config.AuthCodeURL(state)
}

// Exchange 交換授權碼並驗證 id_token
func (c *GoogleClient) Exchange(ctx context.Context, code, redirectURL string) (Profile, error) {
	const op = "GoogleClient.Exchange"
	config := oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     c.provider.Endpoint(),
		RedirectURL:  redirectURL,
	}
	oauth2Token, err := config.Exchange(ctx, code)
	if err != nil {
		return Profile{}, fmt.Errorf("[%s] %w, err=%w", op, ErrExchangeFailed, err)
	}
	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return Profile{}, fmt.Errorf("[%s] %w, no id_token field in oauth2 token", op, ErrExchangeFailed)
	}
	idToken, err := c.provider.Verifier(&oidc.Config{ClientID: c.clientID}).Verify(ctx, rawIDToken)
	if err != nil {
		return Profile{}, fmt.Errorf("[%s] %w, err=%w", op, ErrExchangeFailed, err)
	}
	var claims struct {
		Sub     string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Profile{}, fmt.Errorf("[%s] %w, err=%w", op, ErrExchangeFailed, err)
	}
	if claims.Sub == "" {
		return Profile{}, fmt.Errorf("[%s] %w, id_token has no subject", op, ErrExchangeFailed)
	}
	return Profile{
		Subject:     claims.Sub,
		Email:       claims.Email,
		DisplayName: claims.Name,
		AvatarURL:   claims.Picture,
	}, nil
}
