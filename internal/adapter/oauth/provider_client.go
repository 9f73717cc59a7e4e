// Package oauth contains outbound HTTP adapters for external identity
// providers.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/consultly/auth-service/internal/domain"
)

// ProviderClient encapsulates outbound HTTP calls to external IdPs.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, provider domain.OAuthProviderConfig, code, codeVerifier, redirectURI string) (*domain.OAuthTokenResponse, error)
	FetchUserInfo(ctx context.Context, provider domain.OAuthProviderConfig, accessToken string) (*domain.OAuthUserInfo, error)
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	httpClient *http.Client
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{httpClient: client}
}

// ExchangeCode performs the OAuth token exchange.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, provider domain.OAuthProviderConfig, code, codeVerifier, redirectURI string) (*domain.OAuthTokenResponse, error) {
	if strings.TrimSpace(provider.TokenURL) == "" {
		return nil, fmt.Errorf("token url missing")
	}
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", provider.ClientID)
	if provider.ClientSecret != "" {
		data.Set("client_secret", provider.ClientSecret)
	}
	if strings.TrimSpace(codeVerifier) != "" {
		data.Set("code_verifier", codeVerifier)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token exchange failed: status=%d", resp.StatusCode)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	token := &domain.OAuthTokenResponse{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		IDToken:      stringValue(raw["id_token"]),
		TokenType:    stringValue(raw["token_type"]),
		ExpiresIn:    intValue(raw["expires_in"]),
	}
	return token, nil
}

// FetchUserInfo retrieves the provider profile for the access token.
func (c *HTTPProviderClient) FetchUserInfo(ctx context.Context, provider domain.OAuthProviderConfig, accessToken string) (*domain.OAuthUserInfo, error) {
	if strings.TrimSpace(provider.UserInfoURL) == "" {
		return nil, fmt.Errorf("userinfo url missing")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read userinfo response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("userinfo failed: status=%d", resp.StatusCode)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode userinfo response: %w", err)
	}

	info := &domain.OAuthUserInfo{
		Subject:  firstString(raw, "sub", "id", "user_id"),
		Email:    firstString(raw, "email"),
		Name:     firstString(raw, "name", "login"),
		Picture:  firstString(raw, "picture", "avatar_url"),
		Verified: boolValue(raw["email_verified"]),
	}
	return info, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func intValue(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err == nil {
			return parsed
		}
	}
	return 0
}

func boolValue(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringValue(raw[key]); s != "" {
			return s
		}
	}
	return ""
}
