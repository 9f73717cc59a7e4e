package domain

import "time"

// OAuthState carries the state/nonce/PKCE verifier across the authorize
// round-trip to an external provider.
type OAuthState struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier"`
	Provider     string    `json:"provider"`
	RedirectURI  string    `json:"redirect_uri"`
	LinkUserID   int64     `json:"link_user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// OAuthProviderConfig describes one configured external identity provider.
type OAuthProviderConfig struct {
	Provider     string
	DisplayName  string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

// OAuthTokenResponse is the provider's token endpoint response.
type OAuthTokenResponse struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresIn    int64
}

// OAuthUserInfo is the provider profile used for linking.
type OAuthUserInfo struct {
	Subject  string
	Email    string
	Name     string
	Picture  string
	Verified bool
}
