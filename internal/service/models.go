package service

import (
	"time"

	"github.com/consultly/auth-service/internal/domain"
)

// TokenPair is returned after a fully authenticated login or refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// UserView is the client-safe projection of a user account.
type UserView struct {
	ID            int64  `json:"id,string"`
	Email         string `json:"email"`
	Username      string `json:"username,omitempty"`
	Name          string `json:"name,omitempty"`
	Role          string `json:"role"`
	Status        string `json:"status"`
	EmailVerified bool   `json:"emailVerified"`
}

// NewUserView projects a domain user for API responses.
func NewUserView(user domain.User) UserView {
	return UserView{
		ID:            user.ID,
		Email:         user.Email,
		Username:      user.Username,
		Name:          user.Name,
		Role:          user.Role,
		Status:        user.Status,
		EmailVerified: user.EmailVerified,
	}
}

// MFAChallengeView is returned mid-login when a second factor is required.
type MFAChallengeView struct {
	ChallengeID string   `json:"challengeId"`
	Methods     []string `json:"methods"`
	ExpiresIn   int      `json:"expiresIn"`
}

// LoginResult is either a token pair with its session, or an MFA challenge.
type LoginResult struct {
	User      UserView          `json:"user"`
	Tokens    *TokenPair        `json:"tokens,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Challenge *MFAChallengeView `json:"mfaChallenge,omitempty"`
}

// RegisterResult is returned from account creation.
type RegisterResult struct {
	User                      UserView   `json:"user"`
	Tokens                    *TokenPair `json:"tokens,omitempty"`
	SessionID                 string     `json:"sessionId,omitempty"`
	RequiresEmailVerification bool       `json:"requiresEmailVerification"`
}

// SessionView is the client-safe projection of a session.
type SessionView struct {
	SessionID      string            `json:"sessionId"`
	Device         domain.DeviceInfo `json:"device"`
	IP             string            `json:"ip"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	ExpiresAt      time.Time         `json:"expiresAt"`
	IsCurrent      bool              `json:"isCurrent"`
}

// LinkedProviderView masks provider profile data for listing.
type LinkedProviderView struct {
	Provider    string    `json:"provider"`
	Email       string    `json:"email,omitempty"`
	Name        string    `json:"name,omitempty"`
	IsPrimary   bool      `json:"isPrimary"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// MFAStatusView summarizes a user's MFA configuration without secrets.
type MFAStatusView struct {
	IsEnabled       bool       `json:"isEnabled"`
	PrimaryMethod   string     `json:"primaryMethod,omitempty"`
	EnabledMethods  []string   `json:"enabledMethods"`
	BackupCodesLeft int        `json:"backupCodesLeft"`
	IsLocked        bool       `json:"isLocked"`
	LockedUntil     *time.Time `json:"lockedUntil,omitempty"`
}

// MFASetupView is returned from Setup before verification.
type MFASetupView struct {
	Method          string `json:"method"`
	Secret          string `json:"secret,omitempty"`
	ProvisioningURI string `json:"provisioningUri,omitempty"`
	Destination     string `json:"destination,omitempty"`
	ExpiresIn       int    `json:"expiresIn"`
}
