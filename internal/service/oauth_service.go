package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/consultly/auth-service/internal/adapter/oauth"
	"github.com/consultly/auth-service/internal/config"
	"github.com/consultly/auth-service/internal/domain"
	"github.com/consultly/auth-service/internal/repository"
)

// OAuthService maps external provider identities onto local accounts and
// enforces the at-least-one-credential invariant on unlink.
type OAuthService struct {
	users     repository.UserRepository
	providers repository.ProviderRepository
	states    repository.OAuthStateStore
	client    oauth.ProviderClient
	node      *snowflake.Node
	clock     clockwork.Clock
	cfg       config.Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewOAuthService wires dependencies.
func NewOAuthService(users repository.UserRepository, providers repository.ProviderRepository, states repository.OAuthStateStore, client oauth.ProviderClient, node *snowflake.Node, clock clockwork.Clock, cfg config.Config, logger *zap.Logger) *OAuthService {
	return &OAuthService{
		users:     users,
		providers: providers,
		states:    states,
		client:    client,
		node:      node,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/consultly/auth-service/internal/service"),
	}
}

// AuthorizationView is returned from StartAuthorization.
type AuthorizationView struct {
	AuthorizationURL string `json:"authorizationUrl"`
	State            string `json:"state"`
}

// ProviderView describes one configured provider for discovery.
type ProviderView struct {
	Provider    string `json:"provider"`
	DisplayName string `json:"displayName"`
}

// ListProviders returns the configured providers.
func (s *OAuthService) ListProviders() []ProviderView {
	views := make([]ProviderView, 0, len(s.cfg.OAuthProviders))
	for _, p := range s.cfg.OAuthProviders {
		views = append(views, ProviderView{Provider: p.Provider, DisplayName: p.DisplayName})
	}
	return views
}

// StartAuthorization builds the provider authorization URL with a fresh
// state and PKCE verifier. linkUserID is zero for login flows and set for
// link flows started by an authenticated user.
func (s *OAuthService) StartAuthorization(ctx context.Context, provider string, linkUserID int64) (AuthorizationView, error) {
	ctx, span := s.tracer.Start(ctx, "OAuthService.StartAuthorization")
	defer span.End()

	pcfg, err := s.providerConfig(provider)
	if err != nil {
		return AuthorizationView{}, err
	}

	state, err := randomToken(24)
	if err != nil {
		span.RecordError(err)
		return AuthorizationView{}, serverError(err)
	}
	nonce, err := randomToken(24)
	if err != nil {
		span.RecordError(err)
		return AuthorizationView{}, serverError(err)
	}
	verifier, err := randomToken(48)
	if err != nil {
		span.RecordError(err)
		return AuthorizationView{}, serverError(err)
	}

	redirectURI := s.redirectURI(provider)
	record := domain.OAuthState{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		Provider:     provider,
		RedirectURI:  redirectURI,
		LinkUserID:   linkUserID,
		CreatedAt:    s.clock.Now().UTC(),
	}
	if err := s.states.SaveState(ctx, state, record, s.cfg.ChallengeTTL); err != nil {
		span.RecordError(err)
		return AuthorizationView{}, serverError(err)
	}

	sum := sha256.Sum256([]byte(verifier))
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", pcfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(pcfg.Scopes, " "))
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("code_challenge", base64.RawURLEncoding.EncodeToString(sum[:]))
	q.Set("code_challenge_method", "S256")

	return AuthorizationView{
		AuthorizationURL: pcfg.AuthURL + "?" + q.Encode(),
		State:            state,
	}, nil
}

// CallbackResult carries the local user behind a completed callback. For
// link flows Linked is true and the caller issues no tokens.
type CallbackResult struct {
	User    domain.User
	Created bool
	Linked  bool
}

// HandleCallback exchanges the authorization code, resolves the provider
// identity to a local account, and creates or links as needed. Accounts
// created here are provider-only and start with a verified email since the
// provider vouches for it.
func (s *OAuthService) HandleCallback(ctx context.Context, provider, code, state string) (CallbackResult, error) {
	ctx, span := s.tracer.Start(ctx, "OAuthService.HandleCallback")
	defer span.End()

	pcfg, err := s.providerConfig(provider)
	if err != nil {
		return CallbackResult{}, err
	}

	stored, err := s.states.GetState(ctx, state)
	if err != nil {
		span.RecordError(err)
		return CallbackResult{}, serverError(err)
	}
	if stored == nil || stored.Provider != provider {
		return CallbackResult{}, newError(CodeValidation, "Authorization state is invalid or expired.", http.StatusBadRequest)
	}
	if err := s.states.DeleteState(ctx, state); err != nil {
		s.log().Warn("failed to delete oauth state", zap.Error(err))
	}

	info, err := s.fetchIdentity(ctx, pcfg, code, stored.CodeVerifier, stored.RedirectURI)
	if err != nil {
		span.RecordError(err)
		return CallbackResult{}, err
	}

	if stored.LinkUserID != 0 {
		user, err := s.linkIdentity(ctx, stored.LinkUserID, provider, info)
		if err != nil {
			return CallbackResult{}, err
		}
		return CallbackResult{User: user, Linked: true}, nil
	}

	// Known provider identity wins over email matching.
	if link, err := s.providers.GetByIdentity(ctx, provider, info.Subject); err == nil {
		user, err := s.users.GetByID(ctx, link.UserID)
		if err != nil {
			span.RecordError(err)
			return CallbackResult{}, serverError(err)
		}
		s.audit("oauth.login", "user_id", user.ID, "provider", provider)
		return CallbackResult{User: user}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		span.RecordError(err)
		return CallbackResult{}, serverError(err)
	}

	email := normalizeEmail(info.Email)
	if email != "" {
		if user, err := s.users.GetByEmail(ctx, email); err == nil {
			if _, err := s.createLink(ctx, user, provider, info, false); err != nil {
				return CallbackResult{}, err
			}
			s.audit("oauth.linked_by_email", "user_id", user.ID, "provider", provider)
			return CallbackResult{User: user}, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			span.RecordError(err)
			return CallbackResult{}, serverError(err)
		}
	}

	user, err := s.createProviderUser(ctx, provider, info)
	if err != nil {
		return CallbackResult{}, err
	}
	s.audit("oauth.user_created", "user_id", user.ID, "provider", provider)
	return CallbackResult{User: user, Created: true}, nil
}

// Link attaches a provider identity to an existing account from an
// authorization code obtained through a link-flow authorization.
func (s *OAuthService) Link(ctx context.Context, userID int64, provider, code, state string) (LinkedProviderView, error) {
	ctx, span := s.tracer.Start(ctx, "OAuthService.Link")
	defer span.End()

	pcfg, err := s.providerConfig(provider)
	if err != nil {
		return LinkedProviderView{}, err
	}

	stored, err := s.states.GetState(ctx, state)
	if err != nil {
		span.RecordError(err)
		return LinkedProviderView{}, serverError(err)
	}
	if stored == nil || stored.Provider != provider || stored.LinkUserID != userID {
		return LinkedProviderView{}, newError(CodeValidation, "Authorization state is invalid or expired.", http.StatusBadRequest)
	}
	if err := s.states.DeleteState(ctx, state); err != nil {
		s.log().Warn("failed to delete oauth state", zap.Error(err))
	}

	info, err := s.fetchIdentity(ctx, pcfg, code, stored.CodeVerifier, stored.RedirectURI)
	if err != nil {
		span.RecordError(err)
		return LinkedProviderView{}, err
	}

	if _, err := s.linkIdentity(ctx, userID, provider, info); err != nil {
		return LinkedProviderView{}, err
	}

	link, err := s.providers.GetByIdentity(ctx, provider, info.Subject)
	if err != nil {
		span.RecordError(err)
		return LinkedProviderView{}, serverError(err)
	}
	return linkedView(link), nil
}

// Unlink detaches a provider. It refuses when the account would be left
// with no password and no remaining provider.
func (s *OAuthService) Unlink(ctx context.Context, userID int64, provider string) error {
	ctx, span := s.tracer.Start(ctx, "OAuthService.Unlink")
	defer span.End()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return newError(CodeNotFound, "User not found.", http.StatusNotFound)
		}
		span.RecordError(err)
		return serverError(err)
	}

	links, err := s.providers.ListByUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return serverError(err)
	}
	var found bool
	for _, l := range links {
		if l.Provider == provider {
			found = true
			break
		}
	}
	if !found {
		return newError(CodeNotFound, "Provider is not linked.", http.StatusNotFound)
	}

	if !user.HasPassword() && len(links) == 1 {
		return newError(CodeLastMethod, "Unlinking the last provider would leave the account without any way to sign in.", http.StatusConflict)
	}

	if err := s.providers.Delete(ctx, userID, provider); err != nil {
		span.RecordError(err)
		return serverError(err)
	}
	s.audit("oauth.unlinked", "user_id", userID, "provider", provider)
	return nil
}

// ListLinked returns the user's linked providers with masked profile data.
func (s *OAuthService) ListLinked(ctx context.Context, userID int64) ([]LinkedProviderView, error) {
	links, err := s.providers.ListByUser(ctx, userID)
	if err != nil {
		return nil, serverError(err)
	}
	views := make([]LinkedProviderView, 0, len(links))
	for _, l := range links {
		views = append(views, linkedView(l))
	}
	return views, nil
}

func (s *OAuthService) fetchIdentity(ctx context.Context, pcfg domain.OAuthProviderConfig, code, verifier, redirectURI string) (*domain.OAuthUserInfo, error) {
	token, err := s.client.ExchangeCode(ctx, pcfg, code, verifier, redirectURI)
	if err != nil {
		return nil, newError(CodeValidation, "Authorization code exchange failed.", http.StatusBadGateway)
	}
	info, err := s.client.FetchUserInfo(ctx, pcfg, token.AccessToken)
	if err != nil {
		return nil, newError(CodeValidation, "Provider profile fetch failed.", http.StatusBadGateway)
	}
	if info.Subject == "" {
		return nil, newError(CodeValidation, "Provider returned no stable identity.", http.StatusBadGateway)
	}
	return info, nil
}

// linkIdentity attaches the identity to userID, rejecting duplicate and
// cross-account links.
func (s *OAuthService) linkIdentity(ctx context.Context, userID int64, provider string, info *domain.OAuthUserInfo) (domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.User{}, newError(CodeNotFound, "User not found.", http.StatusNotFound)
		}
		return domain.User{}, serverError(err)
	}

	existing, err := s.providers.GetByIdentity(ctx, provider, info.Subject)
	switch {
	case err == nil && existing.UserID == userID:
		return domain.User{}, newError(CodeAlreadyLinked, "Provider is already linked to this account.", http.StatusConflict)
	case err == nil:
		return domain.User{}, newError(CodeLinkedToAnother, "This provider identity is linked to another account.", http.StatusConflict)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.User{}, serverError(err)
	}

	links, err := s.providers.ListByUser(ctx, userID)
	if err != nil {
		return domain.User{}, serverError(err)
	}
	for _, l := range links {
		if l.Provider == provider {
			return domain.User{}, newError(CodeAlreadyLinked, "Provider is already linked to this account.", http.StatusConflict)
		}
	}

	if _, err := s.createLink(ctx, user, provider, info, false); err != nil {
		return domain.User{}, err
	}
	s.audit("oauth.linked", "user_id", userID, "provider", provider)
	return user, nil
}

func (s *OAuthService) createLink(ctx context.Context, user domain.User, provider string, info *domain.OAuthUserInfo, primary bool) (domain.ProviderLink, error) {
	link := domain.ProviderLink{
		ID:          s.node.Generate().Int64(),
		UserID:      user.ID,
		Provider:    provider,
		ProviderID:  info.Subject,
		Email:       info.Email,
		Name:        info.Name,
		AvatarURL:   info.Picture,
		IsPrimary:   primary,
		ConnectedAt: s.clock.Now().UTC(),
	}
	created, err := s.providers.Create(ctx, link)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Same identity linked concurrently. Treat as a no-op success.
			return s.providers.GetByIdentity(ctx, provider, info.Subject)
		}
		return domain.ProviderLink{}, serverError(err)
	}
	return created, nil
}

func (s *OAuthService) createProviderUser(ctx context.Context, provider string, info *domain.OAuthUserInfo) (domain.User, error) {
	user := domain.User{
		ID:            s.node.Generate().Int64(),
		Email:         normalizeEmail(info.Email),
		Name:          info.Name,
		Role:          "user",
		Status:        domain.StatusActive,
		EmailVerified: true,
	}
	created, err := s.users.Create(ctx, user)
	if err != nil {
		return domain.User{}, serverError(err)
	}
	if _, err := s.createLink(ctx, created, provider, info, true); err != nil {
		return domain.User{}, err
	}
	return created, nil
}

func (s *OAuthService) providerConfig(provider string) (domain.OAuthProviderConfig, error) {
	for _, p := range s.cfg.OAuthProviders {
		if p.Provider == provider {
			return p, nil
		}
	}
	return domain.OAuthProviderConfig{}, newError(CodeNotFound, "Unknown provider.", http.StatusNotFound)
}

func (s *OAuthService) redirectURI(provider string) string {
	base := strings.TrimRight(s.cfg.OAuthRedirectBaseURL, "/")
	return fmt.Sprintf("%s/auth/oauth/%s/callback", base, provider)
}

func (s *OAuthService) audit(event string, attrs ...any) {
	logger := s.log()
	fields := make([]zap.Field, 0, len(attrs)/2+1)
	fields = append(fields, zap.String("event", event))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	logger.Info("audit", fields...)
}

func (s *OAuthService) log() *zap.Logger {
	if s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func linkedView(link domain.ProviderLink) LinkedProviderView {
	return LinkedProviderView{
		Provider:    link.Provider,
		Email:       maskContact(link.Email),
		Name:        link.Name,
		IsPrimary:   link.IsPrimary,
		ConnectedAt: link.ConnectedAt,
	}
}

func randomToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
