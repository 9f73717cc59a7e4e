package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/consultly/auth-service/internal/config"
	"github.com/consultly/auth-service/internal/domain"
	"github.com/consultly/auth-service/internal/password"
	"github.com/consultly/auth-service/internal/repository"
)

const adminRole = "admin"

// EnsureAdmin creates a default admin user for dev/e2e if missing. It is a
// no-op when ADMIN_EMAIL/ADMIN_PASSWORD are not configured.
func EnsureAdmin(lc fx.Lifecycle, cfg config.Config, users repository.UserRepository, node *snowflake.Node, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureAdmin(ctx, cfg, users, node, logger)
		},
	})
}

func ensureAdmin(ctx context.Context, cfg config.Config, users repository.UserRepository, node *snowflake.Node, logger *zap.Logger) error {
	email := strings.ToLower(strings.TrimSpace(cfg.AdminEmail))
	if email == "" || strings.TrimSpace(cfg.AdminPassword) == "" {
		return nil
	}

	if _, err := users.GetByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("bootstrap lookup user: %w", err)
	}

	hashed, err := password.Hash(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("bootstrap hash password: %w", err)
	}

	user := domain.User{
		ID:            node.Generate().Int64(),
		Email:         email,
		PasswordHash:  hashed,
		Name:          "Admin",
		Role:          adminRole,
		Status:        domain.StatusActive,
		EmailVerified: true,
	}

	created, err := users.Create(ctx, user)
	if err != nil {
		return fmt.Errorf("bootstrap create user: %w", err)
	}

	if logger != nil {
		logger.Info("bootstrap admin user created",
			zap.String("email", created.Email),
			zap.Int64("user_id", created.ID),
		)
	}
	return nil
}
