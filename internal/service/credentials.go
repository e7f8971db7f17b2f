package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"demosplus/internal/model"
	"demosplus/internal/store"
)

const (
	productionTokenPrefix = "APP_USR-"
	sandboxTokenPrefix    = "TEST-"
)

// CredentialService lets an NGO store or remove its provider access token.
type CredentialService struct {
	users Users
	creds Credentials
	vault Sealer
	log   *slog.Logger
}

func NewCredentialService(users Users, creds Credentials, v Sealer, log *slog.Logger) *CredentialService {
	return &CredentialService{users: users, creds: creds, vault: v, log: log}
}

func (s *CredentialService) Configure(ctx context.Context, ngoID int64, token string) error {
	if err := s.requireNGO(ctx, ngoID); err != nil {
		return err
	}

	token = strings.TrimSpace(token)
	switch {
	case token == "":
		return fmt.Errorf("%w: token is required", ErrValidation)
	case strings.HasPrefix(token, sandboxTokenPrefix):
		return fmt.Errorf("%w: sandbox tokens are not accepted", ErrValidation)
	case !strings.HasPrefix(token, productionTokenPrefix):
		return fmt.Errorf("%w: token must start with %s", ErrValidation, productionTokenPrefix)
	}

	sealed, err := s.vault.Encrypt(token)
	if err != nil {
		return fmt.Errorf("failed to seal token: %w", err)
	}
	if err := s.creds.SaveCredential(ctx, ngoID, sealed.CipherText, sealed.IV, sealed.AuthTag); err != nil {
		return err
	}
	s.log.Info("NGO payment credential configured", "ngo_id", ngoID)
	return nil
}

func (s *CredentialService) Disable(ctx context.Context, ngoID int64) error {
	if err := s.requireNGO(ctx, ngoID); err != nil {
		return err
	}
	if err := s.creds.DisableCredential(ctx, ngoID); err != nil {
		return err
	}
	s.log.Info("NGO payment credential disabled", "ngo_id", ngoID)
	return nil
}

func (s *CredentialService) requireNGO(ctx context.Context, id int64) error {
	user, err := s.users.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return fmt.Errorf("%w: user %d", ErrNotFound, id)
		}
		return err
	}
	if user.AccountType != model.AccountNGO {
		return ErrForbidden
	}
	return nil
}
