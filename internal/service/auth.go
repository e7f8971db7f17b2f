package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"demosplus/internal/auth"
	"demosplus/internal/model"
	"demosplus/internal/store"
)

type Auth struct {
	Users     Users
	SecretKey string
}

func NewAuthService(users Users, secretKey string) *Auth {
	return &Auth{Users: users, SecretKey: secretKey}
}

// Register creates the account and returns a session token for it.
func (s *Auth) Register(ctx context.Context, login, password string, accountType model.AccountType) (string, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return "", fmt.Errorf("%w: login and password are required", ErrValidation)
	}
	if accountType == "" {
		accountType = model.AccountPerson
	}
	if !accountType.Valid() {
		return "", fmt.Errorf("%w: unknown account type %q", ErrValidation, accountType)
	}

	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		return "", err
	}

	id, err := s.Users.CreateUser(ctx, login, hashedPassword, accountType)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return "", ErrDuplicateLogin
		}
		return "", err
	}
	return auth.GenerateToken(&model.User{ID: id, Login: login, AccountType: accountType}, s.SecretKey)
}

func (s *Auth) Login(ctx context.Context, login, password string) (string, error) {
	user, err := s.Users.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if err := auth.CheckPass(user.PasswordHash, password); err != nil {
		return "", ErrInvalidCredentials
	}
	return auth.GenerateToken(user, s.SecretKey)
}
