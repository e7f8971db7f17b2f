package service

import (
	"errors"

	"demosplus/internal/provider"
	"demosplus/internal/vault"
)

var (
	ErrValidation         = errors.New("invalid request")
	ErrNotFound           = errors.New("not found")
	ErrNotConfigured      = errors.New("NGO not enabled for monetary donations")
	ErrForbidden          = errors.New("operation not allowed for this account")
	ErrInvalidCredentials = errors.New("invalid login or password")
	ErrDuplicateLogin     = errors.New("login already exists")

	ErrIncompleteConfig = vault.ErrIncompleteConfig
	ErrDecryption       = vault.ErrDecryption
	ErrProvider         = provider.ErrProvider
	ErrTokenRejected    = provider.ErrTokenRejected
)

// ReconfigureHint is shown to NGOs whose stored credential cannot be used.
const ReconfigureHint = "The NGO must configure its payment provider access token again."

// NeedsReconfiguration reports whether err is fixed by the NGO re-entering its token.
func NeedsReconfiguration(err error) bool {
	return errors.Is(err, ErrIncompleteConfig) || errors.Is(err, ErrDecryption) || errors.Is(err, ErrTokenRejected)
}
