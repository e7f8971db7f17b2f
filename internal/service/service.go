package service

import (
	"context"
	"time"

	"demosplus/internal/model"
	"demosplus/internal/provider"
	"demosplus/internal/vault"
)

type Users interface {
	CreateUser(ctx context.Context, login, passwordHash string, accountType model.AccountType) (int64, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
}

type Credentials interface {
	GetCredential(ctx context.Context, ngoID int64) (*model.NgoPaymentCredential, error)
	SaveCredential(ctx context.Context, ngoID int64, cipherText, iv, authTag []byte) error
	DisableCredential(ctx context.Context, ngoID int64) error
}

type Ledger interface {
	DonationTypeByName(ctx context.Context, name string) (*model.DonationType, error)
	EnsureContainerPost(ctx context.Context, ngoID int64) (int64, error)
	CreatePendingDonation(ctx context.Context, d *model.PendingDonation) (int64, error)
	GetDonation(ctx context.Context, id int64) (*model.PendingDonation, error)
	FindDonationByPreference(ctx context.Context, preferenceID string) (*model.PendingDonation, error)
	FindDonationByReference(ctx context.Context, externalReference string) (*model.PendingDonation, error)
	FindDonationByPayment(ctx context.Context, paymentID string) (*model.PendingDonation, error)
	RecentPendingCandidates(ctx context.Context, since time.Time, limit int) ([]model.Candidate, error)
	ApplyApproval(ctx context.Context, a model.Approval) (model.ApprovalResult, error)
	MarkRejected(ctx context.Context, id int64, reason string, at time.Time) (bool, error)
	GetBalance(ctx context.Context, userID int64) (*model.PointsBalance, error)
}

type PaymentProvider interface {
	CreatePreference(ctx context.Context, token string, req provider.PreferenceRequest) (*provider.Preference, error)
	GetPayment(ctx context.Context, token, paymentID string) (*provider.Payment, error)
	SearchPayments(ctx context.Context, token, externalReference string) ([]provider.Payment, error)
}

type Sealer interface {
	Encrypt(plainToken string) (vault.Sealed, error)
	Decrypt(s vault.Sealed) (string, error)
}

func sealedOf(c *model.NgoPaymentCredential) vault.Sealed {
	return vault.Sealed{CipherText: c.CipherText, IV: c.IV, AuthTag: c.AuthTag}
}
