package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountPerson AccountType = "person" // donor or volunteer
	AccountNGO    AccountType = "ngo"    // vetted organization
)

func (t AccountType) Valid() bool {
	return t == AccountPerson || t == AccountNGO
}

type User struct {
	ID           int64       `json:"user_id"`
	Login        string      `json:"login"`
	PasswordHash string      `json:"-"`
	AccountType  AccountType `json:"account_type"`
	CreatedAt    time.Time   `json:"created_at"`
}

// NgoPaymentCredential is the provider access token of an NGO, sealed by the vault.
// The three crypto fields are either all present or all nil.
type NgoPaymentCredential struct {
	UserID     int64
	Enabled    bool
	CipherText []byte
	IV         []byte
	AuthTag    []byte
}

// Configured reports whether the credential can be used to take monetary donations.
func (c *NgoPaymentCredential) Configured() bool {
	return c != nil && c.Enabled && c.CipherText != nil
}

type DonationStatus string

const (
	DonationPending  DonationStatus = "pending"
	DonationApproved DonationStatus = "approved"
	DonationRejected DonationStatus = "rejected"
)

type DonationType struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	PointsPerUnit decimal.Decimal `json:"points_per_unit"`
	Monetary      bool            `json:"monetary"`
}

const (
	DonationTypeMoney = "money"
)

// PendingDonation is one ledger entry. Status moves out of pending exactly once.
type PendingDonation struct {
	ID                int64           `json:"id"`
	DonorID           int64           `json:"donor_id"`
	NgoID             int64           `json:"ngo_id"`
	DonationTypeID    int64           `json:"donation_type_id"`
	PostID            *int64          `json:"post_id,omitempty"`
	Quantity          decimal.Decimal `json:"quantity"`
	Status            DonationStatus  `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	EvaluatedAt       *time.Time      `json:"evaluated_at,omitempty"`
	PointsAwarded     *int64          `json:"points_awarded,omitempty"`
	PreferenceID      string          `json:"preference_id,omitempty"`
	ExternalReference string          `json:"external_reference,omitempty"`
	ProviderPaymentID *string         `json:"provider_payment_id,omitempty"`
	RejectReason      string          `json:"reject_reason,omitempty"`

	// joined from donation_types
	PointsPerUnit decimal.Decimal `json:"-"`
	Monetary      bool            `json:"-"`
}

// Points is quantity × points per unit, rounded down.
func (d *PendingDonation) Points() int64 {
	return d.Quantity.Mul(d.PointsPerUnit).Floor().IntPart()
}

// Candidate is a pending donation joined with its recipient's credential.
// Credential is nil when the NGO never configured one.
type Candidate struct {
	Donation   PendingDonation
	Credential *NgoPaymentCredential
}

type Approval struct {
	DonationID int64
	DonorID    int64
	NgoID      int64
	Points     int64
	PaymentID  string
	At         time.Time
}

type ApprovalResult struct {
	Applied      bool
	DonorBalance int64
	NgoBalance   int64
}

type PointsBalance struct {
	UserID    int64      `json:"user_id"`
	Points    int64      `json:"points"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}
