package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"demosplus/internal/metrics"
	"demosplus/internal/model"
	"demosplus/internal/provider"
	"demosplus/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PreferenceConfig struct {
	Currency string
	// ReturnURL is the backend endpoint the provider redirects the donor to.
	ReturnURL string
	// NotificationURL is the backend webhook endpoint.
	NotificationURL string
	// ExpireAfter closes the checkout once the sweep would reject its donation.
	// Zero leaves checkouts open.
	ExpireAfter time.Duration
}

type PreferenceInput struct {
	DonorID     int64
	NgoID       int64
	Amount      float64
	Description string
	Quantity    int
}

type PreferenceResult struct {
	PreferenceID string `json:"id"`
	RedirectURL  string `json:"init_point"`
	DonationID   int64  `json:"-"`
}

type PreferenceCreator struct {
	users    Users
	creds    Credentials
	ledger   Ledger
	vault    Sealer
	provider PaymentProvider
	cfg      PreferenceConfig
	log      *slog.Logger
	newRef   func() string
	now      func() time.Time
}

func NewPreferenceCreator(users Users, creds Credentials, ledger Ledger, v Sealer, p PaymentProvider, cfg PreferenceConfig, log *slog.Logger) *PreferenceCreator {
	return &PreferenceCreator{
		users:    users,
		creds:    creds,
		ledger:   ledger,
		vault:    v,
		provider: p,
		cfg:      cfg,
		log:      log,
		newRef:   uuid.NewString,
		now:      time.Now,
	}
}

// CreatePreference validates the donation, opens a checkout on the NGO's
// provider account and records the pending donation.
func (c *PreferenceCreator) CreatePreference(ctx context.Context, in PreferenceInput) (*PreferenceResult, error) {
	res, err := c.createPreference(ctx, in)
	result := "ok"
	if err != nil {
		result = errorLabel(err)
	}
	metrics.PreferencesTotal.WithLabelValues(result).Inc()
	return res, err
}

func (c *PreferenceCreator) createPreference(ctx context.Context, in PreferenceInput) (*PreferenceResult, error) {
	ngo, err := c.users.GetUser(ctx, in.NgoID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: NGO %d", ErrNotFound, in.NgoID)
		}
		return nil, err
	}
	if ngo.AccountType != model.AccountNGO {
		return nil, fmt.Errorf("%w: user %d is not an NGO", ErrNotFound, in.NgoID)
	}

	if math.IsNaN(in.Amount) || math.IsInf(in.Amount, 0) || in.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be a positive number", ErrValidation)
	}
	amount := decimal.NewFromFloat(in.Amount)
	if !amount.Equal(amount.Round(2)) {
		return nil, fmt.Errorf("%w: amount must have at most two decimals", ErrValidation)
	}
	if in.Quantity < 1 {
		in.Quantity = 1
	}
	description := strings.TrimSpace(in.Description)
	if description == "" {
		description = fmt.Sprintf("Donación a %s", ngo.Login)
	}

	cred, err := c.creds.GetCredential(ctx, in.NgoID)
	if err != nil && !errors.Is(err, store.ErrCredentialNotFound) {
		return nil, err
	}
	if !cred.Configured() {
		return nil, ErrNotConfigured
	}
	sealed := sealedOf(cred)
	if !sealed.Complete() {
		return nil, ErrIncompleteConfig
	}

	token, err := c.vault.Decrypt(sealed)
	if err != nil {
		c.log.Error("Failed to decrypt NGO credential", "ngo_id", in.NgoID, "error", err)
		return nil, err
	}

	ref := c.newRef()
	req := provider.PreferenceRequest{
		Items: []provider.Item{{
			Title:      description,
			Quantity:   in.Quantity,
			UnitPrice:  in.Amount,
			CurrencyID: c.cfg.Currency,
		}},
		Metadata: provider.Metadata{
			NgoID:   provider.ID(strconv.FormatInt(in.NgoID, 10)),
			DonorID: provider.ID(strconv.FormatInt(in.DonorID, 10)),
		},
		ExternalReference: ref,
		BackURLs: provider.BackURLs{
			Success: c.cfg.ReturnURL,
			Failure: c.cfg.ReturnURL,
			Pending: c.cfg.ReturnURL,
		},
		AutoReturn:      "approved",
		NotificationURL: c.cfg.NotificationURL,
	}
	if c.cfg.ExpireAfter > 0 {
		req.Expires = true
		req.ExpirationDateTo = c.now().Add(c.cfg.ExpireAfter).Format(provider.ExpirationLayout)
	}
	pref, err := c.provider.CreatePreference(ctx, token, req)
	if err != nil {
		c.log.Error("Payment provider rejected preference", "ngo_id", in.NgoID, "donor_id", in.DonorID, "error", err)
		return nil, err
	}

	res := &PreferenceResult{PreferenceID: pref.ID, RedirectURL: pref.InitPoint}
	res.DonationID = c.recordPending(ctx, in, amount.Mul(decimal.NewFromInt(int64(in.Quantity))), pref.ID, ref)

	c.log.Info("Payment preference created",
		"preference_id", pref.ID,
		"donation_id", res.DonationID,
		"ngo_id", in.NgoID,
		"donor_id", in.DonorID,
		"amount", amount.String(),
	)
	return res, nil
}

// recordPending writes the ledger anchor. Failures are logged and swallowed:
// the donor can still pay, but the payment will only reconcile through the
// candidate search or the sweep.
func (c *PreferenceCreator) recordPending(ctx context.Context, in PreferenceInput, total decimal.Decimal, preferenceID, ref string) int64 {
	money, err := c.ledger.DonationTypeByName(ctx, model.DonationTypeMoney)
	if err != nil {
		c.log.Warn("Failed to record pending donation", "preference_id", preferenceID, "error", err)
		return 0
	}

	pending := &model.PendingDonation{
		DonorID:           in.DonorID,
		NgoID:             in.NgoID,
		DonationTypeID:    money.ID,
		Quantity:          total,
		Status:            model.DonationPending,
		PreferenceID:      preferenceID,
		ExternalReference: ref,
	}
	if postID, err := c.ledger.EnsureContainerPost(ctx, in.NgoID); err != nil {
		c.log.Warn("Failed to attach container post", "ngo_id", in.NgoID, "error", err)
	} else {
		pending.PostID = &postID
	}

	id, err := c.ledger.CreatePendingDonation(ctx, pending)
	if err != nil {
		c.log.Warn("Failed to record pending donation", "preference_id", preferenceID, "error", err)
		return 0
	}
	return id
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	case NeedsReconfiguration(err):
		return "credential_error"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	}
	return "error"
}
