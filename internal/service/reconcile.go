package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"demosplus/internal/metrics"
	"demosplus/internal/model"
	"demosplus/internal/provider"
	"demosplus/internal/store"
)

type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyApplied   Outcome = "already_applied"
	OutcomeUnmatched        Outcome = "unmatched"
	OutcomeProviderRejected Outcome = "provider_rejected"
	OutcomeProviderPending  Outcome = "provider_pending"
	OutcomeExpired          Outcome = "expired"
)

type Source string

const (
	SourceRedirect Source = "redirect"
	SourceWebhook  Source = "webhook"
	SourceSweep    Source = "sweep"
)

// Confirmation is what the provider tells us about a payment.
type Confirmation struct {
	PaymentID    string
	PreferenceID string
	Source       Source
}

type Result struct {
	Outcome       Outcome
	DonationID    int64
	NgoID         int64
	Points        int64
	PaymentStatus provider.Status
}

type ReconcilerConfig struct {
	CandidateWindow time.Duration
	CandidateLimit  int
}

type Reconciler struct {
	ledger   Ledger
	creds    Credentials
	vault    Sealer
	provider PaymentProvider
	cfg      ReconcilerConfig
	log      *slog.Logger
	now      func() time.Time
}

func NewReconciler(ledger Ledger, creds Credentials, v Sealer, p PaymentProvider, cfg ReconcilerConfig, log *slog.Logger) *Reconciler {
	if cfg.CandidateWindow <= 0 {
		cfg.CandidateWindow = 2 * time.Hour
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 10
	}
	return &Reconciler{
		ledger:   ledger,
		creds:    creds,
		vault:    v,
		provider: p,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Reconcile matches a confirmed payment id to its pending donation and, if the
// provider reports it approved, credits points exactly once.
//
// A non-nil error means the outcome is not final: a store failure, or every
// candidate that could have owned the payment failed transiently.
func (r *Reconciler) Reconcile(ctx context.Context, c Confirmation) (Result, error) {
	res, err := r.reconcile(ctx, c)

	attrs := []any{"payment_id", c.PaymentID, "source", c.Source, "outcome", res.Outcome}
	if res.DonationID != 0 {
		attrs = append(attrs, "donation_id", res.DonationID, "ngo_id", res.NgoID)
	}
	if err != nil {
		r.log.Error("Reconciliation failed", append(attrs, "error", err)...)
	} else {
		r.log.Info("Payment reconciled", attrs...)
	}
	metrics.ReconcileOutcomesTotal.WithLabelValues(string(c.Source), outcomeLabel(res, err)).Inc()
	return res, err
}

func (r *Reconciler) reconcile(ctx context.Context, c Confirmation) (Result, error) {
	if c.PaymentID == "" {
		return Result{Outcome: OutcomeUnmatched}, fmt.Errorf("%w: payment id is required", ErrValidation)
	}

	// a payment recorded on a row was settled before; no provider call needed
	if done, err := r.ledger.FindDonationByPayment(ctx, c.PaymentID); err == nil {
		return Result{Outcome: OutcomeAlreadyApplied, DonationID: done.ID, NgoID: done.NgoID, PaymentStatus: provider.StatusApproved}, nil
	} else if !errors.Is(err, store.ErrDonationNotFound) {
		return Result{Outcome: OutcomeUnmatched}, err
	}

	candidates, err := r.candidates(ctx, c)
	if err != nil {
		return Result{Outcome: OutcomeUnmatched}, err
	}

	var transient error
	tried := make(map[int64]bool, len(candidates))
	for _, cand := range candidates {
		if tried[cand.Donation.NgoID] {
			continue
		}
		tried[cand.Donation.NgoID] = true

		token, ok := r.token(cand)
		if !ok {
			continue
		}

		payment, err := r.provider.GetPayment(ctx, token, c.PaymentID)
		switch {
		case errors.Is(err, provider.ErrNotVisible):
			continue
		case err != nil:
			r.log.Warn("Payment lookup failed for candidate",
				"payment_id", c.PaymentID, "ngo_id", cand.Donation.NgoID, "error", err)
			metrics.CandidateSkipsTotal.WithLabelValues("provider_error").Inc()
			transient = err
			continue
		}

		return r.settle(ctx, cand, payment)
	}

	if transient != nil {
		return Result{Outcome: OutcomeUnmatched}, transient
	}
	return Result{Outcome: OutcomeUnmatched}, nil
}

// candidates lists the donations that may own the payment. A preference id
// that maps to a ledger row goes first, even an expired one, so a late payment
// is still traced; the recency window is the fallback.
func (r *Reconciler) candidates(ctx context.Context, c Confirmation) ([]model.Candidate, error) {
	var out []model.Candidate

	if c.PreferenceID != "" {
		d, err := r.ledger.FindDonationByPreference(ctx, c.PreferenceID)
		switch {
		case err == nil && d.Status != model.DonationApproved && d.Monetary:
			cred, err := r.creds.GetCredential(ctx, d.NgoID)
			if err != nil && !errors.Is(err, store.ErrCredentialNotFound) {
				return nil, err
			}
			out = append(out, model.Candidate{Donation: *d, Credential: cred})
		case err != nil && !errors.Is(err, store.ErrDonationNotFound):
			return nil, err
		}
	}

	recent, err := r.ledger.RecentPendingCandidates(ctx, r.now().Add(-r.cfg.CandidateWindow), r.cfg.CandidateLimit)
	if err != nil {
		return nil, err
	}
	return append(out, recent...), nil
}

// token decrypts the candidate NGO's credential. Broken credentials are logged
// and skipped so one NGO cannot block reconciliation for the others.
func (r *Reconciler) token(cand model.Candidate) (string, bool) {
	if !cand.Credential.Configured() {
		metrics.CandidateSkipsTotal.WithLabelValues("not_configured").Inc()
		return "", false
	}
	token, err := r.vault.Decrypt(sealedOf(cand.Credential))
	if err != nil {
		r.log.Warn("Skipping candidate with unusable credential",
			"ngo_id", cand.Donation.NgoID, "donation_id", cand.Donation.ID, "error", err)
		metrics.CandidateSkipsTotal.WithLabelValues("credential_error").Inc()
		return "", false
	}
	return token, true
}

// settle applies the provider's verdict to the donation the payment belongs to.
func (r *Reconciler) settle(ctx context.Context, cand model.Candidate, payment *provider.Payment) (Result, error) {
	donation, err := r.owner(ctx, cand, payment)
	if err != nil {
		return Result{Outcome: OutcomeUnmatched}, err
	}

	res := Result{DonationID: donation.ID, NgoID: donation.NgoID, PaymentStatus: payment.Status}
	switch payment.Status {
	case provider.StatusPending:
		res.Outcome = OutcomeProviderPending
		return res, nil
	case provider.StatusRejected:
		res.Outcome = OutcomeProviderRejected
		return res, nil
	}

	if donation.ProviderPaymentID != nil && *donation.ProviderPaymentID == payment.ID {
		res.Outcome = OutcomeAlreadyApplied
		return res, nil
	}
	if donation.Status != model.DonationPending {
		// no row carries this payment id: money that nobody credited
		r.log.Warn("Approved payment for a closed donation",
			"payment_id", payment.ID,
			"donation_id", donation.ID,
			"donation_status", donation.Status,
			"ngo_id", donation.NgoID,
			"donor_id", donation.DonorID,
			"amount", payment.Amount,
		)
		metrics.OrphanPaymentsTotal.WithLabelValues(string(donation.Status)).Inc()
		res.Outcome = OutcomeAlreadyApplied
		if donation.Status == model.DonationRejected {
			res.Outcome = OutcomeExpired
		}
		return res, nil
	}

	points := donation.Points()
	applied, err := r.ledger.ApplyApproval(ctx, model.Approval{
		DonationID: donation.ID,
		DonorID:    donation.DonorID,
		NgoID:      donation.NgoID,
		Points:     points,
		PaymentID:  payment.ID,
		At:         r.now(),
	})
	switch {
	case errors.Is(err, store.ErrPaymentApplied):
		res.Outcome = OutcomeAlreadyApplied
		return res, nil
	case err != nil:
		res.Outcome = OutcomeUnmatched
		return res, fmt.Errorf("failed to apply approval: %w", err)
	case !applied.Applied:
		res.Outcome = OutcomeAlreadyApplied
		return res, nil
	}

	metrics.PointsAwardedTotal.Add(float64(points))
	r.log.Info("Points credited",
		"donation_id", donation.ID,
		"payment_id", payment.ID,
		"points", points,
		"donor_id", donation.DonorID,
		"donor_balance", applied.DonorBalance,
		"ngo_id", donation.NgoID,
		"ngo_balance", applied.NgoBalance,
	)
	res.Outcome = OutcomeApplied
	res.Points = points
	return res, nil
}

// owner resolves the exact ledger row of a payment. The credential only proves
// which NGO received it; the external reference tells two pending donations of
// the same NGO apart.
func (r *Reconciler) owner(ctx context.Context, cand model.Candidate, payment *provider.Payment) (*model.PendingDonation, error) {
	if payment.ExternalReference != "" && payment.ExternalReference != cand.Donation.ExternalReference {
		d, err := r.ledger.FindDonationByReference(ctx, payment.ExternalReference)
		switch {
		case err == nil && d.NgoID == cand.Donation.NgoID:
			return d, nil
		case err == nil:
			r.log.Warn("Payment reference points to another NGO, using candidate",
				"payment_id", payment.ID, "reference_ngo_id", d.NgoID, "candidate_ngo_id", cand.Donation.NgoID)
		case !errors.Is(err, store.ErrDonationNotFound):
			return nil, err
		}
	}
	d := cand.Donation
	return &d, nil
}

// Backfill settles a stale pending donation by searching the provider for
// payments made against its external reference. Donations created before
// expireBefore with no live payment are marked rejected.
func (r *Reconciler) Backfill(ctx context.Context, cand model.Candidate, expireBefore time.Time) (Result, error) {
	res, err := r.backfill(ctx, cand, expireBefore)
	metrics.ReconcileOutcomesTotal.WithLabelValues(string(SourceSweep), outcomeLabel(res, err)).Inc()
	return res, err
}

func (r *Reconciler) backfill(ctx context.Context, cand model.Candidate, expireBefore time.Time) (Result, error) {
	d := cand.Donation
	res := Result{Outcome: OutcomeUnmatched, DonationID: d.ID, NgoID: d.NgoID}

	token, ok := r.token(cand)
	if !ok {
		return res, nil
	}

	var payments []provider.Payment
	if d.ExternalReference != "" {
		var err error
		payments, err = r.provider.SearchPayments(ctx, token, d.ExternalReference)
		if err != nil {
			return res, err
		}
	}

	var sawPending, sawRejected bool
	for i := range payments {
		switch payments[i].Status {
		case provider.StatusApproved:
			if done, err := r.ledger.FindDonationByPayment(ctx, payments[i].ID); err == nil {
				res.Outcome = OutcomeAlreadyApplied
				res.DonationID = done.ID
				return res, nil
			}
			return r.settle(ctx, cand, &payments[i])
		case provider.StatusPending:
			sawPending = true
		case provider.StatusRejected:
			sawRejected = true
		}
	}

	if sawPending {
		res.Outcome = OutcomeProviderPending
		return res, nil
	}
	if d.CreatedAt.Before(expireBefore) {
		reason := "no payment received"
		if sawRejected {
			reason = "payment rejected"
		}
		marked, err := r.ledger.MarkRejected(ctx, d.ID, reason, r.now())
		if err != nil {
			return res, err
		}
		if marked {
			r.log.Info("Pending donation expired", "donation_id", d.ID, "ngo_id", d.NgoID, "reason", reason)
			res.Outcome = OutcomeExpired
		}
		return res, nil
	}
	if sawRejected {
		res.Outcome = OutcomeProviderRejected
	}
	return res, nil
}

func outcomeLabel(res Result, err error) string {
	if err != nil {
		return "error"
	}
	return string(res.Outcome)
}
