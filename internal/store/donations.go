package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"demosplus/internal/model"
)

const donationColumns = `
	d.donation_id, d.donor_id, d.ngo_id, d.donation_type_id, d.post_id, d.quantity, d.status,
	d.created_at, d.evaluated_at, d.points_awarded, COALESCE(d.preference_id, ''),
	COALESCE(d.external_reference, ''), d.provider_payment_id, COALESCE(d.reject_reason, ''),
	t.points_per_unit, t.monetary`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDonation(row rowScanner, extra ...any) (*model.PendingDonation, error) {
	var (
		d           model.PendingDonation
		postID      sql.NullInt64
		evaluatedAt sql.NullTime
		points      sql.NullInt64
		paymentID   sql.NullString
	)
	dest := []any{
		&d.ID, &d.DonorID, &d.NgoID, &d.DonationTypeID, &postID, &d.Quantity, &d.Status,
		&d.CreatedAt, &evaluatedAt, &points, &d.PreferenceID,
		&d.ExternalReference, &paymentID, &d.RejectReason,
		&d.PointsPerUnit, &d.Monetary,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if postID.Valid {
		d.PostID = &postID.Int64
	}
	if evaluatedAt.Valid {
		d.EvaluatedAt = &evaluatedAt.Time
	}
	if points.Valid {
		d.PointsAwarded = &points.Int64
	}
	if paymentID.Valid {
		d.ProviderPaymentID = &paymentID.String
	}
	return &d, nil
}

func (d *Database) DonationTypeByName(ctx context.Context, name string) (*model.DonationType, error) {
	var t model.DonationType
	err := d.DB.QueryRowContext(ctx,
		`SELECT donation_type_id, name, points_per_unit, monetary FROM donation_types WHERE name = $1`, name).
		Scan(&t.ID, &t.Name, &t.PointsPerUnit, &t.Monetary)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTypeNotFound
		}
		return nil, err
	}
	return &t, nil
}

// EnsureContainerPost returns the post grouping monetary donations of one NGO,
// creating its tag and post on first use.
func (d *Database) EnsureContainerPost(ctx context.Context, ngoID int64) (int64, error) {
	tagName := fmt.Sprintf("donaciones-ngo-%d", ngoID)

	var tagID int64
	err := d.DB.QueryRowContext(ctx, `
		INSERT INTO tags (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING tag_id`, tagName).Scan(&tagID)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert tag: %w", err)
	}

	var postID int64
	err = d.DB.QueryRowContext(ctx, `
		INSERT INTO posts (author_id, tag_id, title) VALUES ($1, $2, $3)
		ON CONFLICT (author_id, tag_id) DO UPDATE SET title = posts.title
		RETURNING post_id`, ngoID, tagID, "Donaciones monetarias").Scan(&postID)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert container post: %w", err)
	}
	return postID, nil
}

func (d *Database) CreatePendingDonation(ctx context.Context, p *model.PendingDonation) (int64, error) {
	var id int64
	err := d.DB.QueryRowContext(ctx, `
		INSERT INTO pending_donations
			(donor_id, ngo_id, donation_type_id, post_id, quantity, status, preference_id, external_reference)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''))
		RETURNING donation_id`,
		p.DonorID, p.NgoID, p.DonationTypeID, p.PostID, p.Quantity, model.DonationPending,
		p.PreferenceID, p.ExternalReference).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (d *Database) findDonation(ctx context.Context, where string, arg any) (*model.PendingDonation, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+donationColumns+`
		FROM pending_donations d
		JOIN donation_types t ON t.donation_type_id = d.donation_type_id
		WHERE `+where+`
		ORDER BY d.created_at DESC
		LIMIT 1`, arg)
	donation, err := scanDonation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return donation, nil
}

func (d *Database) GetDonation(ctx context.Context, id int64) (*model.PendingDonation, error) {
	return d.findDonation(ctx, "d.donation_id = $1", id)
}

func (d *Database) FindDonationByPreference(ctx context.Context, preferenceID string) (*model.PendingDonation, error) {
	return d.findDonation(ctx, "d.preference_id = $1", preferenceID)
}

func (d *Database) FindDonationByReference(ctx context.Context, externalReference string) (*model.PendingDonation, error) {
	return d.findDonation(ctx, "d.external_reference = $1", externalReference)
}

func (d *Database) FindDonationByPayment(ctx context.Context, paymentID string) (*model.PendingDonation, error) {
	return d.findDonation(ctx, "d.provider_payment_id = $1", paymentID)
}

func (d *Database) candidates(ctx context.Context, where, order string, at time.Time, limit int) ([]model.Candidate, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+donationColumns+`, a.user_id IS NOT NULL, COALESCE(a.mp_enabled, false),
			a.mp_cipher_text, a.mp_iv, a.mp_auth_tag
		FROM pending_donations d
		JOIN donation_types t ON t.donation_type_id = d.donation_type_id
		JOIN users u ON u.user_id = d.ngo_id AND u.account_type = 'ngo'
		LEFT JOIN account_details a ON a.user_id = d.ngo_id
		WHERE d.status = 'pending' AND t.monetary AND `+where+`
		ORDER BY `+order+`
		LIMIT $2`, at, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []model.Candidate
	for rows.Next() {
		var (
			hasCred bool
			cred    model.NgoPaymentCredential
		)
		donation, err := scanDonation(rows, &hasCred, &cred.Enabled, &cred.CipherText, &cred.IV, &cred.AuthTag)
		if err != nil {
			return nil, err
		}
		c := model.Candidate{Donation: *donation}
		if hasCred {
			cred.UserID = donation.NgoID
			c.Credential = &cred
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return candidates, nil
}

// RecentPendingCandidates returns up to limit pending monetary donations created
// since the given time, newest first, with the recipient's credential.
func (d *Database) RecentPendingCandidates(ctx context.Context, since time.Time, limit int) ([]model.Candidate, error) {
	return d.candidates(ctx, "d.created_at >= $1", "d.created_at DESC", since, limit)
}

// StalePending returns pending monetary donations created before the given
// time. Rows never swept come first, then the least recently swept, so rows
// that stay provider-pending rotate out of the batch. Returned rows are stamped
// as swept.
func (d *Database) StalePending(ctx context.Context, before time.Time, limit int) ([]model.Candidate, error) {
	cands, err := d.candidates(ctx, "d.created_at < $1", "d.last_swept_at ASC NULLS FIRST, d.created_at ASC", before, limit)
	if err != nil || len(cands) == 0 {
		return cands, err
	}

	ids := make([]int64, len(cands))
	for i := range cands {
		ids[i] = cands[i].Donation.ID
	}
	if _, err := d.DB.ExecContext(ctx,
		`UPDATE pending_donations SET last_swept_at = now() WHERE donation_id = ANY($1)`, ids); err != nil {
		return nil, fmt.Errorf("failed to stamp swept donations: %w", err)
	}
	return cands, nil
}

// MarkRejected moves a still pending donation to rejected.
func (d *Database) MarkRejected(ctx context.Context, id int64, reason string, at time.Time) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE pending_donations
		SET status = $1, evaluated_at = $2, reject_reason = $3
		WHERE donation_id = $4 AND status = $5`,
		model.DonationRejected, at, reason, id, model.DonationPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
