package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"demosplus/internal/model"
)

// ApplyApproval marks a donation approved and credits the donor and the NGO in
// one transaction. The status guard makes a second call for the same donation
// a no-op: it reports Applied=false and leaves all balances untouched.
func (d *Database) ApplyApproval(ctx context.Context, a model.Approval) (res model.ApprovalResult, err error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil || !res.Applied {
			rollback(tx, d.log)
		}
	}()

	updated, err := tx.ExecContext(ctx, `
		UPDATE pending_donations
		SET status = $1, evaluated_at = $2, points_awarded = $3, provider_payment_id = $4
		WHERE donation_id = $5 AND status = $6`,
		model.DonationApproved, a.At, a.Points, a.PaymentID, a.DonationID, model.DonationPending)
	if err != nil {
		if isUniqueViolation(err) {
			return res, ErrPaymentApplied
		}
		return res, err
	}
	n, err := updated.RowsAffected()
	if err != nil {
		return res, err
	}
	if n == 0 {
		return res, nil
	}

	if res.DonorBalance, err = credit(ctx, tx, a.DonorID, a.Points, a.At); err != nil {
		return res, err
	}
	if res.NgoBalance, err = credit(ctx, tx, a.NgoID, a.Points, a.At); err != nil {
		return res, err
	}

	if err = tx.Commit(); err != nil {
		d.log.Error("Failed to commit transaction", "donation_id", a.DonationID, "error", err)
		return res, err
	}
	res.Applied = true
	return res, nil
}

// credit atomically adds points to a balance, creating the row if needed, and
// returns the new balance.
func credit(ctx context.Context, tx *sql.Tx, userID, points int64, at time.Time) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO account_details (user_id, points, points_updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET points = account_details.points + EXCLUDED.points,
			points_updated_at = EXCLUDED.points_updated_at
		RETURNING points`, userID, points, at).Scan(&balance)
	return balance, err
}

func (d *Database) GetBalance(ctx context.Context, userID int64) (*model.PointsBalance, error) {
	balance := model.PointsBalance{UserID: userID}
	var updatedAt sql.NullTime
	err := d.DB.QueryRowContext(ctx,
		`SELECT points, points_updated_at FROM account_details WHERE user_id = $1`, userID).
		Scan(&balance.Points, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &balance, nil
		}
		return nil, err
	}
	if updatedAt.Valid {
		balance.UpdatedAt = &updatedAt.Time
	}
	return &balance, nil
}
