package store

import (
	"context"
	"database/sql"
	"errors"

	"demosplus/internal/model"
)

func (d *Database) GetCredential(ctx context.Context, ngoID int64) (*model.NgoPaymentCredential, error) {
	cred := model.NgoPaymentCredential{UserID: ngoID}
	err := d.DB.QueryRowContext(ctx, `
		SELECT mp_enabled, mp_cipher_text, mp_iv, mp_auth_tag
		FROM account_details
		WHERE user_id = $1`, ngoID).
		Scan(&cred.Enabled, &cred.CipherText, &cred.IV, &cred.AuthTag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return &cred, nil
}

// SaveCredential overwrites the NGO credential and enables monetary donations.
func (d *Database) SaveCredential(ctx context.Context, ngoID int64, cipherText, iv, authTag []byte) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO account_details (user_id, mp_enabled, mp_cipher_text, mp_iv, mp_auth_tag)
		VALUES ($1, true, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET mp_enabled = true,
			mp_cipher_text = EXCLUDED.mp_cipher_text,
			mp_iv = EXCLUDED.mp_iv,
			mp_auth_tag = EXCLUDED.mp_auth_tag`,
		ngoID, cipherText, iv, authTag)
	return err
}

// DisableCredential clears the three sealed fields together.
func (d *Database) DisableCredential(ctx context.Context, ngoID int64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE account_details
		SET mp_enabled = false, mp_cipher_text = NULL, mp_iv = NULL, mp_auth_tag = NULL
		WHERE user_id = $1`, ngoID)
	return err
}
