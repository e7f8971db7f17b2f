package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrDuplicate          = errors.New("login already exists")
	ErrCredentialNotFound = errors.New("payment credential not found")
	ErrDonationNotFound   = errors.New("donation not found")
	ErrTypeNotFound       = errors.New("donation type not found")
	ErrPaymentApplied     = errors.New("payment already applied to another donation")
)

const uniqueViolation = "23505"

type Database struct {
	DB  *sql.DB
	log *slog.Logger
}

// Open connects to PostgreSQL through the pgx stdlib driver and creates the schema.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*Database, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Error("Couldn't connect to the database with an error", "error", err)
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &Database{DB: db, log: log}
	if err := d.initDBTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize DB: %w", err)
	}
	log.Info("Database connection was created")
	return d, nil
}

func (d *Database) Close() error {
	return d.DB.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.DB.PingContext(ctx)
}

func (d *Database) initDBTables(ctx context.Context) error {
	var errs []error
	stmts := []string{
		`create table if not exists users (
			user_id BIGSERIAL PRIMARY KEY,
			login VARCHAR(100) NOT NULL UNIQUE,
			password_hash VARCHAR(60) NOT NULL,
			account_type VARCHAR(20) NOT NULL DEFAULT 'person' CHECK (account_type IN ('person', 'ngo')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,

		`create table if not exists account_details (
			user_id BIGINT PRIMARY KEY REFERENCES users(user_id) ON DELETE CASCADE,
			mp_enabled BOOLEAN NOT NULL DEFAULT false,
			mp_cipher_text BYTEA,
			mp_iv BYTEA,
			mp_auth_tag BYTEA,
			points BIGINT NOT NULL DEFAULT 0 CHECK (points >= 0),
			points_updated_at TIMESTAMPTZ,
			CHECK (NOT mp_enabled OR mp_cipher_text IS NOT NULL)
		);`,

		`create table if not exists donation_types (
			donation_type_id BIGSERIAL PRIMARY KEY,
			name VARCHAR(50) NOT NULL UNIQUE,
			points_per_unit DECIMAL(10, 2) NOT NULL DEFAULT 1,
			monetary BOOLEAN NOT NULL DEFAULT false
		);`,

		`insert into donation_types (name, points_per_unit, monetary) values
			('money', 1, true),
			('food', 10, false),
			('clothing', 5, false),
			('school-supplies', 8, false)
		on conflict (name) do nothing;`,

		`create table if not exists tags (
			tag_id BIGSERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL UNIQUE
		);`,

		`create table if not exists posts (
			post_id BIGSERIAL PRIMARY KEY,
			author_id BIGINT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
			tag_id BIGINT NOT NULL REFERENCES tags(tag_id),
			title VARCHAR(200) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (author_id, tag_id)
		);`,

		`create table if not exists pending_donations (
			donation_id BIGSERIAL PRIMARY KEY,
			donor_id BIGINT NOT NULL REFERENCES users(user_id),
			ngo_id BIGINT NOT NULL REFERENCES users(user_id),
			donation_type_id BIGINT NOT NULL REFERENCES donation_types(donation_type_id),
			post_id BIGINT REFERENCES posts(post_id),
			quantity DECIMAL(14, 2) NOT NULL CHECK (quantity > 0),
			status VARCHAR(20) NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			evaluated_at TIMESTAMPTZ,
			points_awarded BIGINT CHECK (points_awarded IS NULL OR status = 'approved'),
			preference_id VARCHAR(255),
			external_reference VARCHAR(64) UNIQUE,
			provider_payment_id VARCHAR(64) UNIQUE,
			reject_reason TEXT,
			last_swept_at TIMESTAMPTZ
		);`,

		`alter table pending_donations add column if not exists last_swept_at TIMESTAMPTZ;`,

		`create index if not exists pending_donations_status_created_idx
			on pending_donations (status, created_at DESC);`,

		`create index if not exists pending_donations_preference_idx
			on pending_donations (preference_id);`,
	}

	for _, s := range stmts {
		if _, err := d.DB.ExecContext(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func rollback(tx *sql.Tx, log *slog.Logger) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Error("Failed to roll back transaction", "error", err)
	}
}
