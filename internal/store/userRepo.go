package store

import (
	"context"
	"database/sql"
	"errors"

	"demosplus/internal/model"
)

func (d *Database) CreateUser(ctx context.Context, login, passwordHash string, accountType model.AccountType) (int64, error) {
	createUser := `INSERT INTO users(login, password_hash, account_type) VALUES ($1, $2, $3) RETURNING user_id`

	var id int64
	err := d.DB.QueryRowContext(ctx, createUser, login, passwordHash, accountType).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	return id, nil
}

func (d *Database) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return d.scanUser(d.DB.QueryRowContext(ctx,
		"SELECT user_id, login, password_hash, account_type, created_at FROM users WHERE login = $1", login))
}

func (d *Database) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return d.scanUser(d.DB.QueryRowContext(ctx,
		"SELECT user_id, login, password_hash, account_type, created_at FROM users WHERE user_id = $1", id))
}

func (d *Database) scanUser(row *sql.Row) (*model.User, error) {
	var user model.User
	err := row.Scan(&user.ID, &user.Login, &user.PasswordHash, &user.AccountType, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}
