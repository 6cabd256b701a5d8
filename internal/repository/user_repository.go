package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Kopilov/carabiserver/internal/models"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrAmbiguousEmail = errors.New("more than one user with this email")
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) FindByLogin(ctx context.Context, login string) (models.User, error) {
	const query = `
		SELECT id, login, email, display_name, password_hash, last_active_at, home_server_id
		FROM carabi_users WHERE lower(login) = lower($1)
	`
	return r.scanUser(r.pool.QueryRow(ctx, query, login))
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (models.User, error) {
	const query = `
		SELECT id, login, email, display_name, password_hash, last_active_at, home_server_id
		FROM carabi_users WHERE id = $1
	`
	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

// FindByEmail resolves the recovery address: a login equal to the address
// wins, otherwise the email column must match exactly one user.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (models.User, error) {
	user, err := r.FindByLogin(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return models.User{}, err
	}

	const countQuery = `SELECT COUNT(*) FROM carabi_users WHERE lower(email) = lower($1)`
	var count int
	if err := r.pool.QueryRow(ctx, countQuery, email).Scan(&count); err != nil {
		return models.User{}, err
	}
	if count == 0 {
		return models.User{}, ErrUserNotFound
	}
	if count > 1 {
		return models.User{}, ErrAmbiguousEmail
	}

	const query = `
		SELECT id, login, email, display_name, password_hash, last_active_at, home_server_id
		FROM carabi_users WHERE lower(email) = lower($1)
	`
	return r.scanUser(r.pool.QueryRow(ctx, query, email))
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	const query = `UPDATE carabi_users SET password_hash = $2 WHERE id = $1`
	cmd, err := r.pool.Exec(ctx, query, id, passwordHash)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) TouchLastActive(ctx context.Context, id int64, at time.Time) error {
	const query = `UPDATE carabi_users SET last_active_at = $2 WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, at)
	return err
}

func (r *UserRepository) scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	if err := row.Scan(
		&user.ID,
		&user.Login,
		&user.Email,
		&user.DisplayName,
		&user.PasswordHash,
		&user.LastActiveAt,
		&user.HomeServerID,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, err
	}
	return user, nil
}
