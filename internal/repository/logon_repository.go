package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Kopilov/carabiserver/internal/models"
)

var ErrLogonNotFound = errors.New("logon not found")

// LogonRepository persists the USER_LOGON rows. Only the durable part of a
// session lives here; connection state never reaches the database.
type LogonRepository struct {
	pool *pgxpool.Pool
}

func NewLogonRepository(pool *pgxpool.Pool) *LogonRepository {
	return &LogonRepository{pool: pool}
}

func (r *LogonRepository) Save(ctx context.Context, rec models.LogonRecord) error {
	const query = `
		INSERT INTO user_logon (
			token, oracle_user_id, user_id, appserver_id, schema_id,
			requiresession, permanent, lastactive, ip_addr_grey, ip_addr_white, server_context
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (token)
		DO UPDATE SET
			oracle_user_id = EXCLUDED.oracle_user_id,
			appserver_id = EXCLUDED.appserver_id,
			schema_id = EXCLUDED.schema_id,
			requiresession = EXCLUDED.requiresession,
			permanent = EXCLUDED.permanent,
			lastactive = EXCLUDED.lastactive,
			ip_addr_grey = EXCLUDED.ip_addr_grey,
			ip_addr_white = EXCLUDED.ip_addr_white,
			server_context = EXCLUDED.server_context
	`

	_, err := r.pool.Exec(ctx, query,
		rec.Token,
		rec.ExternalUserID,
		rec.UserID,
		rec.AppServerID,
		rec.SchemaID,
		boolToInt(rec.RequireLongLived),
		boolToInt(rec.Permanent),
		rec.LastActiveAt,
		rec.GreyIP,
		rec.WhiteIP,
		rec.ServerContext,
	)
	return err
}

func (r *LogonRepository) GetByToken(ctx context.Context, token string) (models.LogonRecord, error) {
	const query = `
		SELECT token, oracle_user_id, user_id, appserver_id, schema_id,
		       requiresession, permanent, lastactive, ip_addr_grey, ip_addr_white, server_context
		FROM user_logon WHERE token = $1
	`

	row := r.pool.QueryRow(ctx, query, token)
	var (
		rec              models.LogonRecord
		requireLongLived int
		permanent        int
	)
	if err := row.Scan(
		&rec.Token,
		&rec.ExternalUserID,
		&rec.UserID,
		&rec.AppServerID,
		&rec.SchemaID,
		&requireLongLived,
		&permanent,
		&rec.LastActiveAt,
		&rec.GreyIP,
		&rec.WhiteIP,
		&rec.ServerContext,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.LogonRecord{}, ErrLogonNotFound
		}
		return models.LogonRecord{}, err
	}
	rec.RequireLongLived = requireLongLived != 0
	rec.Permanent = permanent != 0
	return rec, nil
}

func (r *LogonRepository) Touch(ctx context.Context, token string, at time.Time) error {
	const query = `UPDATE user_logon SET lastactive = $2 WHERE token = $1`
	_, err := r.pool.Exec(ctx, query, token, at)
	return err
}

func (r *LogonRepository) Delete(ctx context.Context, token string) error {
	const query = `DELETE FROM user_logon WHERE token = $1`
	_, err := r.pool.Exec(ctx, query, token)
	return err
}

// DeleteExpired removes non-permanent rows whose last activity is older
// than the cutoff. Rows with a null lastactive count as expired.
func (r *LogonRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	const query = `
		DELETE FROM user_logon
		WHERE permanent = 0 AND (lastactive < $1 OR lastactive IS NULL)
	`
	cmd, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
