package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Kopilov/carabiserver/internal/models"
)

var ErrPermissionNotFound = errors.New("permission not found")

type PermissionRepository struct {
	pool *pgxpool.Pool
}

func NewPermissionRepository(pool *pgxpool.Pool) *PermissionRepository {
	return &PermissionRepository{pool: pool}
}

func (r *PermissionRepository) FindBySysname(ctx context.Context, sysname string) (models.Permission, error) {
	const query = `
		SELECT id, sysname, display_name, parent_permission_id, default_granted
		FROM permissions WHERE sysname = $1
	`

	row := r.pool.QueryRow(ctx, query, sysname)
	var perm models.Permission
	if err := row.Scan(
		&perm.ID,
		&perm.Sysname,
		&perm.DisplayName,
		&perm.ParentPermissionID,
		&perm.DefaultGranted,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Permission{}, ErrPermissionNotFound
		}
		return models.Permission{}, err
	}
	return perm, nil
}

// DirectGrant returns the user's own allow/deny row for the permission,
// nil when no row exists.
func (r *PermissionRepository) DirectGrant(ctx context.Context, userID int64, permissionID int64) (*bool, error) {
	const query = `
		SELECT granted FROM user_has_permission
		WHERE user_id = $1 AND permission_id = $2
	`

	var granted bool
	err := r.pool.QueryRow(ctx, query, userID, permissionID).Scan(&granted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &granted, nil
}

// GroupGrants returns the allow/deny values of every grant attached to a
// group the user belongs to.
func (r *PermissionRepository) GroupGrants(ctx context.Context, userID int64, permissionID int64) ([]bool, error) {
	const query = `
		SELECT g.granted
		FROM group_has_permission g
		JOIN user_in_group m ON m.group_id = g.group_id
		WHERE m.user_id = $1 AND g.permission_id = $2
	`

	rows, err := r.pool.Query(ctx, query, userID, permissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []bool
	for rows.Next() {
		var granted bool
		if err := rows.Scan(&granted); err != nil {
			return nil, err
		}
		grants = append(grants, granted)
	}
	return grants, rows.Err()
}

func (r *PermissionRepository) ListAll(ctx context.Context) ([]models.Permission, error) {
	const query = `
		SELECT id, sysname, display_name, parent_permission_id, default_granted
		FROM permissions ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []models.Permission
	for rows.Next() {
		var perm models.Permission
		if err := rows.Scan(
			&perm.ID,
			&perm.Sysname,
			&perm.DisplayName,
			&perm.ParentPermissionID,
			&perm.DefaultGranted,
		); err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}
