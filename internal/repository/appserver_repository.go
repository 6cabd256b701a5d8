package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Kopilov/carabiserver/internal/models"
)

var (
	ErrServerNotFound = errors.New("app server not found")
	ErrSchemaNotFound = errors.New("connection schema not found")
)

// AppServerRepository reads the fleet catalog: application servers and the
// backend connection schemas. Both are immutable after boot.
type AppServerRepository struct {
	pool *pgxpool.Pool
}

func NewAppServerRepository(pool *pgxpool.Pool) *AppServerRepository {
	return &AppServerRepository{pool: pool}
}

func (r *AppServerRepository) GetServerByName(ctx context.Context, name string) (models.AppServer, error) {
	const query = `
		SELECT id, name, host, port, is_master FROM appservers WHERE name = $1
	`
	return r.scanServer(r.pool.QueryRow(ctx, query, name))
}

func (r *AppServerRepository) GetServerByID(ctx context.Context, id int64) (models.AppServer, error) {
	const query = `
		SELECT id, name, host, port, is_master FROM appservers WHERE id = $1
	`
	return r.scanServer(r.pool.QueryRow(ctx, query, id))
}

func (r *AppServerRepository) GetSchemaByID(ctx context.Context, id int64) (models.ConnectionSchema, error) {
	const query = `
		SELECT id, sysname, jndi_name, db_url, db_login, db_password, is_default
		FROM connection_schemas WHERE id = $1
	`
	return r.scanSchema(r.pool.QueryRow(ctx, query, id))
}

func (r *AppServerRepository) GetSchemaBySysname(ctx context.Context, sysname string) (models.ConnectionSchema, error) {
	const query = `
		SELECT id, sysname, jndi_name, db_url, db_login, db_password, is_default
		FROM connection_schemas WHERE sysname = $1
	`
	return r.scanSchema(r.pool.QueryRow(ctx, query, sysname))
}

func (r *AppServerRepository) GetDefaultSchema(ctx context.Context) (models.ConnectionSchema, error) {
	const query = `
		SELECT id, sysname, jndi_name, db_url, db_login, db_password, is_default
		FROM connection_schemas WHERE is_default ORDER BY id LIMIT 1
	`
	return r.scanSchema(r.pool.QueryRow(ctx, query))
}

func (r *AppServerRepository) ListSchemas(ctx context.Context) ([]models.ConnectionSchema, error) {
	const query = `
		SELECT id, sysname, jndi_name, db_url, db_login, db_password, is_default
		FROM connection_schemas ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schemas []models.ConnectionSchema
	for rows.Next() {
		schema, err := r.scanSchema(rows)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, schema)
	}
	return schemas, rows.Err()
}

func (r *AppServerRepository) scanServer(row pgx.Row) (models.AppServer, error) {
	var server models.AppServer
	if err := row.Scan(
		&server.ID,
		&server.Name,
		&server.Host,
		&server.Port,
		&server.IsMaster,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AppServer{}, ErrServerNotFound
		}
		return models.AppServer{}, err
	}
	return server, nil
}

func (r *AppServerRepository) scanSchema(row pgx.Row) (models.ConnectionSchema, error) {
	var schema models.ConnectionSchema
	if err := row.Scan(
		&schema.ID,
		&schema.Sysname,
		&schema.JNDIName,
		&schema.DBURL,
		&schema.DBLogin,
		&schema.DBPassword,
		&schema.IsDefault,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ConnectionSchema{}, ErrSchemaNotFound
		}
		return models.ConnectionSchema{}, err
	}
	return schema, nil
}
