package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/Kopilov/carabiserver/internal/config"
	"github.com/Kopilov/carabiserver/internal/models"
)

var (
	// ErrConfig means the schema row is unusable; callers must not retry.
	ErrConfig = errors.New("backend: schema configuration missing")
	// ErrUnavailable means the backend did not answer; the request may retry.
	ErrUnavailable = errors.New("backend: unavailable")
)

// Gate opens raw authenticated connections against a named schema. It is a
// stateless factory: no caching, no retry.
type Gate interface {
	OpenConnection(ctx context.Context, schema *models.ConnectionSchema) (Conn, error)
}

type PgxGate struct {
	cfg config.BackendConfig
	log zerolog.Logger
}

func NewPgxGate(cfg config.BackendConfig, log zerolog.Logger) *PgxGate {
	return &PgxGate{cfg: cfg, log: log}
}

func (g *PgxGate) OpenConnection(ctx context.Context, schema *models.ConnectionSchema) (Conn, error) {
	if schema == nil || schema.DBURL == "" {
		return nil, fmt.Errorf("%w: schema has no database url", ErrConfig)
	}

	connConfig, err := pgx.ParseConfig(schema.DBURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", ErrConfig, schema.Sysname, err)
	}
	if schema.DBLogin != "" {
		connConfig.User = schema.DBLogin
		connConfig.Password = schema.DBPassword
	}
	connConfig.ConnectTimeout = g.cfg.ConnectTimeout

	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		g.log.Warn().Err(err).Str("schema", schema.Sysname).Msg("backend dial failed")
		return nil, fmt.Errorf("%w: dial %q: %v", ErrUnavailable, schema.Sysname, err)
	}

	return &pgxConn{conn: conn}, nil
}
