package backend

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type Row interface {
	Scan(dest ...any) error
}

// Conn is a single authenticated backend connection. The session core only
// needs statement execution and liveness; the concrete type is pgx-backed
// in production and faked in tests.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) error
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	IsClosed() bool
}

type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.conn.Exec(ctx, sql, args...)
	return err
}

func (c *pgxConn) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c *pgxConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

func (c *pgxConn) IsClosed() bool {
	return c.conn.IsClosed()
}
