package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Kopilov/carabiserver/internal/backend"
	"github.com/Kopilov/carabiserver/internal/config"
	"github.com/Kopilov/carabiserver/internal/models"
)

// Fakes shared by the session and pool tests. The SQL templates are
// replaced by short markers so the fake connection can dispatch on them.

var testSQL = config.BackendConfig{
	BindSession:      "BIND",
	CurrentSessionID: "SID",
	CurrentUserID:    "UID",
	SessionStatus:    "STATUS",
	OpenJournal:      "OPENJ",
	CloseJournal:     "CLOSEJ",
}

type fakeRow struct {
	val any
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	switch d := dest[0].(type) {
	case *int64:
		v, ok := r.val.(int64)
		if !ok {
			return errors.New("fake: not an int64")
		}
		*d = v
	case *string:
		v, ok := r.val.(string)
		if !ok {
			return errors.New("fake: not a string")
		}
		*d = v
	default:
		return errors.New("fake: unsupported scan target")
	}
	return nil
}

type fakeConn struct {
	mu          sync.Mutex
	closed      bool
	pingErr     error
	uid         int64
	sid         int64
	journalID   int64
	statusBySID map[int64]string
	execLog     []string
}

func (c *fakeConn) Exec(_ context.Context, sql string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := sql
	for _, arg := range args {
		if s, ok := arg.(string); ok && s != "" {
			entry += " " + s
		}
	}
	c.execLog = append(c.execLog, entry)
	return nil
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, args ...any) backend.Row {
	switch sql {
	case "UID":
		return fakeRow{val: c.uid}
	case "SID":
		return fakeRow{val: c.sid}
	case "OPENJ":
		return fakeRow{val: c.journalID}
	case "STATUS":
		sid, _ := args[0].(int64)
		status, ok := c.statusBySID[sid]
		if !ok {
			return fakeRow{err: errors.New("fake: no such session")}
		}
		return fakeRow{val: status}
	}
	return fakeRow{err: errors.New("fake: unknown statement " + sql)}
}

func (c *fakeConn) Ping(context.Context) error { return c.pingErr }

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) executed(marker string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.execLog {
		if len(entry) >= len(marker) && entry[:len(marker)] == marker {
			return true
		}
	}
	return false
}

type fakeGate struct {
	mu      sync.Mutex
	uid     int64
	nextSID int64
	opened  []*fakeConn
	err     error
}

func (g *fakeGate) OpenConnection(context.Context, *models.ConnectionSchema) (backend.Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.nextSID++
	conn := &fakeConn{
		uid:         g.uid,
		sid:         g.nextSID,
		journalID:   g.nextSID * 100,
		statusBySID: make(map[int64]string),
	}
	g.opened = append(g.opened, conn)
	return conn, nil
}

func (g *fakeGate) openCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.opened)
}

type staticCursors struct {
	keys map[int]bool
}

func (c staticCursors) HasConnection(key int) bool { return c.keys[key] }

func newTestSession(gate *fakeGate) *Session {
	record := models.LogonRecord{
		Token:          "test-token-0001",
		UserID:         7,
		SchemaID:       1,
		ExternalUserID: gate.uid,
		LastActiveAt:   time.Now(),
	}
	user := &models.User{ID: 7, Login: "admin", DisplayName: "Admin"}
	schema := &models.ConnectionSchema{ID: 1, Sysname: "main", DBURL: "postgres://backend/main"}
	server := &models.AppServer{ID: 1, Name: "node-1", IsMaster: true}

	cfg := Settings{
		SessionLifetime: 30 * time.Minute,
		ProbeTimeout:    time.Second,
		SQL:             testSQL,
	}
	return New(record, user, schema, server, gate, nil, cfg, zerolog.Nop())
}
