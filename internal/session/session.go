// Package session holds the in-memory user session: identity, token,
// schema binding, the master backend connection and the per-session pool
// of worker connections. A session wraps a durable LogonRecord; everything
// else here is volatile and rebuilt on rehydration.
package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Kopilov/carabiserver/internal/backend"
	"github.com/Kopilov/carabiserver/internal/config"
	"github.com/Kopilov/carabiserver/internal/models"
)

// ModuleName is recorded in the backend session by the authorization bind,
// so backend stored procedures can attribute work to the gateway.
const ModuleName = "APP_SERVER"

// CursorRegistry reports whether an open cursor or fetch still references
// a pooled connection. The cursor module lives outside the core.
type CursorRegistry interface {
	HasConnection(key int) bool
}

// NullCursorRegistry is used when no cursor module is installed.
type NullCursorRegistry struct{}

func (NullCursorRegistry) HasConnection(int) bool { return false }

// PermissionChecker resolves a named permission for a user.
type PermissionChecker interface {
	UserHasPermission(ctx context.Context, user *models.User, sysname string) (bool, error)
}

// Settings is the slice of configuration the session core needs.
type Settings struct {
	SessionLifetime time.Duration
	ProbeTimeout    time.Duration
	SQL             config.BackendConfig
}

type poolEntry struct {
	conn    backend.Conn
	free    bool
	lastUse time.Time
}

// Session is one authorized logon. All mutable state is guarded by mu;
// checkOut, release, monitor and the master-connection operations
// serialize on it, so two checkouts never hand out the same connection.
type Session struct {
	mu sync.Mutex

	record models.LogonRecord
	user   *models.User
	schema *models.ConnectionSchema
	server *models.AppServer

	gate    backend.Gate
	checker PermissionChecker
	cfg     Settings
	log     zerolog.Logger

	master  backend.Conn
	entries map[int]*poolEntry
	nextKey int

	// externalSID is the backend-assigned id of the master connection's
	// session; -1 unless the master is open and its journal started.
	externalSID int64
	journalID   int64
}

func New(
	record models.LogonRecord,
	user *models.User,
	schema *models.ConnectionSchema,
	server *models.AppServer,
	gate backend.Gate,
	checker PermissionChecker,
	cfg Settings,
	log zerolog.Logger,
) *Session {
	if record.ExternalUserID == 0 {
		record.ExternalUserID = -1
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	return &Session{
		record:      record,
		user:        user,
		schema:      schema,
		server:      server,
		gate:        gate,
		checker:     checker,
		cfg:         cfg,
		log:         log.With().Str("token", abbreviate(record.Token)).Str("login", user.Login).Logger(),
		entries:     make(map[int]*poolEntry),
		externalSID: -1,
		journalID:   -1,
	}
}

func (s *Session) Token() string                     { return s.record.Token }
func (s *Session) User() *models.User                { return s.user }
func (s *Session) Schema() *models.ConnectionSchema  { return s.schema }
func (s *Session) AppServer() *models.AppServer      { return s.server }
func (s *Session) Permanent() bool                   { return s.record.Permanent }
func (s *Session) LongLived() bool                   { return s.record.RequireLongLived }

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.LastActiveAt
}

func (s *Session) ExternalUserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.ExternalUserID
}

// Record returns the durable part of the session for persistence.
func (s *Session) Record() models.LogonRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

func (s *Session) UpdateLastActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.record.LastActiveAt = now
	s.user.LastActiveAt = now
}

func (s *Session) HasPermission(ctx context.Context, sysname string) (bool, error) {
	return s.checker.UserHasPermission(ctx, s.user, sysname)
}

// OpenMaster dials the master connection, binds it, opens the journal and
// resolves the backend user id. Safe to call again after CloseAll.
func (s *Session) OpenMaster(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.master != nil {
		return nil
	}

	conn, err := s.gate.OpenConnection(ctx, s.schema)
	if err != nil {
		return err
	}
	s.master = conn

	if err := s.openJournal(ctx); err != nil {
		s.log.Warn().Err(err).Msg("could not open journal on the new master connection")
	}

	externalUserID, err := queryInt(ctx, conn, s.cfg.SQL.CurrentUserID)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not resolve backend user id")
	} else {
		s.record.ExternalUserID = externalUserID
	}
	return nil
}

// MasterConnection returns the checked master connection, reconnecting and
// refreshing the journal when the backend session changed underneath it.
func (s *Session) MasterConnection(ctx context.Context) (backend.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.master == nil {
		conn, err := s.gate.OpenConnection(ctx, s.schema)
		if err != nil {
			return nil, err
		}
		s.master = conn
	} else {
		checked, err := s.checkConn(ctx, s.master, false)
		if err != nil {
			s.master = nil
			s.externalSID = -1
			return nil, err
		}
		s.master = checked
	}

	if err := s.checkJournal(ctx); err != nil {
		s.log.Warn().Err(err).Msg("journal check failed")
	}
	return s.master, nil
}

// CloseAll tears down every backend resource the session holds: the pooled
// connections, the journal and the master connection.
func (s *Session) CloseAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAllLocked(ctx)
}

func (s *Session) closeAllLocked(ctx context.Context) {
	for key, entry := range s.entries {
		if err := entry.conn.Close(ctx); err != nil {
			s.log.Warn().Err(err).Int("key", key).Msg("error closing pooled connection")
		}
		delete(s.entries, key)
	}

	if s.master == nil {
		return
	}
	if err := s.master.Exec(ctx, s.cfg.SQL.BindSession, ModuleName, "", "__freeInPool/"+ModuleName); err != nil {
		s.log.Warn().Err(err).Msg("error releasing the master bind")
	}
	s.closeJournal(ctx)
	if err := s.master.Close(ctx); err != nil {
		s.log.Warn().Err(err).Msg("error closing master connection")
	}
	s.master = nil
	s.externalSID = -1
}

// Close ends a request scope. Sessions that are neither long-lived nor
// permanent give their connections back immediately; the rest keep them
// until logout or the idle sweep.
func (s *Session) Close(ctx context.Context) {
	if s.LongLived() || s.Permanent() {
		return
	}
	s.CloseAll(ctx)
}

// bind executes the authorization bind on a connection so the backend can
// attribute its work: module name, journal id as the action, and the login
// tagged /Pooled or /Master.
func (s *Session) bind(ctx context.Context, conn backend.Conn, pooled bool) error {
	suffix := "/Master"
	if pooled {
		suffix = "/Pooled"
	}
	action := strconv.FormatInt(s.journalID, 10)
	info := s.user.Login + suffix + "/" + ModuleName
	if err := conn.Exec(ctx, s.cfg.SQL.BindSession, ModuleName, action, info); err != nil {
		return fmt.Errorf("bind session: %w", err)
	}
	return nil
}

// checkConn validates a connection before use: liveness first, then the
// backend's idea of who is bound to it. An identity mismatch re-runs the
// bind; a dead connection is closed and replaced through the gate once.
func (s *Session) checkConn(ctx context.Context, conn backend.Conn, pooled bool) (backend.Conn, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	if conn != nil && !conn.IsClosed() {
		alive := conn.Ping(probeCtx) == nil
		if alive {
			userID, errUser := queryInt(probeCtx, conn, s.cfg.SQL.CurrentUserID)
			sid, errSID := queryInt(probeCtx, conn, s.cfg.SQL.CurrentSessionID)
			if errUser == nil && errSID == nil {
				if userID != s.record.ExternalUserID || sid != s.externalSID {
					if err := s.bind(probeCtx, conn, pooled); err != nil {
						s.log.Warn().Err(err).Msg("re-bind after identity mismatch failed")
						return s.replaceConn(ctx, conn, pooled)
					}
				}
				return conn, nil
			}
			s.log.Warn().AnErr("user_err", errUser).AnErr("sid_err", errSID).
				Msg("health probe failed, replacing connection")
		}
	}
	return s.replaceConn(ctx, conn, pooled)
}

func (s *Session) replaceConn(ctx context.Context, broken backend.Conn, pooled bool) (backend.Conn, error) {
	if broken != nil {
		if err := broken.Close(ctx); err != nil {
			s.log.Warn().Err(err).Msg("error closing invalid connection")
		}
	}
	conn, err := s.gate.OpenConnection(ctx, s.schema)
	if err != nil {
		return nil, err
	}
	if err := s.bind(ctx, conn, pooled); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	return conn, nil
}

func abbreviate(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

func queryInt(ctx context.Context, conn backend.Conn, sql string, args ...any) (int64, error) {
	var value int64
	if err := conn.QueryRow(ctx, sql, args...).Scan(&value); err != nil {
		return 0, err
	}
	return value, nil
}

func queryString(ctx context.Context, conn backend.Conn, sql string, args ...any) (string, error) {
	var value string
	if err := conn.QueryRow(ctx, sql, args...).Scan(&value); err != nil {
		return "", err
	}
	return value, nil
}
