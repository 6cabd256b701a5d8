// Package registry keeps the process-wide map of token to live session and
// synchronizes it with the durable USER_LOGON store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Kopilov/carabiserver/internal/backend"
	"github.com/Kopilov/carabiserver/internal/models"
	"github.com/Kopilov/carabiserver/internal/session"
)

var (
	ErrTokenNotFound = errors.New("registry: token not found")
	ErrTokenExpired  = errors.New("registry: token expired")
)

type LogonStore interface {
	Save(ctx context.Context, rec models.LogonRecord) error
	GetByToken(ctx context.Context, token string) (models.LogonRecord, error)
	Touch(ctx context.Context, token string, at time.Time) error
	Delete(ctx context.Context, token string) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id int64) (models.User, error)
	TouchLastActive(ctx context.Context, id int64, at time.Time) error
}

type CatalogStore interface {
	GetSchemaByID(ctx context.Context, id int64) (models.ConnectionSchema, error)
	GetServerByID(ctx context.Context, id int64) (models.AppServer, error)
}

// Registry owns the sessions by token. Sessions never hold a reference
// back; collaborators they need are handed over at construction.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session

	logons  LogonStore
	users   UserStore
	catalog CatalogStore
	gate    backend.Gate
	checker session.PermissionChecker

	sessionCfg    session.Settings
	tokenLifetime time.Duration
	log           zerolog.Logger
}

func New(
	logons LogonStore,
	users UserStore,
	catalog CatalogStore,
	gate backend.Gate,
	checker session.PermissionChecker,
	sessionCfg session.Settings,
	tokenLifetimeDays int,
	log zerolog.Logger,
) *Registry {
	return &Registry{
		sessions:      make(map[string]*session.Session),
		logons:        logons,
		users:         users,
		catalog:       catalog,
		gate:          gate,
		checker:       checker,
		sessionCfg:    sessionCfg,
		tokenLifetime: time.Duration(tokenLifetimeDays) * 24 * time.Hour,
		log:           log,
	}
}

// Register installs a new session in the durable store and, once the row
// is safely down, in memory. A session that failed to persist must not be
// resolvable by token.
func (r *Registry) Register(ctx context.Context, s *session.Session) error {
	s.UpdateLastActive()

	if err := r.logons.Save(ctx, s.Record()); err != nil {
		return fmt.Errorf("persist logon: %w", err)
	}

	r.mu.Lock()
	r.sessions[s.Token()] = s
	r.mu.Unlock()

	if err := r.users.TouchLastActive(ctx, s.User().ID, s.LastActive()); err != nil {
		r.log.Warn().Err(err).Str("login", s.User().Login).Msg("could not touch user activity")
	}
	return nil
}

// TokenAuthorize resolves a token to a live session, rehydrating from the
// durable store when the process has not seen the token yet. Rehydrated
// sessions start with no backend connections; anything a previous process
// held is gone with it.
func (r *Registry) TokenAuthorize(ctx context.Context, token string) (*session.Session, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}

	r.mu.RLock()
	s, ok := r.sessions[token]
	r.mu.RUnlock()
	if ok {
		r.touch(ctx, s)
		return s, nil
	}

	rec, err := r.logons.GetByToken(ctx, token)
	if err != nil {
		return nil, ErrTokenNotFound
	}
	if !rec.Permanent && time.Since(rec.LastActiveAt) > r.tokenLifetime {
		return nil, ErrTokenExpired
	}

	user, err := r.users.GetByID(ctx, rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("rehydrate user: %w", err)
	}
	schema, err := r.catalog.GetSchemaByID(ctx, rec.SchemaID)
	if err != nil {
		return nil, fmt.Errorf("rehydrate schema: %w", err)
	}
	server, err := r.catalog.GetServerByID(ctx, rec.AppServerID)
	if err != nil {
		return nil, fmt.Errorf("rehydrate app server: %w", err)
	}

	fresh := session.New(rec, &user, &schema, &server, r.gate, r.checker, r.sessionCfg, r.log)

	r.mu.Lock()
	if existing, ok := r.sessions[token]; ok {
		// Lost the race against a concurrent rehydration.
		fresh = existing
	} else {
		r.sessions[token] = fresh
	}
	r.mu.Unlock()

	r.touch(ctx, fresh)
	r.log.Debug().Str("login", user.Login).Msg("session rehydrated from durable store")
	return fresh, nil
}

// Remove drops the session from memory and closes its connections; with
// permanently it also deletes the durable row.
func (r *Registry) Remove(ctx context.Context, token string, permanently bool) {
	r.mu.Lock()
	s, ok := r.sessions[token]
	delete(r.sessions, token)
	r.mu.Unlock()

	if ok {
		s.CloseAll(ctx)
	}
	if permanently {
		if err := r.logons.Delete(ctx, token); err != nil {
			r.log.Warn().Err(err).Msg("could not delete durable logon")
		}
	}
}

// Touch refreshes lastActive in both tiers.
func (r *Registry) Touch(ctx context.Context, token string) error {
	r.mu.RLock()
	s, ok := r.sessions[token]
	r.mu.RUnlock()
	if !ok {
		return ErrTokenNotFound
	}
	r.touch(ctx, s)
	return nil
}

func (r *Registry) touch(ctx context.Context, s *session.Session) {
	s.UpdateLastActive()
	if err := r.logons.Touch(ctx, s.Token(), s.LastActive()); err != nil {
		r.log.Warn().Err(err).Msg("could not touch durable logon")
	}
}

// SweepPools runs the pool monitor over every live session. Iteration
// works on a snapshot so the registry lock is not held during the
// per-session backend work.
func (r *Registry) SweepPools(ctx context.Context, cursors session.CursorRegistry) {
	r.mu.RLock()
	snapshot := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		s.Monitor(ctx, cursors)
	}
}

// PurgeExpired deletes durable non-permanent rows idle longer than the
// token lifetime. Callers gate this on the master node.
func (r *Registry) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.tokenLifetime)
	return r.logons.DeleteExpired(ctx, cutoff)
}

// ActiveCount reports how many sessions are live in memory.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown closes every live session's backend connections.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	snapshot := make([]*session.Session, 0, len(r.sessions))
	for token, s := range r.sessions {
		snapshot = append(snapshot, s)
		delete(r.sessions, token)
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		s.CloseAll(ctx)
	}
}
