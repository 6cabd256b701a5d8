package session

import (
	"context"
	"time"

	"github.com/Kopilov/carabiserver/internal/backend"
)

// The embedded connection pool. Entries live in a single map keyed by a
// session-local counter; each entry tracks the connection, whether it is
// free, and when it was last used. The key set is only mutated under mu,
// so the three views stay consistent at every observable point.

// CheckOut returns an authenticated, validated backend connection. A free
// entry is reused after a health probe; otherwise a new connection is
// opened through the gate and bound to the user.
func (s *Session) CheckOut(ctx context.Context) (backend.Conn, error) {
	now := time.Now()

	s.mu.Lock()
	for key, entry := range s.entries {
		if !entry.free {
			continue
		}
		entry.free = false
		entry.lastUse = now

		checked, err := s.checkConn(ctx, entry.conn, true)
		if err != nil {
			delete(s.entries, key)
			s.mu.Unlock()
			return nil, err
		}
		entry.conn = checked
		s.mu.Unlock()
		return checked, nil
	}
	s.mu.Unlock()

	conn, err := s.gate.OpenConnection(ctx, s.schema)
	if err != nil {
		return nil, err
	}
	if err := s.bind(ctx, conn, true); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	s.mu.Lock()
	s.nextKey++
	s.entries[s.nextKey] = &poolEntry{conn: conn, free: false, lastUse: now}
	s.mu.Unlock()
	return conn, nil
}

// Release gives a connection back to the pool. Releasing a connection the
// pool does not know is a no-op.
func (s *Session) Release(conn backend.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.conn == conn {
			s.releaseEntry(entry)
			return
		}
	}
}

// ReleaseKey releases by connection key instead of the connection value.
func (s *Session) ReleaseKey(key int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok {
		s.releaseEntry(entry)
	}
}

func (s *Session) releaseEntry(entry *poolEntry) {
	now := time.Now()
	entry.free = true
	entry.lastUse = now
	s.record.LastActiveAt = now
}

// Monitor sweeps the pool. Busy entries are reconciled against the
// backend's own session state: if the backend reports the session idle the
// client forgot to release it, and the entry is flipped back to free.
// Free entries not referenced by any cursor are closed once idle longer
// than SessionLifetime. This is the only path that closes idle pooled
// connections.
func (s *Session) Monitor(ctx context.Context, cursors CursorRegistry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, entry := range s.entries {
		if !entry.free {
			sid, err := queryInt(ctx, entry.conn, s.cfg.SQL.CurrentSessionID)
			if err != nil {
				s.log.Warn().Err(err).Int("key", key).Msg("monitor: session id probe failed")
				continue
			}
			if s.master == nil {
				continue
			}
			status, err := queryString(ctx, s.master, s.cfg.SQL.SessionStatus, sid)
			if err != nil {
				s.log.Warn().Err(err).Int("key", key).Msg("monitor: status query failed")
				continue
			}
			if status != "ACTIVE" {
				s.releaseEntry(entry)
			}
			continue
		}
		if cursors.HasConnection(key) {
			continue
		}
		if now.Sub(entry.lastUse) > s.cfg.SessionLifetime {
			if err := entry.conn.Close(ctx); err != nil {
				s.log.Warn().Err(err).Int("key", key).Msg("monitor: error closing idle connection")
			}
			delete(s.entries, key)
		}
	}
}

// PoolSize reports how many connections the pool currently holds.
func (s *Session) PoolSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// FreeConnections reports how many pooled connections are currently free.
func (s *Session) FreeConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := 0
	for _, entry := range s.entries {
		if entry.free {
			free++
		}
	}
	return free
}
