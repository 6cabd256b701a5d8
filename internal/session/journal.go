package session

import (
	"context"
	"fmt"
)

// The master connection owns a backend journal record for the whole life
// of the session. When the master is reconnected the backend session id
// changes; the old journal is closed and a new one opened, and
// externalSID/journalID move together.

// openJournal starts a journal on the master connection and re-binds it so
// the journal id shows up as the backend action name. Caller holds mu.
func (s *Session) openJournal(ctx context.Context) error {
	sid, err := queryInt(ctx, s.master, s.cfg.SQL.CurrentSessionID)
	if err != nil {
		return fmt.Errorf("resolve backend session id: %w", err)
	}
	journalID, err := queryInt(ctx, s.master, s.cfg.SQL.OpenJournal, s.record.UserID)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	s.externalSID = sid
	s.journalID = journalID

	if err := s.bind(ctx, s.master, false); err != nil {
		return err
	}
	s.log.Debug().Int64("journal_id", journalID).Int64("sid", sid).Msg("journal opened")
	return nil
}

// closeJournal logs journal closure on teardown. Caller holds mu.
func (s *Session) closeJournal(ctx context.Context) {
	if s.journalID == -1 || s.master == nil {
		return
	}
	if err := s.master.Exec(ctx, s.cfg.SQL.CloseJournal, s.journalID); err != nil {
		s.log.Warn().Err(err).Int64("journal_id", s.journalID).Msg("error closing journal")
	} else {
		s.log.Debug().Int64("journal_id", s.journalID).Msg("journal closed")
	}
	s.journalID = -1
}

// checkJournal verifies the journal is still attached to the current
// backend session, reopening it after a reconnect. Caller holds mu.
func (s *Session) checkJournal(ctx context.Context) error {
	sid, err := queryInt(ctx, s.master, s.cfg.SQL.CurrentSessionID)
	if err != nil {
		return fmt.Errorf("resolve backend session id: %w", err)
	}
	if s.journalID != -1 && sid == s.externalSID {
		return nil
	}
	if s.journalID != -1 {
		s.closeJournal(ctx)
	}
	journalID, err := queryInt(ctx, s.master, s.cfg.SQL.OpenJournal, s.record.UserID)
	if err != nil {
		return fmt.Errorf("reopen journal: %w", err)
	}
	s.externalSID = sid
	s.journalID = journalID
	return s.bind(ctx, s.master, false)
}
