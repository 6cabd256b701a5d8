package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kopilov/carabiserver/internal/models"
)

func TestOpenMasterOpensJournalAndResolvesUserID(t *testing.T) {
	gate := &fakeGate{uid: 42}
	s := newTestSession(gate)
	s.record.ExternalUserID = -1

	require.NoError(t, s.OpenMaster(context.Background()))

	master := gate.opened[0]
	assert.True(t, master.executed("BIND "+ModuleName), "master connection is bound")
	assert.EqualValues(t, 100, s.journalID)
	assert.EqualValues(t, 1, s.externalSID)
	assert.EqualValues(t, 42, s.ExternalUserID())
}

func TestMasterConnectionReopensJournalAfterReconnect(t *testing.T) {
	gate := &fakeGate{uid: 42}
	s := newTestSession(gate)
	ctx := context.Background()

	require.NoError(t, s.OpenMaster(ctx))
	oldJournal := s.journalID

	// Kill the master; the next access must reconnect and open a fresh
	// journal tied to the new backend session.
	require.NoError(t, gate.opened[0].Close(ctx))

	conn, err := s.MasterConnection(ctx)
	require.NoError(t, err)

	assert.NotSame(t, gate.opened[0], conn.(*fakeConn))
	assert.NotEqual(t, oldJournal, s.journalID)
	assert.Equal(t, conn.(*fakeConn).sid, s.externalSID)
}

func TestCloseAllTearsDownEverything(t *testing.T) {
	gate := &fakeGate{uid: 42}
	s := newTestSession(gate)
	ctx := context.Background()

	require.NoError(t, s.OpenMaster(ctx))
	pooled, err := s.CheckOut(ctx)
	require.NoError(t, err)

	s.CloseAll(ctx)

	master := gate.opened[0]
	assert.True(t, master.executed("BIND "+ModuleName+" __freeInPool/"+ModuleName), "master bind released before close")
	assert.True(t, master.IsClosed())
	assert.True(t, pooled.(*fakeConn).IsClosed())
	assert.Equal(t, 0, s.PoolSize())
	assert.EqualValues(t, -1, s.externalSID)
	assert.EqualValues(t, -1, s.journalID)
}

func TestScopedCloseKeepsLongLivedSessions(t *testing.T) {
	tests := []struct {
		name      string
		longLived bool
		permanent bool
		wantKept  bool
	}{
		{name: "short lived", longLived: false, permanent: false, wantKept: false},
		{name: "long lived", longLived: true, permanent: false, wantKept: true},
		{name: "permanent", longLived: false, permanent: true, wantKept: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := &fakeGate{uid: 42}
			s := newTestSession(gate)
			s.record.RequireLongLived = tt.longLived
			s.record.Permanent = tt.permanent

			conn, err := s.CheckOut(context.Background())
			require.NoError(t, err)
			s.Release(conn)

			s.Close(context.Background())

			if tt.wantKept {
				assert.Equal(t, 1, s.PoolSize())
				assert.False(t, conn.(*fakeConn).IsClosed())
			} else {
				assert.Equal(t, 0, s.PoolSize())
				assert.True(t, conn.(*fakeConn).IsClosed())
			}
		})
	}
}

type trustingChecker struct{}

func (trustingChecker) UserHasPermission(_ context.Context, _ *models.User, _ string) (bool, error) {
	return true, nil
}

func TestHasPermissionDelegatesToChecker(t *testing.T) {
	gate := &fakeGate{uid: 42}
	s := newTestSession(gate)
	s.checker = trustingChecker{}

	ok, err := s.HasPermission(context.Background(), "READ_DOCUMENTS")
	require.NoError(t, err)
	assert.True(t, ok)
}
