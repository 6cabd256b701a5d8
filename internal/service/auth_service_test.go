package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kopilov/carabiserver/internal/backend"
	"github.com/Kopilov/carabiserver/internal/cache"
	"github.com/Kopilov/carabiserver/internal/config"
	"github.com/Kopilov/carabiserver/internal/models"
	"github.com/Kopilov/carabiserver/internal/registry"
	"github.com/Kopilov/carabiserver/internal/repository"
	"github.com/Kopilov/carabiserver/internal/security"
	"github.com/Kopilov/carabiserver/internal/session"
)

type fakeUsers struct {
	byLogin   map[string]models.User
	passwords map[int64]string
}

func (f *fakeUsers) FindByLogin(_ context.Context, login string) (models.User, error) {
	u, ok := f.byLogin[login]
	if !ok {
		return models.User{}, repository.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeUsers) FindByEmail(_ context.Context, email string) (models.User, error) {
	for _, u := range f.byLogin {
		if u.Email != nil && *u.Email == email {
			return u, nil
		}
	}
	return models.User{}, repository.ErrUserNotFound
}

func (f *fakeUsers) GetByID(_ context.Context, id int64) (models.User, error) {
	for _, u := range f.byLogin {
		if u.ID == id {
			return u, nil
		}
	}
	return models.User{}, repository.ErrUserNotFound
}

func (f *fakeUsers) UpdatePassword(_ context.Context, id int64, passwordHash string) error {
	f.passwords[id] = passwordHash
	return nil
}

type fakeServiceCatalog struct {
	servers map[int64]models.AppServer
	schemas map[int64]models.ConnectionSchema
}

func (f *fakeServiceCatalog) GetServerByID(_ context.Context, id int64) (models.AppServer, error) {
	s, ok := f.servers[id]
	if !ok {
		return models.AppServer{}, repository.ErrServerNotFound
	}
	return s, nil
}

func (f *fakeServiceCatalog) GetSchemaByID(_ context.Context, id int64) (models.ConnectionSchema, error) {
	s, ok := f.schemas[id]
	if !ok {
		return models.ConnectionSchema{}, repository.ErrSchemaNotFound
	}
	return s, nil
}

func (f *fakeServiceCatalog) GetSchemaBySysname(_ context.Context, sysname string) (models.ConnectionSchema, error) {
	for _, s := range f.schemas {
		if s.Sysname == sysname {
			return s, nil
		}
	}
	return models.ConnectionSchema{}, repository.ErrSchemaNotFound
}

func (f *fakeServiceCatalog) GetDefaultSchema(_ context.Context) (models.ConnectionSchema, error) {
	for _, s := range f.schemas {
		if s.IsDefault {
			return s, nil
		}
	}
	return models.ConnectionSchema{}, repository.ErrSchemaNotFound
}

type fakeSessionRegistry struct {
	sessions    map[string]*session.Session
	removed     map[string]bool // token -> permanently
	registerErr error
}

func newFakeSessionRegistry() *fakeSessionRegistry {
	return &fakeSessionRegistry{sessions: make(map[string]*session.Session), removed: make(map[string]bool)}
}

func (f *fakeSessionRegistry) Register(_ context.Context, s *session.Session) error {
	if f.registerErr != nil {
		return f.registerErr
	}
	f.sessions[s.Token()] = s
	return nil
}

func (f *fakeSessionRegistry) TokenAuthorize(_ context.Context, token string) (*session.Session, error) {
	s, ok := f.sessions[token]
	if !ok {
		return nil, registry.ErrTokenNotFound
	}
	return s, nil
}

func (f *fakeSessionRegistry) Remove(_ context.Context, token string, permanently bool) {
	delete(f.sessions, token)
	f.removed[token] = permanently
}

type fakeNonceStore struct {
	values map[string]string
	ttls   map[string]time.Duration
}

func newFakeNonceStore() *fakeNonceStore {
	return &fakeNonceStore{values: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeNonceStore) Put(_ context.Context, key string, value string, ttl time.Duration) error {
	f.values[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeNonceStore) Take(_ context.Context, key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", cache.ErrNotFound
	}
	delete(f.values, key)
	return v, nil
}

func (f *fakeNonceStore) Delete(_ context.Context, key string) error {
	delete(f.values, key)
	return nil
}

type stubRow struct{}

func (stubRow) Scan(...any) error { return errors.New("no backend") }

type stubConn struct {
	closed bool
}

func (c *stubConn) Exec(context.Context, string, ...any) error           { return nil }
func (c *stubConn) QueryRow(context.Context, string, ...any) backend.Row { return stubRow{} }
func (c *stubConn) Ping(context.Context) error                           { return nil }
func (c *stubConn) Close(context.Context) error                          { c.closed = true; return nil }
func (c *stubConn) IsClosed() bool                                       { return c.closed }

type stubGate struct {
	opened []*stubConn
}

func (g *stubGate) OpenConnection(context.Context, *models.ConnectionSchema) (backend.Conn, error) {
	c := &stubConn{}
	g.opened = append(g.opened, c)
	return c, nil
}

type channelMailer struct {
	codes chan string
}

func (m *channelMailer) SendRecoveryCode(_ context.Context, _ string, code string) error {
	m.codes <- code
	return nil
}

type authFixture struct {
	svc    *AuthService
	users  *fakeUsers
	reg    *fakeSessionRegistry
	nonces *fakeNonceStore
	mailer *channelMailer
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	email := "kop@example.org"
	users := &fakeUsers{
		byLogin: map[string]models.User{
			"kop": {
				ID:           7,
				Login:        "kop",
				Email:        &email,
				DisplayName:  "Alexandr Kopilov",
				PasswordHash: security.CredentialHash("kop", "secret"),
				HomeServerID: 1,
			},
			"guest2": {
				ID:           8,
				Login:        "guest2",
				PasswordHash: security.CredentialHash("guest2", "guest2"),
				HomeServerID: 2,
			},
		},
		passwords: make(map[int64]string),
	}
	catalog := &fakeServiceCatalog{
		servers: map[int64]models.AppServer{
			1: {ID: 1, Name: "appserver1", Host: "srv1.local", Port: 9010},
			2: {ID: 2, Name: "appserver2", Host: "srv2.local", Port: 9010},
		},
		schemas: map[int64]models.ConnectionSchema{
			3: {ID: 3, Sysname: "carabi", IsDefault: true},
			4: {ID: 4, Sysname: "reports"},
		},
	}
	reg := newFakeSessionRegistry()
	nonces := newFakeNonceStore()
	mailer := &channelMailer{codes: make(chan string, 1)}
	kernel := config.KernelConfig{
		NonceTTL:       time.Minute,
		ProjectName:    "Carabi",
		ProjectVersion: "1.0",
		ServerName:     "appserver1",
	}
	svc := NewAuthService(users, catalog, reg, nonces, mailer, nil, nil,
		kernel, session.Settings{}, catalog.servers[1], zerolog.Nop())
	return &authFixture{svc: svc, users: users, reg: reg, nonces: nonces, mailer: mailer}
}

func (fx *authFixture) proof(t *testing.T, login, password, nonce string) string {
	t.Helper()
	salt := security.ProofSalt("Carabi", "appserver1", nonce)
	return security.LoginProof(security.CredentialHash(login, password), salt)
}

func TestWelcomeIssuesNonce(t *testing.T) {
	fx := newAuthFixture(t)

	reply, err := fx.svc.Welcome(context.Background(), WelcomeRequest{Login: "kop"})
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Nonce)
	assert.Equal(t, "appserver1", reply.ServerName)
	assert.Equal(t, time.Minute, fx.nonces.ttls[noncePrefix+reply.Nonce])
}

func TestWelcomeRejectsUnknownUser(t *testing.T) {
	fx := newAuthFixture(t)

	_, err := fx.svc.Welcome(context.Background(), WelcomeRequest{Login: "nobody"})
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestWelcomeRejectsForeignBuild(t *testing.T) {
	fx := newAuthFixture(t)

	_, err := fx.svc.Welcome(context.Background(), WelcomeRequest{Login: "kop", Project: "SomethingElse"})
	assert.ErrorIs(t, err, ErrVersionMismatch)

	_, err = fx.svc.Welcome(context.Background(), WelcomeRequest{Login: "kop", Version: "0.1"})
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestTwoPhaseRegister(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	welcome, err := fx.svc.Welcome(ctx, WelcomeRequest{Login: "kop"})
	require.NoError(t, err)

	req := RegisterRequest{
		Login:       "kop",
		Nonce:       welcome.Nonce,
		Proof:       fx.proof(t, "kop", "secret", welcome.Nonce),
		SchemaID:    -1,
		LazyConnect: true,
	}
	reply, err := fx.svc.Register(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Token)
	assert.Equal(t, int64(3), reply.SchemaID, "default schema expected")
	assert.Equal(t, "Alexandr Kopilov", reply.DisplayName)
	assert.Contains(t, fx.reg.sessions, reply.Token)

	// The nonce is one-shot.
	_, err = fx.svc.Register(ctx, req)
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestRegisterRejectsWrongProof(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	welcome, err := fx.svc.Welcome(ctx, WelcomeRequest{Login: "kop"})
	require.NoError(t, err)

	_, err = fx.svc.Register(ctx, RegisterRequest{
		Login:    "kop",
		Nonce:    welcome.Nonce,
		Proof:    fx.proof(t, "kop", "wrong", welcome.Nonce),
		SchemaID: -1,
	})
	assert.ErrorIs(t, err, ErrBadCredentials)
	assert.Empty(t, fx.reg.sessions)
}

func TestRegisterRejectsNonceOfAnotherLogin(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	welcome, err := fx.svc.Welcome(ctx, WelcomeRequest{Login: "kop"})
	require.NoError(t, err)

	_, err = fx.svc.Register(ctx, RegisterRequest{
		Login:    "guest2",
		Nonce:    welcome.Nonce,
		Proof:    fx.proof(t, "guest2", "guest2", welcome.Nonce),
		SchemaID: -1,
	})
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestRegisterRedirectsToHomeServer(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	welcome, err := fx.svc.Welcome(ctx, WelcomeRequest{Login: "guest2"})
	require.NoError(t, err)

	_, err = fx.svc.Register(ctx, RegisterRequest{
		Login:    "guest2",
		Nonce:    welcome.Nonce,
		Proof:    fx.proof(t, "guest2", "guest2", welcome.Nonce),
		SchemaID: -1,
	})
	var mismatch *HomeServerMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "appserver2", mismatch.RedirectTo.Name)
}

func TestLightRegister(t *testing.T) {
	fx := newAuthFixture(t)

	reply, err := fx.svc.LightRegister(context.Background(), RegisterRequest{
		Login:         "kop",
		Proof:         fx.proof(t, "kop", "secret", ""),
		SchemaSysname: "reports",
		LazyConnect:   true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Token)
	assert.Equal(t, int64(4), reply.SchemaID)
	assert.Equal(t, int64(-1), reply.ExternalUserID, "no backend touched on a lazy login")
}

func TestRegisterVersionCheck(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	welcome, err := fx.svc.Welcome(ctx, WelcomeRequest{Login: "kop"})
	require.NoError(t, err)

	req := RegisterRequest{
		Login:        "kop",
		Nonce:        welcome.Nonce,
		Proof:        fx.proof(t, "kop", "secret", welcome.Nonce),
		SchemaID:     -1,
		LazyConnect:  true,
		Version:      "0.9",
		VersionCheck: true,
	}
	_, err = fx.svc.Register(ctx, req)
	assert.ErrorIs(t, err, ErrVersionMismatch)

	// The outdated client did not burn its nonce; after updating it can
	// finish the exchange it started.
	req.Version = "1.0"
	_, err = fx.svc.Register(ctx, req)
	assert.NoError(t, err)
}

func TestLightRegisterVersionCheck(t *testing.T) {
	fx := newAuthFixture(t)

	_, err := fx.svc.LightRegister(context.Background(), RegisterRequest{
		Login:        "kop",
		Proof:        fx.proof(t, "kop", "secret", ""),
		SchemaID:     -1,
		LazyConnect:  true,
		Version:      "0.9",
		VersionCheck: true,
	})
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestRegisterFailureClosesMasterConnection(t *testing.T) {
	fx := newAuthFixture(t)
	gate := &stubGate{}
	fx.svc.gate = gate
	fx.reg.registerErr = errors.New("kernel db down")

	_, err := fx.svc.LightRegister(context.Background(), RegisterRequest{
		Login:    "kop",
		Proof:    fx.proof(t, "kop", "secret", ""),
		SchemaID: -1,
	})
	require.Error(t, err)
	require.Len(t, gate.opened, 1)
	assert.True(t, gate.opened[0].IsClosed(), "rejected login left its master connection open")
}

func TestUnauthorize(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	reply, err := fx.svc.LightRegister(ctx, RegisterRequest{
		Login: "kop", Proof: fx.proof(t, "kop", "secret", ""), SchemaID: -1, LazyConnect: true,
	})
	require.NoError(t, err)

	fx.svc.Unauthorize(ctx, reply.Token, true)
	assert.NotContains(t, fx.reg.sessions, reply.Token)
	assert.True(t, fx.reg.removed[reply.Token])
}

func TestGetUserInfo(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	reply, err := fx.svc.LightRegister(ctx, RegisterRequest{
		Login: "kop", Proof: fx.proof(t, "kop", "secret", ""), SchemaID: -1, LazyConnect: true,
	})
	require.NoError(t, err)

	info, err := fx.svc.GetUserInfo(ctx, reply.Token)
	require.NoError(t, err)
	assert.Equal(t, "kop", info.Login)
	assert.Equal(t, "carabi", info.SchemaSysname)
	assert.Equal(t, int64(-1), info.ExternalUserID, "lazy session has not resolved the backend id yet")

	_, err = fx.svc.GetUserInfo(ctx, "no-such-token")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestPasswordRecoveryRoundTrip(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.SendPasswordRecoverCode(ctx, "kop@example.org"))

	var code string
	select {
	case code = <-fx.mailer.codes:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery code was never sent")
	}

	ok, err := fx.svc.RecoverPassword(ctx, "kop@example.org", "wrong-code", "newpass")
	require.NoError(t, err)
	assert.False(t, ok, "wrong code must not change the password")

	// The failed attempt consumed the stored hash; issue a fresh code.
	require.NoError(t, fx.svc.SendPasswordRecoverCode(ctx, "kop@example.org"))
	select {
	case code = <-fx.mailer.codes:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery code was never sent")
	}

	ok, err = fx.svc.RecoverPassword(ctx, "kop@example.org", code, "newpass")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, security.CredentialHash("kop", "newpass"), fx.users.passwords[7])
}

func TestRecoveryDoesNotRevealAccounts(t *testing.T) {
	fx := newAuthFixture(t)

	err := fx.svc.SendPasswordRecoverCode(context.Background(), "stranger@example.org")
	assert.NoError(t, err)
	assert.Empty(t, fx.nonces.values)
}
