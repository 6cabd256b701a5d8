package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Kopilov/carabiserver/internal/backend"
	"github.com/Kopilov/carabiserver/internal/cache"
	"github.com/Kopilov/carabiserver/internal/config"
	"github.com/Kopilov/carabiserver/internal/ids"
	"github.com/Kopilov/carabiserver/internal/models"
	"github.com/Kopilov/carabiserver/internal/registry"
	"github.com/Kopilov/carabiserver/internal/repository"
	"github.com/Kopilov/carabiserver/internal/security"
	"github.com/Kopilov/carabiserver/internal/session"
)

const (
	noncePrefix    = "auth:nonce:"
	recoveryPrefix = "auth:recover:"

	tokenBytes  = 32
	recoveryTTL = 15 * time.Minute
)

type UserDirectory interface {
	FindByLogin(ctx context.Context, login string) (models.User, error)
	FindByEmail(ctx context.Context, email string) (models.User, error)
	GetByID(ctx context.Context, id int64) (models.User, error)
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
}

type Catalog interface {
	GetServerByID(ctx context.Context, id int64) (models.AppServer, error)
	GetSchemaByID(ctx context.Context, id int64) (models.ConnectionSchema, error)
	GetSchemaBySysname(ctx context.Context, sysname string) (models.ConnectionSchema, error)
	GetDefaultSchema(ctx context.Context) (models.ConnectionSchema, error)
}

type SessionRegistry interface {
	Register(ctx context.Context, s *session.Session) error
	TokenAuthorize(ctx context.Context, token string) (*session.Session, error)
	Remove(ctx context.Context, token string, permanently bool)
}

// NonceStore keeps short-lived one-shot values: login nonces and hashed
// password recovery codes.
type NonceStore interface {
	Put(ctx context.Context, key string, value string, ttl time.Duration) error
	Take(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

type Mailer interface {
	SendRecoveryCode(ctx context.Context, email string, code string) error
}

// LogMailer writes the recovery code to the log instead of sending mail.
// Deployments without an SMTP relay run with it.
type LogMailer struct {
	Log zerolog.Logger
}

func (m LogMailer) SendRecoveryCode(_ context.Context, email string, code string) error {
	m.Log.Info().Str("email", email).Str("code", code).Msg("password recovery code issued")
	return nil
}

// nonceEntry is the JSON value stored under a login nonce.
type nonceEntry struct {
	Login  string `json:"login"`
	UserID int64  `json:"userId"`
}

type WelcomeRequest struct {
	Login   string
	Project string
	Version string
}

type WelcomeReply struct {
	Nonce      string
	ServerName string
}

type RegisterRequest struct {
	Login          string
	Proof          string
	Nonce          string
	SchemaID       int64 // -1 selects the default schema
	SchemaSysname  string
	RequireSession bool
	Permanent      bool
	LazyConnect    bool
	UserAgent      string
	Version        string
	VersionCheck   bool
	GreyIP         string
	WhiteIP        string
	ServerContext  string
}

type RegisterReply struct {
	Token          string
	SchemaID       int64
	ExternalUserID int64
	DisplayName    string
}

// AuthService implements the login protocol: the two-phase welcome and
// register exchange, the single-call light register, token logout and the
// password recovery flow.
type AuthService struct {
	users    UserDirectory
	catalog  Catalog
	registry SessionRegistry
	nonces   NonceStore
	mailer   Mailer
	gate     backend.Gate
	checker  session.PermissionChecker

	kernel        config.KernelConfig
	sessionCfg    session.Settings
	currentServer models.AppServer
	log           zerolog.Logger
}

func NewAuthService(
	users UserDirectory,
	catalog Catalog,
	reg SessionRegistry,
	nonces NonceStore,
	mailer Mailer,
	gate backend.Gate,
	checker session.PermissionChecker,
	kernel config.KernelConfig,
	sessionCfg session.Settings,
	currentServer models.AppServer,
	log zerolog.Logger,
) *AuthService {
	return &AuthService{
		users:         users,
		catalog:       catalog,
		registry:      reg,
		nonces:        nonces,
		mailer:        mailer,
		gate:          gate,
		checker:       checker,
		kernel:        kernel,
		sessionCfg:    sessionCfg,
		currentServer: currentServer,
		log:           log,
	}
}

// Welcome is phase one of the two-phase login. It validates the client
// build, confirms the login exists and issues a one-shot nonce the client
// salts its proof with.
func (s *AuthService) Welcome(ctx context.Context, req WelcomeRequest) (WelcomeReply, error) {
	if err := s.checkClientBuild(req.Project, req.Version); err != nil {
		return WelcomeReply{}, err
	}

	user, err := s.users.FindByLogin(ctx, req.Login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return WelcomeReply{}, fmt.Errorf("%w: %s", ErrUnknownUser, req.Login)
		}
		return WelcomeReply{}, err
	}

	nonce, err := security.NewToken(tokenBytes)
	if err != nil {
		return WelcomeReply{}, err
	}
	entry, err := json.Marshal(nonceEntry{Login: user.Login, UserID: user.ID})
	if err != nil {
		return WelcomeReply{}, err
	}
	if err := s.nonces.Put(ctx, noncePrefix+nonce, string(entry), s.kernel.NonceTTL); err != nil {
		return WelcomeReply{}, err
	}

	return WelcomeReply{Nonce: nonce, ServerName: s.kernel.ServerName}, nil
}

// Register is phase two: the client presents the proof salted with the
// nonce from Welcome. A nonce is redeemable once; a second attempt with
// the same nonce fails like a wrong password. The version check runs
// before the nonce is redeemed, so an outdated client can retry with the
// same nonce after updating.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (RegisterReply, error) {
	if err := s.checkClientVersion(req); err != nil {
		return RegisterReply{}, err
	}

	raw, err := s.nonces.Take(ctx, noncePrefix+req.Nonce)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			s.log.Info().Str("login", req.Login).Msg("register with unknown or spent nonce")
			return RegisterReply{}, ErrBadCredentials
		}
		return RegisterReply{}, err
	}
	var entry nonceEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return RegisterReply{}, fmt.Errorf("decode nonce entry: %w", err)
	}
	if entry.Login != req.Login {
		s.log.Info().Str("login", req.Login).Msg("register nonce issued for a different login")
		return RegisterReply{}, ErrBadCredentials
	}

	salt := security.ProofSalt(s.kernel.ProjectName, s.kernel.ServerName, req.Nonce)
	return s.register(ctx, req, salt)
}

// LightRegister is the single-call variant for trusted clients. The proof
// salt carries no nonce, so the exchange is one round trip.
func (s *AuthService) LightRegister(ctx context.Context, req RegisterRequest) (RegisterReply, error) {
	if err := s.checkClientVersion(req); err != nil {
		return RegisterReply{}, err
	}
	salt := security.ProofSalt(s.kernel.ProjectName, s.kernel.ServerName, "")
	return s.register(ctx, req, salt)
}

func (s *AuthService) checkClientVersion(req RegisterRequest) error {
	if !req.VersionCheck {
		return nil
	}
	if req.Version != s.kernel.ProjectVersion {
		return fmt.Errorf("%w: version %s", ErrVersionMismatch, req.Version)
	}
	return nil
}

func (s *AuthService) register(ctx context.Context, req RegisterRequest, salt string) (RegisterReply, error) {
	user, err := s.users.FindByLogin(ctx, req.Login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.log.Info().Str("login", req.Login).Msg("register with unknown login")
			return RegisterReply{}, ErrBadCredentials
		}
		return RegisterReply{}, err
	}

	if user.HomeServerID != 0 && user.HomeServerID != s.currentServer.ID {
		home, err := s.catalog.GetServerByID(ctx, user.HomeServerID)
		if err != nil {
			return RegisterReply{}, fmt.Errorf("resolve home server: %w", err)
		}
		return RegisterReply{}, &HomeServerMismatchError{RedirectTo: home}
	}

	if !security.ProofsEqual(req.Proof, security.LoginProof(user.PasswordHash, salt)) {
		s.log.Info().Str("login", req.Login).Msg("register with wrong proof")
		return RegisterReply{}, ErrBadCredentials
	}

	schema, err := s.resolveSchema(ctx, req)
	if err != nil {
		return RegisterReply{}, err
	}

	token, err := security.NewToken(tokenBytes)
	if err != nil {
		return RegisterReply{}, err
	}

	rec := models.LogonRecord{
		Token:            token,
		ExternalUserID:   -1,
		UserID:           user.ID,
		AppServerID:      s.currentServer.ID,
		SchemaID:         schema.ID,
		RequireLongLived: req.RequireSession,
		Permanent:        req.Permanent,
		GreyIP:           req.GreyIP,
		WhiteIP:          req.WhiteIP,
		ServerContext:    req.ServerContext,
		LastActiveAt:     time.Now(),
	}
	sess := session.New(rec, &user, &schema, &s.currentServer, s.gate, s.checker, s.sessionCfg, s.log)

	// The master connection opens at login time unless the client asked
	// for a lazy connect, so a backend outage surfaces here and not on
	// the first call.
	if !req.LazyConnect {
		if err := sess.OpenMaster(ctx); err != nil {
			return RegisterReply{}, err
		}
	}

	if err := s.registry.Register(ctx, sess); err != nil {
		// A session the caller never learns the token of must not keep
		// a backend connection open.
		sess.CloseAll(ctx)
		return RegisterReply{}, err
	}

	s.log.Info().Str("login", user.Login).Str("schema", schema.Sysname).
		Str("userAgent", req.UserAgent).Str("clientIp", req.GreyIP).
		Bool("longLived", req.RequireSession).Msg("user registered")

	return RegisterReply{
		Token:          token,
		SchemaID:       schema.ID,
		ExternalUserID: sess.ExternalUserID(),
		DisplayName:    user.DisplayName,
	}, nil
}

func (s *AuthService) resolveSchema(ctx context.Context, req RegisterRequest) (models.ConnectionSchema, error) {
	switch {
	case req.SchemaSysname != "":
		return s.catalog.GetSchemaBySysname(ctx, req.SchemaSysname)
	case req.SchemaID >= 0:
		return s.catalog.GetSchemaByID(ctx, req.SchemaID)
	default:
		return s.catalog.GetDefaultSchema(ctx)
	}
}

func (s *AuthService) checkClientBuild(project string, version string) error {
	if project != "" && project != s.kernel.ProjectName {
		return fmt.Errorf("%w: project %s", ErrVersionMismatch, project)
	}
	if version != "" && version != s.kernel.ProjectVersion {
		return fmt.Errorf("%w: version %s", ErrVersionMismatch, version)
	}
	return nil
}

// Unauthorize ends the session behind the token. With permanently the
// durable record is deleted too, so the token cannot be rehydrated later.
func (s *AuthService) Unauthorize(ctx context.Context, token string, permanently bool) {
	s.registry.Remove(ctx, token, permanently)
}

// UserInfo describes the session owner: the login, the schema the session
// is bound to and the backend user id. ExternalUserID stays -1 until the
// master connection has been opened.
type UserInfo struct {
	UserID         int64
	Login          string
	DisplayName    string
	Email          *string
	SchemaSysname  string
	ExternalUserID int64
}

// GetUserInfo resolves the token and reports the session owner.
func (s *AuthService) GetUserInfo(ctx context.Context, token string) (UserInfo, error) {
	sess, err := s.registry.TokenAuthorize(ctx, token)
	if err != nil {
		return UserInfo{}, translateTokenError(err)
	}
	user := sess.User()
	return UserInfo{
		UserID:         user.ID,
		Login:          user.Login,
		DisplayName:    user.DisplayName,
		Email:          user.Email,
		SchemaSysname:  sess.Schema().Sysname,
		ExternalUserID: sess.ExternalUserID(),
	}, nil
}

// GetBackendUserID resolves the session owner's id on the backend schema,
// opening the master connection when needed. Short-scoped sessions give
// the connection back before returning.
func (s *AuthService) GetBackendUserID(ctx context.Context, token string) (int64, error) {
	sess, err := s.registry.TokenAuthorize(ctx, token)
	if err != nil {
		return -1, translateTokenError(err)
	}
	defer sess.Close(ctx)

	if sess.ExternalUserID() < 0 {
		if err := sess.OpenMaster(ctx); err != nil {
			return -1, err
		}
	}
	return sess.ExternalUserID(), nil
}

// SendPasswordRecoverCode issues a recovery code for the account behind
// the email. The answer does not reveal whether the account exists; the
// mail is sent off the request path.
func (s *AuthService) SendPasswordRecoverCode(ctx context.Context, email string) error {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, repository.ErrAmbiguousEmail) {
			s.log.Info().Str("email", email).Err(err).Msg("recovery requested for unresolvable email")
			return nil
		}
		return err
	}

	code := ids.New()
	hash, err := security.HashRecoveryCode(code)
	if err != nil {
		return err
	}
	if err := s.nonces.Put(ctx, recoveryPrefix+email, hash, recoveryTTL); err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.mailer.SendRecoveryCode(ctx, email, code); err != nil {
			s.log.Error().Err(err).Str("login", user.Login).Msg("could not send recovery code")
		}
	}()
	return nil
}

// RecoverPassword sets a new password when the presented code matches the
// one issued for the email. The code is consumed on success.
func (s *AuthService) RecoverPassword(ctx context.Context, email string, code string, newPassword string) (bool, error) {
	hash, err := s.nonces.Take(ctx, recoveryPrefix+email)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	ok, err := security.VerifyRecoveryCode(code, hash)
	if err != nil || !ok {
		return false, err
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return false, err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, security.CredentialHash(user.Login, newPassword)); err != nil {
		return false, err
	}
	s.log.Info().Str("login", user.Login).Msg("password recovered")
	return true, nil
}

func translateTokenError(err error) error {
	switch {
	case errors.Is(err, registry.ErrTokenExpired):
		return ErrExpiredToken
	case errors.Is(err, registry.ErrTokenNotFound):
		return ErrBadCredentials
	default:
		return err
	}
}
