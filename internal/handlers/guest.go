package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Kopilov/carabiserver/internal/backend"
	"github.com/Kopilov/carabiserver/internal/models"
	"github.com/Kopilov/carabiserver/internal/service"
)

type welcomeRequest struct {
	Login   string `json:"login" binding:"required"`
	Project string `json:"project"`
	Version string `json:"version"`
}

type welcomeResponse struct {
	Nonce      string `json:"nonce"`
	ServerName string `json:"serverName"`
}

// Welcome is phase one of the two-phase login: the client learns the
// nonce it must salt its password proof with.
func (h HandlerSet) Welcome(c *gin.Context) {
	var req welcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reply, err := h.authService.Welcome(c.Request.Context(), service.WelcomeRequest{
		Login:   req.Login,
		Project: req.Project,
		Version: req.Version,
	})
	if err != nil {
		h.sendAuthError(c, err)
		return
	}

	c.JSON(http.StatusOK, welcomeResponse{Nonce: reply.Nonce, ServerName: reply.ServerName})
}

type registerRequest struct {
	Login          string `json:"login" binding:"required"`
	Proof          string `json:"proof" binding:"required"`
	Nonce          string `json:"nonce"`
	SchemaID       *int64 `json:"schemaId"`
	SchemaSysname  string `json:"schemaSysname"`
	RequireSession bool   `json:"requireSession"`
	Permanent      bool   `json:"permanent"`
	LazyConnect    bool   `json:"lazyConnect"`
	Version        string `json:"version"`
	VersionCheck   bool   `json:"versionCheck"`
	WhiteIP        string `json:"ipAddrWhite"`
	ServerContext  string `json:"serverContext"`
}

type registerUserInfo struct {
	Login       string           `json:"login"`
	DisplayName string           `json:"displayName"`
	Permissions []string         `json:"permissions"`
	Schemas     []schemaResponse `json:"schemas"`
}

type registerResponse struct {
	Token          string            `json:"token"`
	SchemaID       int64             `json:"schemaId"`
	ExternalUserID int64             `json:"backendUserId"`
	DisplayName    string            `json:"displayName"`
	UserInfo       *registerUserInfo `json:"userInfo,omitempty"`
}

func (h HandlerSet) RegisterUser(c *gin.Context) {
	req, ok := bindRegister(c)
	if !ok {
		return
	}
	if req.Nonce == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nonce is required"})
		return
	}

	reply, err := h.authService.Register(c.Request.Context(), req)
	if err != nil {
		h.sendAuthError(c, err)
		return
	}

	resp := newRegisterResponse(reply)
	resp.UserInfo = h.collectUserInfo(c, reply.Token)
	c.JSON(http.StatusOK, resp)
}

// collectUserInfo fills the userInfo block of the two-phase register
// reply. Login dialogs use it to skip extra round trips; a failure here
// never fails the login itself.
func (h HandlerSet) collectUserInfo(c *gin.Context, token string) *registerUserInfo {
	ctx := c.Request.Context()

	owner, err := h.authService.GetUserInfo(ctx, token)
	if err != nil {
		h.log.Warn().Err(err).Msg("collect user info after register failed")
		return nil
	}
	info := &registerUserInfo{Login: owner.Login, DisplayName: owner.DisplayName}

	user := models.User{ID: owner.UserID, Login: owner.Login}
	perms, err := h.permService.UserPermissions(ctx, &user, "")
	if err != nil {
		h.log.Warn().Err(err).Msg("collect user permissions after register failed")
	}
	info.Permissions = make([]string, 0, len(perms))
	for _, p := range perms {
		info.Permissions = append(info.Permissions, p.Sysname)
	}

	schemas, err := h.appServers.ListSchemas(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("collect schema list after register failed")
	}
	info.Schemas = make([]schemaResponse, 0, len(schemas))
	for _, s := range schemas {
		info.Schemas = append(info.Schemas, schemaResponse{ID: s.ID, Sysname: s.Sysname, Default: s.IsDefault})
	}
	return info
}

// RegisterLight is the one-call login for trusted clients; no welcome
// phase, the proof salt carries no nonce.
func (h HandlerSet) RegisterLight(c *gin.Context) {
	req, ok := bindRegister(c)
	if !ok {
		return
	}

	reply, err := h.authService.LightRegister(c.Request.Context(), req)
	if err != nil {
		h.sendAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRegisterResponse(reply))
}

func bindRegister(c *gin.Context) (service.RegisterRequest, bool) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return service.RegisterRequest{}, false
	}

	schemaID := int64(-1)
	if req.SchemaID != nil {
		schemaID = *req.SchemaID
	}
	return service.RegisterRequest{
		Login:          req.Login,
		Proof:          req.Proof,
		Nonce:          req.Nonce,
		SchemaID:       schemaID,
		SchemaSysname:  req.SchemaSysname,
		RequireSession: req.RequireSession,
		Permanent:      req.Permanent,
		LazyConnect:    req.LazyConnect,
		UserAgent:      c.Request.UserAgent(),
		Version:        req.Version,
		VersionCheck:   req.VersionCheck,
		GreyIP:         c.ClientIP(),
		WhiteIP:        req.WhiteIP,
		ServerContext:  req.ServerContext,
	}, true
}

func newRegisterResponse(reply service.RegisterReply) registerResponse {
	return registerResponse{
		Token:          reply.Token,
		SchemaID:       reply.SchemaID,
		ExternalUserID: reply.ExternalUserID,
		DisplayName:    reply.DisplayName,
	}
}

type unauthorizeRequest struct {
	Token       string `json:"token" binding:"required"`
	Permanently bool   `json:"permanently"`
}

func (h HandlerSet) Unauthorize(c *gin.Context) {
	var req unauthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.authService.Unauthorize(c.Request.Context(), req.Token, req.Permanently)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type userInfoResponse struct {
	Login          string `json:"login"`
	Schema         string `json:"schema"`
	ExternalUserID int64  `json:"externalUserId"`
	DisplayName    string `json:"displayName"`
	Email          string `json:"email,omitempty"`
}

func (h HandlerSet) UserInfo(c *gin.Context) {
	info, err := h.authService.GetUserInfo(c.Request.Context(), c.Query("token"))
	if err != nil {
		h.sendAuthError(c, err)
		return
	}

	resp := userInfoResponse{
		Login:          info.Login,
		Schema:         info.SchemaSysname,
		ExternalUserID: info.ExternalUserID,
		DisplayName:    info.DisplayName,
	}
	if info.Email != nil {
		resp.Email = *info.Email
	}
	c.JSON(http.StatusOK, resp)
}

func (h HandlerSet) BackendUserID(c *gin.Context) {
	id, err := h.authService.GetBackendUserID(c.Request.Context(), c.Query("token"))
	if err != nil {
		h.sendAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"oracleUserId": id})
}

type recoverCodeRequest struct {
	Email string `json:"email" binding:"required,email"`
}

func (h HandlerSet) SendPasswordRecoverCode(c *gin.Context) {
	var req recoverCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.authService.SendPasswordRecoverCode(c.Request.Context(), req.Email); err != nil {
		h.log.Error().Err(err).Msg("send recovery code failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type recoverPasswordRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Code        string `json:"code" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required,min=6"`
}

func (h HandlerSet) RecoverPassword(c *gin.Context) {
	var req recoverPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ok, err := h.authService.RecoverPassword(c.Request.Context(), req.Email, req.Code, req.NewPassword)
	if err != nil {
		h.log.Error().Err(err).Msg("password recovery failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_code"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type schemaResponse struct {
	ID      int64  `json:"id"`
	Sysname string `json:"sysname"`
	Default bool   `json:"default"`
}

// Schemas lists the backend schemas a client may log into. Login dialogs
// use it to populate the schema selector.
func (h HandlerSet) Schemas(c *gin.Context) {
	schemas, err := h.appServers.ListSchemas(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list schemas failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
		return
	}

	out := make([]schemaResponse, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, schemaResponse{ID: s.ID, Sysname: s.Sysname, Default: s.IsDefault})
	}
	c.JSON(http.StatusOK, gin.H{"schemas": out})
}

func (h HandlerSet) About(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"projectName":    h.cfg.Kernel.ProjectName,
		"projectVersion": h.cfg.Kernel.ProjectVersion,
		"serverName":     h.cfg.Kernel.ServerName,
	})
}

func (h HandlerSet) sendAuthError(c *gin.Context, err error) {
	var mismatch *service.HomeServerMismatchError
	switch {
	case errors.As(err, &mismatch):
		c.JSON(http.StatusMisdirectedRequest, gin.H{
			"error": "home_server_mismatch",
			"redirect": gin.H{
				"name": mismatch.RedirectTo.Name,
				"host": mismatch.RedirectTo.Host,
				"port": mismatch.RedirectTo.Port,
			},
		})
	case errors.Is(err, service.ErrVersionMismatch):
		c.JSON(http.StatusUpgradeRequired, gin.H{"error": "version_mismatch"})
	case errors.Is(err, service.ErrUnknownUser):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no_such_user"})
	case errors.Is(err, service.ErrBadCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad_credentials"})
	case errors.Is(err, service.ErrExpiredToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token_expired"})
	case errors.Is(err, backend.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend_unavailable"})
	default:
		h.log.Error().Err(err).Msg("auth request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
	}
}
