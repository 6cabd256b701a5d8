package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Kopilov/carabiserver/internal/backend"
	"github.com/Kopilov/carabiserver/internal/cache"
	"github.com/Kopilov/carabiserver/internal/config"
	"github.com/Kopilov/carabiserver/internal/middleware"
	"github.com/Kopilov/carabiserver/internal/models"
	"github.com/Kopilov/carabiserver/internal/registry"
	"github.com/Kopilov/carabiserver/internal/repository"
	"github.com/Kopilov/carabiserver/internal/service"
	"github.com/Kopilov/carabiserver/internal/session"
)

type HandlerSet struct {
	log         zerolog.Logger
	cfg         *config.AppConfig
	authService *service.AuthService
	permService *service.PermissionService
	registry    *registry.Registry
	appServers  *repository.AppServerRepository
	db          *pgxpool.Pool
	cache       *redis.Client
}

func NewHandlerSet(log zerolog.Logger, db *pgxpool.Pool, cacheClient *redis.Client, cfg *config.AppConfig, currentServer models.AppServer) HandlerSet {
	userRepo := repository.NewUserRepository(db)
	logonRepo := repository.NewLogonRepository(db)
	appServerRepo := repository.NewAppServerRepository(db)
	permRepo := repository.NewPermissionRepository(db)

	gate := backend.NewPgxGate(cfg.Backend, log)
	perms := service.NewPermissionService(permRepo, cfg.Kernel.PermissionsTrust, log)
	sessionCfg := session.Settings{
		SessionLifetime: cfg.Kernel.SessionLifetime,
		ProbeTimeout:    cfg.Kernel.ProbeTimeout,
		SQL:             cfg.Backend,
	}
	reg := registry.New(logonRepo, userRepo, appServerRepo, gate, perms,
		sessionCfg, cfg.Kernel.TokenLifetime, log)

	nonces := cache.NewStore(cacheClient)
	auth := service.NewAuthService(userRepo, appServerRepo, reg, nonces,
		service.LogMailer{Log: log}, gate, perms, cfg.Kernel, sessionCfg, currentServer, log)

	return HandlerSet{
		log:         log,
		cfg:         cfg,
		authService: auth,
		permService: perms,
		registry:    reg,
		appServers:  appServerRepo,
		db:          db,
		cache:       cacheClient,
	}
}

// Registry exposes the session registry for the maintenance scheduler and
// for shutdown.
func (h HandlerSet) Registry() *registry.Registry {
	return h.registry
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	{
		guest := v1.Group("/guest")
		guest.POST("/welcome", h.Welcome)
		guest.POST("/register", h.RegisterUser)
		guest.POST("/registerLight", h.RegisterLight)
		guest.POST("/unauthorize", h.Unauthorize)
		guest.GET("/userInfo", h.UserInfo)
		// Historic wire name kept for deployed clients.
		guest.GET("/getOracleUserID", h.BackendUserID)
		guest.POST("/sendPasswordRecoverCode", h.SendPasswordRecoverCode)
		guest.POST("/recoverPassword", h.RecoverPassword)
		guest.GET("/schemas", h.Schemas)
		guest.GET("/about", h.About)

		authorized := v1.Group("/session")
		authorized.Use(middleware.Auth(h.registry))
		authorized.GET("/permissions", h.UserPermissions)
		authorized.GET("/hasPermission/:sysname", h.HasPermission)
	}
}
