package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KernelConfig carries the session-core settings. SessionLifetime is the
// idle threshold after which a pooled backend connection is closed;
// TokenLifetime is the durable-session retention in days.
type KernelConfig struct {
	SessionLifetime   time.Duration
	TokenLifetime     int
	PoolSweepInterval time.Duration
	PermissionsTrust  bool
	NonceTTL          time.Duration
	ProbeTimeout      time.Duration
	ProjectName       string
	ProjectVersion    string
	ServerName        string
	CurrentServerName string
}

// BackendConfig holds the SQL statements executed on backend connections.
// The defaults target Oracle; another backend is supported by overriding
// the statements.
type BackendConfig struct {
	ConnectTimeout   time.Duration
	BindSession      string
	CurrentSessionID string
	CurrentUserID    string
	SessionStatus    string
	OpenJournal      string
	CloseJournal     string
}

type AppConfig struct {
	Environment string
	HTTP        HTTPConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Kernel      KernelConfig
	Backend     BackendConfig
}

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("CARABI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 9010)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kernel.sessionlifetime", "1800s")
	v.SetDefault("kernel.tokenlifetime", 30)
	v.SetDefault("kernel.poolsweepinterval", "60s")
	v.SetDefault("kernel.permissionstrust", false)
	v.SetDefault("kernel.noncettl", "60s")
	v.SetDefault("kernel.probetimeout", "10s")
	v.SetDefault("kernel.projectname", "Carabi")
	v.SetDefault("kernel.projectversion", "1.0")
	v.SetDefault("kernel.servername", "carabiserver")
	v.SetDefault("kernel.currentservername", "carabiserver")

	v.SetDefault("backend.connecttimeout", "10s")
	v.SetDefault("backend.bindsession",
		"begin dbms_application_info.set_module(:1, :2); dbms_application_info.set_client_info(:3); end;")
	v.SetDefault("backend.currentsessionid", "SELECT SID FROM V$MYSTAT WHERE ROWNUM = 1")
	v.SetDefault("backend.currentuserid", "SELECT documents.GET_USER_ID FROM dual")
	v.SetDefault("backend.sessionstatus", "select status from v$session where sid = :1")
	v.SetDefault("backend.openjournal", "select appl_journal.open_user_log(:1) from dual")
	v.SetDefault("backend.closejournal", "begin appl_journal.close_user_log(:1); end;")
}
