package core

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Host               string
		DebugHost          string
		ShutdownTimeout    time.Duration
		JWTExpirationDelta time.Duration
		DisableReqLogs     bool
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          int
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
		InMemory      bool
	}

	// OptimisticConfig holds the settings of the optimistic clock status tracker.
	OptimisticConfig struct {
		MaxRetries           int
		RetryDelay           time.Duration
		AutoRollbackDelay    time.Duration
		AutoRollbackEnabled  bool
		PersistFailedUpdates bool
		EvictionDelay        time.Duration
	}

	Config struct {
		AppName      string
		Env          string
		Build        string
		Debug        bool
		TestMode     bool
		SecretKey    string
		RollbarToken string

		Server     ServerConfig
		Database   DatabaseConfig
		Optimistic OptimisticConfig
	}
)

func (dbc DatabaseConfig) Address() string {
	return dbc.Host + ":" + strconv.Itoa(dbc.Port)
}

// NewConfig loads the app Config from defaults, `config/.env.<env>` (if any) and the environment.
// ENV selects the environment: DEV (local; default), TEST, QA, PROD.
func NewConfig() *Config {
	v := viper.New()

	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("appName", "Clinica")
	v.SetDefault("build", "develop")
	v.SetDefault("debug", env == "DEV" || env == "TEST")
	v.SetDefault("testMode", env == "TEST")
	v.SetDefault("secretKey", "k2#q@z9s8x!uv7m+lr6w%e4c)t1y(h0j3b5n-p&d=af_g")
	v.SetDefault("rollbarToken", "")

	v.SetDefault("server.host", ":8000")
	v.SetDefault("server.debugHost", ":4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server.disableReqLogs", false)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "clinica")
	v.SetDefault("database.user", "clinica")
	v.SetDefault("database.password", "clinica")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "postgres")
	v.SetDefault("database.disableTLS", true)
	v.SetDefault("database.inMemory", false)

	v.SetDefault("optimistic.maxRetries", 3)
	v.SetDefault("optimistic.retryDelay", time.Second)
	v.SetDefault("optimistic.autoRollbackDelay", 5*time.Second)
	v.SetDefault("optimistic.autoRollbackEnabled", true)
	v.SetDefault("optimistic.persistFailedUpdates", false)
	v.SetDefault("optimistic.evictionDelay", time.Second)

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join("config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}

	// DEV_DATABASE_HOST overrides database.host, etc.
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Config{
		AppName:      v.GetString("appName"),
		Env:          env,
		Build:        v.GetString("build"),
		Debug:        v.GetBool("debug"),
		TestMode:     v.GetBool("testMode"),
		SecretKey:    v.GetString("secretKey"),
		RollbarToken: v.GetString("rollbarToken"),
		Server: ServerConfig{
			Host:               v.GetString("server.host"),
			DebugHost:          v.GetString("server.debugHost"),
			ShutdownTimeout:    v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta: v.GetDuration("server.jwtExpirationDelta"),
			DisableReqLogs:     v.GetBool("server.disableReqLogs"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetInt("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
			InMemory:      v.GetBool("database.inMemory"),
		},
		Optimistic: OptimisticConfig{
			MaxRetries:           v.GetInt("optimistic.maxRetries"),
			RetryDelay:           v.GetDuration("optimistic.retryDelay"),
			AutoRollbackDelay:    v.GetDuration("optimistic.autoRollbackDelay"),
			AutoRollbackEnabled:  v.GetBool("optimistic.autoRollbackEnabled"),
			PersistFailedUpdates: v.GetBool("optimistic.persistFailedUpdates"),
			EvictionDelay:        v.GetDuration("optimistic.evictionDelay"),
		},
	}
}
