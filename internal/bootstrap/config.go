package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"collaborative-canvas/internal/infra/setup"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config 存储从环境变量或 .env 文件加载的配置
type Config struct {
	ServerPort string
	LogLevel   string
	AppEnv     string // development / production

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	JWTSecret      string
	JWTExpiryHours int

	DB setup.DBOptions

	RoomGracePeriod     time.Duration
	RoomSweepInterval   time.Duration
	RoomDefaultMaxUsers int

	RateLimitMax    int
	RateLimitWindow time.Duration
	WSMessageRate   int
	WSMessageWindow time.Duration

	CORSAllowedOrigin string

	SweepQueue   string
	ArchiveQueue string
}

// LoadConfig 加载 .env (如果存在)，再从环境变量读取配置
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "cc:")
	v.SetDefault("JWT_EXPIRY_HOURS", 24)
	v.SetDefault("DB_DRIVER", "mysql")
	v.SetDefault("ROOM_GRACE_PERIOD", "30s")
	v.SetDefault("ROOM_SWEEP_INTERVAL", "5s")
	v.SetDefault("ROOM_DEFAULT_MAX_USERS", 10)
	v.SetDefault("RATE_LIMIT_MAX", 100)
	v.SetDefault("RATE_LIMIT_WINDOW", "1s")
	v.SetDefault("WS_MESSAGE_RATE", 60)
	v.SetDefault("WS_MESSAGE_WINDOW", "1s")
	v.SetDefault("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	v.SetDefault("SWEEP_QUEUE", "critical")
	v.SetDefault("ARCHIVE_QUEUE", "low")

	cfg := &Config{
		ServerPort:    v.GetString("SERVER_PORT"),
		LogLevel:      v.GetString("LOG_LEVEL"),
		AppEnv:        v.GetString("APP_ENV"),
		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		KeyPrefix:     v.GetString("REDIS_KEY_PREFIX"),

		JWTSecret:      v.GetString("JWT_SECRET"),
		JWTExpiryHours: v.GetInt("JWT_EXPIRY_HOURS"),

		DB: setup.DBOptions{
			Driver:   strings.ToLower(v.GetString("DB_DRIVER")),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			Name:     v.GetString("DB_NAME"),
		},

		RoomGracePeriod:     v.GetDuration("ROOM_GRACE_PERIOD"),
		RoomSweepInterval:   v.GetDuration("ROOM_SWEEP_INTERVAL"),
		RoomDefaultMaxUsers: v.GetInt("ROOM_DEFAULT_MAX_USERS"),

		RateLimitMax:    v.GetInt("RATE_LIMIT_MAX"),
		RateLimitWindow: v.GetDuration("RATE_LIMIT_WINDOW"),
		WSMessageRate:   v.GetInt("WS_MESSAGE_RATE"),
		WSMessageWindow: v.GetDuration("WS_MESSAGE_WINDOW"),

		CORSAllowedOrigin: v.GetString("CORS_ALLOWED_ORIGIN"),

		SweepQueue:   v.GetString("SWEEP_QUEUE"),
		ArchiveQueue: v.GetString("ARCHIVE_QUEUE"),
	}

	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("environment variable JWT_SECRET must be set")
	}
	if cfg.DB.Driver != "mysql" && cfg.DB.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported DB_DRIVER %q (want mysql or postgres)", cfg.DB.Driver)
	}
	if cfg.RoomGracePeriod <= 0 {
		return nil, fmt.Errorf("ROOM_GRACE_PERIOD must be positive, got %s", v.GetString("ROOM_GRACE_PERIOD"))
	}
	if cfg.RoomSweepInterval <= 0 {
		return nil, fmt.Errorf("ROOM_SWEEP_INTERVAL must be positive, got %s", v.GetString("ROOM_SWEEP_INTERVAL"))
	}
	if cfg.RateLimitMax <= 0 || cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive")
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}
	return cfg, nil
}
