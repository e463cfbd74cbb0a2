// Package config 加载workflowctl和worker使用的配置
// 先读yaml文件, 再用RWF_开头的环境变量覆盖
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/blingmoon/resumable-workflow/workflow"
)

var ErrConfigInvalid = errors.New("config invalid")

var validatorUtil = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	Database    DatabaseConfig `yaml:"database"`
	Redis       RedisConfig    `yaml:"redis"`
	Lock        LockConfig     `yaml:"lock"`
	Feeder      FeederConfig   `yaml:"feeder"`
	Log         LogConfig      `yaml:"log"`
	Definitions string         `yaml:"definitions"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" validate:"required"`
	// 启动时自动建表
	AutoMigrate bool `yaml:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

type LockConfig struct {
	Kind string        `yaml:"kind" validate:"oneof=local redis"`
	TTL  time.Duration `yaml:"ttl" validate:"gt=0"`
}

type FeederConfig struct {
	// 同时在队列里面的任务数上限
	MaxQueueLength int           `yaml:"max_queue_length" validate:"gt=0"`
	SleepTime      time.Duration `yaml:"sleep_time" validate:"gt=0"`
	Queue          string        `yaml:"queue" validate:"required"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default 不读文件时使用的配置, 本地sqlite和本地锁
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:      "sqlite",
			DSN:         "resumable-workflow.db",
			AutoMigrate: true,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Lock: LockConfig{
			Kind: "local",
			TTL:  10 * time.Minute,
		},
		Feeder: FeederConfig{
			MaxQueueLength: 25,
			SleepTime:      3 * time.Second,
			Queue:          "resumable-workflow:feeder",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load path为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WithMessagef(err, "read config %s failed", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WithMessagef(ErrConfigInvalid, "parse config %s: %v", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := validatorUtil.Struct(cfg); err != nil {
		return nil, errors.WithMessagef(ErrConfigInvalid, "%v", err)
	}
	if cfg.Lock.Kind == "redis" && cfg.Redis.Addr == "" {
		return nil, errors.WithMessage(ErrConfigInvalid, "redis lock needs redis.addr")
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Database.Driver = getEnv("RWF_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("RWF_DB_DSN", c.Database.DSN)
	c.Redis.Addr = getEnv("RWF_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("RWF_REDIS_PASSWORD", c.Redis.Password)
	c.Lock.Kind = getEnv("RWF_LOCK_KIND", c.Lock.Kind)
	c.Feeder.Queue = getEnv("RWF_FEEDER_QUEUE", c.Feeder.Queue)
	c.Log.Level = getEnv("RWF_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("RWF_LOG_FORMAT", c.Log.Format)
	c.Definitions = getEnv("RWF_DEFINITIONS", c.Definitions)

	var err error
	if c.Redis.DB, err = getEnvInt("RWF_REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	if c.Feeder.MaxQueueLength, err = getEnvInt("RWF_FEEDER_MAX_QUEUE_LENGTH", c.Feeder.MaxQueueLength); err != nil {
		return err
	}
	if c.Lock.TTL, err = getEnvDuration("RWF_LOCK_TTL", c.Lock.TTL); err != nil {
		return err
	}
	if c.Feeder.SleepTime, err = getEnvDuration("RWF_FEEDER_SLEEP_TIME", c.Feeder.SleepTime); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.WithMessagef(ErrConfigInvalid, "%s=%q is not an integer", key, value)
	}
	return i, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.WithMessagef(ErrConfigInvalid, "%s=%q is not a duration", key, value)
	}
	return d, nil
}

// OpenDB 打开数据库, AutoMigrate为true时创建run和token表
func (c *Config) OpenDB() (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch c.Database.Driver {
	case "postgres":
		dialector = postgres.Open(c.Database.DSN)
	default:
		dialector = sqlite.Open(c.Database.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "open %s database failed", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" {
		// sqlite 同一时间只能有一个写连接
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.WithMessage(err, "get sql db failed")
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if c.Database.AutoMigrate {
		if err := db.AutoMigrate(&workflow.RunPo{}, &workflow.TokenPo{}); err != nil {
			return nil, errors.WithMessage(err, "auto migrate failed")
		}
	}
	return db, nil
}

func (c *Config) NewRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}

// NewRunLock 按配置选择本地锁或者redis锁
func (c *Config) NewRunLock(client redis.Cmdable) workflow.RunLock {
	if c.Lock.Kind == "redis" && client != nil {
		return workflow.NewRedisRunLock(client)
	}
	return workflow.NewLocalRunLock()
}

func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
