package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blingmoon/resumable-workflow/workflow"
)

func TestLoad(t *testing.T) {
	t.Run("默认值", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "sqlite", cfg.Database.Driver)
		assert.Equal(t, 25, cfg.Feeder.MaxQueueLength)
		assert.Equal(t, 3*time.Second, cfg.Feeder.SleepTime)
		assert.Equal(t, 10*time.Minute, cfg.Lock.TTL)
	})

	t.Run("文件和环境变量", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: host=localhost user=rwf dbname=rwf
lock:
  kind: redis
  ttl: 30s
feeder:
  max_queue_length: 5
log:
  format: json
definitions: ./definitions
`), 0o644))
		t.Setenv("RWF_REDIS_ADDR", "redis:6380")
		t.Setenv("RWF_FEEDER_SLEEP_TIME", "250ms")
		t.Setenv("RWF_LOG_LEVEL", "debug")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "postgres", cfg.Database.Driver)
		assert.Equal(t, "redis", cfg.Lock.Kind)
		assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
		assert.Equal(t, 5, cfg.Feeder.MaxQueueLength)
		assert.Equal(t, 250*time.Millisecond, cfg.Feeder.SleepTime)
		assert.Equal(t, "redis:6380", cfg.Redis.Addr)
		assert.Equal(t, "./definitions", cfg.Definitions)
		assert.Equal(t, "json", cfg.Log.Format)
		assert.True(t, cfg.NewLogger().Enabled(context.Background(), slog.LevelDebug))
	})

	t.Run("不合法", func(t *testing.T) {
		t.Setenv("RWF_LOCK_KIND", "zookeeper")
		_, err := Load("")
		assert.ErrorIs(t, err, ErrConfigInvalid)
	})

	t.Run("环境变量类型错误", func(t *testing.T) {
		t.Setenv("RWF_FEEDER_MAX_QUEUE_LENGTH", "many")
		_, err := Load("")
		assert.ErrorIs(t, err, ErrConfigInvalid)
	})

	t.Run("文件不存在", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestOpenDB(t *testing.T) {
	cfg := Default()
	cfg.Database.DSN = ":memory:"
	db, err := cfg.OpenDB()
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable(&workflow.RunPo{}))
	assert.True(t, db.Migrator().HasTable(&workflow.TokenPo{}))

	assert.NotNil(t, cfg.NewRunLock(nil))
}
