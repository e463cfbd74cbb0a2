package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/blingmoon/resumable-workflow/internal/commonregister"
	"github.com/blingmoon/resumable-workflow/internal/config"
	"github.com/blingmoon/resumable-workflow/workflow"
	"github.com/blingmoon/resumable-workflow/workflow/luaexpr"
)

// app 一个命令用到的所有依赖
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	redis    *redis.Client
	registry *workflow.Registry
	metrics  *workflow.Metrics
	gatherer prometheus.Gatherer
	service  workflow.EngineService
	closers  []func() error
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		logger: cfg.NewLogger(),
	}

	a.registry = workflow.NewRegistry()
	a.registry.SetExpressionCompiler(luaexpr.NewCompiler())
	if err := commonregister.RegisterRecordApproval(a.registry); err != nil {
		return nil, errors.WithMessage(err, "register record approval failed")
	}
	if cfg.Definitions != "" {
		if err := a.registry.LoadDefinitionsDir(cfg.Definitions); err != nil {
			return nil, err
		}
	}
	// 定义有问题直接启动失败, 不要等到第一个run
	if err := a.registry.Preload(); err != nil {
		return nil, errors.WithMessage(err, "invalid definitions")
	}

	db, err := cfg.OpenDB()
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	if cfg.Lock.Kind == "redis" {
		a.redis = cfg.NewRedisClient()
		a.closers = append(a.closers, a.redis.Close)
	}

	promRegistry := prometheus.NewRegistry()
	if a.metrics, err = workflow.NewMetrics(promRegistry); err != nil {
		return nil, err
	}
	a.gatherer = promRegistry

	var lockClient redis.Cmdable
	if a.redis != nil {
		lockClient = a.redis
	}
	a.service = workflow.NewEngineService(
		workflow.NewGormRunStore(db),
		cfg.NewRunLock(lockClient),
		a.registry,
		workflow.WithServiceLogger(workflow.NewSlogLogger(a.logger)),
		workflow.WithServiceMetrics(a.metrics),
		workflow.WithLockTTL(cfg.Lock.TTL),
	)
	return a, nil
}

// redisClient batch和worker一定需要redis, 锁用的不是redis的时候单独创建
func (a *app) redisClient() *redis.Client {
	if a.redis == nil {
		a.redis = a.cfg.NewRedisClient()
		a.closers = append(a.closers, a.redis.Close)
	}
	return a.redis
}

// serveMetrics addr为空不启动
func (a *app) serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "addr", addr, "err", err)
		}
	}()
	a.logger.Info("metrics server started", "addr", addr)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
}

// parseValue JSON也是合法的yaml, 命令行参数和文件统一用yaml解析
func parseValue(raw string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, errors.WithMessagef(err, "parse %q failed", raw)
	}
	return v, nil
}

// readPayloads 文件内容必须是一个列表
func readPayloads(path string) ([]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "read %s failed", path)
	}
	var payloads []any
	if err := yaml.Unmarshal(data, &payloads); err != nil {
		return nil, errors.WithMessagef(err, "payload file %s must be a list", path)
	}
	return payloads, nil
}

func printRun(detail *workflow.RunDetail) {
	fmt.Printf("Run %s: %s\n", detail.ID, detail.DefinitionName)
	fmt.Printf("Status: %s (%s)\n", detail.Status, detail.StatusText)
	fmt.Printf("Position: %s, cursor: %d\n", detail.Position, detail.Cursor)
	fmt.Printf("Counters: initial %d, finished %d, halted %d, error %d, abandoned %d\n",
		detail.Counters.Initial, detail.Counters.Finished, detail.Counters.Halted, detail.Counters.Error, detail.Abandoned)
	if len(detail.Tokens) == 0 {
		return
	}
	fmt.Println("\nTokens:")
	for _, token := range detail.Tokens {
		abandoned := ""
		if token.Abandoned {
			abandoned = " abandoned"
		}
		fmt.Printf("  #%d %s%s at %s, tasks: %v\n", token.Seq, token.Status, abandoned, token.Position, token.TaskHistory)
		if token.HaltMessage != "" {
			fmt.Printf("     halted: %s", token.HaltMessage)
			if token.HaltAction != "" {
				fmt.Printf(" (action: %s)", token.HaltAction)
			}
			fmt.Println()
		}
	}
}
