package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/bananaflow/api/handlers"
	"github.com/BaSui01/bananaflow/config"
	"github.com/BaSui01/bananaflow/internal/cache"
	"github.com/BaSui01/bananaflow/internal/database"
	"github.com/BaSui01/bananaflow/internal/metrics"
	"github.com/BaSui01/bananaflow/internal/server"
	"github.com/BaSui01/bananaflow/internal/telemetry"
	"github.com/BaSui01/bananaflow/llm"
	"github.com/BaSui01/bananaflow/llm/image"
	"github.com/BaSui01/bananaflow/preset"
	"github.com/BaSui01/bananaflow/prompt"
	"github.com/BaSui01/bananaflow/quota"
	"github.com/BaSui01/bananaflow/service"
	"github.com/BaSui01/bananaflow/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 BananaFlow 的主服务器，持有所有组件的生命周期
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers

	// 基础设施
	collector *metrics.Collector
	db        *database.PoolManager
	cache     *cache.Manager
	transport *image.Transport

	// 领域组件
	ledger       *quota.Ledger
	presets      *preset.Manager
	orchestrator *llm.Orchestrator
	generation   *service.GenerationService

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager
	watcher        *config.Watcher

	healthHandler *handlers.HealthHandler

	// 后台 goroutine（限流清理、配置监听）的生命周期
	bgCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 初始化组件并启动 HTTP 与 Metrics 服务器
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.collector = metrics.NewCollector("bananaflow", s.logger)

	if err := s.initStorage(); err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}
	if err := s.initDomain(ctx); err != nil {
		return fmt.Errorf("failed to init domain: %w", err)
	}
	if err := s.initWatcher(ctx); err != nil {
		return fmt.Errorf("failed to init config watcher: %w", err)
	}
	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("redis", s.cache != nil),
		zap.Bool("hot_reload_enabled", s.watcher != nil),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initStorage 打开数据库和可选的 Redis
func (s *Server) initStorage() error {
	models := append(quota.Models(), preset.Models()...)
	db, err := database.Open(s.cfg.Database, s.logger, models,
		database.WithStatsReporter(dbName(s.cfg.Database), s.collector))
	if err != nil {
		return err
	}
	s.db = db

	if s.cfg.Redis.Enabled() {
		cm, err := cache.NewManager(cache.Config{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			KeyPrefix:    s.cfg.Redis.KeyPrefix,
			MaxRetries:   3,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		}, s.logger, cache.WithHitRecorder(s.collector))
		if err != nil {
			// Redis 只承载共享状态，连不上时退回进程内实现
			s.logger.Warn("Redis not available, falling back to in-memory state", zap.Error(err))
		} else {
			s.cache = cm
		}
	}
	return nil
}

func dbName(cfg config.DatabaseConfig) string {
	if cfg.Driver == "" {
		return "sqlite"
	}
	return cfg.Driver
}

// initDomain 构造账本、预设、编排器和生成服务
func (s *Server) initDomain(ctx context.Context) error {
	// 额度账本
	s.ledger = quota.NewLedger(quota.NewGormStore(s.db.DB()), quotaConfig(s.cfg), s.logger)
	if err := s.ledger.Load(ctx); err != nil {
		return fmt.Errorf("load quota ledger: %w", err)
	}
	s.ledger.Start()

	// 连接预设与提示词预设：数据库为准，配置文件只补充缺失项
	s.presets = preset.NewManager(preset.NewGormStore(s.db.DB()), s.logger)
	if err := s.presets.Load(ctx); err != nil {
		return fmt.Errorf("load presets: %w", err)
	}
	seeds, err := presetSeeds(s.cfg.Presets)
	if err != nil {
		return err
	}
	if err := s.presets.Seed(ctx, seeds, s.cfg.Generation.ActivePreset, s.cfg.Prompts, s.cfg.Optimizers); err != nil {
		return fmt.Errorf("seed presets: %w", err)
	}

	// 共享 HTTP 传输层
	s.transport = image.NewTransport(s.logger)

	var statuses llm.StatusStore = llm.NewMemoryStatusStore()
	if s.cache != nil {
		statuses = llm.NewCacheStatusStore(s.cache, 0, s.logger)
	}
	s.orchestrator = llm.NewOrchestrator(s.transport, s.logger,
		llm.WithRecorder(s.collector),
		llm.WithStatusStore(statuses),
		llm.WithTracer(s.otel.Tracer("bananaflow/llm")),
		llm.WithImageConfig(imageConfig(s.cfg.Zai)),
	)

	opts := []service.ServiceOption{
		service.WithFetcher(s.transport),
		service.WithGenerationRecorder(s.collector),
	}
	if s.cfg.RateLimit.Enabled {
		opts = append(opts, service.WithLimiter(s.groupLimiter()))
	}
	enhancer := service.NewChatEnhancer(service.EnhancerConfig{
		BaseURL: s.cfg.Enhancer.BaseURL,
		APIKey:  s.cfg.Enhancer.APIKey,
		Model:   s.cfg.Enhancer.Model,
		Timeout: s.cfg.Enhancer.Timeout,
		Proxy:   s.cfg.Connection.Proxy,
	}, s.transport, s.presets.Book, s.logger)
	if enhancer.Enabled() {
		opts = append(opts, service.WithEnhancer(enhancer))
	}

	s.generation = service.NewGenerationService(s.presets, s.orchestrator, s.ledger, service.Options{
		Proxy:              s.cfg.Connection.Proxy,
		DefaultTimeout:     s.cfg.Connection.Timeout,
		DefaultImageSize:   s.cfg.Generation.DefaultImageSize,
		DefaultAspectRatio: s.cfg.Generation.DefaultAspectRatio,
		MaxImages:          s.cfg.Generation.MaxImages,
		Debug:              s.cfg.Generation.Debug,
	}, s.logger, opts...)

	s.logger.Info("Domain components initialized",
		zap.Int("presets", len(s.presets.List())),
		zap.String("active_preset", s.presets.ActiveName()),
		zap.Bool("enhancer", enhancer.Enabled()),
		zap.Bool("group_rate_limit", s.cfg.RateLimit.Enabled),
	)
	return nil
}

// groupLimiter 多实例部署时用 Redis 共享窗口
func (s *Server) groupLimiter() quota.GroupLimiter {
	rl := quota.RateLimitConfig{
		Enabled: s.cfg.RateLimit.Enabled,
		Window:  s.cfg.RateLimit.Window,
		Max:     s.cfg.RateLimit.Max,
	}
	if s.cache != nil {
		return quota.NewRedisLimiter(s.cache.Client(), rl, s.logger)
	}
	return quota.NewMemoryLimiter(rl)
}

func quotaConfig(cfg *config.Config) quota.Config {
	q := cfg.Quota
	return quota.Config{
		EnableUserLimit:     q.EnableUserLimit,
		EnableGroupLimit:    q.EnableGroupLimit,
		UserBlacklist:       q.UserBlacklist,
		GroupBlacklist:      q.GroupBlacklist,
		UserWhitelist:       q.UserWhitelist,
		GroupWhitelist:      q.GroupWhitelist,
		DefaultUserBalance:  q.DefaultUserBalance,
		DefaultGroupBalance: q.DefaultGroupBalance,
		FlushInterval:       q.FlushInterval,
		Checkin: quota.CheckinConfig{
			Enabled:   cfg.Checkin.Enabled,
			Random:    cfg.Checkin.Random,
			RandomMax: cfg.Checkin.RandomMax,
			Fixed:     cfg.Checkin.Fixed,
		},
	}
}

func imageConfig(z config.ZaiConfig) image.Config {
	cfg := image.Config{
		ZaiBaseURL:      z.BaseURL,
		ZaiPollInterval: z.PollInterval,
		ZaiPollAttempts: z.PollAttempts,
	}
	if len(z.CredentialFiles) > 0 {
		cfg.Credentials = image.FileCredentialSource{Paths: z.CredentialFiles}
	}
	return cfg
}

func presetSeeds(in []config.PresetConfig) ([]types.ConnectionPreset, error) {
	out := make([]types.ConnectionPreset, 0, len(in))
	for _, pc := range in {
		p, err := pc.ToPreset()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// =============================================================================
// 🔄 配置热重载
// =============================================================================

// initWatcher 监听配置文件：新增的连接预设和提示词预设在运行时生效
func (s *Server) initWatcher(ctx context.Context) error {
	if s.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(config.NewLoader(), s.configPath, config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}
	w.OnReload(func(cfg *config.Config) { s.applyReload(ctx, cfg) })
	if err := w.Start(ctx); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

func (s *Server) applyReload(ctx context.Context, cfg *config.Config) {
	seeds, err := presetSeeds(cfg.Presets)
	if err != nil {
		s.logger.Warn("reloaded config has invalid presets", zap.Error(err))
		return
	}
	if err := s.presets.Seed(ctx, seeds, "", nil, nil); err != nil {
		s.logger.Error("failed to apply reloaded presets", zap.Error(err))
	}

	changed := 0
	apply := func(kind prompt.Kind, entries map[string]string) {
		book := s.presets.Book()
		for name, content := range entries {
			if cur, ok := book.Get(kind, name); ok && cur == content {
				continue
			}
			if err := s.presets.SetPrompt(ctx, kind, name, content); err != nil {
				s.logger.Error("failed to apply reloaded prompt", zap.String("name", name), zap.Error(err))
				continue
			}
			changed++
		}
	}
	apply(prompt.KindPrompt, cfg.Prompts)
	apply(prompt.KindOptimizer, cfg.Optimizers)

	s.logger.Info("Configuration reloaded", zap.Int("prompts_changed", changed))
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册所有 HTTP 路由
func (s *Server) routes() *http.ServeMux {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", s.db.Ping))
	if s.cache != nil {
		s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", s.cache.Ping))
	}

	var presetOpts []handlers.PresetHandlerOption
	if s.cache != nil {
		presetOpts = append(presetOpts, handlers.WithModelCache(s.cache, 0))
	}

	gen := handlers.NewGenerationHandler(s.generation, s.cfg.Server.MaxBodyBytes, s.logger)
	presets := handlers.NewPresetHandler(s.presets, s.orchestrator, s.logger, presetOpts...)
	prompts := handlers.NewPromptHandler(s.presets, prompt.DefaultRegistry(), s.logger)
	quotas := handlers.NewQuotaHandler(s.ledger, s.logger)

	return newRouter(s.healthHandler, gen, presets, prompts, quotas)
}

func newRouter(health *handlers.HealthHandler, gen *handlers.GenerationHandler, presets *handlers.PresetHandler,
	prompts *handlers.PromptHandler, quotas *handlers.QuotaHandler) *http.ServeMux {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))

	// 生成
	mux.HandleFunc("POST /api/v1/images/generations", gen.HandleGenerate)

	// 连接预设与 Key 管理（管理员）
	mux.HandleFunc("GET /api/v1/presets", presets.HandleList)
	mux.HandleFunc("PUT /api/v1/presets/{name}", presets.HandlePut)
	mux.HandleFunc("DELETE /api/v1/presets/{name}", presets.HandleDelete)
	mux.HandleFunc("POST /api/v1/presets/{name}/activate", presets.HandleActivate)
	mux.HandleFunc("POST /api/v1/presets/{name}/rename", presets.HandleRename)
	mux.HandleFunc("GET /api/v1/presets/{name}/keys", presets.HandleListKeys)
	mux.HandleFunc("POST /api/v1/presets/{name}/keys", presets.HandleAddKeys)
	mux.HandleFunc("DELETE /api/v1/presets/{name}/keys/{index}", presets.HandleDeleteKey)
	mux.HandleFunc("GET /api/v1/presets/{name}/models", presets.HandleListModels)

	// 提示词预设
	mux.HandleFunc("GET /api/v1/prompts/variables", prompts.HandleVariables)
	mux.HandleFunc("GET /api/v1/prompts/{kind}", prompts.HandleList)
	mux.HandleFunc("PUT /api/v1/prompts/{kind}/{name}", prompts.HandlePut)
	mux.HandleFunc("DELETE /api/v1/prompts/{kind}/{name}", prompts.HandleDelete)

	// 额度
	mux.HandleFunc("GET /api/v1/quota/balance", quotas.HandleBalance)
	mux.HandleFunc("POST /api/v1/quota/checkin", quotas.HandleCheckin)
	mux.HandleFunc("GET /api/v1/quota/leaderboard", quotas.HandleLeaderboard)
	mux.HandleFunc("POST /api/v1/quota/admin/balance", quotas.HandleAdminBalance)

	return mux
}

// startHTTPServer 构建中间件链并启动 API 服务器
func (s *Server) startHTTPServer(ctx context.Context) error {
	handler := Chain(s.routes(),
		Recovery(s.logger),
		RequestID(),
		OTelTracing(s.otel.Tracer("bananaflow/http")),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		Identity(s.cfg.Auth, s.logger),
		RateLimiter(ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	tlsEnabled := s.cfg.Server.TLSCertFile != "" && s.cfg.Server.TLSKeyFile != ""
	var err error
	if tlsEnabled {
		err = s.httpManager.StartTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
	} else {
		err = s.httpManager.Start()
	}
	if err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort), zap.Bool("tls", tlsEnabled))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 在独立端口暴露 /metrics
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务。顺序：停止接流量 → 落盘账本 → 释放连接。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.bgCancel != nil {
		s.bgCancel()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 账本最后一次落盘必须在数据库关闭之前
	if s.ledger != nil {
		if err := s.ledger.Close(ctx); err != nil {
			s.logger.Error("Quota ledger flush error", zap.Error(err))
		}
	}
	if s.orchestrator != nil {
		s.orchestrator.Close()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Cache shutdown error", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Database shutdown error", zap.Error(err))
		}
	}
	if err := s.otel.Shutdown(ctx); err != nil {
		s.logger.Error("Telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}
