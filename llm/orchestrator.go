package llm

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/bananaflow/llm/image"
	"github.com/BaSui01/bananaflow/llm/retry"
	"github.com/BaSui01/bananaflow/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MaxAttempts 单次生成最多尝试的次数
const MaxAttempts = 5

// Recorder 接收编排过程中的指标事件
type Recorder interface {
	// RecordAttempt 记录一次上游调用；成功时 kind 为空
	RecordAttempt(backend, preset string, kind types.ErrorKind, d time.Duration)
	RecordCooldown(kind types.ErrorKind)
}

type nopRecorder struct{}

func (nopRecorder) RecordAttempt(string, string, types.ErrorKind, time.Duration) {}
func (nopRecorder) RecordCooldown(types.ErrorKind)                                {}

// AdapterFactory 构造指定后端的适配器
type AdapterFactory func(kind types.BackendKind, t *image.Transport, cfg image.Config, logger *zap.Logger) (image.Adapter, error)

// Orchestrator 负责换 Key、重试与错误归一。
type Orchestrator struct {
	mu        sync.Mutex
	transport *image.Transport
	adapters  map[types.BackendKind]image.Adapter

	imageCfg image.Config
	factory  AdapterFactory
	pool     *KeyPool
	policy   *retry.Policy
	sleep    func(context.Context, time.Duration) error
	recorder Recorder
	statuses StatusStore
	probeTTL time.Duration
	tracer   trace.Tracer
	logger   *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithKeyPool shares an existing pool.
func WithKeyPool(p *KeyPool) Option { return func(o *Orchestrator) { o.pool = p } }

// WithPolicy overrides the backoff policy.
func WithPolicy(p *retry.Policy) Option { return func(o *Orchestrator) { o.policy = p } }

// WithSleep 替换退避等待函数，测试时可跳过真实等待
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithRecorder wires a metrics sink.
func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

// WithAdapterFactory 替换适配器构造函数
func WithAdapterFactory(f AdapterFactory) Option { return func(o *Orchestrator) { o.factory = f } }

// WithImageConfig sets upstream endpoints and zai options.
func WithImageConfig(cfg image.Config) Option { return func(o *Orchestrator) { o.imageCfg = cfg } }

// WithStatusStore 设置 Key 健康状态缓存
func WithStatusStore(s StatusStore) Option { return func(o *Orchestrator) { o.statuses = s } }

// WithProbeTimeout 覆盖单把 Key 探测的超时
func WithProbeTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.probeTTL = d } }

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// NewOrchestrator creates an orchestrator. 它持有 transport 的一个引用。
func NewOrchestrator(t *image.Transport, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		adapters: make(map[types.BackendKind]image.Adapter),
		imageCfg: image.DefaultConfig(),
		factory:  image.NewAdapter,
		policy:   retry.DefaultPolicy(),
		sleep:    retry.Sleep,
		recorder: nopRecorder{},
		probeTTL: HealthCheckTimeout,
		logger:   logger.With(zap.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.pool == nil {
		o.pool = NewKeyPool(logger)
	}
	if o.statuses == nil {
		o.statuses = NewMemoryStatusStore()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("bananaflow/llm")
	}
	if t == nil || !t.Retain() {
		t = image.NewTransport(logger)
	}
	o.transport = t
	return o
}

// Pool exposes the key pool.
func (o *Orchestrator) Pool() *KeyPool { return o.pool }

// Close 释放 transport 引用
func (o *Orchestrator) Close() {
	o.mu.Lock()
	t := o.transport
	o.adapters = make(map[types.BackendKind]image.Adapter)
	o.mu.Unlock()
	t.Release()
}

// adapter 取缓存的适配器；transport 已关闭时整体重建
func (o *Orchestrator) adapter(kind types.BackendKind) (image.Adapter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.transport.Closed() {
		o.logger.Warn("transport closed, rebuilding adapters")
		o.transport = image.NewTransport(o.logger)
		o.adapters = make(map[types.BackendKind]image.Adapter)
	}
	if a, ok := o.adapters[kind]; ok {
		return a, nil
	}
	a, err := o.factory(kind, o.transport, o.imageCfg, o.logger)
	if err != nil {
		if _, ok := types.AsError(err); ok {
			return nil, err
		}
		return nil, types.NewError(types.KindInvalidArgument, "适配器初始化失败: "+err.Error()).WithCause(err)
	}
	o.adapters[kind] = a
	return a, nil
}

// Transport returns the live shared transport.
func (o *Orchestrator) Transport() *image.Transport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transport
}

func debugInfo(req *types.APIRequest) *types.DebugInfo {
	cfg := req.Config.WithDefaults()
	return &types.DebugInfo{
		Backend:    req.Preset.Backend,
		Model:      req.Preset.Model,
		Prompt:     req.Config.Prompt,
		ImageCount: len(req.Images),
		Preset:     req.Preset.Name,
		Stream:     req.Preset.Stream,
		TimeoutSec: cfg.Timeout.Seconds(),
	}
}

func isTerminal(a image.Adapter, kind types.ErrorKind) bool {
	if kind.Terminal() {
		return true
	}
	if ro, ok := a.(image.RetryOverrider); ok {
		return slices.Contains(ro.NonRetryable(), kind)
	}
	return false
}

// Generate 执行一次带换 Key 重试的生成。
//
// 最多尝试 min(len(keys), MaxAttempts) 次；不可重试的错误类型立即返回。
// 调试模式不发出任何网络请求，直接返回 DEBUG_INFO。
func (o *Orchestrator) Generate(ctx context.Context, req *types.APIRequest) (*types.GenResult, error) {
	if req == nil {
		return nil, types.NewError(types.KindInvalidArgument, "请求为空")
	}
	if req.Debug {
		return nil, types.NewError(types.KindDebugInfo, "调试模式阻断").WithDebug(debugInfo(req))
	}

	keys := req.Preset.APIKeys
	if len(keys) == 0 {
		return nil, types.Errorf(types.KindInvalidArgument, "预设 [%s] 未配置 API Key", req.Preset.Name)
	}
	maxAttempts := min(len(keys), MaxAttempts)

	ctx, span := o.tracer.Start(ctx, "orchestrator.generate", trace.WithAttributes(
		attribute.String("preset", req.Preset.Name),
		attribute.String("backend", string(req.Preset.Backend)),
		attribute.String("model", req.Preset.Model),
		attribute.Int("images", len(req.Images)),
	))
	defer span.End()

	start := time.Now()
	var lastErr *types.Error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		key, err := o.pool.Next(req.Preset.Name, keys)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		adapter, err := o.adapter(req.Preset.Backend)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		attemptReq := *req
		attemptReq.APIKey = key

		callStart := time.Now()
		res, err := adapter.Generate(ctx, &attemptReq)
		took := time.Since(callStart)

		if err == nil {
			o.recorder.RecordAttempt(string(req.Preset.Backend), req.Preset.Name, "", took)
			o.pool.Reset(key)
			o.storeStatus(ctx, key, HealthAvailable)
			res.Elapsed = time.Since(start)
			if res.Model == "" {
				res.Model = req.Preset.Model
			}
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			o.logger.Info("generation succeeded",
				zap.String("preset", req.Preset.Name),
				zap.Int("attempt", attempt+1),
				zap.Duration("elapsed", res.Elapsed))
			return res, nil
		}

		classified, _ := types.Classify(err)
		lastErr = classified
		o.recorder.RecordAttempt(string(req.Preset.Backend), req.Preset.Name, classified.Kind, took)
		span.AddEvent("attempt_failed", trace.WithAttributes(
			attribute.Int("attempt", attempt+1),
			attribute.String("kind", string(classified.Kind)),
		))
		o.logger.Warn("generation attempt failed",
			zap.String("preset", req.Preset.Name),
			zap.String("key", MaskKey(key)),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.String("kind", string(classified.Kind)),
			zap.String("message", classified.Message))

		if isTerminal(adapter, classified.Kind) {
			break
		}

		if cd := CooldownFor(classified.Kind); cd > 0 {
			o.pool.Cool(key, cd)
			o.recorder.RecordCooldown(classified.Kind)
			o.storeStatus(ctx, key, healthFromKind(classified.Kind))
		}

		if attempt < maxAttempts-1 {
			if err := o.sleep(ctx, o.policy.Delay(attempt, classified.Kind)); err != nil {
				break
			}
		}
	}

	span.SetStatus(codes.Error, lastErr.Message)
	span.SetAttributes(attribute.String("error.kind", string(lastErr.Kind)))
	return nil, lastErr
}

// ListModels 列出预设可用的生图模型；req.APIKey 为空时从池中取一把
func (o *Orchestrator) ListModels(ctx context.Context, req *types.APIRequest) ([]string, error) {
	if req == nil {
		return nil, types.NewError(types.KindInvalidArgument, "请求为空")
	}
	r := *req
	if r.APIKey == "" {
		key, err := o.pool.Next(r.Preset.Name, r.Preset.APIKeys)
		if err != nil {
			return nil, err
		}
		r.APIKey = key
	}
	adapter, err := o.adapter(r.Preset.Backend)
	if err != nil {
		return nil, err
	}
	models, err := adapter.ListModels(ctx, &r)
	if err != nil {
		e, _ := types.Classify(err)
		return nil, e
	}
	return models, nil
}
