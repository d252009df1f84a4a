package service

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/bananaflow/prompt"
	"github.com/BaSui01/bananaflow/quota"
	"github.com/BaSui01/bananaflow/types"
	"go.uber.org/zap"
)

// MaxInputImages 单次请求最多处理的图片数
const MaxInputImages = 5

// PresetSource 提供连接预设与提示词预设
type PresetSource interface {
	Resolve(name string) (types.ConnectionPreset, error)
	Book() *prompt.Book
}

// Generator 执行带换 Key 重试的生成，通常是 *llm.Orchestrator
type Generator interface {
	Generate(ctx context.Context, req *types.APIRequest) (*types.GenResult, error)
}

// Accounts 是额度账本，通常是 *quota.Ledger
type Accounts interface {
	Begin(userID, groupID string, isAdmin bool, cost int) (*quota.Transaction, quota.Context)
	Settle(tx *quota.Transaction, qc quota.Context) (user, group int)
	RecordUsage(userID, groupID string, success bool)
}

// ImageFetcher 下载或解码输入图片，通常是 *image.Transport
type ImageFetcher interface {
	Fetch(ctx context.Context, ref, proxy string) ([]byte, error)
}

// Recorder 记录生成结果，用于指标
type Recorder interface {
	RecordGeneration(preset string, kind types.ErrorKind, cost int)
}

type nopRecorder struct{}

func (nopRecorder) RecordGeneration(string, types.ErrorKind, int) {}

// Options 是生成流程的全局设置
type Options struct {
	Proxy              string
	DefaultTimeout     time.Duration
	DefaultImageSize   string
	DefaultAspectRatio string
	MaxImages          int
	// Debug 为 true 时所有请求都只返回调试信息
	Debug bool
}

// GenerateInput 是一次生成请求
type GenerateInput struct {
	UserID  string
	GroupID string
	IsAdmin bool

	// Prompt 是描述文本或提示词预设名
	Prompt           string
	AdditionalPrompt string
	Params           map[string]string
	Context          map[string]string

	// Preset 为空时使用激活的连接预设
	Preset         string
	ImageSize      string
	AspectRatio    string
	Timeout        time.Duration
	EnableSearch   bool
	EnableThinking bool
	GIFMode        bool
	// Enhance 为优化预设名或自定义修改要求，空表示不优化
	Enhance string

	Images       [][]byte
	ImageRefs    []string
	RequireImage bool
	Debug        bool
}

// Outcome 描述一次生成的过程信息，失败时也会返回
type Outcome struct {
	Preset          string         `json:"preset"`
	PromptPreset    string         `json:"prompt_preset,omitempty"`
	Prompt          string         `json:"prompt"`
	PromptTruncated bool           `json:"prompt_truncated,omitempty"`
	Enhancer        *EnhanceResult `json:"enhancer,omitempty"`
	Generating      string         `json:"generating,omitempty"`
	Caption         string         `json:"caption,omitempty"`
	Thoughts        string         `json:"thoughts,omitempty"`
	Message         string         `json:"message,omitempty"`
	Cost            int            `json:"cost"`
	Free            bool           `json:"free"`
	UserBalance     int            `json:"user_balance"`
	GroupBalance    int            `json:"group_balance"`
}

// GenerationService 串联预设解析、变量替换、提示词优化、限流、额度事务与生成
type GenerationService struct {
	presets  PresetSource
	resolver *prompt.Resolver
	gen      Generator
	accounts Accounts
	limiter  quota.GroupLimiter
	enhancer Enhancer
	fetcher  ImageFetcher
	recorder Recorder
	opts     Options
	logger   *zap.Logger
}

// ServiceOption 配置 GenerationService
type ServiceOption func(*GenerationService)

// WithLimiter 启用群组限流
func WithLimiter(l quota.GroupLimiter) ServiceOption {
	return func(s *GenerationService) { s.limiter = l }
}

// WithEnhancer 启用提示词优化
func WithEnhancer(e Enhancer) ServiceOption {
	return func(s *GenerationService) { s.enhancer = e }
}

// WithFetcher 启用按地址下载输入图片
func WithFetcher(f ImageFetcher) ServiceOption {
	return func(s *GenerationService) { s.fetcher = f }
}

// WithResolver 替换变量解析器
func WithResolver(r *prompt.Resolver) ServiceOption {
	return func(s *GenerationService) { s.resolver = r }
}

// WithGenerationRecorder 记录生成指标
func WithGenerationRecorder(r Recorder) ServiceOption {
	return func(s *GenerationService) { s.recorder = r }
}

// NewGenerationService creates the generation workflow.
func NewGenerationService(presets PresetSource, gen Generator, accounts Accounts, opts Options, logger *zap.Logger, options ...ServiceOption) *GenerationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxImages <= 0 || opts.MaxImages > MaxInputImages {
		opts.MaxImages = MaxInputImages
	}
	s := &GenerationService{
		presets:  presets,
		resolver: prompt.NewResolver(),
		gen:      gen,
		accounts: accounts,
		recorder: nopRecorder{},
		opts:     opts,
		logger:   logger.With(zap.String("component", "generation_service")),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func emptyPromptError(requireImage bool) *types.Error {
	mode := "文生图"
	if requireImage {
		mode = "图生图"
	}
	return types.Errorf(types.KindInvalidArgument, "请提供%s的描述或预设名。", mode)
}

func rejectError(tx *quota.Transaction) *types.Error {
	reason := string(tx.Reason())
	switch tx.Reason() {
	case quota.ReasonUserBlacklisted, quota.ReasonGroupBlacklisted, quota.ReasonUserNotListed, quota.ReasonGroupNotListed:
		return types.NewError(types.KindAuthFailed, reason).WithHTTPStatus(http.StatusForbidden)
	}
	return types.NewError(types.KindQuotaExhausted, reason)
}

// Generate 执行一次完整的生成流程。
//
// 返回的 Outcome 在失败时同样有效，其中 Message 是给用户看的说明。
// 失败（包括调试模式）不会扣除额度。
func (s *GenerationService) Generate(ctx context.Context, in GenerateInput) (*types.GenResult, *Outcome, error) {
	out := &Outcome{}
	fail := func(err error) (*types.GenResult, *Outcome, error) {
		out.Message = ErrorMessage(err, in.IsAdmin)
		s.recorder.RecordGeneration(out.Preset, types.KindOf(err), 0)
		return nil, out, err
	}

	// 1. 连接预设
	preset, err := s.presets.Resolve(in.Preset)
	if err != nil {
		return fail(err)
	}
	out.Preset = preset.Name

	// 2. 提示词预设展开与追加
	text, presetName := s.presets.Book().Expand(in.Prompt, in.AdditionalPrompt)
	if strings.TrimSpace(text) == "" {
		return fail(emptyPromptError(in.RequireImage))
	}
	out.PromptPreset = presetName

	// 3. 变量替换
	resolved := s.resolver.Resolve(text, in.Params, in.Context)
	if resolved.Truncated {
		s.logger.Warn("prompt variables did not converge", zap.Int("rounds", resolved.Rounds))
	}
	out.Prompt = resolved.Text
	out.PromptTruncated = resolved.Truncated

	// 4. 输入图片
	images, err := s.collectImages(ctx, in)
	if err != nil {
		return fail(err)
	}
	if in.RequireImage && len(images) == 0 {
		return fail(types.NewError(types.KindInvalidArgument, MsgImageRequired))
	}

	// 5. 群组限流（管理员不受限）
	limited := false
	if s.limiter != nil && !in.IsAdmin && in.GroupID != "" {
		ok, err := s.limiter.Allow(ctx, in.GroupID)
		if err != nil {
			// 限流后端不可用时放行
			s.logger.Warn("group rate limit unavailable", zap.String("group_id", in.GroupID), zap.Error(err))
		} else if !ok {
			return fail(types.NewError(types.KindRateLimit, quota.RateLimitedMessage(windowOf(s.limiter))))
		} else {
			limited = true
		}
	}
	release := func() {
		if limited {
			if err := s.limiter.Release(context.WithoutCancel(ctx), in.GroupID); err != nil {
				s.logger.Warn("release rate limit failed", zap.String("group_id", in.GroupID), zap.Error(err))
			}
		}
	}

	// 6. 额度检查
	cfg := types.GenerationConfig{
		Prompt:         out.Prompt,
		ImageSize:      firstNonEmpty(strings.ToUpper(strings.TrimSpace(in.ImageSize)), s.opts.DefaultImageSize),
		AspectRatio:    firstNonEmpty(in.AspectRatio, s.opts.DefaultAspectRatio),
		Timeout:        in.Timeout,
		EnableSearch:   in.EnableSearch,
		EnableThinking: in.EnableThinking,
		TargetUserID:   in.Context["uid"],
		GIFMode:        in.GIFMode,
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = s.opts.DefaultTimeout
	}
	cfg = cfg.WithDefaults()

	cost := quota.CostForSize(cfg.ImageSize)
	tx, qc := s.accounts.Begin(in.UserID, in.GroupID, in.IsAdmin, cost)
	if !tx.Allowed() {
		release()
		err := rejectError(tx)
		s.recorder.RecordGeneration(out.Preset, err.Kind, 0)
		out.Message = string(tx.Reason())
		return nil, out, err
	}
	out.Free = tx.Free()

	// 7. 提示词优化
	if in.Enhance != "" && s.enhancer != nil {
		enh := s.enhancer.Enhance(ctx, cfg.Prompt, in.Enhance)
		out.Enhancer = &enh
		cfg.Prompt = enh.Prompt
		cfg.EnhancerInstruction = in.Enhance
		out.Prompt = enh.Prompt
	}
	out.Generating = GeneratingMessage(cfg.Prompt, cfg.EnableThinking)

	// 8. 调用上游
	req := &types.APIRequest{
		Preset: preset,
		Config: cfg,
		Images: images,
		Proxy:  s.opts.Proxy,
		Debug:  s.opts.Debug || in.Debug,
	}
	res, err := s.gen.Generate(ctx, req)
	if err != nil {
		tx.Rollback()
		release()
		if types.KindOf(err) == types.KindDebugInfo {
			e, _ := types.AsError(err)
			out.Message = DebugMessage(e.Debug, out.Enhancer)
			s.recorder.RecordGeneration(out.Preset, types.KindDebugInfo, 0)
			return nil, out, err
		}
		s.logger.Info("generation failed, transaction rolled back",
			zap.String("user_id", in.UserID),
			zap.String("group_id", in.GroupID),
			zap.String("kind", string(types.KindOf(err))))
		return fail(err)
	}

	// 9. 结算
	userBal, groupBal := s.accounts.Settle(tx, qc)
	s.accounts.RecordUsage(in.UserID, in.GroupID, true)
	res.Cost = tx.RealCost()
	out.Cost = res.Cost
	out.UserBalance = userBal
	out.GroupBalance = groupBal
	out.Thoughts = ThoughtsMessage(res.Thoughts)
	out.Caption = SuccessCaption(SuccessView{
		Model:        res.Model,
		Preset:       preset,
		PromptPreset: presetName,
		Prompt:       cfg.Prompt,
		AspectRatio:  cfg.AspectRatio,
		ImageSize:    cfg.ImageSize,
		Elapsed:      res.Elapsed,
		Cost:         res.Cost,
		UserBalance:  userBal,
		GroupBalance: groupBal,
		Enhancer:     out.Enhancer,
	})
	s.recorder.RecordGeneration(out.Preset, "", res.Cost)
	return res, out, nil
}

func (s *GenerationService) collectImages(ctx context.Context, in GenerateInput) ([][]byte, error) {
	images := make([][]byte, 0, len(in.Images)+len(in.ImageRefs))
	for _, img := range in.Images {
		if len(img) > 0 {
			images = append(images, img)
		}
	}
	for _, ref := range in.ImageRefs {
		if len(images) >= s.opts.MaxImages {
			break
		}
		if s.fetcher == nil {
			return nil, types.NewError(types.KindInvalidArgument, "不支持通过地址提供图片")
		}
		data, err := s.fetcher.Fetch(ctx, ref, s.opts.Proxy)
		if err != nil {
			e, _ := types.Classify(err)
			return nil, types.NewError(types.KindInvalidArgument, "图片获取失败: "+e.Message).WithCause(err)
		}
		images = append(images, data)
	}
	if len(images) > s.opts.MaxImages {
		images = images[:s.opts.MaxImages]
	}
	return images, nil
}

type windowed interface{ Window() time.Duration }

func windowOf(l quota.GroupLimiter) time.Duration {
	if w, ok := l.(windowed); ok {
		return w.Window()
	}
	return quota.DefaultRateLimitConfig().Window
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
