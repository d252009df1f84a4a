package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/bananaflow/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 BananaFlow 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Redis 缓存配置，addr 为空时使用进程内实现
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Connection 上游连接参数
	Connection ConnectionConfig `yaml:"connection" env:"CONNECTION"`

	// Generation 生成默认参数
	Generation GenerationConfig `yaml:"generation" env:"GENERATION"`

	// Presets 启动时写入的连接预设，已存在的同名预设不会被覆盖。
	// 环境变量以 JSON/YAML 文本整体覆盖。
	Presets []PresetConfig `yaml:"presets" env:"PRESETS"`

	// Prompts 提示词预设 name → 文本
	Prompts map[string]string `yaml:"prompts" env:"PROMPTS"`

	// Optimizers 提示词优化预设 name → system 指令
	Optimizers map[string]string `yaml:"optimizers" env:"OPTIMIZERS"`

	// Quota 额度配置
	Quota QuotaConfig `yaml:"quota" env:"QUOTA"`

	// RateLimit 群组限流
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`

	// Checkin 签到
	Checkin CheckinConfig `yaml:"checkin" env:"CHECKIN"`

	// Enhancer 提示词优化模型
	Enhancer EnhancerConfig `yaml:"enhancer" env:"ENHANCER"`

	// Zai 签名后端
	Zai ZaiConfig `yaml:"zai" env:"ZAI"`

	// Auth 鉴权
	Auth AuthConfig `yaml:"auth" env:"AUTH"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时，需要大于 connection.timeout
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 允许的跨域来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 每 IP 限流
	RateLimitRPS   int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 请求体上限（含 base64 图片）
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	// 同时配置证书与私钥时以 HTTPS 监听
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址，为空表示不使用 Redis
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite (纯 Go), sqlite3 (cgo)
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名，sqlite 时为文件路径
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 启动时用 gorm AutoMigrate 建表（未使用 migrate 命令时）
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// ConnectionConfig 上游连接
type ConnectionConfig struct {
	// 单次上游调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// HTTP 代理，例如 http://127.0.0.1:7890
	Proxy string `yaml:"proxy" env:"PROXY"`
}

// GenerationConfig 生成默认参数
type GenerationConfig struct {
	// 初始激活的连接预设
	ActivePreset string `yaml:"active_preset" env:"ACTIVE_PRESET"`
	// 默认分辨率 1K/2K/4K
	DefaultImageSize string `yaml:"default_image_size" env:"DEFAULT_IMAGE_SIZE"`
	// 默认宽高比，default 表示由模型决定
	DefaultAspectRatio string `yaml:"default_aspect_ratio" env:"DEFAULT_ASPECT_RATIO"`
	// 单次请求最多图片数
	MaxImages int `yaml:"max_images" env:"MAX_IMAGES"`
	// 调试模式：不调用上游
	Debug bool `yaml:"debug" env:"DEBUG"`
}

// PresetConfig 连接预设
type PresetConfig struct {
	Name    string   `yaml:"name"`
	Backend string   `yaml:"backend"`
	BaseURL string   `yaml:"base_url"`
	Model   string   `yaml:"model"`
	Stream  *bool    `yaml:"stream"`
	APIKeys []string `yaml:"api_keys"`
}

// ToPreset converts the YAML form into the domain type.
func (p PresetConfig) ToPreset() (types.ConnectionPreset, error) {
	kind, ok := types.ParseBackendKind(p.Backend)
	if !ok {
		return types.ConnectionPreset{}, fmt.Errorf("preset %q: unknown backend %q", p.Name, p.Backend)
	}
	return types.ConnectionPreset{
		Name:    p.Name,
		Backend: kind,
		BaseURL: p.BaseURL,
		Model:   p.Model,
		Stream:  p.Stream,
		APIKeys: append([]string(nil), p.APIKeys...),
	}, nil
}

// QuotaConfig 额度配置
type QuotaConfig struct {
	EnableUserLimit     bool          `yaml:"enable_user_limit" env:"ENABLE_USER_LIMIT"`
	EnableGroupLimit    bool          `yaml:"enable_group_limit" env:"ENABLE_GROUP_LIMIT"`
	UserBlacklist       []string      `yaml:"user_blacklist" env:"USER_BLACKLIST"`
	GroupBlacklist      []string      `yaml:"group_blacklist" env:"GROUP_BLACKLIST"`
	UserWhitelist       []string      `yaml:"user_whitelist" env:"USER_WHITELIST"`
	GroupWhitelist      []string      `yaml:"group_whitelist" env:"GROUP_WHITELIST"`
	DefaultUserBalance  int           `yaml:"default_user_balance" env:"DEFAULT_USER_BALANCE"`
	DefaultGroupBalance int           `yaml:"default_group_balance" env:"DEFAULT_GROUP_BALANCE"`
	FlushInterval       time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
}

// RateLimitConfig 群组滑动窗口
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"ENABLED"`
	Window  time.Duration `yaml:"window" env:"WINDOW"`
	Max     int           `yaml:"max" env:"MAX"`
}

// CheckinConfig 签到
type CheckinConfig struct {
	Enabled   bool `yaml:"enabled" env:"ENABLED"`
	Random    bool `yaml:"random" env:"RANDOM"`
	RandomMax int  `yaml:"random_max" env:"RANDOM_MAX"`
	Fixed     int  `yaml:"fixed" env:"FIXED"`
}

// EnhancerConfig OpenAI 兼容的提示词优化模型
type EnhancerConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ZaiConfig 签名后端
type ZaiConfig struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 凭证文件，按顺序尝试
	CredentialFiles []string      `yaml:"credential_files" env:"CREDENTIAL_FILES"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	PollAttempts    int           `yaml:"poll_attempts" env:"POLL_ATTEMPTS"`
}

// AuthConfig 鉴权
type AuthConfig struct {
	// JWT 配置，secret 与 public_key 都为空时不校验 JWT
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
	// 管理员用户 ID
	AdminIDs []string `yaml:"admin_ids" env:"ADMIN_IDS"`
	// 允许通过 X-User-ID / X-Group-ID 头传入身份（部署在可信网关之后时）
	TrustIdentityHeaders bool `yaml:"trust_identity_headers" env:"TRUST_IDENTITY_HEADERS"`
}

// JWTConfig JWT 校验参数，支持 HS256 与 RS256
type JWTConfig struct {
	Secret    string `yaml:"secret" env:"SECRET"`
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
}

// Enabled reports whether any verification key is configured.
func (j JWTConfig) Enabled() bool { return j.Secret != "" || j.PublicKey != "" }

// =============================================================================
// ✅ 校验
// =============================================================================

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "metrics port must differ from HTTP port")
	}
	if c.Connection.Timeout <= 0 {
		errs = append(errs, "connection.timeout must be positive")
	}
	if c.Generation.MaxImages < 0 || c.Generation.MaxImages > 5 {
		errs = append(errs, "generation.max_images must be between 0 and 5")
	}

	switch c.Database.Driver {
	case "", "postgres", "mysql", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	seen := make(map[string]struct{}, len(c.Presets))
	for i, p := range c.Presets {
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, fmt.Sprintf("presets[%d]: name is required", i))
			continue
		}
		if _, dup := seen[p.Name]; dup {
			errs = append(errs, fmt.Sprintf("presets[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = struct{}{}
		if _, ok := types.ParseBackendKind(p.Backend); !ok {
			errs = append(errs, fmt.Sprintf("presets[%d]: unknown backend %q", i, p.Backend))
		}
		if strings.TrimSpace(p.Model) == "" {
			errs = append(errs, fmt.Sprintf("presets[%d]: model is required", i))
		}
	}
	if a := c.Generation.ActivePreset; a != "" && len(c.Presets) > 0 {
		if _, ok := seen[a]; !ok {
			errs = append(errs, fmt.Sprintf("generation.active_preset %q is not defined", a))
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, "rate_limit requires positive max and window")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite", "sqlite3":
		return d.Name
	default:
		return ""
	}
}

// MigrationURL 返回 golang-migrate 使用的数据库 URL
func (d *DatabaseConfig) MigrationURL() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
	case "mysql":
		return fmt.Sprintf("mysql://%s:%s@tcp(%s:%d)/%s?multiStatements=true",
			d.User, d.Password, d.Host, d.Port, d.Name)
	case "sqlite", "sqlite3":
		return "sqlite3://" + d.Name
	default:
		return ""
	}
}
