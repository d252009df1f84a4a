// =============================================================================
// 📦 BananaFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Connection: DefaultConnectionConfig(),
		Generation: DefaultGenerationConfig(),
		Prompts:    map[string]string{},
		Optimizers: map[string]string{},
		Quota:      DefaultQuotaConfig(),
		RateLimit:  DefaultRateLimitConfig(),
		Checkin:    DefaultCheckinConfig(),
		Enhancer:   EnhancerConfig{Timeout: 60 * time.Second},
		Zai: ZaiConfig{
			BaseURL:         "https://zai.is",
			CredentialFiles: []string{"zai_credentials.json"},
			PollInterval:    5 * time.Second,
			PollAttempts:    60,
		},
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    330 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
		MaxBodyBytes:    32 << 20,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置（未启用）
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		KeyPrefix:    "bananaflow:",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置：本地 sqlite 文件
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Name:            "bananaflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "bananaflow",
		SampleRate:   0.1,
	}
}

// DefaultConnectionConfig 单次调用 300 秒
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{Timeout: 300 * time.Second}
}

// DefaultGenerationConfig 返回生成默认参数
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		DefaultImageSize:   "1K",
		DefaultAspectRatio: "default",
		MaxImages:          5,
	}
}

// DefaultQuotaConfig 用户计数开启，群组计数关闭
func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		EnableUserLimit: true,
		FlushInterval:   30 * time.Second,
	}
}

// DefaultRateLimitConfig 每群 60 秒 3 次
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Enabled: true, Window: 60 * time.Second, Max: 3}
}

// DefaultCheckinConfig 签到默认关闭
func DefaultCheckinConfig() CheckinConfig {
	return CheckinConfig{Random: true, RandomMax: 5, Fixed: 3}
}
