package client

import (
	"time"

	"google.golang.org/grpc"

	"github.com/weisyn/wallet-extension-go/utils"
)

// Config 客户端配置
type Config struct {
	// Endpoint 联合签名服务地址
	Endpoint string

	// Protocol 协议类型
	Protocol Protocol

	// Timeout 单次请求超时
	Timeout time.Duration

	// Debug 调试模式（记录请求 / 响应）
	Debug bool

	// Logger 日志器（可选）
	Logger utils.Logger

	// Retry 邮箱验证请求的重试策略，nil 时使用默认值
	Retry *utils.RetryConfig

	// Tokens 设备 JWT 来源（可选，为空时不带 Authorization）
	Tokens TokenSource

	// DialOptions 额外的 gRPC 拨号选项
	DialOptions []grpc.DialOption
}

// Protocol 协议类型
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Endpoint: "http://localhost:8080",
		Protocol: ProtocolHTTP,
		Timeout:  30 * time.Second,
		Debug:    false,
	}
}

func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}

func (c *Config) retryConfig(logger utils.Logger) *utils.RetryConfig {
	retry := c.Retry
	if retry == nil {
		retry = DefaultRetryConfig()
	}
	if retry.OnRetry == nil {
		cp := *retry
		cp.OnRetry = func(attempt int, err error) {
			logger.Warn("Retrying verification request", "attempt", attempt, "error", err)
		}
		retry = &cp
	}
	return retry
}

// DefaultRetryConfig 邮箱验证请求的默认重试策略：仅重试服务不可用
func DefaultRetryConfig() *utils.RetryConfig {
	retry := utils.DefaultRetryConfig()
	retry.Retryable = IsUnavailable
	return retry
}
