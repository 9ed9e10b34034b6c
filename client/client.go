package client

import (
	"context"
	"encoding/json"
	"fmt"
)

// Client 远程联合签名服务客户端接口
type Client interface {
	// Cosign 请求联合签名，不重试
	Cosign(ctx context.Context, req *CosignRequest) (*CosignResponse, error)

	// RequestEmail 请求向邮箱发送验证码
	RequestEmail(ctx context.Context, email string) error

	// ConfirmEmail 提交验证码，不重试（尝试次数由后端统计）
	ConfirmEmail(ctx context.Context, code string) error

	// Close 关闭连接
	Close() error
}

// CosignType 联合签名请求类型
type CosignType string

const (
	CosignTransaction CosignType = "starknet"
	CosignMessage     CosignType = "starknetMessage"
	CosignDeploy      CosignType = "starknetDeploy"
)

// CosignRequest 联合签名请求
type CosignRequest struct {
	Message json.RawMessage `json:"message"`
	Type    CosignType      `json:"type"`
}

// CosignSignature 联合签名（r, s 可以是十进制或 0x 十六进制）
type CosignSignature struct {
	R string `json:"r"`
	S string `json:"s"`
}

// CosignResponse 联合签名响应
type CosignResponse struct {
	Signature CosignSignature `json:"signature"`
}

// TokenSource 提供认证联合签名服务通道的设备 JWT
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type verifyEmailRequest struct {
	Email string `json:"email"`
}

type confirmEmailRequest struct {
	VerificationCode string `json:"verificationCode"`
}

type verificationResponse struct {
	Status string `json:"status,omitempty"`
}

// NewClient 创建新的客户端
func NewClient(config *Config) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	switch config.Protocol {
	case ProtocolHTTP:
		return NewHTTPClient(config)
	case ProtocolGRPC:
		return NewGRPCClient(config)
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", config.Protocol)
	}
}
