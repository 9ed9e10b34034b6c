package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"

	"github.com/weisyn/wallet-extension-go/utils"
)

// gRPC 方法名（JSON 编解码）
const (
	MethodCosign       = "/shield.v1.Cosigner/Sign"
	MethodRequestEmail = "/shield.v1.Verification/RequestEmail"
	MethodConfirmEmail = "/shield.v1.Verification/ConfirmEmail"
)

// JSONCodecName gRPC content-subtype
const JSONCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec 以 JSON 作为 gRPC 消息编码
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return JSONCodecName
}

// grpcClient gRPC 客户端实现
type grpcClient struct {
	conn     *grpc.ClientConn
	endpoint string
	logger   utils.Logger
	debug    bool
	retry    *utils.RetryConfig
	tokens   TokenSource
	config   *Config
}

// NewGRPCClient 创建 gRPC 客户端
func NewGRPCClient(config *Config) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	endpoint := config.Endpoint
	// 如果 endpoint 包含 http:// 或 https://，移除协议前缀
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.timeout())
	defer cancel()

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(JSONCodecName)),
	}
	opts = append(opts, config.DialOptions...)

	// 注意：默认使用 insecure 连接，生产环境通过 DialOptions 传入 TLS 凭据
	conn, err := grpc.DialContext(ctx, endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial gRPC: %w", err)
	}

	logger := utils.OrDefault(config.Logger)
	return &grpcClient{
		conn:     conn,
		endpoint: endpoint,
		logger:   logger,
		debug:    config.Debug,
		retry:    config.retryConfig(logger),
		tokens:   config.Tokens,
		config:   config,
	}, nil
}

// Cosign 请求联合签名
func (c *grpcClient) Cosign(ctx context.Context, req *CosignRequest) (*CosignResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("cosign request is required")
	}
	var resp CosignResponse
	if err := c.invoke(ctx, MethodCosign, req, &resp, false); err != nil {
		return nil, err
	}
	if resp.Signature.R == "" || resp.Signature.S == "" {
		return nil, rejected(fmt.Errorf("cosigner returned an empty signature"))
	}
	return &resp, nil
}

// RequestEmail 请求发送验证码（服务不可用时重试）
func (c *grpcClient) RequestEmail(ctx context.Context, email string) error {
	return utils.WithRetry(ctx, func() error {
		var resp verificationResponse
		return c.invoke(ctx, MethodRequestEmail, &verifyEmailRequest{Email: email}, &resp, true)
	}, c.retry)
}

// ConfirmEmail 提交验证码
func (c *grpcClient) ConfirmEmail(ctx context.Context, code string) error {
	var resp verificationResponse
	return c.invoke(ctx, MethodConfirmEmail, &confirmEmailRequest{VerificationCode: code}, &resp, true)
}

// Close 关闭连接
func (c *grpcClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *grpcClient) invoke(ctx context.Context, method string, in, out interface{}, verification bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.timeout())
	defer cancel()

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("device token: %w", err)
		}
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	if c.debug {
		c.logger.Debug("Cosigner gRPC call", "method", method)
	}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return mapGRPCError(err, verification)
	}
	return nil
}
