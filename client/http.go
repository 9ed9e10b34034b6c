package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/weisyn/wallet-extension-go/utils"
)

const (
	pathCosign       = "/cosigner/sign"
	pathVerifyEmail  = "/verifyEmail"
	pathConfirmEmail = "/verifyEmail/confirm"
)

// httpClient HTTP客户端实现
type httpClient struct {
	endpoint string
	client   *http.Client
	logger   utils.Logger
	debug    bool
	retry    *utils.RetryConfig
	tokens   TokenSource
}

// NewHTTPClient 创建HTTP客户端
func NewHTTPClient(config *Config) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if strings.TrimSpace(config.Endpoint) == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	logger := utils.OrDefault(config.Logger)
	return &httpClient{
		endpoint: strings.TrimRight(config.Endpoint, "/"),
		client:   &http.Client{Timeout: config.timeout()},
		logger:   logger,
		debug:    config.Debug,
		retry:    config.retryConfig(logger),
		tokens:   config.Tokens,
	}, nil
}

// Cosign 请求联合签名
func (c *httpClient) Cosign(ctx context.Context, req *CosignRequest) (*CosignResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("cosign request is required")
	}
	var resp CosignResponse
	if err := c.post(ctx, pathCosign, req, &resp, mapHTTPError); err != nil {
		return nil, err
	}
	if resp.Signature.R == "" || resp.Signature.S == "" {
		return nil, rejected(fmt.Errorf("cosigner returned an empty signature"))
	}
	return &resp, nil
}

// RequestEmail 请求发送验证码（服务不可用时按退避策略重试）
func (c *httpClient) RequestEmail(ctx context.Context, email string) error {
	return utils.WithRetry(ctx, func() error {
		return c.post(ctx, pathVerifyEmail, verifyEmailRequest{Email: email}, nil, mapHTTPVerificationError)
	}, c.retry)
}

// ConfirmEmail 提交验证码
func (c *httpClient) ConfirmEmail(ctx context.Context, code string) error {
	return c.post(ctx, pathConfirmEmail, confirmEmailRequest{VerificationCode: code}, nil, mapHTTPVerificationError)
}

// Close 关闭连接（HTTP客户端无需特殊处理）
func (c *httpClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

type httpErrorMapper func(statusCode int, contentType string, body []byte) error

func (c *httpClient) post(ctx context.Context, path string, in, out interface{}, mapErr httpErrorMapper) error {
	reqBody, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request failed: %w", err)
	}

	// 调试日志
	if c.debug {
		c.logger.Debug("Cosigner request", "path", path, "body", string(reqBody))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("device token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return unavailable(fmt.Errorf("send request failed: %w", err))
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return unavailable(fmt.Errorf("read response failed: %w", err))
	}

	if c.debug {
		c.logger.Debug("Cosigner response", "path", path, "status", resp.StatusCode, "body", string(respBody))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mapErr(resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return rejected(fmt.Errorf("unmarshal response failed: %w", err))
	}
	return nil
}
