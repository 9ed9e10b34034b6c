package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/weisyn/wallet-extension-go/shield"
	"github.com/weisyn/wallet-extension-go/types"
	"github.com/weisyn/wallet-extension-go/utils"
)

// IsUnavailable 错误是否表示联合签名服务不可用（可重试）
func IsUnavailable(err error) bool {
	return errors.Is(err, types.ErrCosignerUnavailable)
}

func unavailable(err error) error {
	return types.Wrap(types.ErrCosignerUnavailable, err)
}

func rejected(err error) error {
	return types.Wrap(types.ErrCosignerRejected, err)
}

// responseError 将非 2xx 响应体解析为错误原因
//
// application/problem+json 响应还原为 *types.WesError。
func responseError(statusCode int, contentType string, body []byte) error {
	if strings.HasPrefix(contentType, "application/problem+json") {
		var pd types.WesProblemDetails
		if err := json.Unmarshal(body, &pd); err == nil && pd.Code != "" {
			return types.NewWesErrorFromProblemDetails(&pd)
		}
	}
	if len(body) == 0 {
		return fmt.Errorf("HTTP error: %d", statusCode)
	}
	return fmt.Errorf("HTTP error: %d, body: %s", statusCode, strings.TrimSpace(string(body)))
}

// mapHTTPError 按状态码映射：5xx / 429 为不可用，其他拒绝
func mapHTTPError(statusCode int, contentType string, body []byte) error {
	cause := responseError(statusCode, contentType, body)
	if utils.IsRetryableHTTPStatus(statusCode) {
		return unavailable(cause)
	}
	return rejected(cause)
}

// mapHTTPVerificationError 验证接口的错误映射：响应带 status 时返回 *shield.VerificationError
func mapHTTPVerificationError(statusCode int, contentType string, body []byte) error {
	if !utils.IsRetryableHTTPStatus(statusCode) {
		var resp verificationResponse
		if err := json.Unmarshal(body, &resp); err == nil && resp.Status != "" {
			return &shield.VerificationError{
				Status: shield.VerificationStatus(resp.Status),
				Err:    fmt.Errorf("HTTP error: %d", statusCode),
			}
		}
	}
	return mapHTTPError(statusCode, contentType, body)
}

// mapGRPCError 映射 gRPC 状态码
func mapGRPCError(err error, verification bool) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return unavailable(err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted, codes.Aborted:
		return unavailable(err)
	case codes.FailedPrecondition:
		if verification {
			return &shield.VerificationError{Status: shield.VerificationStatus(st.Message()), Err: err}
		}
	}
	return rejected(err)
}
