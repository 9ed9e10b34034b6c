package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WesProblemDetails Problem Details 结构（基于 RFC7807 + WES 扩展）
//
// 用于在消息总线上传递失败原因（例如 TRANSACTION_FAILED.problem），
// 接收方通过 NewWesErrorFromProblemDetails 还原为 *WesError，errors.Is 仍然可用。
type WesProblemDetails struct {
	// RFC7807 标准字段
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Status   *int   `json:"status,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// WES 扩展字段（必填）
	Code        string                 `json:"code"`
	Layer       string                 `json:"layer"`
	UserMessage string                 `json:"userMessage"`
	Details     map[string]interface{} `json:"details,omitempty"`
	TraceID     string                 `json:"traceId"`
	Timestamp   string                 `json:"timestamp"`
}

// WesError WES 错误类型
//
// 两个 WesError 只要 Code 相同即视为同一类错误（见 Is），
// 因此包级哨兵值（ErrDuplicateAction 等）可以直接用于 errors.Is 判断。
type WesError struct {
	Code        string
	Layer       string
	UserMessage string
	Detail      string
	Status      *int
	Details     map[string]interface{}
	TraceID     string
	Timestamp   string

	// Err 底层原因（可选，不参与序列化）
	Err error
}

func (e *WesError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.UserMessage, e.Detail)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.UserMessage)
}

// Unwrap 返回底层原因
func (e *WesError) Unwrap() error {
	return e.Err
}

// Is 按错误码比较
func (e *WesError) Is(target error) bool {
	t, ok := target.(*WesError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToProblemDetails 转换为 Problem Details
func (e *WesError) ToProblemDetails() *WesProblemDetails {
	return &WesProblemDetails{
		Code:        e.Code,
		Layer:       e.Layer,
		UserMessage: e.UserMessage,
		Detail:      e.Detail,
		Status:      e.Status,
		Details:     e.Details,
		TraceID:     e.TraceID,
		Timestamp:   e.Timestamp,
	}
}

// NewWesErrorFromProblemDetails 从 Problem Details 创建 WesError
func NewWesErrorFromProblemDetails(pd *WesProblemDetails) *WesError {
	return &WesError{
		Code:        pd.Code,
		Layer:       pd.Layer,
		UserMessage: pd.UserMessage,
		Detail:      pd.Detail,
		Status:      pd.Status,
		Details:     pd.Details,
		TraceID:     pd.TraceID,
		Timestamp:   pd.Timestamp,
	}
}

// IsWesError 检查错误链中是否包含 WesError
func IsWesError(err error) (*WesError, bool) {
	var wesErr *WesError
	if errors.As(err, &wesErr) {
		return wesErr, true
	}
	return nil, false
}

// ProblemFromError 将任意错误转换为 Problem Details，layer 标记产生错误的上下文
//
// 非 WesError 的错误归类为 COMMON_INTERNAL_ERROR。
func ProblemFromError(layer string, err error) *WesProblemDetails {
	if err == nil {
		return nil
	}
	wesErr, ok := IsWesError(err)
	if !ok {
		wesErr = InternalError(layer, err)
	}
	pd := wesErr.ToProblemDetails()
	if pd.TraceID == "" {
		pd.TraceID = uuid.New().String()
	}
	if pd.Timestamp == "" {
		pd.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if pd.Detail == "" && wesErr.Err != nil {
		pd.Detail = wesErr.Err.Error()
	}
	return pd
}

// Layer 常量
const (
	LayerWalletBackground = "wallet-background"
	LayerWalletInpage     = "wallet-inpage"
	LayerWalletUI         = "wallet-ui"
	LayerShieldBackend    = "shield-backend"
)

// InternalError 把未归类的错误包装为 COMMON_INTERNAL_ERROR
func InternalError(layer string, cause error) *WesError {
	status := 500
	if layer == "" {
		layer = LayerWalletBackground
	}
	return &WesError{
		Code:        ErrorCodeCommonInternalError,
		Layer:       layer,
		UserMessage: "internal error",
		Detail:      cause.Error(),
		Status:      &status,
		Err:         cause,
	}
}
