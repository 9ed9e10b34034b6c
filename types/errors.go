package types

import "fmt"

// ErrorCode 错误码常量
const (
	// 队列错误（调用方违反契约，立即返回，不重试）
	ErrorCodeDuplicateAction = "ACTION_DUPLICATE"
	ErrorCodeUnknownAction   = "ACTION_UNKNOWN"

	// 面向用户的预期结果
	ErrorCodeTimeout         = "COMMON_TIMEOUT"
	ErrorCodeUserAborted     = "USER_ABORTED"
	ErrorCodeNoWalletAccount = "NO_WALLET_ACCOUNT"

	// Guardian 联合签名
	ErrorCodeVerificationExpired = "SHIELD_VERIFICATION_EXPIRED"
	ErrorCodeCosignerUnavailable = "SHIELD_COSIGNER_UNAVAILABLE"
	ErrorCodeCosignerRejected    = "SHIELD_COSIGNER_REJECTED"

	// 通用错误
	ErrorCodeCommonValidationError = "COMMON_VALIDATION_ERROR"
	ErrorCodeCommonInternalError   = "COMMON_INTERNAL_ERROR"
)

// 哨兵错误，使用 errors.Is 判断
var (
	ErrDuplicateAction = sentinel(ErrorCodeDuplicateAction, "action already pending")
	ErrUnknownAction   = sentinel(ErrorCodeUnknownAction, "no pending action with this hash")

	ErrTimeout         = sentinel(ErrorCodeTimeout, "request timeout")
	ErrUserAborted     = sentinel(ErrorCodeUserAborted, "user aborted")
	ErrNoWalletAccount = sentinel(ErrorCodeNoWalletAccount, "no wallet account")

	ErrVerificationExpired = sentinel(ErrorCodeVerificationExpired, "email verification expired")
	ErrCosignerUnavailable = sentinel(ErrorCodeCosignerUnavailable, "cosigner unavailable")
	ErrCosignerRejected    = sentinel(ErrorCodeCosignerRejected, "cosigner rejected the request")

	ErrValidation = sentinel(ErrorCodeCommonValidationError, "invalid input")
)

func sentinel(code, userMessage string) *WesError {
	return &WesError{
		Code:        code,
		Layer:       LayerWalletBackground,
		UserMessage: userMessage,
	}
}

// Errorf 基于哨兵错误创建带详情的新错误，原哨兵不被修改
func Errorf(kind *WesError, format string, args ...interface{}) *WesError {
	e := *kind
	e.Detail = fmt.Sprintf(format, args...)
	return &e
}

// Wrap 基于哨兵错误包装底层原因
func Wrap(kind *WesError, cause error) *WesError {
	e := *kind
	e.Err = cause
	if cause != nil {
		e.Detail = cause.Error()
	}
	return &e
}
