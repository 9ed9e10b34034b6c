package shield

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/weisyn/wallet-extension-go/types"
)

// VerificationStatus 后端返回的邮箱验证状态
type VerificationStatus string

const (
	StatusNotRequested       VerificationStatus = "NOT_REQUESTED"
	StatusVerified           VerificationStatus = "VERIFIED"
	StatusFailed             VerificationStatus = "FAILED"
	StatusExpired            VerificationStatus = "EXPIRED"
	StatusMaxAttemptsReached VerificationStatus = "MAX_ATTEMPTS_REACHED"
)

// VerificationErrorMessage 验证状态对应的用户提示
func VerificationErrorMessage(status VerificationStatus) string {
	switch status {
	case StatusNotRequested:
		return "Verification has not been requested"
	case StatusFailed:
		return "Error validating code, please try again"
	case StatusExpired:
		return "Code has expired, please request a new one"
	case StatusMaxAttemptsReached:
		return "Too many attempts, please try again later"
	default:
		return "Unknown error, please try again"
	}
}

// VerificationError 后端拒绝验证请求
type VerificationError struct {
	Status VerificationStatus
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("email verification %s: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("email verification %s", e.Status)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// UserMessage 面向用户的提示
func (e *VerificationError) UserMessage() string {
	return VerificationErrorMessage(e.Status)
}

var otpPattern = regexp.MustCompile(`^[0-9]{6}$`)

// ValidateOTP 校验一次性验证码格式（6 位数字）
func ValidateOTP(otp string) error {
	if !otpPattern.MatchString(otp) {
		return types.Errorf(types.ErrValidation, "code must be 6 digits")
	}
	return nil
}

// ValidateEmail 校验邮箱格式，返回规范化后的地址
func ValidateEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", types.Errorf(types.ErrValidation, "email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", types.Errorf(types.ErrValidation, "invalid email %q", email)
	}
	return strings.ToLower(addr.Address), nil
}

// ObfuscateEmail 隐藏邮箱本地部分，仅保留首字母，例如 a*****@example.com
func ObfuscateEmail(email string) string {
	if email == "" {
		return ""
	}
	local, domain, found := strings.Cut(email, "@")
	if r := []rune(local); len(r) > 0 {
		local = string(r[:1])
	}
	local += "*****"
	if !found {
		return local
	}
	return local + "@" + domain
}
