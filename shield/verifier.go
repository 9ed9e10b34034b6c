package shield

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weisyn/wallet-extension-go/types"
	"github.com/weisyn/wallet-extension-go/utils"
)

// State 邮箱验证状态
type State string

const (
	StateUnverified   State = "unverified"
	StateEmailPending State = "email_pending"
	StateOTPPending   State = "otp_pending"
	StateVerified     State = "verified"

	// StateExpired 由 VerifiedAt 推导，从不存储
	StateExpired State = "expired"
)

// Route 审批界面在执行 guardian 账户的签名动作前应进入的页面
type Route string

const (
	RouteAction Route = "action"
	RouteEmail  Route = "email"
	RouteOTP    Route = "otp"
)

// EmailBackend 邮箱验证后端（由联合签名服务客户端实现）
type EmailBackend interface {
	RequestEmail(ctx context.Context, email string) error
	ConfirmEmail(ctx context.Context, code string) error
}

// Verifier 邮箱 / OTP 验证流程
//
// 状态迁移：
//
//	Unverified / Expired / Verified --RequestEmail--> EmailPending --发送成功--> OtpPending
//	OtpPending --ConfirmEmail 成功--> Verified
//	任意状态 --ResetDevice--> Unverified
type Verifier struct {
	keys    *DeviceKeys
	backend EmailBackend
	now     func() time.Time
	logger  utils.Logger

	mu           sync.Mutex
	pending      State
	pendingEmail string
}

// VerifierOption 验证器选项
type VerifierOption func(*Verifier)

// WithClock 注入时钟
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLogger 设置日志器
func WithLogger(logger utils.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = utils.OrDefault(logger)
	}
}

// NewVerifier 创建验证器
func NewVerifier(keys *DeviceKeys, backend EmailBackend, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:    keys,
		backend: backend,
		now:     time.Now,
		logger:  utils.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// State 当前验证状态
func (v *Verifier) State(ctx context.Context) (State, error) {
	v.mu.Lock()
	pending := v.pending
	v.mu.Unlock()
	if pending != "" {
		return pending, nil
	}

	device, err := v.keys.Store().GetDevice(ctx)
	if err != nil {
		return "", fmt.Errorf("load device: %w", err)
	}
	switch {
	case !device.IsVerified():
		return StateUnverified, nil
	case device.IsExpired(v.now()):
		return StateExpired, nil
	default:
		return StateVerified, nil
	}
}

// VerifiedEmail 已验证邮箱（可能已过期），没有时返回空字符串
func (v *Verifier) VerifiedEmail(ctx context.Context) (string, error) {
	device, err := v.keys.Store().GetDevice(ctx)
	if err != nil {
		return "", fmt.Errorf("load device: %w", err)
	}
	if !device.IsVerified() {
		return "", nil
	}
	return device.VerifiedEmail, nil
}

// PendingEmail 等待 OTP 确认的邮箱
func (v *Verifier) PendingEmail() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pendingEmail
}

// RequestEmail 请求后端向邮箱发送验证码
//
// OtpPending 状态下再次调用即重新发送。发送失败时回到调用前的状态。
func (v *Verifier) RequestEmail(ctx context.Context, email string) error {
	email, err := ValidateEmail(email)
	if err != nil {
		return err
	}

	v.mu.Lock()
	if v.pending == StateEmailPending {
		v.mu.Unlock()
		return types.Errorf(types.ErrValidation, "email verification already in progress")
	}
	prevState, prevEmail := v.pending, v.pendingEmail
	v.pending, v.pendingEmail = StateEmailPending, email
	v.mu.Unlock()

	if err := v.backend.RequestEmail(ctx, email); err != nil {
		v.mu.Lock()
		v.pending, v.pendingEmail = prevState, prevEmail
		v.mu.Unlock()
		v.logger.Warn("Request verification email failed", "email", ObfuscateEmail(email), "error", err)
		return err
	}

	v.mu.Lock()
	v.pending = StateOTPPending
	v.mu.Unlock()
	v.logger.Info("Verification email sent", "email", ObfuscateEmail(email))
	return nil
}

// ConfirmEmail 提交验证码，成功后持久化已验证邮箱
//
// 验证码错误时保持 OtpPending，可重试；尝试次数由后端统计。
func (v *Verifier) ConfirmEmail(ctx context.Context, otp string) error {
	if err := ValidateOTP(otp); err != nil {
		return err
	}

	v.mu.Lock()
	if v.pending != StateOTPPending {
		v.mu.Unlock()
		return types.Errorf(types.ErrValidation, "no email verification pending")
	}
	email := v.pendingEmail
	v.mu.Unlock()

	if err := v.backend.ConfirmEmail(ctx, otp); err != nil {
		v.logger.Warn("Confirm verification code failed", "email", ObfuscateEmail(email), "error", err)
		return err
	}

	device, err := v.keys.EnsureDevice(ctx)
	if err != nil {
		return err
	}
	device.VerifiedEmail = email
	device.VerifiedAt = v.now().UTC()
	if err := v.keys.Store().PutDevice(ctx, device); err != nil {
		return fmt.Errorf("store verified email: %w", err)
	}

	v.mu.Lock()
	v.pending, v.pendingEmail = "", ""
	v.mu.Unlock()
	v.logger.Info("Email verified", "email", ObfuscateEmail(email))
	return nil
}

// ResetDevice 删除设备凭据，下一次使用时生成新的签名密钥
func (v *Verifier) ResetDevice(ctx context.Context) error {
	if err := v.keys.Reset(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	v.pending, v.pendingEmail = "", ""
	v.mu.Unlock()
	v.logger.Info("Shield device reset")
	return nil
}

// CheckFresh 联合签名前检查验证凭据是否在有效期内
func (v *Verifier) CheckFresh(ctx context.Context) error {
	device, err := v.keys.Store().GetDevice(ctx)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	if !device.IsVerified() {
		return types.Errorf(types.ErrVerificationExpired, "no verified email")
	}
	if device.IsExpired(v.now()) {
		return types.Errorf(types.ErrVerificationExpired, "verified at %s", device.VerifiedAt.Format(time.RFC3339))
	}
	return nil
}

// Token 设备 JWT
func (v *Verifier) Token(ctx context.Context) (string, error) {
	return v.keys.Token(ctx)
}

// Route 决定审批界面进入的页面：无已验证邮箱走邮箱页，已过期走 OTP 重新验证
func (v *Verifier) Route(ctx context.Context, guardianEnabled bool) (Route, error) {
	if !guardianEnabled {
		return RouteAction, nil
	}
	device, err := v.keys.Store().GetDevice(ctx)
	if err != nil {
		return "", fmt.Errorf("load device: %w", err)
	}
	switch {
	case !device.IsVerified():
		return RouteEmail, nil
	case device.IsExpired(v.now()):
		return RouteOTP, nil
	default:
		return RouteAction, nil
	}
}
