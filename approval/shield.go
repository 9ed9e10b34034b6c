package approval

import (
	"context"
	"fmt"

	"github.com/weisyn/wallet-extension-go/messaging"
	"github.com/weisyn/wallet-extension-go/shield"
)

// ShieldStatus 当前账户的 guardian 验证状态
type ShieldStatus struct {
	Guardian bool
	State    shield.State
	Route    shield.Route

	// Email 打码后的邮箱
	Email string
}

// NeedsVerification 是否需要先进入邮箱 / OTP 页面
func (s ShieldStatus) NeedsVerification() bool {
	return s.Guardian && s.Route != "" && s.Route != shield.RouteAction
}

// ShieldStatus 查询当前账户应进入的页面：guardian 账户未验证邮箱时进入邮箱页，验证过期时进入 OTP 页
func (s *Surface) ShieldStatus(ctx context.Context) (*ShieldStatus, error) {
	msg, err := s.request(ctx, messaging.TypeShieldStatus, nil, messaging.TypeShieldStatusRes, nil)
	if err != nil {
		return nil, fmt.Errorf("shield status: %w", err)
	}
	var res messaging.ShieldStatusResData
	if err := msg.Decode(&res); err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return &ShieldStatus{
		Guardian: res.Guardian,
		State:    shield.State(res.State),
		Route:    shield.Route(res.Route),
		Email:    res.Email,
	}, nil
}

// RequestEmail 发送验证码到邮箱（也用于重发）
func (s *Surface) RequestEmail(ctx context.Context, email string) error {
	if _, err := shield.ValidateEmail(email); err != nil {
		return err
	}
	return s.shieldCall(ctx, messaging.TypeShieldRequestEmail, messaging.ShieldEmailData{Email: email}, messaging.TypeShieldRequestEmailRes)
}

// ConfirmEmail 提交 6 位验证码
func (s *Surface) ConfirmEmail(ctx context.Context, code string) error {
	if err := shield.ValidateOTP(code); err != nil {
		return err
	}
	return s.shieldCall(ctx, messaging.TypeShieldConfirmEmail, messaging.ShieldCodeData{Code: code}, messaging.TypeShieldConfirmEmailRes)
}

// ResetDevice 重置设备（丢弃签名密钥和验证记录）
func (s *Surface) ResetDevice(ctx context.Context) error {
	return s.shieldCall(ctx, messaging.TypeShieldResetDevice, nil, messaging.TypeShieldResetDeviceRes)
}

func (s *Surface) shieldCall(ctx context.Context, typ string, data interface{}, resType string) error {
	msg, err := s.request(ctx, typ, data, resType, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", typ, err)
	}
	var res messaging.ErrorData
	if err := msg.Decode(&res); err != nil {
		return err
	}
	return res.Err()
}
