package shield

import (
	"context"
	"sync"
	"time"
)

// FreshnessWindow 邮箱验证有效期，超过后联合签名前必须重新验证
const FreshnessWindow = 30 * 24 * time.Hour

// Device 本设备的验证凭据
//
// 每个钱包安装只有一条记录。VerifiedEmail 非空表示邮箱已通过后端 2FA 验证。
type Device struct {
	// SigningKey 设备签名密钥（PEM 编码的 P-256 私钥），用于向联合签名服务认证
	SigningKey string `json:"signingKey"`

	VerifiedEmail string    `json:"verifiedEmail,omitempty"`
	VerifiedAt    time.Time `json:"verifiedAt,omitempty"`
}

// IsVerified 是否存在已验证邮箱
func (d *Device) IsVerified() bool {
	return d != nil && d.VerifiedEmail != ""
}

// IsExpired 已验证邮箱是否超出有效期
//
// 未验证的设备视为过期。
func (d *Device) IsExpired(now time.Time) bool {
	if !d.IsVerified() {
		return true
	}
	return now.Sub(d.VerifiedAt) > FreshnessWindow
}

// DeviceStore 设备凭据存储
type DeviceStore interface {
	// GetDevice 读取设备记录，不存在时返回 nil, nil
	GetDevice(ctx context.Context) (*Device, error)

	// PutDevice 写入（覆盖）设备记录
	PutDevice(ctx context.Context, device *Device) error

	// DeleteDevice 删除设备记录，不存在时为空操作
	DeleteDevice(ctx context.Context) error
}

// MemoryDeviceStore 内存设备存储（用于测试和开发）
type MemoryDeviceStore struct {
	mu     sync.RWMutex
	device *Device
}

var _ DeviceStore = (*MemoryDeviceStore)(nil)

// NewMemoryDeviceStore 创建内存设备存储
func NewMemoryDeviceStore() *MemoryDeviceStore {
	return &MemoryDeviceStore{}
}

// GetDevice 读取设备记录
func (s *MemoryDeviceStore) GetDevice(ctx context.Context) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.device == nil {
		return nil, nil
	}
	d := *s.device
	return &d, nil
}

// PutDevice 写入设备记录
func (s *MemoryDeviceStore) PutDevice(ctx context.Context, device *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device == nil {
		s.device = nil
		return nil
	}
	d := *device
	s.device = &d
	return nil
}

// DeleteDevice 删除设备记录
func (s *MemoryDeviceStore) DeleteDevice(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = nil
	return nil
}
