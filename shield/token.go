package shield

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenTTL 设备 JWT 有效期
const TokenTTL = time.Hour

// DefaultAudience 设备 JWT 默认 audience
const DefaultAudience = "shield-cosigner"

// DeviceKeys 管理设备签名密钥并签发设备 JWT
//
// 首次使用时生成 P-256 密钥并写入 DeviceStore；设备重置后下一次调用会生成新密钥。
type DeviceKeys struct {
	store    DeviceStore
	now      func() time.Time
	audience string

	mu sync.Mutex
}

// KeysOption 设备密钥选项
type KeysOption func(*DeviceKeys)

// WithKeysClock 注入时钟
func WithKeysClock(now func() time.Time) KeysOption {
	return func(k *DeviceKeys) {
		if now != nil {
			k.now = now
		}
	}
}

// WithAudience 设置 JWT audience
func WithAudience(audience string) KeysOption {
	return func(k *DeviceKeys) {
		if audience != "" {
			k.audience = audience
		}
	}
}

// NewDeviceKeys 创建设备密钥管理器
func NewDeviceKeys(store DeviceStore, opts ...KeysOption) *DeviceKeys {
	k := &DeviceKeys{
		store:    store,
		now:      time.Now,
		audience: DefaultAudience,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Store 底层设备存储
func (k *DeviceKeys) Store() DeviceStore {
	return k.store
}

// Token 签发设备 JWT（ES256）
func (k *DeviceKeys) Token(ctx context.Context) (string, error) {
	device, err := k.EnsureDevice(ctx)
	if err != nil {
		return "", err
	}
	key, err := ParseSigningKey(device.SigningKey)
	if err != nil {
		return "", err
	}
	id, err := DeviceID(&key.PublicKey)
	if err != nil {
		return "", err
	}

	now := k.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   id,
		Audience:  jwt.ClaimStrings{k.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = id
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign device token: %w", err)
	}
	return signed, nil
}

// EnsureDevice 读取设备记录，缺失或没有签名密钥时生成新密钥并持久化
func (k *DeviceKeys) EnsureDevice(ctx context.Context) (*Device, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	device, err := k.store.GetDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	if device != nil && device.SigningKey != "" {
		return device, nil
	}
	if device == nil {
		device = &Device{}
	}
	signingKey, err := GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	device.SigningKey = signingKey
	if err := k.store.PutDevice(ctx, device); err != nil {
		return nil, fmt.Errorf("store device: %w", err)
	}
	return device, nil
}

// Reset 删除设备记录
func (k *DeviceKeys) Reset(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.store.DeleteDevice(ctx); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

// GenerateSigningKey 生成 PEM 编码的 P-256 私钥
func GenerateSigningKey() (string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate device key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal device key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), nil
}

// ParseSigningKey 解析 PEM 编码的设备私钥
func ParseSigningKey(signingKey string) (*ecdsa.PrivateKey, error) {
	if signingKey == "" {
		return nil, errors.New("device signing key is empty")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(signingKey))
	if err != nil {
		return nil, fmt.Errorf("parse device key: %w", err)
	}
	return key, nil
}

// DeviceID 设备标识：公钥 PKIX 编码的 SHA-256
func DeviceID(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal device public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyDeviceToken 校验设备 JWT（联合签名服务侧使用）
func VerifyDeviceToken(token string, pub *ecdsa.PublicKey, audience string, now func() time.Time) (*jwt.RegisteredClaims, error) {
	if now == nil {
		now = time.Now
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify device token: %w", err)
	}
	return claims, nil
}
