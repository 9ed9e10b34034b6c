package wallet

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

// ErrInvalidPassword 密码错误（MAC 校验失败）
var ErrInvalidPassword = errors.New("invalid password")

// ErrKeyNotFound 账户没有对应的签名密钥
var ErrKeyNotFound = errors.New("signing key not found")

// DefaultKDFIterations PBKDF2 默认迭代次数
const DefaultKDFIterations = 262144

// KeyRing 账户签名密钥来源
type KeyRing interface {
	// PrivateKey 返回账户的 secp256k1 私钥（32 字节）
	PrivateKey(ctx context.Context, address string) ([]byte, error)
}

// Keystore Keystore文件结构
type Keystore struct {
	Version int    `json:"version"`
	ID      string `json:"id"`
	Address string `json:"address"`
	Crypto  Crypto `json:"crypto"`
}

// Crypto 加密信息
type Crypto struct {
	Cipher       string                 `json:"cipher"`
	CipherText   string                 `json:"ciphertext"`
	CipherParams CipherParams           `json:"cipherparams"`
	KDF          string                 `json:"kdf"`
	KDFParams    map[string]interface{} `json:"kdfparams"`
	MAC          string                 `json:"mac"`
}

// CipherParams 加密参数
type CipherParams struct {
	IV string `json:"iv"`
}

// KeystoreManager Keystore管理器（每个账户一个 JSON 文件）
type KeystoreManager struct {
	keystoreDir string
	iterations  int
}

// KeystoreOption Keystore 选项
type KeystoreOption func(*KeystoreManager)

// WithKDFIterations 设置 PBKDF2 迭代次数（测试中使用较小值）
func WithKDFIterations(n int) KeystoreOption {
	return func(km *KeystoreManager) {
		if n > 0 {
			km.iterations = n
		}
	}
}

// NewKeystoreManager 创建Keystore管理器
func NewKeystoreManager(keystoreDir string, opts ...KeystoreOption) (*KeystoreManager, error) {
	if err := os.MkdirAll(keystoreDir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	km := &KeystoreManager{
		keystoreDir: keystoreDir,
		iterations:  DefaultKDFIterations,
	}
	for _, opt := range opts {
		opt(km)
	}
	return km, nil
}

// Save 加密保存私钥，返回文件路径
func (km *KeystoreManager) Save(address string, privateKey []byte, password string) (string, error) {
	address = NormalizeAddress(address)

	salt := make([]byte, 32)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	derived := pbkdf2.Key([]byte(password), salt, km.iterations, 32, sha256.New)
	ciphertext, err := aesCTR(derived[:16], privateKey, iv)
	if err != nil {
		return "", fmt.Errorf("encrypt private key: %w", err)
	}

	keystore := &Keystore{
		Version: 3,
		ID:      uuid.NewString(),
		Address: address,
		Crypto: Crypto{
			Cipher:     "aes-128-ctr",
			CipherText: hex.EncodeToString(ciphertext),
			CipherParams: CipherParams{
				IV: hex.EncodeToString(iv),
			},
			KDF: "pbkdf2",
			KDFParams: map[string]interface{}{
				"c":     km.iterations,
				"dklen": 32,
				"prf":   "hmac-sha256",
				"salt":  hex.EncodeToString(salt),
			},
			MAC: hex.EncodeToString(computeMAC(derived, ciphertext)),
		},
	}

	data, err := json.MarshalIndent(keystore, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode keystore: %w", err)
	}
	keystorePath := km.path(address)
	if err := os.WriteFile(keystorePath, data, 0600); err != nil {
		return "", fmt.Errorf("write keystore file: %w", err)
	}
	return keystorePath, nil
}

// Load 解密私钥
func (km *KeystoreManager) Load(address string, password string) ([]byte, error) {
	data, err := os.ReadFile(km.path(NormalizeAddress(address)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, address)
		}
		return nil, fmt.Errorf("read keystore file: %w", err)
	}

	var keystore Keystore
	if err := json.Unmarshal(data, &keystore); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}

	saltHex, ok := keystore.Crypto.KDFParams["salt"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid salt")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	iterations, ok := keystore.Crypto.KDFParams["c"].(float64)
	if !ok || iterations <= 0 {
		return nil, fmt.Errorf("invalid kdf iterations")
	}
	iv, err := hex.DecodeString(keystore.Crypto.CipherParams.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	ciphertext, err := hex.DecodeString(keystore.Crypto.CipherText)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	actualMAC, err := hex.DecodeString(keystore.Crypto.MAC)
	if err != nil {
		return nil, fmt.Errorf("decode mac: %w", err)
	}

	derived := pbkdf2.Key([]byte(password), salt, int(iterations), 32, sha256.New)
	if subtle.ConstantTimeCompare(computeMAC(derived, ciphertext), actualMAC) != 1 {
		return nil, ErrInvalidPassword
	}

	privateKey, err := aesCTR(derived[:16], ciphertext, iv)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	return privateKey, nil
}

// Unlock 返回以 password 解密的 KeyRing
func (km *KeystoreManager) Unlock(password string) KeyRing {
	return &unlockedKeystore{km: km, password: password}
}

func (km *KeystoreManager) path(address string) string {
	return filepath.Join(km.keystoreDir, fmt.Sprintf("%s.json", address))
}

type unlockedKeystore struct {
	km       *KeystoreManager
	password string
}

func (u *unlockedKeystore) PrivateKey(ctx context.Context, address string) ([]byte, error) {
	return u.km.Load(address, u.password)
}

// MemoryKeyRing 内存 KeyRing（用于测试和开发）
type MemoryKeyRing struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewMemoryKeyRing 创建内存 KeyRing
func NewMemoryKeyRing() *MemoryKeyRing {
	return &MemoryKeyRing{keys: make(map[string][]byte)}
}

// Add 添加账户私钥
func (m *MemoryKeyRing) Add(address string, privateKey []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[NormalizeAddress(address)] = append([]byte(nil), privateKey...)
}

// PrivateKey 返回账户私钥
func (m *MemoryKeyRing) PrivateKey(ctx context.Context, address string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[NormalizeAddress(address)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, address)
	}
	return append([]byte(nil), key...), nil
}

// aesCTR AES-CTR 加解密（对称）
func aesCTR(key, input, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, iv)
	out := make([]byte, len(input))
	stream.XORKeyStream(out, input)
	return out, nil
}

// computeMAC keccak256(derivedKey[16:32] || ciphertext)
func computeMAC(derived, ciphertext []byte) []byte {
	return ethcrypto.Keccak256(derived[16:32], ciphertext)
}
