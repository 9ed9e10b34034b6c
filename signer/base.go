package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ripemd160"
)

// BaseSigner 账户自身密钥签名器
//
// 签名原语本身被视为不透明能力：对规范化后的交易内容取 Keccak256，
// 使用 secp256k1 私钥签名，输出 [r, s] 十进制字符串。
type BaseSigner struct {
	privateKey *ecdsa.PrivateKey
	address    []byte
}

var _ SigningService = (*BaseSigner)(nil)

// NewBaseSigner 从私钥创建签名器
func NewBaseSigner(privateKey *ecdsa.PrivateKey) (*BaseSigner, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	return &BaseSigner{
		privateKey: privateKey,
		address:    deriveAddress(privateKey),
	}, nil
}

// NewBaseSignerFromHex 从十六进制私钥创建签名器（可带 0x 前缀）
func NewBaseSignerFromHex(privateKeyHex string) (*BaseSigner, error) {
	privateKeyHex = hexRemovePrefix(privateKeyHex)
	if len(privateKeyHex) != 64 {
		return nil, fmt.Errorf("invalid private key length: expected 32 bytes, got %d hex chars", len(privateKeyHex))
	}

	privateKey, err := ethcrypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse secp256k1 private key failed: %w", err)
	}
	return NewBaseSigner(privateKey)
}

// Address 签名密钥派生的 20 字节标识（HASH160(compressed_pubkey)）
func (s *BaseSigner) Address() []byte {
	return s.address
}

// SignTransaction 签名 invoke 交易
func (s *BaseSigner) SignTransaction(ctx context.Context, calls []Call, details *TransactionDetails) (Signature, error) {
	if details == nil {
		return nil, fmt.Errorf("transaction details are required")
	}
	return s.signPayload(ctx, "invoke", struct {
		Calls   []Call              `json:"calls"`
		Details *TransactionDetails `json:"details"`
	}{calls, details})
}

// SignMessage 签名结构化消息
func (s *BaseSigner) SignMessage(ctx context.Context, typedData json.RawMessage, accountAddress string) (Signature, error) {
	if len(typedData) == 0 {
		return nil, fmt.Errorf("typed data is required")
	}
	return s.signPayload(ctx, "message", struct {
		TypedData      json.RawMessage `json:"typedData"`
		AccountAddress string          `json:"accountAddress"`
	}{typedData, accountAddress})
}

// SignDeployAccount 签名账户部署交易
func (s *BaseSigner) SignDeployAccount(ctx context.Context, details *DeployAccountDetails) (Signature, error) {
	if details == nil {
		return nil, fmt.Errorf("deploy account details are required")
	}
	return s.signPayload(ctx, "deploy_account", details)
}

// SignDeclare 签名合约声明交易
func (s *BaseSigner) SignDeclare(ctx context.Context, details *DeclareDetails) (Signature, error) {
	if details == nil {
		return nil, fmt.Errorf("declare details are required")
	}
	return s.signPayload(ctx, "declare", details)
}

func (s *BaseSigner) signPayload(ctx context.Context, prefix string, payload interface{}) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", prefix, err)
	}
	hash := ethcrypto.Keccak256([]byte(prefix), encoded)
	return s.signHash(hash)
}

// signHash 签名哈希值，输出 [r, s]
func (s *BaseSigner) signHash(hash []byte) (Signature, error) {
	sig, err := ethcrypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("ecdsa sign: %w", err)
	}
	// sig = r(32) || s(32) || v(1)
	r := new(big.Int).SetBytes(sig[:32])
	sv := new(big.Int).SetBytes(sig[32:64])
	return Signature{r.String(), sv.String()}, nil
}

// PublicKeyHex 压缩公钥（0x 前缀）
func (s *BaseSigner) PublicKeyHex() string {
	return hexutil.Encode(ethcrypto.CompressPubkey(&s.privateKey.PublicKey))
}

// deriveAddress 从私钥派生地址
// 使用 secp256k1 公钥的 HASH160(compressed_pubkey) 作为 20 字节地址
func deriveAddress(privateKey *ecdsa.PrivateKey) []byte {
	compressed := ethcrypto.CompressPubkey(&privateKey.PublicKey)

	sha := sha256.Sum256(compressed)
	r := ripemd160.New()
	_, _ = r.Write(sha[:])
	return r.Sum(nil)
}

// hexRemovePrefix 移除十六进制字符串的0x前缀
func hexRemovePrefix(hexStr string) string {
	if len(hexStr) >= 2 && (hexStr[:2] == "0x" || hexStr[:2] == "0X") {
		return hexStr[2:]
	}
	return hexStr
}
