package signer

import (
	"context"
	"encoding/json"
	"math/big"
)

// Call 单个合约调用
type Call struct {
	ContractAddress string   `json:"contractAddress"`
	Entrypoint      string   `json:"entrypoint"`
	Calldata        []string `json:"calldata,omitempty"`
}

// TransactionDetails invoke 交易参数
type TransactionDetails struct {
	// WalletAddress 发起账户地址
	WalletAddress string   `json:"walletAddress"`
	ChainID       string   `json:"chainId"`
	Nonce         *big.Int `json:"nonce"`
	MaxFee        *big.Int `json:"maxFee"`
	Version       *big.Int `json:"version"`
}

// DeployAccountDetails 账户部署交易参数
type DeployAccountDetails struct {
	ContractAddress     string   `json:"contractAddress"`
	ClassHash           string   `json:"classHash"`
	ConstructorCalldata []string `json:"constructorCalldata,omitempty"`
	AddressSalt         string   `json:"addressSalt"`
	ChainID             string   `json:"chainId"`
	Nonce               *big.Int `json:"nonce"`
	MaxFee              *big.Int `json:"maxFee"`
	Version             *big.Int `json:"version"`
}

// DeclareDetails 合约声明交易参数
type DeclareDetails struct {
	SenderAddress string   `json:"senderAddress"`
	ClassHash     string   `json:"classHash"`
	ChainID       string   `json:"chainId"`
	Nonce         *big.Int `json:"nonce"`
	MaxFee        *big.Int `json:"maxFee"`
	Version       *big.Int `json:"version"`
}

// Signature 签名（十进制 felt 字符串序列）
type Signature []string

// SigningService 签名服务
//
// BaseSigner 与 GuardianSigner 实现同一接口，调用方不感知是否有联合签名。
type SigningService interface {
	// SignTransaction 签名 invoke 交易
	SignTransaction(ctx context.Context, calls []Call, details *TransactionDetails) (Signature, error)

	// SignMessage 签名结构化消息
	SignMessage(ctx context.Context, typedData json.RawMessage, accountAddress string) (Signature, error)

	// SignDeployAccount 签名账户部署交易
	SignDeployAccount(ctx context.Context, details *DeployAccountDetails) (Signature, error)

	// SignDeclare 签名合约声明交易
	SignDeclare(ctx context.Context, details *DeclareDetails) (Signature, error)
}

// CredentialChecker 验证凭据新鲜度检查（由 shield.Verifier 实现）
type CredentialChecker interface {
	CheckFresh(ctx context.Context) error
}
