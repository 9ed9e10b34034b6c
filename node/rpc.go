// Package node 通过节点 JSON-RPC 查询交易参数并提交已签名交易
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/weisyn/wallet-extension-go/actions"
	"github.com/weisyn/wallet-extension-go/background"
	"github.com/weisyn/wallet-extension-go/signer"
	"github.com/weisyn/wallet-extension-go/utils"
	"github.com/weisyn/wallet-extension-go/wallet"
)

// ErrNotDeployable 账户没有部署参数
var ErrNotDeployable = errors.New("account has no deployment data")

// Config 节点配置
type Config struct {
	Endpoint string

	// MaxFee 每笔交易的费用上限（wei）
	MaxFee *big.Int

	// Timeout 单次 RPC 调用超时
	Timeout time.Duration

	Logger utils.Logger
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Endpoint: "http://localhost:5050/rpc",
		MaxFee:   big.NewInt(1e15),
		Timeout:  30 * time.Second,
	}
}

var transactionVersion = big.NewInt(1)

// Network 基于节点 JSON-RPC 的 background.Network 实现
type Network struct {
	rpc     *rpc.Client
	maxFee  *big.Int
	timeout time.Duration
	encoder signer.CalldataEncoder
	logger  utils.Logger
}

var _ background.Network = (*Network)(nil)

// Dial 连接节点
func Dial(ctx context.Context, cfg *Config) (*Network, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c, err := rpc.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial node %s: %w", cfg.Endpoint, err)
	}
	return NewNetwork(c, cfg), nil
}

// NewNetwork 基于已有 RPC 客户端创建
func NewNetwork(c *rpc.Client, cfg *Config) *Network {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	maxFee := cfg.MaxFee
	if maxFee == nil {
		maxFee = DefaultConfig().MaxFee
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	return &Network{
		rpc:     c,
		maxFee:  new(big.Int).Set(maxFee),
		timeout: timeout,
		encoder: signer.FlatCalldataEncoder{},
		logger:  utils.OrDefault(cfg.Logger),
	}
}

// Close 关闭连接
func (n *Network) Close() {
	n.rpc.Close()
}

func (n *Network) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	start := time.Now()
	err := n.rpc.CallContext(ctx, result, method, args...)
	n.logger.Debug("node call", "method", method, "duration", time.Since(start), "error", err)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// ChainID 节点链 ID
func (n *Network) ChainID(ctx context.Context) (string, error) {
	var id string
	if err := n.call(ctx, &id, "starknet_chainId"); err != nil {
		return "", err
	}
	return id, nil
}

// Nonce 账户当前 nonce（pending 块）
func (n *Network) Nonce(ctx context.Context, address string) (*big.Int, error) {
	var nonce string
	if err := n.call(ctx, &nonce, "starknet_getNonce", "pending", address); err != nil {
		return nil, err
	}
	return signer.ParseFelt(nonce)
}

func (n *Network) chainID(ctx context.Context, account wallet.Account) (string, error) {
	if id := strings.TrimSpace(account.Network.ChainID); id != "" {
		return id, nil
	}
	return n.ChainID(ctx)
}

// InvokeDetails invoke 交易参数
func (n *Network) InvokeDetails(ctx context.Context, account wallet.Account, calls []signer.Call) (*signer.TransactionDetails, error) {
	chainID, err := n.chainID(ctx, account)
	if err != nil {
		return nil, err
	}
	nonce, err := n.Nonce(ctx, account.Address)
	if err != nil {
		return nil, err
	}
	return &signer.TransactionDetails{
		WalletAddress: account.Address,
		ChainID:       chainID,
		Nonce:         nonce,
		MaxFee:        new(big.Int).Set(n.maxFee),
		Version:       new(big.Int).Set(transactionVersion),
	}, nil
}

type invokeTransaction struct {
	Type          string   `json:"type"`
	SenderAddress string   `json:"sender_address"`
	Calldata      []string `json:"calldata"`
	MaxFee        string   `json:"max_fee"`
	Version       string   `json:"version"`
	Signature     []string `json:"signature"`
	Nonce         string   `json:"nonce"`
}

type transactionResult struct {
	TransactionHash string `json:"transaction_hash"`
	ContractAddress string `json:"contract_address,omitempty"`
	ClassHash       string `json:"class_hash,omitempty"`
}

// SubmitInvoke 提交 invoke 交易，返回交易哈希
func (n *Network) SubmitInvoke(ctx context.Context, account wallet.Account, calls []signer.Call, details *signer.TransactionDetails, sig signer.Signature) (string, error) {
	calldata, err := n.encoder.Encode(calls)
	if err != nil {
		return "", err
	}
	signature, err := hexSignature(sig)
	if err != nil {
		return "", err
	}
	tx := invokeTransaction{
		Type:          "INVOKE",
		SenderAddress: account.Address,
		Calldata:      hexFelts(calldata),
		MaxFee:        hexutil.EncodeBig(details.MaxFee),
		Version:       hexutil.EncodeBig(details.Version),
		Signature:     signature,
		Nonce:         hexutil.EncodeBig(details.Nonce),
	}
	var res transactionResult
	if err := n.call(ctx, &res, "starknet_addInvokeTransaction", tx); err != nil {
		return "", err
	}
	return res.TransactionHash, nil
}

// DeployAccountDetails 账户部署参数，来自账户的 Deployment 记录
func (n *Network) DeployAccountDetails(ctx context.Context, account wallet.Account) (*signer.DeployAccountDetails, error) {
	if account.Deployment == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotDeployable, account.Address)
	}
	chainID, err := n.chainID(ctx, account)
	if err != nil {
		return nil, err
	}
	return &signer.DeployAccountDetails{
		ContractAddress:     account.Address,
		ClassHash:           account.Deployment.ClassHash,
		ConstructorCalldata: account.Deployment.ConstructorCalldata,
		AddressSalt:         account.Deployment.Salt,
		ChainID:             chainID,
		Nonce:               big.NewInt(0),
		MaxFee:              new(big.Int).Set(n.maxFee),
		Version:             new(big.Int).Set(transactionVersion),
	}, nil
}

type deployAccountTransaction struct {
	Type                string   `json:"type"`
	MaxFee              string   `json:"max_fee"`
	Version             string   `json:"version"`
	Signature           []string `json:"signature"`
	Nonce               string   `json:"nonce"`
	ContractAddressSalt string   `json:"contract_address_salt"`
	ConstructorCalldata []string `json:"constructor_calldata"`
	ClassHash           string   `json:"class_hash"`
}

// SubmitDeployAccount 提交账户部署交易
func (n *Network) SubmitDeployAccount(ctx context.Context, details *signer.DeployAccountDetails, sig signer.Signature) (string, error) {
	signature, err := hexSignature(sig)
	if err != nil {
		return "", err
	}
	ctor, err := hexStrings(details.ConstructorCalldata)
	if err != nil {
		return "", err
	}
	tx := deployAccountTransaction{
		Type:                "DEPLOY_ACCOUNT",
		MaxFee:              hexutil.EncodeBig(details.MaxFee),
		Version:             hexutil.EncodeBig(details.Version),
		Signature:           signature,
		Nonce:               hexutil.EncodeBig(details.Nonce),
		ContractAddressSalt: details.AddressSalt,
		ConstructorCalldata: ctor,
		ClassHash:           details.ClassHash,
	}
	var res transactionResult
	if err := n.call(ctx, &res, "starknet_addDeployAccountTransaction", tx); err != nil {
		return "", err
	}
	if res.ContractAddress != "" && wallet.NormalizeAddress(res.ContractAddress) != wallet.NormalizeAddress(details.ContractAddress) {
		n.logger.Warn("deployed address differs from account address",
			"expected", details.ContractAddress, "deployed", res.ContractAddress)
	}
	return res.TransactionHash, nil
}

// DeclareDetails 合约声明参数
func (n *Network) DeclareDetails(ctx context.Context, account wallet.Account, payload actions.DeclareContractPayload) (*signer.DeclareDetails, error) {
	chainID, err := n.chainID(ctx, account)
	if err != nil {
		return nil, err
	}
	nonce, err := n.Nonce(ctx, account.Address)
	if err != nil {
		return nil, err
	}
	return &signer.DeclareDetails{
		SenderAddress: account.Address,
		ClassHash:     payload.ClassHash,
		ChainID:       chainID,
		Nonce:         nonce,
		MaxFee:        new(big.Int).Set(n.maxFee),
		Version:       new(big.Int).Set(transactionVersion),
	}, nil
}

type declareTransaction struct {
	Type          string          `json:"type"`
	SenderAddress string          `json:"sender_address"`
	MaxFee        string          `json:"max_fee"`
	Version       string          `json:"version"`
	Signature     []string        `json:"signature"`
	Nonce         string          `json:"nonce"`
	ContractClass json.RawMessage `json:"contract_class,omitempty"`
}

// SubmitDeclare 提交合约声明交易
func (n *Network) SubmitDeclare(ctx context.Context, details *signer.DeclareDetails, payload actions.DeclareContractPayload, sig signer.Signature) (string, error) {
	signature, err := hexSignature(sig)
	if err != nil {
		return "", err
	}
	tx := declareTransaction{
		Type:          "DECLARE",
		SenderAddress: details.SenderAddress,
		MaxFee:        hexutil.EncodeBig(details.MaxFee),
		Version:       hexutil.EncodeBig(details.Version),
		Signature:     signature,
		Nonce:         hexutil.EncodeBig(details.Nonce),
		ContractClass: payload.Contract,
	}
	var res transactionResult
	if err := n.call(ctx, &res, "starknet_addDeclareTransaction", tx); err != nil {
		return "", err
	}
	return res.TransactionHash, nil
}

func hexFelts(values []*big.Int) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = signer.ToHex(v)
	}
	return out
}

func hexStrings(values []string) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		felt, err := signer.ParseFelt(v)
		if err != nil {
			return nil, err
		}
		out[i] = signer.ToHex(felt)
	}
	return out, nil
}

// hexSignature 签名在本地以十进制表示，节点接口使用 0x 十六进制
func hexSignature(sig signer.Signature) ([]string, error) {
	return hexStrings(sig)
}
