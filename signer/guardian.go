package signer

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/weisyn/wallet-extension-go/client"
	"github.com/weisyn/wallet-extension-go/types"
	"github.com/weisyn/wallet-extension-go/utils"
)

// CosignerClient 远程联合签名能力（client.Client 的子集）
type CosignerClient interface {
	Cosign(ctx context.Context, req *client.CosignRequest) (*client.CosignResponse, error)
}

// GuardianSigner 带 guardian 联合签名的签名器
//
// 对 invoke 交易和结构化消息：先由基础签名器签名，再请求远程联合签名，
// 输出为 基础签名 ⧺ 联合签名。任一步失败都不返回部分签名。
// 账户部署和合约声明直接使用基础签名（未联合签名）。
type GuardianSigner struct {
	base        SigningService
	cosigner    CosignerClient
	credentials CredentialChecker
	encoder     CalldataEncoder
	logger      utils.Logger
}

var _ SigningService = (*GuardianSigner)(nil)

// GuardianOption GuardianSigner 选项
type GuardianOption func(*GuardianSigner)

// WithCalldataEncoder 替换 calldata 编码器
func WithCalldataEncoder(encoder CalldataEncoder) GuardianOption {
	return func(g *GuardianSigner) {
		if encoder != nil {
			g.encoder = encoder
		}
	}
}

// WithLogger 设置日志器
func WithLogger(logger utils.Logger) GuardianOption {
	return func(g *GuardianSigner) {
		g.logger = utils.OrDefault(logger)
	}
}

// NewGuardianSigner 创建 GuardianSigner
func NewGuardianSigner(base SigningService, cosigner CosignerClient, credentials CredentialChecker, opts ...GuardianOption) (*GuardianSigner, error) {
	if base == nil {
		return nil, fmt.Errorf("base signer is required")
	}
	if cosigner == nil {
		return nil, fmt.Errorf("cosigner client is required")
	}
	if credentials == nil {
		return nil, fmt.Errorf("credential checker is required")
	}
	g := &GuardianSigner{
		base:        base,
		cosigner:    cosigner,
		credentials: credentials,
		encoder:     FlatCalldataEncoder{},
		logger:      utils.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// cosignTransactionMessage invoke 交易的联合签名请求体
//
// 数值字段为十进制，calldata 为 0x 十六进制，保证相同交易得到逐字节相同的请求。
type cosignTransactionMessage struct {
	ContractAddress string   `json:"contractAddress"`
	Version         string   `json:"version"`
	Calldata        []string `json:"calldata"`
	MaxFee          string   `json:"maxFee"`
	ChainID         string   `json:"chainId"`
	Nonce           string   `json:"nonce"`
}

type cosignMessageMessage struct {
	AccountAddress string          `json:"accountAddress"`
	TypedData      json.RawMessage `json:"typedData"`
}

// Cosign 请求联合签名：检查凭据有效期 → 调用远程服务 → 规范化为十进制 [r, s]
func (g *GuardianSigner) Cosign(ctx context.Context, message interface{}, typ client.CosignType) (sig Signature, err error) {
	ctx, finish := utils.TrackOperation(ctx, "signer.cosign", attribute.String("cosign.type", string(typ)))
	defer func() { finish(err) }()

	if err := g.credentials.CheckFresh(ctx); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode cosign message: %w", err)
	}
	resp, err := g.cosigner.Cosign(ctx, &client.CosignRequest{Message: encoded, Type: typ})
	if err != nil {
		return nil, err
	}

	r, err := ParseFelt(resp.Signature.R)
	if err != nil {
		return nil, types.Wrap(types.ErrCosignerRejected, fmt.Errorf("signature r: %w", err))
	}
	s, err := ParseFelt(resp.Signature.S)
	if err != nil {
		return nil, types.Wrap(types.ErrCosignerRejected, fmt.Errorf("signature s: %w", err))
	}
	return Signature{r.String(), s.String()}, nil
}

// SignTransaction 签名 invoke 交易（基础签名 ⧺ 联合签名）
func (g *GuardianSigner) SignTransaction(ctx context.Context, calls []Call, details *TransactionDetails) (Signature, error) {
	baseSig, err := g.base.SignTransaction(ctx, calls, details)
	if err != nil {
		return nil, err
	}
	message, err := g.TransactionMessage(calls, details)
	if err != nil {
		return nil, err
	}
	cosig, err := g.Cosign(ctx, message, client.CosignTransaction)
	if err != nil {
		return nil, err
	}
	return concat(baseSig, cosig), nil
}

// TransactionMessage 构造 invoke 交易的规范化联合签名请求体
func (g *GuardianSigner) TransactionMessage(calls []Call, details *TransactionDetails) (interface{}, error) {
	if details == nil {
		return nil, types.Errorf(types.ErrValidation, "transaction details are required")
	}
	calldata, err := g.encoder.Encode(calls)
	if err != nil {
		return nil, err
	}
	hexCalldata := make([]string, len(calldata))
	for i, v := range calldata {
		hexCalldata[i] = ToHex(v)
	}
	wallet, err := ParseFelt(details.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("wallet address: %w", err)
	}
	chainID, err := ParseFelt(details.ChainID)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return cosignTransactionMessage{
		ContractAddress: ToHex(wallet),
		Version:         ToDecimal(details.Version),
		Calldata:        hexCalldata,
		MaxFee:          ToDecimal(details.MaxFee),
		ChainID:         ToDecimal(chainID),
		Nonce:           ToDecimal(details.Nonce),
	}, nil
}

// SignMessage 签名结构化消息（基础签名 ⧺ 联合签名）
func (g *GuardianSigner) SignMessage(ctx context.Context, typedData json.RawMessage, accountAddress string) (Signature, error) {
	baseSig, err := g.base.SignMessage(ctx, typedData, accountAddress)
	if err != nil {
		return nil, err
	}
	cosig, err := g.Cosign(ctx, cosignMessageMessage{
		AccountAddress: accountAddress,
		TypedData:      typedData,
	}, client.CosignMessage)
	if err != nil {
		return nil, err
	}
	return concat(baseSig, cosig), nil
}

// SignDeployAccount 账户部署：仅基础签名
func (g *GuardianSigner) SignDeployAccount(ctx context.Context, details *DeployAccountDetails) (Signature, error) {
	g.logger.Warn("Deploy account transaction is not cosigned, using base signature only")
	return g.base.SignDeployAccount(ctx, details)
}

// SignDeclare 合约声明：仅基础签名
func (g *GuardianSigner) SignDeclare(ctx context.Context, details *DeclareDetails) (Signature, error) {
	g.logger.Warn("Declare transaction is not cosigned, using base signature only")
	return g.base.SignDeclare(ctx, details)
}

func concat(a, b Signature) Signature {
	out := make(Signature, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
