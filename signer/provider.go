package signer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/weisyn/wallet-extension-go/utils"
	"github.com/weisyn/wallet-extension-go/wallet"
)

// Provider 按账户选择签名器
//
// 启用 guardian 的账户得到 GuardianSigner，其余账户得到 BaseSigner。
type Provider struct {
	keys        wallet.KeyRing
	cosigner    CosignerClient
	credentials CredentialChecker
	opts        []GuardianOption
	logger      utils.Logger
}

// NewProvider 创建签名器提供者；cosigner / credentials 为空时 guardian 账户无法签名
func NewProvider(keys wallet.KeyRing, cosigner CosignerClient, credentials CredentialChecker, logger utils.Logger, opts ...GuardianOption) *Provider {
	logger = utils.OrDefault(logger)
	return &Provider{
		keys:        keys,
		cosigner:    cosigner,
		credentials: credentials,
		opts:        append([]GuardianOption{WithLogger(logger)}, opts...),
		logger:      logger,
	}
}

// SignerFor 返回账户的签名器
func (p *Provider) SignerFor(ctx context.Context, account wallet.Account) (SigningService, error) {
	raw, err := p.keys.PrivateKey(ctx, account.Address)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	privateKey, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	base, err := NewBaseSigner(privateKey)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("signer loaded", "account", account.Address, "key_id", hexutil.Encode(base.Address()), "guardian", account.HasGuardian())
	if !account.HasGuardian() {
		return base, nil
	}
	if p.cosigner == nil || p.credentials == nil {
		return nil, fmt.Errorf("account %s has a guardian but no cosigner is configured", account.Address)
	}
	return NewGuardianSigner(base, p.cosigner, p.credentials, p.opts...)
}
