package background

import (
	"context"
	"strconv"

	"github.com/weisyn/wallet-extension-go/actions"
	"github.com/weisyn/wallet-extension-go/shield"
	"github.com/weisyn/wallet-extension-go/signer"
	"github.com/weisyn/wallet-extension-go/wallet"
)

// UniversalDeployerAddress 通用部署合约地址，DeployContract 通过它的 deployContract 入口部署
const UniversalDeployerAddress = "0x041a78e741e5af2fec34b695679bc6891742439f7afb8484ecd7766661ad02bf"

// Network 链上交互（查询交易参数、提交已签名交易）
type Network interface {
	InvokeDetails(ctx context.Context, account wallet.Account, calls []signer.Call) (*signer.TransactionDetails, error)
	SubmitInvoke(ctx context.Context, account wallet.Account, calls []signer.Call, details *signer.TransactionDetails, sig signer.Signature) (string, error)

	DeployAccountDetails(ctx context.Context, account wallet.Account) (*signer.DeployAccountDetails, error)
	SubmitDeployAccount(ctx context.Context, details *signer.DeployAccountDetails, sig signer.Signature) (string, error)

	DeclareDetails(ctx context.Context, account wallet.Account, payload actions.DeclareContractPayload) (*signer.DeclareDetails, error)
	SubmitDeclare(ctx context.Context, details *signer.DeclareDetails, payload actions.DeclareContractPayload, sig signer.Signature) (string, error)
}

// SignerProvider 按账户提供签名器（signer.Provider 实现）
type SignerProvider interface {
	SignerFor(ctx context.Context, account wallet.Account) (signer.SigningService, error)
}

// Shield guardian 邮箱验证操作（shield.Verifier 实现）
type Shield interface {
	RequestEmail(ctx context.Context, email string) error
	ConfirmEmail(ctx context.Context, otp string) error
	ResetDevice(ctx context.Context) error
}

// StatusSource guardian 验证状态查询（shield.Verifier 实现）
type StatusSource interface {
	State(ctx context.Context) (shield.State, error)
	Route(ctx context.Context, guardianEnabled bool) (shield.Route, error)
	VerifiedEmail(ctx context.Context) (string, error)
	PendingEmail() string
}

// deployContractCall 把合约部署转换为对通用部署合约的调用
//
// calldata 布局：[classHash, salt, unique, len(constructorCalldata), constructorCalldata...]
func deployContractCall(p actions.DeployContractPayload) signer.Call {
	salt := p.Salt
	if salt == "" {
		salt = "0"
	}
	unique := "0"
	if p.Unique {
		unique = "1"
	}
	calldata := []string{p.ClassHash, salt, unique, strconv.Itoa(len(p.ConstructorCalldata))}
	calldata = append(calldata, p.ConstructorCalldata...)
	return signer.Call{
		ContractAddress: UniversalDeployerAddress,
		Entrypoint:      "deployContract",
		Calldata:        calldata,
	}
}
