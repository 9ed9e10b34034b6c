package actions

import (
	"encoding/json"

	"github.com/weisyn/wallet-extension-go/signer"
)

// ConnectDappPayload 页面连接请求
type ConnectDappPayload struct {
	Host string `json:"host"`

	// RequestID 由后台为每次入队生成
	RequestID string `json:"requestId,omitempty"`
}

// SwitchNetworkPayload 切换网络请求
type SwitchNetworkPayload struct {
	ChainID string `json:"chainId"`
}

// TransactionPayload 交易请求
type TransactionPayload struct {
	Transactions []signer.Call `json:"transactions"`
}

// SignMessagePayload 结构化消息签名请求
type SignMessagePayload struct {
	TypedData json.RawMessage `json:"typedData"`
}

// DeployAccountPayload 账户部署请求
type DeployAccountPayload struct {
	Address string `json:"address"`
}

// DeclareContractPayload 合约声明请求
type DeclareContractPayload struct {
	ClassHash string `json:"classHash"`

	// Contract 编译后的合约（对核心不透明）
	Contract json.RawMessage `json:"contract,omitempty"`
}

// DeployContractPayload 合约部署请求
type DeployContractPayload struct {
	ClassHash           string   `json:"classHash"`
	ConstructorCalldata []string `json:"constructorCalldata,omitempty"`
	Salt                string   `json:"salt,omitempty"`
	Unique              bool     `json:"unique,omitempty"`
}
