package actions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Kind 动作类型（同时也是审批界面上的动作标识）
type Kind string

const (
	KindConnectDapp     Kind = "CONNECT_DAPP"
	KindRequestToken    Kind = "REQUEST_TOKEN"
	KindAddNetwork      Kind = "REQUEST_ADD_CUSTOM_NETWORK"
	KindSwitchNetwork   Kind = "REQUEST_SWITCH_CUSTOM_NETWORK"
	KindTransaction     Kind = "TRANSACTION"
	KindSignMessage     Kind = "SIGN"
	KindDeployAccount   Kind = "DEPLOY_ACCOUNT_ACTION"
	KindDeclareContract Kind = "DECLARE_CONTRACT_ACTION"
	KindDeployContract  Kind = "DEPLOY_CONTRACT_ACTION"
)

var knownKinds = map[Kind]struct{}{
	KindConnectDapp:     {},
	KindRequestToken:    {},
	KindAddNetwork:      {},
	KindSwitchNetwork:   {},
	KindTransaction:     {},
	KindSignMessage:     {},
	KindDeployAccount:   {},
	KindDeclareContract: {},
	KindDeployContract:  {},
}

// Valid 是否为已知动作类型
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// IsSigning 是否为需要签名的动作
func (k Kind) IsSigning() bool {
	switch k {
	case KindTransaction, KindSignMessage, KindDeployAccount, KindDeclareContract, KindDeployContract:
		return true
	}
	return false
}

// Status 动作状态，Approved / Rejected 为终态
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Terminal 是否为终态
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Action 待审批动作
type Action struct {
	Kind    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`

	// Hash 由 Kind + Payload 确定性派生，用于所有关联
	Hash string `json:"hash"`

	// CreatedAt 仅用于诊断，不参与排序
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
}

// DecodePayload 将 Payload 解码到 v
func (a *Action) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(a.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", a.Kind, err)
	}
	return nil
}

// Hash 计算动作哈希：keccak256(kind || 0x00 || canonicalJSON(payload))
//
// 任何持有相同 payload 的上下文都能独立算出同一个哈希。
func Hash(kind Kind, payload interface{}) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return hashCanonical(kind, canonical), nil
}

func hashCanonical(kind Kind, canonical []byte) string {
	sum := ethcrypto.Keccak256([]byte(kind), []byte{0}, canonical)
	return hexutil.Encode(sum)
}

// RequestIDField 区分内容相同的两次请求的负载字段
const RequestIDField = "requestId"

// WithRequestID 将 requestId 写入对象负载并返回新的 JSON
//
// 同一 requestId 的重试得到同一哈希；不同请求即使内容相同也不会共用哈希。
func WithRequestID(payload interface{}, id string) (json.RawMessage, error) {
	raw, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("request id needs an object payload")
	}
	encodedID, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields[RequestIDField] = encodedID
	return json.Marshal(fields)
}

// CanonicalJSON 规范化 JSON：对象键排序，数字保持原始字面量
func CanonicalJSON(payload interface{}) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = encoded
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encode canonical payload: %w", err)
	}
	return canonical, nil
}
