package messaging

import (
	"errors"

	"github.com/weisyn/wallet-extension-go/actions"
	"github.com/weisyn/wallet-extension-go/signer"
	"github.com/weisyn/wallet-extension-go/types"
	"github.com/weisyn/wallet-extension-go/wallet"
)

// 页面 → 后台
const (
	TypeConnectDapp         = "CONNECT_DAPP"
	TypeIsPreauthorized     = "IS_PREAUTHORIZED"
	TypeRequestToken        = "REQUEST_TOKEN"
	TypeRequestAddNetwork   = "REQUEST_ADD_CUSTOM_NETWORK"
	TypeRequestSwitchNet    = "REQUEST_SWITCH_CUSTOM_NETWORK"
	TypeExecuteTransaction  = "EXECUTE_TRANSACTION"
	TypeSignMessage         = "SIGN_MESSAGE"
	TypeRequestDeclare      = "REQUEST_DECLARE_CONTRACT"
	TypeRequestDeployContr  = "REQUEST_DEPLOY_CONTRACT"
	TypeDeployAccount       = "DEPLOY_ACCOUNT"
	TypeConnectDappRes      = "CONNECT_DAPP_RES"
	TypeIsPreauthorizedRes  = "IS_PREAUTHORIZED_RES"
	TypeRequestTokenRes     = "REQUEST_TOKEN_RES"
	TypeAddNetworkRes       = "REQUEST_ADD_CUSTOM_NETWORK_RES"
	TypeSwitchNetworkRes    = "REQUEST_SWITCH_CUSTOM_NETWORK_RES"
	TypeExecuteTxRes        = "EXECUTE_TRANSACTION_RES"
	TypeSignMessageRes      = "SIGN_MESSAGE_RES"
	TypeRequestDeclareRes   = "REQUEST_DECLARE_CONTRACT_RES"
	TypeRequestDeployRes    = "REQUEST_DEPLOY_CONTRACT_RES"
	TypeDeployAccountRes    = "DEPLOY_ACCOUNT_RES"
	TypeRejectPreauthorize  = "REJECT_PREAUTHORIZATION"
	TypeSelectedAccountChng = "SELECTED_ACCOUNT_CHANGED"
	TypeNetworkChanged      = "NETWORK_CHANGED"
)

// 审批界面 → 后台
const (
	TypeGetActions             = "GET_ACTIONS"
	TypeGetActionsRes          = "GET_ACTIONS_RES"
	TypeActionsQueueUpdate     = "ACTIONS_QUEUE_UPDATE"
	TypeApproveAction          = "APPROVE_ACTION"
	TypeRejectAction           = "REJECT_ACTION"
	TypeConnectAccount         = "CONNECT_ACCOUNT"
	TypeConnectAccountRes      = "CONNECT_ACCOUNT_RES"
	TypeRemovePreauthorization = "REMOVE_PREAUTHORIZATION"
	TypeRemovePreauthRes       = "REMOVE_PREAUTHORIZATION_RES"
	TypeRemoveAccount          = "REMOVE_ACCOUNT"
	TypeRemoveAccountRes       = "REMOVE_ACCOUNT_RES"
	TypeShieldRequestEmail     = "SHIELD_REQUEST_EMAIL"
	TypeShieldRequestEmailRes  = "SHIELD_REQUEST_EMAIL_RES"
	TypeShieldConfirmEmail     = "SHIELD_CONFIRM_EMAIL"
	TypeShieldConfirmEmailRes  = "SHIELD_CONFIRM_EMAIL_RES"
	TypeShieldResetDevice      = "SHIELD_RESET_DEVICE"
	TypeShieldResetDeviceRes   = "SHIELD_RESET_DEVICE_RES"
	TypeShieldStatus           = "SHIELD_STATUS"
	TypeShieldStatusRes        = "SHIELD_STATUS_RES"
)

// 动作完成事件（以 actionHash 关联）
const (
	TypeApproveRequestToken  = "APPROVE_REQUEST_TOKEN"
	TypeRejectRequestToken   = "REJECT_REQUEST_TOKEN"
	TypeApproveAddNetwork    = "APPROVE_REQUEST_ADD_CUSTOM_NETWORK"
	TypeRejectAddNetwork     = "REJECT_REQUEST_ADD_CUSTOM_NETWORK"
	TypeApproveSwitchNetwork = "APPROVE_REQUEST_SWITCH_CUSTOM_NETWORK"
	TypeRejectSwitchNetwork  = "REJECT_REQUEST_SWITCH_CUSTOM_NETWORK"
	TypeTransactionSubmitted = "TRANSACTION_SUBMITTED"
	TypeTransactionFailed    = "TRANSACTION_FAILED"
	TypeSignatureSuccess     = "SIGNATURE_SUCCESS"
	TypeSignatureFailure     = "SIGNATURE_FAILURE"
	TypeDeployAccountSubmit  = "DEPLOY_ACCOUNT_ACTION_SUBMITTED"
	TypeDeployAccountFailed  = "DEPLOY_ACCOUNT_ACTION_FAILED"
	TypeDeclareSubmitted     = "DECLARE_CONTRACT_ACTION_SUBMITTED"
	TypeDeclareFailed        = "DECLARE_CONTRACT_ACTION_FAILED"
	TypeDeployContractSubmit = "DEPLOY_CONTRACT_ACTION_SUBMITTED"
	TypeDeployContractFailed = "DEPLOY_CONTRACT_ACTION_FAILED"
)

// Completion 动作的成功 / 失败完成事件类型
type Completion struct {
	Success string
	Failure string
}

var completions = map[actions.Kind]Completion{
	actions.KindConnectDapp:     {TypeConnectDappRes, TypeRejectPreauthorize},
	actions.KindRequestToken:    {TypeApproveRequestToken, TypeRejectRequestToken},
	actions.KindAddNetwork:      {TypeApproveAddNetwork, TypeRejectAddNetwork},
	actions.KindSwitchNetwork:   {TypeApproveSwitchNetwork, TypeRejectSwitchNetwork},
	actions.KindTransaction:     {TypeTransactionSubmitted, TypeTransactionFailed},
	actions.KindSignMessage:     {TypeSignatureSuccess, TypeSignatureFailure},
	actions.KindDeployAccount:   {TypeDeployAccountSubmit, TypeDeployAccountFailed},
	actions.KindDeclareContract: {TypeDeclareSubmitted, TypeDeclareFailed},
	actions.KindDeployContract:  {TypeDeployContractSubmit, TypeDeployContractFailed},
}

// CompletionFor 动作类型对应的完成事件
func CompletionFor(kind actions.Kind) (Completion, bool) {
	c, ok := completions[kind]
	return c, ok
}

// HostData 只携带 host 的负载
type HostData struct {
	Host       string `json:"host"`
	ActionHash string `json:"actionHash,omitempty"`
}

// ConnectDappResData 连接成功
type ConnectDappResData struct {
	Address    string         `json:"address"`
	Network    wallet.Network `json:"network"`
	ActionHash string         `json:"actionHash,omitempty"`
}

// IsPreauthorizedResData 预授权查询结果
type IsPreauthorizedResData struct {
	Host  string `json:"host"`
	Value bool   `json:"value"`
}

// AddressData 只携带地址的负载
type AddressData struct {
	Address string `json:"address"`
}

// RemovePreauthorizationData 撤销预授权
type RemovePreauthorizationData struct {
	Host    string `json:"host"`
	Address string `json:"address,omitempty"`
}

// ActionHashData 只携带 actionHash 的负载
type ActionHashData struct {
	ActionHash string `json:"actionHash"`
}

// ActionHashesData 批量拒绝
type ActionHashesData struct {
	ActionHashes []string `json:"actionHashes"`
}

// ActionResData 请求入队结果（*_RES）
type ActionResData struct {
	ActionHash string                   `json:"actionHash,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Problem    *types.WesProblemDetails `json:"problem,omitempty"`
}

// ActionsData 待审批动作列表
type ActionsData struct {
	Actions []actions.Action `json:"actions"`
}

// SubmittedData 交易类动作提交成功
type SubmittedData struct {
	ActionHash string `json:"actionHash"`
	TxHash     string `json:"txHash"`

	// Address 部署类动作产生的合约 / 账户地址
	Address string `json:"address,omitempty"`
}

// SignatureData 消息签名成功
type SignatureData struct {
	ActionHash string           `json:"actionHash"`
	Signature  signer.Signature `json:"signature"`
}

// FailedData 动作失败或被拒绝
//
// Problem 保留错误码，接收方可通过 Err 还原并用 errors.Is 判断。
type FailedData struct {
	ActionHash string                   `json:"actionHash"`
	Error      string                   `json:"error"`
	Problem    *types.WesProblemDetails `json:"problem,omitempty"`
}

// NewFailedData 从错误构造失败负载
func NewFailedData(actionHash string, err error) FailedData {
	return FailedData{
		ActionHash: actionHash,
		Error:      err.Error(),
		Problem:    types.ProblemFromError(types.LayerWalletBackground, err),
	}
}

// Err 还原错误
func (d FailedData) Err() error {
	return restoreError(d.Error, d.Problem)
}

// ErrorData 只携带错误的响应（SHIELD_*_RES 等），成功时为空
type ErrorData struct {
	Error   string                   `json:"error,omitempty"`
	Problem *types.WesProblemDetails `json:"problem,omitempty"`
}

// NewErrorData 从错误构造响应，err 为 nil 时为空负载
func NewErrorData(err error) ErrorData {
	if err == nil {
		return ErrorData{}
	}
	return ErrorData{
		Error:   err.Error(),
		Problem: types.ProblemFromError(types.LayerWalletBackground, err),
	}
}

// Err 还原错误，成功时为 nil
func (d ErrorData) Err() error {
	if d.Error == "" && d.Problem == nil {
		return nil
	}
	return restoreError(d.Error, d.Problem)
}

// Err 还原入队错误，成功时为 nil
func (d ActionResData) Err() error {
	if d.Error == "" && d.Problem == nil {
		return nil
	}
	return restoreError(d.Error, d.Problem)
}

// ShieldEmailData 请求发送验证码
type ShieldEmailData struct {
	Email string `json:"email"`
}

// ShieldCodeData 提交验证码
type ShieldCodeData struct {
	Code string `json:"code"`
}

// ShieldStatusResData 当前账户的验证状态与审批界面应进入的页面
type ShieldStatusResData struct {
	Guardian bool   `json:"guardian"`
	State    string `json:"state,omitempty"`
	Route    string `json:"route,omitempty"`

	// Email 打码后的已验证 / 待验证邮箱
	Email string `json:"email,omitempty"`

	ErrorData
}

// AccountChangedData 选中账户变化
type AccountChangedData struct {
	Account *wallet.Account `json:"account"`
}

// NetworkChangedData 网络变化
type NetworkChangedData struct {
	Network wallet.Network `json:"network"`
}

func restoreError(msg string, pd *types.WesProblemDetails) error {
	if pd != nil && pd.Code != "" {
		return types.NewWesErrorFromProblemDetails(pd)
	}
	if msg == "" {
		msg = "unknown error"
	}
	return errors.New(msg)
}
