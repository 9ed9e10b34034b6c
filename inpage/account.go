package inpage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/weisyn/wallet-extension-go/actions"
	"github.com/weisyn/wallet-extension-go/messaging"
	"github.com/weisyn/wallet-extension-go/signer"
	"github.com/weisyn/wallet-extension-go/types"
	"github.com/weisyn/wallet-extension-go/wallet"
)

// Account 已连接账户
type Account struct {
	Address string
	Network wallet.Network

	provider *Provider
}

// TransactionResult 交易已提交
type TransactionResult struct {
	TransactionHash string
}

// Execute 发起交易，审批并提交后返回交易哈希
func (a *Account) Execute(ctx context.Context, calls ...signer.Call) (*TransactionResult, error) {
	if len(calls) == 0 {
		return nil, types.Errorf(types.ErrValidation, "execute requires at least one call")
	}
	msg, err := a.provider.submit(ctx, actions.KindTransaction, messaging.TypeExecuteTransaction,
		messaging.TypeExecuteTxRes, actions.TransactionPayload{Transactions: calls})
	if err != nil {
		return nil, err
	}
	return submitted(msg)
}

// SignMessage 请求对结构化数据签名
func (a *Account) SignMessage(ctx context.Context, typedData json.RawMessage) (signer.Signature, error) {
	msg, err := a.provider.submit(ctx, actions.KindSignMessage, messaging.TypeSignMessage,
		messaging.TypeSignMessageRes, actions.SignMessagePayload{TypedData: typedData})
	if err != nil {
		return nil, err
	}
	var data messaging.SignatureData
	if err := msg.Decode(&data); err != nil {
		return nil, err
	}
	return data.Signature, nil
}

// Declare 声明合约类
func (a *Account) Declare(ctx context.Context, payload actions.DeclareContractPayload) (*TransactionResult, error) {
	msg, err := a.provider.submit(ctx, actions.KindDeclareContract, messaging.TypeRequestDeclare,
		messaging.TypeRequestDeclareRes, payload)
	if err != nil {
		return nil, err
	}
	return submitted(msg)
}

// DeployContract 通过通用部署合约部署合约实例
func (a *Account) DeployContract(ctx context.Context, payload actions.DeployContractPayload) (*TransactionResult, error) {
	msg, err := a.provider.submit(ctx, actions.KindDeployContract, messaging.TypeRequestDeployContr,
		messaging.TypeRequestDeployRes, payload)
	if err != nil {
		return nil, err
	}
	return submitted(msg)
}

func submitted(msg messaging.Message) (*TransactionResult, error) {
	var data messaging.SubmittedData
	if err := msg.Decode(&data); err != nil {
		return nil, err
	}
	return &TransactionResult{TransactionHash: data.TxHash}, nil
}

type requestIDKey struct{}

// ContextWithRequestID 指定请求标识；用同一标识重发的请求在前一次仍待审批时返回 ErrDuplicateAction
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// submit 入队一个动作并等待结果
//
// 负载带上 requestId 后在本地计算 actionHash，与后台对同一负载计算的结果一致；
// 三个等待者都在发送前布置：先确认入队（<TYPE>_RES），再等待成功 / 失败事件中最先到达的一个。
func (p *Provider) submit(ctx context.Context, kind actions.Kind, reqType, resType string, payload interface{}) (messaging.Message, error) {
	completion, ok := messaging.CompletionFor(kind)
	if !ok {
		return messaging.Message{}, types.Errorf(types.ErrValidation, "unknown action kind %q", kind)
	}
	data, err := actions.WithRequestID(payload, requestID(ctx))
	if err != nil {
		return messaging.Message{}, types.Wrap(types.ErrValidation, err)
	}
	hash, err := actions.Hash(kind, data)
	if err != nil {
		return messaging.Message{}, err
	}

	queued := p.bus.Wait(resType, messaging.MatchActionHash(hash))
	success := p.bus.Wait(completion.Success, messaging.MatchActionHash(hash))
	failure := p.bus.Wait(completion.Failure, messaging.MatchActionHash(hash))
	cancel := func() {
		queued.Cancel()
		success.Cancel()
		failure.Cancel()
	}

	if err := p.send(ctx, reqType, data); err != nil {
		cancel()
		return messaging.Message{}, err
	}

	_, msg, err := messaging.Race(ctx, p.requestTimeout, queued)
	if err != nil {
		cancel()
		return messaging.Message{}, fmt.Errorf("%s not acknowledged: %w", reqType, err)
	}
	var res messaging.ActionResData
	if err := msg.Decode(&res); err != nil {
		cancel()
		return messaging.Message{}, err
	}
	if err := res.Err(); err != nil {
		cancel()
		return messaging.Message{}, err
	}

	idx, msg, err := messaging.Race(ctx, p.actionTimeout, success, failure)
	if err != nil {
		return messaging.Message{}, err
	}
	if idx == 1 {
		var failed messaging.FailedData
		if err := msg.Decode(&failed); err != nil {
			return messaging.Message{}, err
		}
		return messaging.Message{}, failed.Err()
	}
	return msg, nil
}
