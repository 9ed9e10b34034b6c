// Package approval 审批界面驱动：读取队列头部，发出批准 / 拒绝并等待动作结果。
//
// 审批界面只通过消息总线与后台交互，从不直接修改动作。
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weisyn/wallet-extension-go/actions"
	"github.com/weisyn/wallet-extension-go/messaging"
	"github.com/weisyn/wallet-extension-go/shield"
	"github.com/weisyn/wallet-extension-go/types"
	"github.com/weisyn/wallet-extension-go/utils"
)

// DefaultTimeout 单次请求 / 结果等待的默认超时
const DefaultTimeout = 30 * time.Second

// ErrNotHead 默认只允许操作队列头部动作
var ErrNotHead = errors.New("action is not at the head of the queue")

// Outcome 动作结果
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"

	// OutcomeRejected 用户拒绝，或等待期间上下文关闭（视为隐式拒绝）
	OutcomeRejected Outcome = "rejected"

	// OutcomeVerificationRequired 需要先完成邮箱 / OTP 验证，动作未被批准、仍在队列中
	OutcomeVerificationRequired Outcome = "verification_required"
)

// Result 批准后的执行结果
type Result struct {
	Action  actions.Action
	Outcome Outcome

	// Message 完成事件（隐式拒绝时为空）
	Message messaging.Message

	// Err 失败原因，成功时为 nil
	Err error

	// Route OutcomeVerificationRequired 时应进入的验证页面
	Route shield.Route
}

// Surface 审批界面驱动
type Surface struct {
	bus          messaging.Bus
	timeout      time.Duration
	allowNonHead bool
	logger       utils.Logger
}

// Option 驱动选项
type Option func(*Surface)

// WithTimeout 设置等待超时
func WithTimeout(d time.Duration) Option {
	return func(s *Surface) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithNonHeadApproval 允许批准 / 拒绝非头部动作
func WithNonHeadApproval() Option {
	return func(s *Surface) {
		s.allowNonHead = true
	}
}

// WithLogger 设置日志
func WithLogger(logger utils.Logger) Option {
	return func(s *Surface) {
		s.logger = logger
	}
}

// NewSurface 创建审批界面驱动
func NewSurface(bus messaging.Bus, opts ...Option) *Surface {
	s := &Surface{
		bus:     bus,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = utils.OrDefault(s.logger)
	return s
}

func (s *Surface) request(ctx context.Context, typ string, data interface{}, resType string, pred messaging.Predicate) (messaging.Message, error) {
	msg, err := messaging.NewMessage(typ, data)
	if err != nil {
		return messaging.Message{}, err
	}
	return messaging.Request(ctx, s.bus, msg, resType, pred, s.timeout)
}

func (s *Surface) send(ctx context.Context, typ string, data interface{}) error {
	msg, err := messaging.NewMessage(typ, data)
	if err != nil {
		return err
	}
	return s.bus.Send(ctx, msg)
}

// Actions 待审批动作（FIFO）
func (s *Surface) Actions(ctx context.Context) ([]actions.Action, error) {
	msg, err := s.request(ctx, messaging.TypeGetActions, nil, messaging.TypeGetActionsRes, nil)
	if err != nil {
		return nil, fmt.Errorf("get actions: %w", err)
	}
	var res messaging.ActionsData
	if err := msg.Decode(&res); err != nil {
		return nil, err
	}
	return res.Actions, nil
}

// Head 队列头部动作，队列为空时返回 nil
func (s *Surface) Head(ctx context.Context) (*actions.Action, error) {
	pending, err := s.Actions(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	return &pending[0], nil
}

// Watch 每次队列变化时以最新待审批列表调用 fn，直到 ctx 结束
func (s *Surface) Watch(ctx context.Context, fn func([]actions.Action)) error {
	sub := s.bus.Subscribe(messaging.TypeActionsQueueUpdate)
	defer sub.Close()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var res messaging.ActionsData
		if err := msg.Decode(&res); err != nil {
			s.logger.Warn("malformed queue update", "error", err)
			continue
		}
		fn(res.Actions)
	}
}

// checkHead 默认只允许操作头部动作
func (s *Surface) checkHead(ctx context.Context, hash string) error {
	pending, err := s.Actions(ctx)
	if err != nil {
		return err
	}
	for i, a := range pending {
		if a.Hash != hash {
			continue
		}
		if i > 0 && !s.allowNonHead {
			return fmt.Errorf("%w: %s", ErrNotHead, hash)
		}
		return nil
	}
	return types.Errorf(types.ErrUnknownAction, "action %s is not pending", hash)
}

// Approve 批准动作，不等待执行结果
func (s *Surface) Approve(ctx context.Context, action actions.Action) error {
	if err := s.checkHead(ctx, action.Hash); err != nil {
		return err
	}
	return s.send(ctx, messaging.TypeApproveAction, messaging.ActionHashData{ActionHash: action.Hash})
}

// Reject 拒绝动作；未知哈希被后台忽略
func (s *Surface) Reject(ctx context.Context, hashes ...string) error {
	if len(hashes) == 0 {
		return nil
	}
	if !s.allowNonHead && len(hashes) == 1 {
		if err := s.checkHead(ctx, hashes[0]); err != nil {
			return err
		}
	}
	return s.send(ctx, messaging.TypeRejectAction, messaging.ActionHashesData{ActionHashes: hashes})
}

// RejectAll 拒绝全部待审批动作，返回被拒绝的数量
func (s *Surface) RejectAll(ctx context.Context) (int, error) {
	pending, err := s.Actions(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	hashes := make([]string, len(pending))
	for i, a := range pending {
		hashes[i] = a.Hash
	}
	if err := s.send(ctx, messaging.TypeRejectAction, messaging.ActionHashesData{ActionHashes: hashes}); err != nil {
		return 0, err
	}
	return len(hashes), nil
}

// ApproveAndWait 批准动作并等待对应的成功 / 失败事件
//
// 签名类动作先查询 guardian 验证状态：需要验证时不发送批准，返回
// OutcomeVerificationRequired 和应进入的页面，动作留在队列中，验证完成后可再次批准。
//
// 两个等待者在发送批准前布置，以 actionHash 关联。等待期间超时或上下文关闭
// 视为隐式拒绝（OutcomeRejected），此时 Err 为 types.ErrUserAborted。
func (s *Surface) ApproveAndWait(ctx context.Context, action actions.Action) (*Result, error) {
	completion, ok := messaging.CompletionFor(action.Kind)
	if !ok {
		return nil, types.Errorf(types.ErrValidation, "unknown action kind %q", action.Kind)
	}
	if err := s.checkHead(ctx, action.Hash); err != nil {
		return nil, err
	}
	if action.Kind.IsSigning() {
		status, err := s.ShieldStatus(ctx)
		if err != nil {
			return nil, err
		}
		if status.NeedsVerification() {
			s.logger.Info("approval needs verification", "kind", action.Kind, "hash", action.Hash, "route", status.Route)
			return &Result{
				Action:  action,
				Outcome: OutcomeVerificationRequired,
				Err:     types.Errorf(types.ErrVerificationExpired, "complete %s verification first", status.Route),
				Route:   status.Route,
			}, nil
		}
	}

	success := s.bus.Wait(completion.Success, messaging.MatchActionHash(action.Hash))
	failure := s.bus.Wait(completion.Failure, messaging.MatchActionHash(action.Hash))
	if err := s.send(ctx, messaging.TypeApproveAction, messaging.ActionHashData{ActionHash: action.Hash}); err != nil {
		success.Cancel()
		failure.Cancel()
		return nil, fmt.Errorf("approve %s: %w", action.Hash, err)
	}

	idx, msg, err := messaging.Race(ctx, s.timeout, success, failure)
	if err != nil {
		s.logger.Warn("no result for approved action", "kind", action.Kind, "hash", action.Hash, "error", err)
		return &Result{Action: action, Outcome: OutcomeRejected, Err: types.Wrap(types.ErrUserAborted, err)}, nil
	}
	if idx == 0 {
		return &Result{Action: action, Outcome: OutcomeSucceeded, Message: msg}, nil
	}
	return &Result{Action: action, Outcome: OutcomeFailed, Message: msg, Err: failureError(action.Kind, msg)}, nil
}

// failureError 连接被拒绝时负载只有 host，其余失败事件携带错误详情
func failureError(kind actions.Kind, msg messaging.Message) error {
	if kind == actions.KindConnectDapp {
		return types.ErrUserAborted
	}
	var data messaging.FailedData
	if err := msg.Decode(&data); err != nil {
		return err
	}
	return data.Err()
}

// Connect 用指定账户批准连接请求：先切换账户，再批准并等待 CONNECT_DAPP_RES
func (s *Surface) Connect(ctx context.Context, action actions.Action, address string) (*Result, error) {
	if action.Kind != actions.KindConnectDapp {
		return nil, types.Errorf(types.ErrValidation, "connect requires a %s action, got %s", actions.KindConnectDapp, action.Kind)
	}
	msg, err := s.request(ctx, messaging.TypeConnectAccount, messaging.AddressData{Address: address}, messaging.TypeConnectAccountRes, nil)
	if err != nil {
		return nil, fmt.Errorf("connect account: %w", err)
	}
	var res messaging.ErrorData
	if err := msg.Decode(&res); err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("connect account %s: %w", address, err)
	}
	return s.ApproveAndWait(ctx, action)
}

// Disconnect 撤销站点对账户的预授权并拒绝连接请求
func (s *Surface) Disconnect(ctx context.Context, action actions.Action, address string) error {
	var payload actions.ConnectDappPayload
	if err := action.DecodePayload(&payload); err != nil {
		return err
	}
	_, err := s.request(ctx, messaging.TypeRemovePreauthorization,
		messaging.RemovePreauthorizationData{Host: payload.Host, Address: address},
		messaging.TypeRemovePreauthRes, messaging.MatchField("host", payload.Host))
	if err != nil {
		return fmt.Errorf("remove preauthorization: %w", err)
	}
	return s.send(ctx, messaging.TypeRejectAction, messaging.ActionHashesData{ActionHashes: []string{action.Hash}})
}
