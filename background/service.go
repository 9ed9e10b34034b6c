// Package background 后台上下文：唯一持有动作队列和各存储的写权限，
// 通过消息总线响应页面和审批界面的请求并执行已批准的动作。
package background

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/weisyn/wallet-extension-go/actions"
	"github.com/weisyn/wallet-extension-go/messaging"
	"github.com/weisyn/wallet-extension-go/preauth"
	"github.com/weisyn/wallet-extension-go/utils"
	"github.com/weisyn/wallet-extension-go/wallet"
)

// Config 后台服务依赖
//
// Bus / Queue / Preauth / Wallet 必填；Signers 和 Network 缺失时签名类动作执行失败；
// Shield 缺失时 SHIELD_* 请求返回错误。
type Config struct {
	Bus     messaging.Bus
	Queue   *actions.Queue
	Preauth preauth.Store
	Wallet  wallet.Session
	Signers SignerProvider
	Network Network
	Shield  Shield

	// Verifier 可选，用于 SHIELD_STATUS 查询
	Verifier StatusSource

	Logger utils.Logger
}

type handler func(ctx context.Context, msg messaging.Message) error

// Service 后台服务
type Service struct {
	bus      messaging.Bus
	queue    *actions.Queue
	preauth  preauth.Store
	wallet   wallet.Session
	signers  SignerProvider
	network  Network
	shield   Shield
	verifier StatusSource
	logger   utils.Logger

	handlers map[string]handler

	mu           sync.Mutex
	started      bool
	sub          *messaging.Subscription
	cancelUpdate func()
	cancel       context.CancelFunc
	loopDone     chan struct{}
	executions   sync.WaitGroup
}

// New 创建后台服务（未启动）
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Bus == nil:
		return nil, errors.New("background: bus is required")
	case cfg.Queue == nil:
		return nil, errors.New("background: queue is required")
	case cfg.Preauth == nil:
		return nil, errors.New("background: preauthorization store is required")
	case cfg.Wallet == nil:
		return nil, errors.New("background: wallet session is required")
	}

	s := &Service{
		bus:      cfg.Bus,
		queue:    cfg.Queue,
		preauth:  cfg.Preauth,
		wallet:   cfg.Wallet,
		signers:  cfg.Signers,
		network:  cfg.Network,
		shield:   cfg.Shield,
		verifier: cfg.Verifier,
		logger:   utils.OrDefault(cfg.Logger),
	}
	s.handlers = map[string]handler{
		messaging.TypeConnectDapp:            s.handleConnectDapp,
		messaging.TypeConnectAccount:         s.handleConnectAccount,
		messaging.TypeIsPreauthorized:        s.handleIsPreauthorized,
		messaging.TypeRemovePreauthorization: s.handleRemovePreauthorization,
		messaging.TypeRemoveAccount:          s.handleRemoveAccount,
		messaging.TypeGetActions:             s.handleGetActions,
		messaging.TypeApproveAction:          s.handleApprove,
		messaging.TypeRejectAction:           s.handleReject,
		messaging.TypeShieldRequestEmail:     s.handleShieldRequestEmail,
		messaging.TypeShieldConfirmEmail:     s.handleShieldConfirmEmail,
		messaging.TypeShieldResetDevice:      s.handleShieldResetDevice,
		messaging.TypeShieldStatus:           s.handleShieldStatus,

		messaging.TypeRequestToken:       s.pushHandler(actions.KindRequestToken, messaging.TypeRequestTokenRes),
		messaging.TypeRequestAddNetwork:  s.pushHandler(actions.KindAddNetwork, messaging.TypeAddNetworkRes),
		messaging.TypeRequestSwitchNet:   s.pushHandler(actions.KindSwitchNetwork, messaging.TypeSwitchNetworkRes),
		messaging.TypeExecuteTransaction: s.pushHandler(actions.KindTransaction, messaging.TypeExecuteTxRes),
		messaging.TypeSignMessage:        s.pushHandler(actions.KindSignMessage, messaging.TypeSignMessageRes),
		messaging.TypeRequestDeclare:     s.pushHandler(actions.KindDeclareContract, messaging.TypeRequestDeclareRes),
		messaging.TypeRequestDeployContr: s.pushHandler(actions.KindDeployContract, messaging.TypeRequestDeployRes),
		messaging.TypeDeployAccount:      s.pushHandler(actions.KindDeployAccount, messaging.TypeDeployAccountRes),
	}
	return s, nil
}

// Start 订阅请求并启动处理循环
//
// 请求按到达顺序逐条处理；已批准动作的执行在独立 goroutine 中进行，不阻塞后续请求。
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("background: already started")
	}

	subscribed := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		subscribed = append(subscribed, t)
	}
	s.sub = s.bus.Subscribe(subscribed...)
	s.cancelUpdate = s.queue.OnUpdate(s.publishQueue)

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.started = true

	go s.loop(loopCtx)
	s.logger.Info("background service started", "handlers", len(subscribed))
	return nil
}

// Close 停止处理循环并等待进行中的动作执行结束
//
// 队列中的待审批动作保持不变；ctx 到期时不再等待。
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancelUpdate()
	s.sub.Close()
	s.cancel()
	loopDone := s.loopDone
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-loopDone
		s.executions.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("background service stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background: close: %w", ctx.Err())
	}
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			return
		}
		h, ok := s.handlers[msg.Type]
		if !ok {
			continue
		}
		if err := h(ctx, msg); err != nil {
			s.logger.Warn("request handling failed", "type", msg.Type, "error", err)
		}
	}
}

func (s *Service) send(ctx context.Context, typ string, data interface{}) error {
	msg, err := messaging.NewMessage(typ, data)
	if err != nil {
		return err
	}
	if err := s.bus.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

func (s *Service) publishQueue(pending []actions.Action) {
	if err := s.send(context.Background(), messaging.TypeActionsQueueUpdate, messaging.ActionsData{Actions: pending}); err != nil {
		s.logger.Debug("queue update not published", "error", err)
	}
}

// goExecute 启动一个受 Close 等待的执行
func (s *Service) goExecute(fn func()) {
	s.executions.Add(1)
	go func() {
		defer s.executions.Done()
		fn()
	}()
}
