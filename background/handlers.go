package background

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/weisyn/wallet-extension-go/actions"
	"github.com/weisyn/wallet-extension-go/messaging"
	"github.com/weisyn/wallet-extension-go/preauth"
	"github.com/weisyn/wallet-extension-go/shield"
	"github.com/weisyn/wallet-extension-go/types"
	"github.com/weisyn/wallet-extension-go/wallet"
)

var errShieldNotConfigured = errors.New("guardian verification is not configured")

// handleConnectDapp 已预授权的站点 / 账户直接返回连接结果，否则入队等待审批
func (s *Service) handleConnectDapp(ctx context.Context, msg messaging.Message) error {
	var req messaging.HostData
	if err := msg.Decode(&req); err != nil {
		return err
	}
	host := preauth.NormalizeHost(req.Host)
	if host == "" {
		return fmt.Errorf("connect request without host")
	}

	account, err := s.wallet.SelectedAccount(ctx)
	if err != nil {
		return fmt.Errorf("selected account: %w", err)
	}
	if account != nil {
		ok, err := s.preauth.IsPreauthorized(ctx, host, account.Address)
		if err != nil {
			return fmt.Errorf("check preauthorization: %w", err)
		}
		if ok {
			s.logger.Debug("connect served from preauthorization", "host", host, "account", account.Address)
			return s.send(ctx, messaging.TypeConnectDappRes, messaging.ConnectDappResData{
				Address: account.Address,
				Network: account.Network,
			})
		}
	}

	if s.connectPending(host) {
		return nil
	}
	_, err = s.queue.Push(actions.KindConnectDapp, actions.ConnectDappPayload{Host: host, RequestID: uuid.NewString()})
	return err
}

// connectPending 同一站点的连接请求是否已在等待审批
func (s *Service) connectPending(host string) bool {
	for _, action := range s.queue.Pending() {
		if action.Kind != actions.KindConnectDapp {
			continue
		}
		var payload actions.ConnectDappPayload
		if err := action.DecodePayload(&payload); err == nil && payload.Host == host {
			return true
		}
	}
	return false
}

func (s *Service) handleConnectAccount(ctx context.Context, msg messaging.Message) error {
	var req messaging.AddressData
	if err := msg.Decode(&req); err != nil {
		return err
	}
	account, err := s.wallet.SelectAccount(ctx, req.Address)
	if err != nil {
		return s.send(ctx, messaging.TypeConnectAccountRes, messaging.NewErrorData(err))
	}
	if err := s.send(ctx, messaging.TypeConnectAccountRes, messaging.ErrorData{}); err != nil {
		return err
	}
	return s.send(ctx, messaging.TypeSelectedAccountChng, messaging.AccountChangedData{Account: account})
}

func (s *Service) handleIsPreauthorized(ctx context.Context, msg messaging.Message) error {
	var req messaging.HostData
	if err := msg.Decode(&req); err != nil {
		return err
	}
	value := false
	account, err := s.wallet.SelectedAccount(ctx)
	if err != nil {
		return fmt.Errorf("selected account: %w", err)
	}
	if account != nil {
		value, err = s.preauth.IsPreauthorized(ctx, req.Host, account.Address)
		if err != nil {
			return fmt.Errorf("check preauthorization: %w", err)
		}
	}
	return s.send(ctx, messaging.TypeIsPreauthorizedRes, messaging.IsPreauthorizedResData{
		Host:  req.Host,
		Value: value,
	})
}

// handleRemovePreauthorization 未指定地址时撤销当前账户的预授权
func (s *Service) handleRemovePreauthorization(ctx context.Context, msg messaging.Message) error {
	var req messaging.RemovePreauthorizationData
	if err := msg.Decode(&req); err != nil {
		return err
	}
	address := req.Address
	if address == "" {
		account, err := s.wallet.SelectedAccount(ctx)
		if err != nil {
			return fmt.Errorf("selected account: %w", err)
		}
		if account != nil {
			address = account.Address
		}
	}
	if address != "" {
		if err := s.preauth.Remove(ctx, req.Host, address); err != nil {
			return fmt.Errorf("remove preauthorization: %w", err)
		}
	}
	return s.send(ctx, messaging.TypeRemovePreauthRes, messaging.HostData{Host: req.Host})
}

func (s *Service) handleRemoveAccount(ctx context.Context, msg messaging.Message) error {
	var req messaging.AddressData
	if err := msg.Decode(&req); err != nil {
		return err
	}
	if err := s.wallet.RemoveAccount(ctx, req.Address); err != nil && !errors.Is(err, wallet.ErrAccountNotFound) {
		return fmt.Errorf("remove account: %w", err)
	}
	if err := s.preauth.RemoveAccount(ctx, req.Address); err != nil {
		return fmt.Errorf("remove account preauthorizations: %w", err)
	}
	return s.send(ctx, messaging.TypeRemoveAccountRes, messaging.AddressData{Address: req.Address})
}

func (s *Service) handleGetActions(ctx context.Context, _ messaging.Message) error {
	return s.send(ctx, messaging.TypeGetActionsRes, messaging.ActionsData{Actions: s.queue.Pending()})
}

// handleApprove 批准动作并异步执行，结果以完成事件发布
//
// guardian 账户需要重新验证时签名类动作保持待审批，改为发布 SHIELD_STATUS_RES 引导进入验证页面。
func (s *Service) handleApprove(ctx context.Context, msg messaging.Message) error {
	var req messaging.ActionHashData
	if err := msg.Decode(&req); err != nil {
		return err
	}
	if pending := s.queue.Get(req.ActionHash); pending != nil && pending.Kind.IsSigning() {
		status, err := s.shieldStatus(ctx)
		if err == nil && status.Guardian && status.Route != string(shield.RouteAction) {
			s.logger.Warn("approval held until verification", "kind", pending.Kind, "hash", pending.Hash, "route", status.Route)
			return s.send(ctx, messaging.TypeShieldStatusRes, status)
		}
	}
	action, err := s.queue.Approve(req.ActionHash)
	if err != nil {
		return err
	}
	s.logger.Info("action approved", "kind", action.Kind, "hash", action.Hash)
	s.goExecute(func() { s.execute(ctx, action) })
	return nil
}

func (s *Service) handleReject(ctx context.Context, msg messaging.Message) error {
	var req messaging.ActionHashesData
	if err := msg.Decode(&req); err != nil {
		return err
	}
	for _, action := range s.queue.Reject(req.ActionHashes...) {
		s.logger.Info("action rejected", "kind", action.Kind, "hash", action.Hash)
		if err := s.emitRejection(ctx, &action); err != nil {
			return err
		}
	}
	return nil
}

// pushHandler 请求入队并以 <TYPE>_RES 回复 actionHash
//
// 负载先按动作类型解码校验，入队使用原始负载，保证页面侧独立计算的哈希一致。
func (s *Service) pushHandler(kind actions.Kind, resType string) handler {
	return func(ctx context.Context, msg messaging.Message) error {
		// 无法解析的负载算不出哈希，回复中 actionHash 为空
		hash, _ := actions.Hash(kind, msg.Data)
		res := messaging.ActionResData{}
		if err := validatePayload(kind, msg.Data); err != nil {
			res = failedRes(hash, err)
		} else if action, err := s.queue.Push(kind, msg.Data); err != nil {
			res = failedRes(hash, err)
		} else {
			res.ActionHash = action.Hash
		}
		return s.send(ctx, resType, res)
	}
}

func failedRes(hash string, err error) messaging.ActionResData {
	errData := messaging.NewErrorData(err)
	return messaging.ActionResData{ActionHash: hash, Error: errData.Error, Problem: errData.Problem}
}

func validatePayload(kind actions.Kind, data json.RawMessage) error {
	if len(data) == 0 {
		return types.Errorf(types.ErrValidation, "%s request without payload", kind)
	}
	var missing string
	switch kind {
	case actions.KindRequestToken:
		var p wallet.Token
		if err := json.Unmarshal(data, &p); err != nil {
			return types.Wrap(types.ErrValidation, err)
		}
		if strings.TrimSpace(p.Address) == "" {
			missing = "address"
		}
	case actions.KindAddNetwork:
		var p wallet.Network
		if err := json.Unmarshal(data, &p); err != nil {
			return types.Wrap(types.ErrValidation, err)
		}
		if strings.TrimSpace(p.ChainID) == "" {
			missing = "chainId"
		}
	case actions.KindSwitchNetwork:
		var p actions.SwitchNetworkPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return types.Wrap(types.ErrValidation, err)
		}
		if strings.TrimSpace(p.ChainID) == "" {
			missing = "chainId"
		}
	case actions.KindTransaction:
		var p actions.TransactionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return types.Wrap(types.ErrValidation, err)
		}
		if len(p.Transactions) == 0 {
			missing = "transactions"
		}
	case actions.KindSignMessage:
		var p actions.SignMessagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return types.Wrap(types.ErrValidation, err)
		}
		if len(p.TypedData) == 0 {
			missing = "typedData"
		}
	case actions.KindDeclareContract:
		var p actions.DeclareContractPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return types.Wrap(types.ErrValidation, err)
		}
		if p.ClassHash == "" && len(p.Contract) == 0 {
			missing = "classHash"
		}
	case actions.KindDeployContract:
		var p actions.DeployContractPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return types.Wrap(types.ErrValidation, err)
		}
		if p.ClassHash == "" {
			missing = "classHash"
		}
	case actions.KindDeployAccount:
		var p actions.DeployAccountPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return types.Wrap(types.ErrValidation, err)
		}
	}
	if missing != "" {
		return types.Errorf(types.ErrValidation, "%s request missing %s", kind, missing)
	}
	return nil
}

// handleShieldRequestEmail 请求联合签名服务发送验证码；远程调用连同重试在循环外执行
func (s *Service) handleShieldRequestEmail(ctx context.Context, msg messaging.Message) error {
	var req messaging.ShieldEmailData
	if err := msg.Decode(&req); err != nil {
		return err
	}
	s.goShield(ctx, messaging.TypeShieldRequestEmailRes, func(sh Shield) error {
		return sh.RequestEmail(ctx, req.Email)
	})
	return nil
}

func (s *Service) handleShieldConfirmEmail(ctx context.Context, msg messaging.Message) error {
	var req messaging.ShieldCodeData
	if err := msg.Decode(&req); err != nil {
		return err
	}
	s.goShield(ctx, messaging.TypeShieldConfirmEmailRes, func(sh Shield) error {
		return sh.ConfirmEmail(ctx, req.Code)
	})
	return nil
}

func (s *Service) handleShieldResetDevice(ctx context.Context, _ messaging.Message) error {
	s.goShield(ctx, messaging.TypeShieldResetDeviceRes, func(sh Shield) error {
		return sh.ResetDevice(ctx)
	})
	return nil
}

// goShield 异步调用联合签名服务并以 resType 回复结果，处理循环不被阻塞
func (s *Service) goShield(ctx context.Context, resType string, call func(Shield) error) {
	s.goExecute(func() {
		err := errShieldNotConfigured
		if s.shield != nil {
			err = call(s.shield)
		}
		if sendErr := s.send(ctx, resType, messaging.NewErrorData(err)); sendErr != nil {
			s.logger.Warn("shield reply not sent", "type", resType, "error", sendErr)
		}
	})
}

// handleShieldStatus 告知审批界面当前账户是否需要先完成邮箱 / OTP 验证
func (s *Service) handleShieldStatus(ctx context.Context, _ messaging.Message) error {
	res, err := s.shieldStatus(ctx)
	if err != nil {
		res.ErrorData = messaging.NewErrorData(err)
	}
	return s.send(ctx, messaging.TypeShieldStatusRes, res)
}

func (s *Service) shieldStatus(ctx context.Context) (messaging.ShieldStatusResData, error) {
	res := messaging.ShieldStatusResData{Route: string(shield.RouteAction)}
	account, err := s.wallet.SelectedAccount(ctx)
	if err != nil {
		return res, err
	}
	res.Guardian = account != nil && account.HasGuardian()
	if s.verifier == nil {
		if res.Guardian {
			return res, errShieldNotConfigured
		}
		return res, nil
	}

	state, err := s.verifier.State(ctx)
	if err != nil {
		return res, err
	}
	route, err := s.verifier.Route(ctx, res.Guardian)
	if err != nil {
		return res, err
	}
	res.State, res.Route = string(state), string(route)

	email := s.verifier.PendingEmail()
	if email == "" {
		if email, err = s.verifier.VerifiedEmail(ctx); err != nil {
			return res, err
		}
	}
	res.Email = shield.ObfuscateEmail(email)
	return res, nil
}
