package background

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/weisyn/wallet-extension-go/actions"
	"github.com/weisyn/wallet-extension-go/messaging"
	"github.com/weisyn/wallet-extension-go/signer"
	"github.com/weisyn/wallet-extension-go/types"
	"github.com/weisyn/wallet-extension-go/utils"
	"github.com/weisyn/wallet-extension-go/wallet"
)

var (
	errNoSigners = errors.New("no signer provider configured")
	errNoNetwork = errors.New("no network configured")
)

// execute 执行已批准的动作并发布完成事件
func (s *Service) execute(ctx context.Context, action *actions.Action) {
	ctx, finish := utils.TrackOperation(ctx, "background.execute",
		attribute.String("action.kind", string(action.Kind)),
		attribute.String("action.hash", action.Hash),
	)
	err := s.run(ctx, action)
	finish(err)
	if err == nil {
		return
	}

	s.logger.Warn("action execution failed", "kind", action.Kind, "hash", action.Hash, "error", err)
	if sendErr := s.emitFailure(ctx, action, err); sendErr != nil {
		s.logger.Error("failure event not published", "hash", action.Hash, "error", sendErr)
	}
}

func (s *Service) run(ctx context.Context, action *actions.Action) error {
	completion, ok := messaging.CompletionFor(action.Kind)
	if !ok {
		return types.Errorf(types.ErrValidation, "unknown action kind %q", action.Kind)
	}

	switch action.Kind {
	case actions.KindConnectDapp:
		return s.runConnectDapp(ctx, action)

	case actions.KindRequestToken:
		var token wallet.Token
		if err := action.DecodePayload(&token); err != nil {
			return err
		}
		if err := s.wallet.AddToken(ctx, token); err != nil {
			return err
		}
		return s.send(ctx, completion.Success, messaging.ActionHashData{ActionHash: action.Hash})

	case actions.KindAddNetwork:
		var network wallet.Network
		if err := action.DecodePayload(&network); err != nil {
			return err
		}
		if err := s.wallet.AddNetwork(ctx, network); err != nil {
			return err
		}
		return s.send(ctx, completion.Success, messaging.ActionHashData{ActionHash: action.Hash})

	case actions.KindSwitchNetwork:
		var req actions.SwitchNetworkPayload
		if err := action.DecodePayload(&req); err != nil {
			return err
		}
		network, err := s.wallet.SwitchNetwork(ctx, req.ChainID)
		if err != nil {
			return err
		}
		if err := s.send(ctx, completion.Success, messaging.ActionHashData{ActionHash: action.Hash}); err != nil {
			return err
		}
		return s.send(ctx, messaging.TypeNetworkChanged, messaging.NetworkChangedData{Network: *network})
	}

	account, svc, err := s.signerForSelected(ctx)
	if err != nil {
		return err
	}

	switch action.Kind {
	case actions.KindTransaction:
		var req actions.TransactionPayload
		if err := action.DecodePayload(&req); err != nil {
			return err
		}
		txHash, err := s.invoke(ctx, *account, svc, req.Transactions)
		if err != nil {
			return err
		}
		return s.send(ctx, completion.Success, messaging.SubmittedData{ActionHash: action.Hash, TxHash: txHash})

	case actions.KindSignMessage:
		var req actions.SignMessagePayload
		if err := action.DecodePayload(&req); err != nil {
			return err
		}
		sig, err := svc.SignMessage(ctx, req.TypedData, account.Address)
		if err != nil {
			return err
		}
		return s.send(ctx, completion.Success, messaging.SignatureData{ActionHash: action.Hash, Signature: sig})

	case actions.KindDeployAccount:
		details, err := s.network.DeployAccountDetails(ctx, *account)
		if err != nil {
			return fmt.Errorf("deploy account details: %w", err)
		}
		sig, err := svc.SignDeployAccount(ctx, details)
		if err != nil {
			return err
		}
		txHash, err := s.network.SubmitDeployAccount(ctx, details, sig)
		if err != nil {
			return fmt.Errorf("submit deploy account: %w", err)
		}
		return s.send(ctx, completion.Success, messaging.SubmittedData{
			ActionHash: action.Hash,
			TxHash:     txHash,
			Address:    details.ContractAddress,
		})

	case actions.KindDeclareContract:
		var req actions.DeclareContractPayload
		if err := action.DecodePayload(&req); err != nil {
			return err
		}
		details, err := s.network.DeclareDetails(ctx, *account, req)
		if err != nil {
			return fmt.Errorf("declare details: %w", err)
		}
		sig, err := svc.SignDeclare(ctx, details)
		if err != nil {
			return err
		}
		txHash, err := s.network.SubmitDeclare(ctx, details, req, sig)
		if err != nil {
			return fmt.Errorf("submit declare: %w", err)
		}
		return s.send(ctx, completion.Success, messaging.SubmittedData{ActionHash: action.Hash, TxHash: txHash})

	case actions.KindDeployContract:
		var req actions.DeployContractPayload
		if err := action.DecodePayload(&req); err != nil {
			return err
		}
		txHash, err := s.invoke(ctx, *account, svc, []signer.Call{deployContractCall(req)})
		if err != nil {
			return err
		}
		return s.send(ctx, completion.Success, messaging.SubmittedData{ActionHash: action.Hash, TxHash: txHash})
	}
	return types.Errorf(types.ErrValidation, "unhandled action kind %q", action.Kind)
}

// runConnectDapp 记录预授权并回复连接结果；没有选中账户时回复空地址
func (s *Service) runConnectDapp(ctx context.Context, action *actions.Action) error {
	var req actions.ConnectDappPayload
	if err := action.DecodePayload(&req); err != nil {
		return err
	}
	account, err := s.wallet.SelectedAccount(ctx)
	if err != nil {
		return err
	}
	if account == nil {
		return s.send(ctx, messaging.TypeConnectDappRes, messaging.ConnectDappResData{ActionHash: action.Hash})
	}
	if err := s.preauth.Add(ctx, req.Host, account.Address); err != nil {
		return fmt.Errorf("store preauthorization: %w", err)
	}
	return s.send(ctx, messaging.TypeConnectDappRes, messaging.ConnectDappResData{
		Address:    account.Address,
		Network:    account.Network,
		ActionHash: action.Hash,
	})
}

func (s *Service) signerForSelected(ctx context.Context) (*wallet.Account, signer.SigningService, error) {
	if s.signers == nil {
		return nil, nil, errNoSigners
	}
	if s.network == nil {
		return nil, nil, errNoNetwork
	}
	account, err := s.wallet.SelectedAccount(ctx)
	if err != nil {
		return nil, nil, err
	}
	if account == nil {
		return nil, nil, types.ErrNoWalletAccount
	}
	svc, err := s.signers.SignerFor(ctx, *account)
	if err != nil {
		return nil, nil, err
	}
	return account, svc, nil
}

// invoke 查询交易参数、签名并提交；签名失败时不提交任何交易
func (s *Service) invoke(ctx context.Context, account wallet.Account, svc signer.SigningService, calls []signer.Call) (string, error) {
	details, err := s.network.InvokeDetails(ctx, account, calls)
	if err != nil {
		return "", fmt.Errorf("transaction details: %w", err)
	}
	sig, err := svc.SignTransaction(ctx, calls, details)
	if err != nil {
		return "", err
	}
	txHash, err := s.network.SubmitInvoke(ctx, account, calls, details, sig)
	if err != nil {
		return "", fmt.Errorf("submit transaction: %w", err)
	}
	return txHash, nil
}

// emitFailure 发布动作失败事件
func (s *Service) emitFailure(ctx context.Context, action *actions.Action, err error) error {
	completion, ok := messaging.CompletionFor(action.Kind)
	if !ok {
		return nil
	}
	if action.Kind == actions.KindConnectDapp {
		return s.rejectConnect(ctx, action)
	}
	return s.send(ctx, completion.Failure, messaging.NewFailedData(action.Hash, err))
}

// emitRejection 发布用户拒绝事件
func (s *Service) emitRejection(ctx context.Context, action *actions.Action) error {
	return s.emitFailure(ctx, action, types.ErrUserAborted)
}

func (s *Service) rejectConnect(ctx context.Context, action *actions.Action) error {
	var req actions.ConnectDappPayload
	_ = action.DecodePayload(&req)
	return s.send(ctx, messaging.TypeRejectPreauthorize, messaging.HostData{Host: req.Host, ActionHash: action.Hash})
}
