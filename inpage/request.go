package inpage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/weisyn/wallet-extension-go/actions"
	"github.com/weisyn/wallet-extension-go/messaging"
	"github.com/weisyn/wallet-extension-go/types"
	"github.com/weisyn/wallet-extension-go/wallet"
)

// Request 类型
const (
	RequestWatchAsset  = "wallet_watchAsset"
	RequestAddChain    = "wallet_addStarknetChain"
	RequestSwitchChain = "wallet_switchStarknetChain"
)

// ErrNotImplemented 不支持的请求类型
var ErrNotImplemented = errors.New("not implemented")

// RequestCall 通用请求
type RequestCall struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// WatchAssetParameters wallet_watchAsset 参数，仅支持 ERC20
type WatchAssetParameters struct {
	Type    string `json:"type"`
	Options struct {
		Address  string `json:"address"`
		Symbol   string `json:"symbol,omitempty"`
		Decimals int    `json:"decimals,omitempty"`
		Name     string `json:"name,omitempty"`
	} `json:"options"`
}

// AddStarknetChainParameters wallet_addStarknetChain 参数
type AddStarknetChainParameters struct {
	ID        string   `json:"id"`
	ChainID   string   `json:"chainId"`
	ChainName string   `json:"chainName"`
	BaseURL   string   `json:"baseUrl,omitempty"`
	RPCURLs   []string `json:"rpcUrls,omitempty"`
}

// SwitchStarknetChainParameter wallet_switchStarknetChain 参数
type SwitchStarknetChainParameter struct {
	ChainID string `json:"chainId"`
}

// Request 处理 dapp 的钱包请求；用户批准返回 true，拒绝返回 false
func (p *Provider) Request(ctx context.Context, call RequestCall) (bool, error) {
	switch call.Type {
	case RequestWatchAsset:
		var params WatchAssetParameters
		if err := json.Unmarshal(call.Params, &params); err != nil {
			return false, types.Wrap(types.ErrValidation, err)
		}
		if params.Type != "ERC20" {
			return false, fmt.Errorf("%w: %s %s", ErrNotImplemented, call.Type, params.Type)
		}
		return p.WatchAsset(ctx, params)
	case RequestAddChain:
		var params AddStarknetChainParameters
		if err := json.Unmarshal(call.Params, &params); err != nil {
			return false, types.Wrap(types.ErrValidation, err)
		}
		return p.AddChain(ctx, params)
	case RequestSwitchChain:
		var params SwitchStarknetChainParameter
		if err := json.Unmarshal(call.Params, &params); err != nil {
			return false, types.Wrap(types.ErrValidation, err)
		}
		return p.SwitchChain(ctx, params)
	}
	return false, fmt.Errorf("%w: %s", ErrNotImplemented, call.Type)
}

// WatchAsset 请求添加代币到当前网络
func (p *Provider) WatchAsset(ctx context.Context, params WatchAssetParameters) (bool, error) {
	token := wallet.Token{
		Address:  params.Options.Address,
		Name:     params.Options.Name,
		Symbol:   params.Options.Symbol,
		Decimals: params.Options.Decimals,
	}
	if account := p.Account(); account != nil {
		token.NetworkID = account.Network.ID
	}
	return p.decide(ctx, actions.KindRequestToken, messaging.TypeRequestToken, messaging.TypeRequestTokenRes, token)
}

// AddChain 请求添加自定义网络
func (p *Provider) AddChain(ctx context.Context, params AddStarknetChainParameters) (bool, error) {
	network := wallet.Network{
		ID:      params.ID,
		Name:    params.ChainName,
		ChainID: params.ChainID,
		NodeURL: params.BaseURL,
	}
	if len(params.RPCURLs) > 0 {
		network.NodeURL = params.RPCURLs[0]
	}
	if network.ID == "" {
		network.ID = strings.ToLower(strings.ReplaceAll(params.ChainName, " ", "-"))
	}
	return p.decide(ctx, actions.KindAddNetwork, messaging.TypeRequestAddNetwork, messaging.TypeAddNetworkRes, network)
}

// SwitchChain 请求切换网络
func (p *Provider) SwitchChain(ctx context.Context, params SwitchStarknetChainParameter) (bool, error) {
	return p.decide(ctx, actions.KindSwitchNetwork, messaging.TypeRequestSwitchNet, messaging.TypeSwitchNetworkRes,
		actions.SwitchNetworkPayload{ChainID: params.ChainID})
}

// decide 用户拒绝不作为错误返回
func (p *Provider) decide(ctx context.Context, kind actions.Kind, reqType, resType string, payload interface{}) (bool, error) {
	_, err := p.submit(ctx, kind, reqType, resType, payload)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, types.ErrUserAborted):
		return false, nil
	default:
		return false, err
	}
}
