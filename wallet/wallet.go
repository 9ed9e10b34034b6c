package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
)

// ErrAccountNotFound 账户不存在
var ErrAccountNotFound = errors.New("account not found")

// ErrNetworkNotFound 网络不存在
var ErrNetworkNotFound = errors.New("network not found")

// Network 网络信息
type Network struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	ChainID string `json:"chainId"`
	NodeURL string `json:"nodeUrl,omitempty"`
}

// Account 钱包账户
type Account struct {
	Address string  `json:"address"`
	Network Network `json:"network"`

	// Guardian 账户绑定的 guardian 地址，非空表示启用联合签名保护
	Guardian string `json:"guardian,omitempty"`

	// Deployment 账户合约的部署参数，账户尚未部署时用于 DEPLOY_ACCOUNT
	Deployment *Deployment `json:"deployment,omitempty"`
}

// Deployment 账户合约部署参数
type Deployment struct {
	ClassHash           string   `json:"classHash"`
	Salt                string   `json:"salt"`
	ConstructorCalldata []string `json:"constructorCalldata,omitempty"`
}

// HasGuardian 是否启用 guardian 保护
func (a Account) HasGuardian() bool {
	return strings.TrimSpace(a.Guardian) != ""
}

// Token 用户关注的代币
type Token struct {
	Address   string `json:"address"`
	NetworkID string `json:"networkId"`
	Name      string `json:"name,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Decimals  int    `json:"decimals,omitempty"`
}

// Session 后台钱包会话（账户 / 网络 / 代币状态）
//
// 由后台上下文独占写入；页面和审批界面只能通过消息总线请求变更。
type Session interface {
	// SelectedAccount 当前选中账户，未选中时返回 nil
	SelectedAccount(ctx context.Context) (*Account, error)

	// SelectAccount 切换当前账户
	SelectAccount(ctx context.Context, address string) (*Account, error)

	// Accounts 全部账户
	Accounts(ctx context.Context) ([]Account, error)

	// RemoveAccount 删除账户
	RemoveAccount(ctx context.Context, address string) error

	// AddToken 添加代币
	AddToken(ctx context.Context, token Token) error

	// AddNetwork 添加自定义网络
	AddNetwork(ctx context.Context, network Network) error

	// SwitchNetwork 按 chainId 切换网络，返回切换后的网络
	SwitchNetwork(ctx context.Context, chainID string) (*Network, error)
}

// NormalizeAddress 将地址规范化为小写、无前导零的 0x 十六进制
//
// 无法解析为数字的输入只做 TrimSpace + 小写处理。
func NormalizeAddress(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return ""
	}
	if !strings.HasPrefix(address, "0x") {
		return address
	}
	n, ok := math.ParseBig256(address)
	if !ok {
		return address
	}
	return hexutil.EncodeBig(n)
}

// MemorySession 内存会话实现（用于测试和开发）
type MemorySession struct {
	mu       sync.RWMutex
	accounts []Account
	selected string
	networks map[string]Network
	tokens   []Token
}

var _ Session = (*MemorySession)(nil)

// NewMemorySession 创建内存会话，第一个账户为默认选中账户
func NewMemorySession(accounts ...Account) *MemorySession {
	s := &MemorySession{
		networks: make(map[string]Network),
	}
	for _, acc := range accounts {
		acc.Address = NormalizeAddress(acc.Address)
		s.accounts = append(s.accounts, acc)
		if acc.Network.ChainID != "" {
			s.networks[acc.Network.ChainID] = acc.Network
		}
	}
	if len(s.accounts) > 0 {
		s.selected = s.accounts[0].Address
	}
	return s
}

// SelectedAccount 当前选中账户
func (s *MemorySession) SelectedAccount(ctx context.Context) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == "" {
		return nil, nil
	}
	acc, ok := s.find(s.selected)
	if !ok {
		return nil, nil
	}
	return &acc, nil
}

// SelectAccount 切换当前账户
func (s *MemorySession) SelectAccount(ctx context.Context, address string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.find(NormalizeAddress(address))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	s.selected = acc.Address
	return &acc, nil
}

// Accounts 全部账户
func (s *MemorySession) Accounts(ctx context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Account, len(s.accounts))
	copy(out, s.accounts)
	return out, nil
}

// RemoveAccount 删除账户
func (s *MemorySession) RemoveAccount(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	address = NormalizeAddress(address)
	for i, acc := range s.accounts {
		if acc.Address == address {
			s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
			if s.selected == address {
				s.selected = ""
				if len(s.accounts) > 0 {
					s.selected = s.accounts[0].Address
				}
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrAccountNotFound, address)
}

// AddToken 添加代币（已存在时忽略）
func (s *MemorySession) AddToken(ctx context.Context, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token.Address = NormalizeAddress(token.Address)
	for _, t := range s.tokens {
		if t.Address == token.Address && t.NetworkID == token.NetworkID {
			return nil
		}
	}
	s.tokens = append(s.tokens, token)
	return nil
}

// Tokens 已添加的代币
func (s *MemorySession) Tokens() []Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Token, len(s.tokens))
	copy(out, s.tokens)
	return out
}

// AddNetwork 添加自定义网络
func (s *MemorySession) AddNetwork(ctx context.Context, network Network) error {
	if strings.TrimSpace(network.ChainID) == "" {
		return fmt.Errorf("chain id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networks[network.ChainID] = network
	return nil
}

// SwitchNetwork 切换选中账户所在网络
func (s *MemorySession) SwitchNetwork(ctx context.Context, chainID string) (*Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	network, ok := s.networks[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNetworkNotFound, chainID)
	}
	for i, acc := range s.accounts {
		if acc.Address == s.selected {
			s.accounts[i].Network = network
		}
	}
	return &network, nil
}

func (s *MemorySession) find(address string) (Account, bool) {
	for _, acc := range s.accounts {
		if acc.Address == address {
			return acc, true
		}
	}
	return Account{}, false
}
