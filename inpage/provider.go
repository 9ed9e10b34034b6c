// Package inpage 页面侧钱包对象：dapp 通过它连接钱包、发起请求并等待审批结果。
package inpage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/weisyn/wallet-extension-go/messaging"
	"github.com/weisyn/wallet-extension-go/preauth"
	"github.com/weisyn/wallet-extension-go/types"
	"github.com/weisyn/wallet-extension-go/utils"
	"github.com/weisyn/wallet-extension-go/wallet"
)

// Version 钱包对象版本
const Version = "1.0.6"

const (
	// ConnectTimeout 等待用户处理连接请求的时间
	ConnectTimeout = 10 * time.Minute

	// DefaultActionTimeout 等待动作审批和执行结果的时间
	DefaultActionTimeout = 10 * time.Minute

	// DefaultRequestTimeout 不需要用户参与的请求（预授权查询、入队确认）
	DefaultRequestTimeout = 10 * time.Second
)

// Event 钱包事件
type Event string

const (
	EventAccountsChanged Event = "accountsChanged"
	EventNetworkChanged  Event = "networkChanged"
)

// ErrUnknownEvent 不支持的事件名
var ErrUnknownEvent = errors.New("unknown event")

// EventHandler 事件回调：accountsChanged 传入地址列表，networkChanged 传入网络 ID
type EventHandler func(values []string)

type eventHandler struct {
	id    uint64
	event Event
	fn    EventHandler
}

// Provider 页面侧钱包对象
//
// 每个页面一个实例，host 为页面来源。
type Provider struct {
	bus            messaging.Bus
	host           string
	connectTimeout time.Duration
	actionTimeout  time.Duration
	requestTimeout time.Duration
	logger         utils.Logger

	mu        sync.RWMutex
	account   *Account
	connected bool
	handlers  []eventHandler
	nextID    uint64
	sub       *messaging.Subscription
	stop      context.CancelFunc
	done      chan struct{}
}

// Option 选项
type Option func(*Provider)

// WithConnectTimeout 设置连接等待时间
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.connectTimeout = d
	}
}

// WithActionTimeout 设置动作结果等待时间
func WithActionTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.actionTimeout = d
	}
}

// WithRequestTimeout 设置普通请求等待时间
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.requestTimeout = d
	}
}

// WithLogger 设置日志
func WithLogger(logger utils.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// NewProvider 创建页面钱包对象
func NewProvider(bus messaging.Bus, host string, opts ...Option) *Provider {
	p := &Provider{
		bus:            bus,
		host:           preauth.NormalizeHost(host),
		connectTimeout: ConnectTimeout,
		actionTimeout:  DefaultActionTimeout,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = utils.OrDefault(p.logger)
	return p
}

// Host 页面来源
func (p *Provider) Host() string {
	return p.host
}

// Version 钱包对象版本
func (p *Provider) Version() string {
	return Version
}

// Enable 请求连接钱包，返回已连接的地址
//
// 两个等待者在发送 CONNECT_DAPP 之前布置。CONNECT_DAPP_RES 只按消息类型关联，
// 同一总线上并发的两次连接会被第一条响应同时完成。REJECT_PREAUTHORIZATION
// 不带 host 时视为拒绝当前连接，带 host 时只接受本页面的。
func (p *Provider) Enable(ctx context.Context) ([]string, error) {
	connected := p.bus.Wait(messaging.TypeConnectDappRes, nil)
	rejected := p.bus.Wait(messaging.TypeRejectPreauthorize, messaging.MatchFieldOrAbsent("host", p.host))

	if err := p.send(ctx, messaging.TypeConnectDapp, messaging.HostData{Host: p.host}); err != nil {
		connected.Cancel()
		rejected.Cancel()
		return nil, err
	}

	idx, msg, err := messaging.Race(ctx, p.connectTimeout, connected, rejected)
	if err != nil {
		return nil, err
	}
	if idx == 1 {
		return nil, types.Errorf(types.ErrUserAborted, "connection to %s rejected", p.host)
	}

	var res messaging.ConnectDappResData
	if err := msg.Decode(&res); err != nil {
		return nil, err
	}
	if res.Address == "" {
		return nil, types.ErrNoWalletAccount
	}

	p.mu.Lock()
	p.account = &Account{Address: res.Address, Network: res.Network, provider: p}
	p.connected = true
	p.mu.Unlock()
	p.logger.Info("wallet connected", "host", p.host, "address", res.Address, "chainId", res.Network.ChainID)
	return []string{res.Address}, nil
}

// IsPreauthorized 当前页面是否已被选中账户预授权
func (p *Provider) IsPreauthorized(ctx context.Context) (bool, error) {
	msg, err := messaging.NewMessage(messaging.TypeIsPreauthorized, messaging.HostData{Host: p.host})
	if err != nil {
		return false, err
	}
	res, err := messaging.Request(ctx, p.bus, msg, messaging.TypeIsPreauthorizedRes,
		messaging.MatchField("host", p.host), p.requestTimeout)
	if err != nil {
		return false, err
	}
	var data messaging.IsPreauthorizedResData
	if err := res.Decode(&data); err != nil {
		return false, err
	}
	return data.Value, nil
}

// Account 已连接账户，未连接时为 nil
func (p *Provider) Account() *Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.account
}

// SelectedAddress 已连接账户地址
func (p *Provider) SelectedAddress() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.account == nil {
		return ""
	}
	return p.account.Address
}

// ChainID 已连接账户所在网络的 chainId
func (p *Provider) ChainID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.account == nil {
		return ""
	}
	return p.account.Network.ChainID
}

// IsConnected 是否已连接
func (p *Provider) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// On 注册事件回调，返回用于 Off 的标识
//
// 首次注册时开始监听后台的账户 / 网络变化事件。
func (p *Provider) On(event Event, fn EventHandler) (uint64, error) {
	if event != EventAccountsChanged && event != EventNetworkChanged {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.handlers = append(p.handlers, eventHandler{id: p.nextID, event: event, fn: fn})
	if p.sub == nil {
		p.listenLocked()
	}
	return p.nextID, nil
}

// Off 注销事件回调
func (p *Provider) Off(event Event, id uint64) error {
	if event != EventAccountsChanged && event != EventNetworkChanged {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, h := range p.handlers {
		if h.id == id && h.event == event {
			p.handlers = append(p.handlers[:i], p.handlers[i+1:]...)
			break
		}
	}
	return nil
}

// Close 停止事件监听
func (p *Provider) Close() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.sub, p.stop, p.done = nil, nil, nil
	p.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}

func (p *Provider) listenLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	p.sub = p.bus.Subscribe(messaging.TypeSelectedAccountChng, messaging.TypeNetworkChanged)
	p.stop = cancel
	p.done = make(chan struct{})
	go p.listen(ctx, p.sub, p.done)
}

func (p *Provider) listen(ctx context.Context, sub *messaging.Subscription, done chan struct{}) {
	defer close(done)
	defer sub.Close()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		switch msg.Type {
		case messaging.TypeSelectedAccountChng:
			var data messaging.AccountChangedData
			if err := msg.Decode(&data); err != nil {
				p.logger.Warn("malformed account event", "error", err)
				continue
			}
			p.dispatch(EventAccountsChanged, p.applyAccount(data.Account))
		case messaging.TypeNetworkChanged:
			var data messaging.NetworkChangedData
			if err := msg.Decode(&data); err != nil {
				p.logger.Warn("malformed network event", "error", err)
				continue
			}
			p.applyNetwork(data.Network)
			p.dispatch(EventNetworkChanged, []string{data.Network.ID})
		}
	}
}

// applyAccount 已连接时跟随后台切换账户，返回新的地址列表
func (p *Provider) applyAccount(account *wallet.Account) []string {
	if account == nil {
		return []string{}
	}
	p.mu.Lock()
	if p.connected {
		p.account = &Account{Address: account.Address, Network: account.Network, provider: p}
	}
	p.mu.Unlock()
	return []string{account.Address}
}

func (p *Provider) applyNetwork(network wallet.Network) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.account != nil {
		p.account = &Account{Address: p.account.Address, Network: network, provider: p}
	}
}

func (p *Provider) dispatch(event Event, values []string) {
	p.mu.RLock()
	var fns []EventHandler
	for _, h := range p.handlers {
		if h.event == event {
			fns = append(fns, h.fn)
		}
	}
	p.mu.RUnlock()
	for _, fn := range fns {
		fn(values)
	}
}

func (p *Provider) send(ctx context.Context, typ string, data interface{}) error {
	msg, err := messaging.NewMessage(typ, data)
	if err != nil {
		return err
	}
	if err := p.bus.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}
