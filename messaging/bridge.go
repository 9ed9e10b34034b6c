package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weisyn/wallet-extension-go/utils"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20
)

// wsConn 一条 websocket 连接，写操作串行化
type wsConn struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex
	closed int32
}

func (c *wsConn) write(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
	}
}

// readLoop 将连接上收到的消息投递到总线，并标记来源以避免回显
func readLoop(ctx context.Context, c *wsConn, bus Bus, logger utils.Logger) error {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Type == "" {
			logger.Warn("dropping message without type", "conn", c.id)
			continue
		}
		msg.origin = c.id
		if err := bus.Send(ctx, msg); err != nil {
			return err
		}
	}
}

// Hub 后台侧 websocket 接入点
//
// 每条连接收到的消息进入本地总线；本地总线上的消息转发给除来源连接外的所有连接。
type Hub struct {
	bus      Bus
	upgrader websocket.Upgrader
	logger   utils.Logger

	mu    sync.Mutex
	conns map[string]*wsConn

	sub    *Subscription
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// HubOption Hub 选项
type HubOption func(*Hub)

// WithHubLogger 设置日志器
func WithHubLogger(logger utils.Logger) HubOption {
	return func(h *Hub) {
		h.logger = utils.OrDefault(logger)
	}
}

// WithCheckOrigin 设置握手时的来源校验
func WithCheckOrigin(check func(r *http.Request) bool) HubOption {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = check
	}
}

// NewHub 创建接入点并开始转发总线消息
func NewHub(bus Bus, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		bus:    bus,
		logger: utils.DefaultLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns:  make(map[string]*wsConn),
		sub:    bus.Subscribe(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.broadcast()
	return h
}

// ServeHTTP 升级为 websocket 并处理该连接直到断开
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &wsConn{id: "ws:" + uuid.NewString(), conn: conn}
	if !h.add(c) {
		c.close()
		return
	}
	h.logger.Debug("bridge connected", "conn", c.id, "remote", r.RemoteAddr)

	err = readLoop(h.ctx, c, h.bus, h.logger)
	h.remove(c.id)
	c.close()
	if err != nil && !isNormalClose(err) {
		h.logger.Debug("bridge disconnected", "conn", c.id, "error", err)
	}
}

// Connections 当前连接数
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close 断开所有连接并停止转发
func (h *Hub) Close() error {
	h.cancel()
	h.sub.Close()
	<-h.done

	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return nil
}

func (h *Hub) add(c *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns == nil {
		return false
	}
	h.conns[c.id] = c
	return true
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns != nil {
		delete(h.conns, id)
	}
}

func (h *Hub) snapshot() []*wsConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) broadcast() {
	defer close(h.done)
	for {
		msg, err := h.sub.Next(h.ctx)
		if err != nil {
			return
		}
		for _, c := range h.snapshot() {
			if c.id == msg.origin {
				continue
			}
			if err := c.write(msg); err != nil {
				h.logger.Warn("bridge write failed", "conn", c.id, "type", msg.Type, "error", err)
				h.remove(c.id)
				c.close()
			}
		}
	}
}

// Bridge 客户端侧 websocket 桥，把远端 Hub 与本地总线连接起来
//
// 连接断开后按重试策略重连；重连期间本地发出的消息被丢弃。
type Bridge struct {
	url    string
	bus    Bus
	id     string
	dialer *websocket.Dialer
	retry  *utils.RetryConfig
	logger utils.Logger

	mu   sync.Mutex
	conn *wsConn

	sub    *Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// BridgeOption Bridge 选项
type BridgeOption func(*Bridge)

// WithBridgeLogger 设置日志器
func WithBridgeLogger(logger utils.Logger) BridgeOption {
	return func(b *Bridge) {
		b.logger = utils.OrDefault(logger)
	}
}

// WithBridgeRetry 设置连接 / 重连策略，nil 表示不重试
func WithBridgeRetry(cfg *utils.RetryConfig) BridgeOption {
	return func(b *Bridge) {
		b.retry = cfg
	}
}

// WithDialer 设置 websocket 拨号器
func WithDialer(d *websocket.Dialer) BridgeOption {
	return func(b *Bridge) {
		b.dialer = d
	}
}

// DialBridge 连接远端 Hub
//
// endpoint 支持 http(s):// 和 ws(s):// 前缀。
func DialBridge(ctx context.Context, endpoint string, bus Bus, opts ...BridgeOption) (*Bridge, error) {
	b := &Bridge{
		url:    websocketURL(endpoint),
		bus:    bus,
		id:     "bridge:" + uuid.NewString(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		retry:  utils.DefaultRetryConfig(),
		logger: utils.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	conn, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	b.conn = conn
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.sub = bus.Subscribe()

	b.wg.Add(2)
	go b.readLoop(conn)
	go b.writeLoop()
	return b, nil
}

// Close 断开连接
func (b *Bridge) Close() error {
	b.cancel()
	b.sub.Close()

	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		conn.close()
	}
	b.wg.Wait()
	return nil
}

func (b *Bridge) dial(ctx context.Context) (*wsConn, error) {
	var conn *websocket.Conn
	err := utils.WithRetry(ctx, func() error {
		c, _, err := b.dialer.DialContext(ctx, b.url, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, b.retry)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", b.url, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return &wsConn{id: b.id, conn: conn}, nil
}

func (b *Bridge) readLoop(conn *wsConn) {
	defer b.wg.Done()
	for {
		err := readLoop(b.ctx, conn, b.bus, b.logger)
		conn.close()
		if b.ctx.Err() != nil || errors.Is(err, ErrBusClosed) {
			return
		}
		b.logger.Warn("bridge connection lost, reconnecting", "url", b.url, "error", err)

		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()

		next, err := b.dial(b.ctx)
		if err != nil {
			b.logger.Error("bridge reconnect failed", "url", b.url, "error", err)
			return
		}
		b.mu.Lock()
		if b.ctx.Err() != nil {
			b.mu.Unlock()
			next.close()
			return
		}
		b.conn = next
		b.mu.Unlock()
		conn = next
	}
}

func (b *Bridge) writeLoop() {
	defer b.wg.Done()
	for {
		msg, err := b.sub.Next(b.ctx)
		if err != nil {
			return
		}
		if msg.origin == b.id {
			continue
		}
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			b.logger.Warn("bridge offline, dropping message", "type", msg.Type)
			continue
		}
		if err := conn.write(msg); err != nil {
			b.logger.Warn("bridge write failed", "type", msg.Type, "error", err)
		}
	}
}

func websocketURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "ws://"), strings.HasPrefix(endpoint, "wss://"):
		return endpoint
	default:
		return "ws://" + endpoint
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
