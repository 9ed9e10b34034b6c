package messaging

import (
	"context"
	"errors"
	"sync"

	"github.com/weisyn/wallet-extension-go/utils"
)

// ErrBusClosed 总线已关闭
var ErrBusClosed = errors.New("message bus closed")

// ErrWaitCancelled 等待被显式取消
var ErrWaitCancelled = errors.New("wait cancelled")

// Bus 跨上下文消息总线
//
// 关联协议：先 Wait 布置等待，再 Send 请求，最后读取等待结果。
// Wait 在调用时即生效，之后到达的匹配消息都不会丢失。
type Bus interface {
	// Send 投递消息给所有匹配的等待者和订阅者
	Send(ctx context.Context, msg Message) error

	// Wait 布置一次性等待：第一个类型为 typ 且满足 pred 的消息完成该等待
	Wait(typ string, pred Predicate) *Waiter

	// Subscribe 订阅指定类型（为空时订阅全部类型）
	Subscribe(types ...string) *Subscription
}

// LocalBus 进程内总线
//
// 投递是扇出而非消费：同一条消息完成所有匹配的等待者，并进入所有匹配订阅的信箱。
// 订阅信箱无界，处理函数向自身总线发送消息不会死锁；同一发送方的消息按发送顺序到达。
type LocalBus struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]*Waiter
	subs    map[uint64]*Subscription
	closed  bool
	logger  utils.Logger
}

var _ Bus = (*LocalBus)(nil)

// BusOption 总线选项
type BusOption func(*LocalBus)

// WithLogger 设置日志器
func WithLogger(logger utils.Logger) BusOption {
	return func(b *LocalBus) {
		b.logger = utils.OrDefault(logger)
	}
}

// NewBus 创建进程内总线
func NewBus(opts ...BusOption) *LocalBus {
	b := &LocalBus{
		waiters: make(map[uint64]*Waiter),
		subs:    make(map[uint64]*Subscription),
		logger:  utils.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Send 投递消息
func (b *LocalBus) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}

	for id, w := range b.waiters {
		if w.typ != msg.Type {
			continue
		}
		if w.pred != nil && !w.pred(msg) {
			continue
		}
		delete(b.waiters, id)
		w.resolve(msg, nil)
	}
	for _, s := range b.subs {
		if s.matches(msg.Type) {
			s.push(msg)
		}
	}
	return nil
}

// Wait 布置一次性等待
func (b *LocalBus) Wait(typ string, pred Predicate) *Waiter {
	w := newWaiter(b, typ, pred)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		w.resolve(Message{}, ErrBusClosed)
		return w
	}
	b.nextID++
	w.id = b.nextID
	b.waiters[w.id] = w
	return w
}

// Subscribe 订阅消息类型
func (b *LocalBus) Subscribe(types ...string) *Subscription {
	s := newSubscription(b, types)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeMailbox()
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Pending 当前未完成的等待数量（诊断用）
func (b *LocalBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// Close 关闭总线：未完成的等待以 ErrBusClosed 结束，订阅信箱取完后返回 ErrBusClosed
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, w := range b.waiters {
		delete(b.waiters, id)
		w.resolve(Message{}, ErrBusClosed)
	}
	for id, s := range b.subs {
		delete(b.subs, id)
		s.closeMailbox()
	}
	return nil
}

func (b *LocalBus) removeWaiter(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.waiters, id)
}

func (b *LocalBus) removeSubscription(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Waiter 一次性等待句柄
type Waiter struct {
	bus  *LocalBus
	id   uint64
	typ  string
	pred Predicate

	once sync.Once
	done chan struct{}
	msg  Message
	err  error
}

func newWaiter(b *LocalBus, typ string, pred Predicate) *Waiter {
	return &Waiter{
		bus:  b,
		typ:  typ,
		pred: pred,
		done: make(chan struct{}),
	}
}

func (w *Waiter) resolve(msg Message, err error) {
	w.once.Do(func() {
		w.msg, w.err = msg, err
		close(w.done)
	})
}

// Type 等待的消息类型
func (w *Waiter) Type() string {
	return w.typ
}

// Done 等待完成（收到消息、被取消或总线关闭）时关闭
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Result 阻塞直到等待完成或 ctx 结束
//
// ctx 结束不会撤销等待，调用方应在不再需要时调用 Cancel。
func (w *Waiter) Result(ctx context.Context) (Message, error) {
	select {
	case <-w.done:
		return w.msg, w.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Cancel 撤销等待，已完成的等待不受影响
func (w *Waiter) Cancel() {
	if w.bus != nil && w.id != 0 {
		w.bus.removeWaiter(w.id)
	}
	w.resolve(Message{}, ErrWaitCancelled)
}

// Subscription 订阅句柄（无界信箱）
type Subscription struct {
	bus   *LocalBus
	id    uint64
	types map[string]struct{}

	mu     sync.Mutex
	queue  []Message
	signal chan struct{}
	closed bool
}

func newSubscription(b *LocalBus, types []string) *Subscription {
	s := &Subscription{
		bus:    b,
		signal: make(chan struct{}, 1),
	}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	return s
}

func (s *Subscription) matches(typ string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

func (s *Subscription) push(msg Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) closeMailbox() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.notify()
}

// Next 取出下一条消息；信箱为空时阻塞
//
// 订阅关闭且信箱取空后返回 ErrBusClosed。
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Message{}, ErrBusClosed
		}

		select {
		case <-s.signal:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Close 取消订阅
func (s *Subscription) Close() {
	if s.bus != nil && s.id != 0 {
		s.bus.removeSubscription(s.id)
	}
	s.closeMailbox()
}
