package actions

import (
	"sync"
	"time"

	"github.com/weisyn/wallet-extension-go/types"
)

// Queue 待审批动作队列
//
// 队列独占动作生命周期：审批界面只能通过 Approve / Reject 改变动作状态。
// 顺序为严格 FIFO（按插入顺序），Peek 总是返回最早的待审批动作。
type Queue struct {
	mu        sync.Mutex
	pending   []*Action
	retired   map[string]struct{}
	now       func() time.Time
	listeners map[uint64]func([]Action)
	nextID    uint64
}

// Option 队列选项
type Option func(*Queue)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewQueue 创建空队列
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		now:       time.Now,
		retired:   make(map[string]struct{}),
		listeners: make(map[uint64]func([]Action)),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push 追加动作
//
// 同一哈希的动作仍在等待审批、或该哈希已被批准 / 拒绝过时返回 ErrDuplicateAction，队列不变。
// 哈希一旦分配不再复用，内容相同的新请求需携带不同的 requestId（见 WithRequestID）。
func (q *Queue) Push(kind Kind, payload interface{}) (*Action, error) {
	if !kind.Valid() {
		return nil, types.Errorf(types.ErrValidation, "unknown action kind %q", kind)
	}
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return nil, types.Wrap(types.ErrValidation, err)
	}
	hash := hashCanonical(kind, canonical)

	q.mu.Lock()
	if q.indexOf(hash) >= 0 {
		q.mu.Unlock()
		return nil, types.Errorf(types.ErrDuplicateAction, "hash %s", hash)
	}
	if _, used := q.retired[hash]; used {
		q.mu.Unlock()
		return nil, types.Errorf(types.ErrDuplicateAction, "hash %s already used", hash)
	}
	action := &Action{
		Kind:      kind,
		Payload:   canonical,
		Hash:      hash,
		CreatedAt: q.now().UTC(),
		Status:    StatusPending,
	}
	q.pending = append(q.pending, action)
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	notify(listeners, snapshot)
	out := *action
	return &out, nil
}

// Peek 返回最早的待审批动作，队列为空时返回 nil
func (q *Queue) Peek() *Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	out := *q.pending[0]
	return &out
}

// Get 按哈希查找待审批动作
func (q *Queue) Get(hash string) *Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(hash)
	if i < 0 {
		return nil
	}
	out := *q.pending[i]
	return &out
}

// Pending 全部待审批动作（FIFO 顺序）
func (q *Queue) Pending() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot, _ := q.snapshotLocked()
	return snapshot
}

// Len 待审批动作数量
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Approve 批准动作并将其移出待审批集合
//
// 不存在该哈希的待审批动作时返回 ErrUnknownAction；因此重复批准同一动作必然失败。
// 允许批准非队首动作。
func (q *Queue) Approve(hash string) (*Action, error) {
	q.mu.Lock()
	i := q.indexOf(hash)
	if i < 0 {
		q.mu.Unlock()
		return nil, types.Errorf(types.ErrUnknownAction, "hash %s", hash)
	}
	action := q.removeLocked(i)
	action.Status = StatusApproved
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	notify(listeners, snapshot)
	return action, nil
}

// Reject 拒绝一个或多个动作，未知哈希被忽略
//
// 返回实际被拒绝的动作。
func (q *Queue) Reject(hashes ...string) []Action {
	q.mu.Lock()
	var rejected []Action
	for _, hash := range hashes {
		i := q.indexOf(hash)
		if i < 0 {
			continue
		}
		action := q.removeLocked(i)
		action.Status = StatusRejected
		rejected = append(rejected, *action)
	}
	if len(rejected) == 0 {
		q.mu.Unlock()
		return nil
	}
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	notify(listeners, snapshot)
	return rejected
}

// OnUpdate 订阅队列变化（push / approve / reject 之后以最新待审批列表回调）
//
// 回调在变更方的 goroutine 中同步执行，不得再调用会阻塞的队列外操作。
func (q *Queue) OnUpdate(fn func([]Action)) (cancel func()) {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

func (q *Queue) indexOf(hash string) int {
	for i, a := range q.pending {
		if a.Hash == hash {
			return i
		}
	}
	return -1
}

func (q *Queue) removeLocked(i int) *Action {
	action := q.pending[i]
	q.pending = append(q.pending[:i], q.pending[i+1:]...)
	q.retired[action.Hash] = struct{}{}
	return action
}

func (q *Queue) snapshotLocked() ([]Action, []func([]Action)) {
	snapshot := make([]Action, len(q.pending))
	for i, a := range q.pending {
		snapshot[i] = *a
	}
	listeners := make([]func([]Action), 0, len(q.listeners))
	for _, fn := range q.listeners {
		listeners = append(listeners, fn)
	}
	return snapshot, listeners
}

func notify(listeners []func([]Action), snapshot []Action) {
	for _, fn := range listeners {
		fn(snapshot)
	}
}
