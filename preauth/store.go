// Package preauth 记录哪些站点已被授权访问哪个账户
package preauth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/weisyn/wallet-extension-go/types"
	"github.com/weisyn/wallet-extension-go/wallet"
)

// Record 一条预授权记录
type Record struct {
	Host           string    `json:"host"`
	AccountAddress string    `json:"accountAddress"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store 预授权存储
//
// Add 对已存在的记录、Remove 对不存在的记录都是无操作。
type Store interface {
	IsPreauthorized(ctx context.Context, host, accountAddress string) (bool, error)
	Add(ctx context.Context, host, accountAddress string) error
	Remove(ctx context.Context, host, accountAddress string) error

	// RemoveAccount 删除某账户的全部记录（账户被删除时调用）
	RemoveAccount(ctx context.Context, accountAddress string) error

	// List 全部记录，按 host 和地址排序
	List(ctx context.Context) ([]Record, error)
}

// NormalizeHost 规范化站点标识：去空白、小写、去掉尾部斜杠
func NormalizeHost(host string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(host)), "/")
}

// Validate 规范化并校验一对 host / 地址，供各 Store 实现复用
func Validate(host, accountAddress string) (string, string, error) {
	h, a := NormalizeHost(host), wallet.NormalizeAddress(accountAddress)
	if h == "" || a == "" {
		return "", "", types.Errorf(types.ErrValidation,
			"preauthorization needs host and account (host=%q, account=%q)", host, accountAddress)
	}
	return h, a, nil
}

type key struct {
	host    string
	address string
}

// MemoryStore 内存实现
type MemoryStore struct {
	mu      sync.RWMutex
	records map[key]Record
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[key]Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) IsPreauthorized(ctx context.Context, host, accountAddress string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key{NormalizeHost(host), wallet.NormalizeAddress(accountAddress)}]
	return ok, nil
}

func (s *MemoryStore) Add(ctx context.Context, host, accountAddress string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, a, err := Validate(host, accountAddress)
	if err != nil {
		return err
	}
	k := key{h, a}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[k]; ok {
		return nil
	}
	s.records[k] = Record{Host: k.host, AccountAddress: k.address, CreatedAt: s.now().UTC()}
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, host, accountAddress string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key{NormalizeHost(host), wallet.NormalizeAddress(accountAddress)})
	return nil
}

func (s *MemoryStore) RemoveAccount(ctx context.Context, accountAddress string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	address := wallet.NormalizeAddress(accountAddress)

	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.records {
		if k.address == address {
			delete(s.records, k)
		}
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.RUnlock()

	SortRecords(out)
	return out, nil
}

// SortRecords 按 host、地址排序
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Host != records[j].Host {
			return records[i].Host < records[j].Host
		}
		return records[i].AccountAddress < records[j].AccountAddress
	})
}
