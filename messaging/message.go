package messaging

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message 总线消息
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	// origin 消息进入本总线的桥接连接标识，用于避免回显
	origin string
}

// NewMessage 创建消息，data 为 nil 时不带负载
func NewMessage(typ string, data interface{}) (Message, error) {
	msg := Message{Type: typ}
	if data == nil {
		return msg, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	msg.Data = encoded
	return msg, nil
}

// MustMessage 同 NewMessage，编码失败时 panic（仅用于常量负载）
func MustMessage(typ string, data interface{}) Message {
	msg, err := NewMessage(typ, data)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode 解码负载
func (m Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// Predicate 消息过滤条件
//
// 在总线投递路径上同步执行，不得阻塞。
type Predicate func(Message) bool

// Any 匹配任意消息
func Any(Message) bool {
	return true
}

// MatchActionHash 匹配负载中 actionHash 字段
func MatchActionHash(hash string) Predicate {
	return MatchField("actionHash", hash)
}

// MatchField 匹配负载中某个字符串字段
func MatchField(name, value string) Predicate {
	return func(m Message) bool {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(m.Data, &fields); err != nil {
			return false
		}
		raw, ok := fields[name]
		if !ok {
			return false
		}
		var got string
		if err := json.Unmarshal(raw, &got); err != nil {
			return false
		}
		return got == value
	}
}

// MatchFieldOrAbsent 字段等于 value，或负载中没有该字段（含空负载）时匹配
//
// 用于只按类型定义、负载可选携带标识的消息。
func MatchFieldOrAbsent(name, value string) Predicate {
	return func(m Message) bool {
		if len(bytes.TrimSpace(m.Data)) == 0 || bytes.Equal(bytes.TrimSpace(m.Data), []byte("null")) {
			return true
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(m.Data, &fields); err != nil {
			return false
		}
		raw, ok := fields[name]
		if !ok {
			return true
		}
		var got string
		if err := json.Unmarshal(raw, &got); err != nil {
			return false
		}
		return got == "" || got == value
	}
}
