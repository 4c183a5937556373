// Package ws 实现具备自动重连能力的 WebSocket 连接封装。
// 对外表现为一条持久连接（状态、发送、接收、关闭、事件），
// 内部检测断线并按随机化指数退避策略透明重建底层连接。
// 消息封帧、协议协商、鉴权等传输层事务由底层连接负责，不在本包范围内。
package ws

import (
	"reflect"
	"sync"
)

// EventKind 事件类型
type EventKind int

const (
	// EventOpen 连接建立完成
	EventOpen EventKind = iota
	// EventClose 连接关闭（干净关闭或终止）
	EventClose
	// EventError 连接故障（拨号失败、读写错误、地址解析失败）
	EventError
	// EventMessage 收到一条完整消息
	EventMessage
)

// String 返回事件类型名称
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event 连接事件
// 不同事件类型只填充与之相关的字段
type Event struct {
	// Kind 事件类型
	Kind EventKind `json:"kind"`
	// URL open 事件：本次连接成功的地址
	URL string `json:"url,omitempty"`
	// MessageType message 事件：底层消息类型（websocket.TextMessage / BinaryMessage）
	MessageType int `json:"message_type,omitempty"`
	// Data message 事件：消息负载，原样转发
	Data []byte `json:"data,omitempty"`
	// Code close 事件：关闭状态码
	Code int `json:"code,omitempty"`
	// Reason close 事件：关闭原因
	Reason string `json:"reason,omitempty"`
	// Err error 事件：具体错误
	Err error `json:"-"`
	// TsUnixNs 事件产生时间（纳秒）
	TsUnixNs int64 `json:"ts_unix_ns"`
}

// Listener 事件回调
type Listener func(Event)

// registeredListener 注册表中的一条回调记录
// key 为回调函数指针，用于按引用匹配删除
type registeredListener struct {
	fn  Listener
	key uintptr
}

// listenerRegistry 监听器注册表
// 按事件类型维护有序回调序列：插入顺序即调用顺序，允许重复注册。
// 注册表挂在封装对象上而非底层连接上，因此跨重连保持有效。
type listenerRegistry struct {
	mu sync.Mutex
	// listeners 四种事件类型的条目始终存在（可能为空）
	listeners map[EventKind][]registeredListener
}

// newListenerRegistry 创建注册表，预置四种事件类型
func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{
		listeners: map[EventKind][]registeredListener{
			EventOpen:    {},
			EventClose:   {},
			EventError:   {},
			EventMessage: {},
		},
	}
}

// listenerKey 取回调的函数指针作为删除匹配键
// Go 的函数值不可比较，这里用指针身份近似"按引用相等"
func listenerKey(fn Listener) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// add 追加一条回调到指定事件类型的末尾
func (r *listenerRegistry) add(kind EventKind, fn Listener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[kind] = append(r.listeners[kind], registeredListener{fn: fn, key: listenerKey(fn)})
}

// remove 删除指定事件类型下所有与 fn 同引用的回调
func (r *listenerRegistry) remove(kind EventKind, fn Listener) {
	if fn == nil {
		return
	}
	key := listenerKey(fn)
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.listeners[kind]
	kept := entries[:0]
	for _, e := range entries {
		if e.key != key {
			kept = append(kept, e)
		}
	}
	r.listeners[kind] = kept
}

// snapshot 获取指定事件类型当前的回调序列快照
// 返回副本，调用方可在不持锁的情况下安全遍历
func (r *listenerRegistry) snapshot(kind EventKind) []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.listeners[kind]
	if len(entries) == 0 {
		return nil
	}
	out := make([]Listener, len(entries))
	for i, e := range entries {
		out[i] = e.fn
	}
	return out
}
