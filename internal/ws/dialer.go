// 底层连接能力抽象。
// 封装对象只依赖 Conn/Dialer 两个接口，不直接感知 gorilla/websocket 的具体类型，
// 方便测试注入假连接，也允许调用方替换底层实现。
package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 底层连接能力
// gorilla/websocket 的 *websocket.Conn 天然满足本接口。
type Conn interface {
	// ReadMessage 阻塞读取下一条完整消息
	ReadMessage() (messageType int, data []byte, err error)
	// WriteMessage 写入一条完整消息
	WriteMessage(messageType int, data []byte) error
	// WriteControl 写入控制帧（带截止时间，允许与数据写并发）
	WriteControl(messageType int, data []byte, deadline time.Time) error
	// Close 关闭底层网络连接
	Close() error
	// Subprotocol 协商出的子协议，未协商时为空串
	Subprotocol() string
}

// Dialer 连接建立能力
// 每次重连都会重新调用 Dial；返回协商出的扩展描述（可为空串）。
type Dialer interface {
	Dial(ctx context.Context, url string, subprotocols []string) (conn Conn, extensions string, err error)
}

// gorillaDialer 基于 gorilla/websocket 的默认拨号实现
type gorillaDialer struct {
	// handshakeTimeout 握手超时，作为 ctx 截止时间之外的二道保险
	handshakeTimeout time.Duration
}

// DefaultDialer 创建默认拨号器
// 参数 handshakeTimeout: 握手超时，<=0 时使用 4 秒
func DefaultDialer(handshakeTimeout time.Duration) Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 4 * time.Second
	}
	return &gorillaDialer{handshakeTimeout: handshakeTimeout}
}

// Dial 建立 WebSocket 连接
func (d *gorillaDialer) Dial(ctx context.Context, url string, subprotocols []string) (Conn, string, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
		Subprotocols:     subprotocols,
	}

	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, "", fmt.Errorf("建立 WebSocket 连接失败: %w", err)
	}

	extensions := ""
	if resp != nil {
		extensions = resp.Header.Get("Sec-Websocket-Extensions")
	}
	return conn, extensions, nil
}
