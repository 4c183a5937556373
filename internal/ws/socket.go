// 连接生命周期管理器。
package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"resilient-websocket/internal/util/backoff"
	"resilient-websocket/internal/util/timeutil"
)

// 连接状态常量（与 readyState 语义对齐）
const (
	// StateConnecting 正在等待退避延迟、地址解析或握手
	StateConnecting = 0
	// StateOpen 连接已建立
	StateOpen = 1
	// StateClosing 正在执行用户发起的关闭
	StateClosing = 2
	// StateClosed 已关闭（干净关闭、用户关闭或重试耗尽）
	StateClosed = 3
)

// CodeGiveUp 重试耗尽时 close 事件携带的关闭码
// 重试计数达到 MaxRetries 后不再静默终止，而是发出一次带该码的 close 事件。
const CodeGiveUp = 4000

// ConnectionMetrics 连接质量指标
type ConnectionMetrics struct {
	// ConnectAttempts 累计连接尝试次数
	ConnectAttempts int64 `json:"connect_attempts"`
	// ReconnectCount 故障触发的重连次数
	ReconnectCount int64 `json:"reconnect_count"`
	// MessagesReceived 累计收到的消息条数
	MessagesReceived int64 `json:"messages_received"`
	// MessagesSent 累计成功发送的消息条数
	MessagesSent int64 `json:"messages_sent"`
	// LastMessageAgeMs 最后一条消息距今的毫秒数，未收到过消息时为 0
	LastMessageAgeMs int64 `json:"last_message_age_ms"`
	// SessionUptimeMs 当前会话已保持的毫秒数，无在线连接时为 0
	SessionUptimeMs int64 `json:"session_uptime_ms"`
}

// Socket 具备自动重连能力的 WebSocket 封装
// 对外是一个稳定句柄：底层连接在每次重连时被整体替换，
// 而注册在本对象上的监听器与回调跨重连保持有效。
type Socket struct {
	// provider 地址提供者（构造后不可变，每次尝试重新求值）
	provider URLProvider
	// subprotocols 期望的子协议列表（构造后不可变）
	subprotocols []string
	// opts 合并默认值后的连接选项（构造后不可变）
	opts Options
	// bo 退避延迟计算器
	bo *backoff.Backoff
	// logger 日志记录器
	logger *zap.Logger

	// mu 保护以下所有连接状态字段
	mu sync.Mutex
	// conn 当前底层连接，未连接或已终止时为 nil
	conn Conn
	// gen 连接代数；底层连接每次替换时递增，
	// 用于隔离被取代连接残留的事件与定时器回调
	gen uint64
	// attemptSeq 连接尝试序号；用于使在途尝试失效（如用户关闭）
	attemptSeq uint64
	// state 当前 readyState
	state int
	// retries 重试计数；每次尝试开始时自增，
	// 仅在连接保持 minUptime 无故障后清零
	retries int
	// closed 终止态标记（用户关闭或重试耗尽），之后不再发起任何尝试
	closed bool
	// url 最近一次成功连接的地址
	url string
	// extensions 最近一次握手协商出的扩展
	extensions string
	// protocol 最近一次握手协商出的子协议
	protocol string
	// connectTimer 退避等待定时器，等待期间非 nil
	connectTimer *time.Timer
	// uptimeTimer 在线时长定时器，连接在线且未满 minUptime 时非 nil
	uptimeTimer *time.Timer
	// openedAtNs 当前会话建立时间（纳秒），无会话时为 0
	openedAtNs int64
	// writeErr 写路径记录的原始错误，由读取循环取出转发
	writeErr error
	// writeErrGen writeErr 对应的连接代数
	writeErrGen uint64

	// writeMu 串行化数据帧写入（gorilla/websocket 不允许并发多写者）
	writeMu sync.Mutex

	// registry 监听器注册表
	registry *listenerRegistry
	// cbMu 保护单槽回调
	cbMu sync.RWMutex
	// onOpen 等四个单槽回调，默认为空（即无操作），可随时替换
	onOpen    Listener
	onClose   Listener
	onError   Listener
	onMessage Listener

	// bufferedAmount 已受理但尚未写完的字节数
	bufferedAmount int64
	// lastMsgNs 最后一条消息到达时间（纳秒）
	lastMsgNs int64
	// attempts / reconnects / received / sent 指标计数
	attempts   int64
	reconnects int64
	received   int64
	sent       int64
}

// New 创建封装对象并立即启动连接周期
// 参数 provider: 地址提供者
// 参数 subprotocols: 期望的子协议列表，可为 nil
// 参数 opts: 连接选项，零值字段使用默认值
// 参数 logger: 日志记录器，nil 时使用无操作日志器
func New(provider URLProvider, subprotocols []string, opts Options, logger *zap.Logger) *Socket {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	s := &Socket{
		provider:     provider,
		subprotocols: subprotocols,
		opts:         opts,
		bo: backoff.New(
			time.Duration(opts.MinReconnectionDelayMs)*time.Millisecond,
			time.Duration(opts.MaxReconnectionDelayMs)*time.Millisecond,
			opts.GrowFactor,
		),
		logger:   logger.Named("ws"),
		state:    StateConnecting,
		registry: newListenerRegistry(),
	}

	// 构造即触发连接周期
	s.mu.Lock()
	s.scheduleConnectLocked()
	s.mu.Unlock()

	return s
}

// scheduleConnectLocked 安排下一次连接尝试
// 调用前必须持有 mu。负责 MaxRetries 守卫、重试计数自增与退避定时器装配。
// 退避延迟由自增前的计数决定：计数为 0 时立即发起。
func (s *Socket) scheduleConnectLocked() {
	if s.closed {
		return
	}

	// 守卫：重试计数非零且达到上限时永久终止
	if s.opts.MaxRetries > 0 && s.retries > 0 && s.retries >= s.opts.MaxRetries {
		s.closed = true
		s.state = StateClosed
		s.debugw("重试耗尽，停止重连", zap.Int("retries", s.retries), zap.Int("max_retries", s.opts.MaxRetries))
		go s.emit(Event{Kind: EventClose, Code: CodeGiveUp, Reason: "重连重试次数耗尽"})
		return
	}

	delay := s.bo.Delay(s.retries)
	s.retries++
	s.state = StateConnecting

	s.attemptSeq++
	seq := s.attemptSeq
	s.debugw("安排连接尝试",
		zap.Uint64("seq", seq),
		zap.Int("retries", s.retries),
		zap.Duration("delay", delay))

	s.connectTimer = time.AfterFunc(delay, func() {
		s.attempt(seq)
	})
}

// attempt 执行一次连接尝试：解析地址、拨号、安装连接
// ConnectionTimeoutMs 覆盖地址解析与握手的整体耗时，
// 超时与拨号失败同样按失败的尝试处理，重新进入退避。
func (s *Socket) attempt(seq uint64) {
	s.mu.Lock()
	if s.closed || seq != s.attemptSeq || s.conn != nil {
		s.mu.Unlock()
		return
	}
	s.connectTimer = nil
	provider := s.provider
	timeout := s.opts.connectionTimeout()
	s.mu.Unlock()

	atomic.AddInt64(&s.attempts, 1)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	url, err := resolveURL(ctx, provider)
	if err != nil {
		s.debugw("地址解析失败", zap.Uint64("seq", seq), zap.Error(err))
		s.attemptFailed(seq, err)
		return
	}

	conn, extensions, err := s.opts.Dialer.Dial(ctx, url, s.subprotocols)
	if err != nil {
		s.debugw("拨号失败", zap.Uint64("seq", seq), zap.String("url", url), zap.Error(err))
		s.attemptFailed(seq, err)
		return
	}

	s.mu.Lock()
	if s.closed || seq != s.attemptSeq {
		// 尝试期间被关闭或取代，丢弃这条迟到的连接
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.gen++
	gen := s.gen
	s.url = url
	s.extensions = extensions
	s.protocol = conn.Subprotocol()
	s.state = StateOpen
	s.openedAtNs = timeutil.NowNano()
	// minUptime 定时器：到期且连接仍在线时清零重试计数（唯一清零路径）
	s.uptimeTimer = time.AfterFunc(s.opts.minUptime(), func() {
		s.uptimeReached(gen)
	})
	s.debugw("连接建立", zap.Uint64("gen", gen), zap.String("url", url), zap.Int("retries", s.retries))
	s.mu.Unlock()

	s.emit(Event{Kind: EventOpen, URL: url})

	go s.readLoop(conn, gen)
}

// attemptFailed 处理失败的连接尝试：转发 error 事件并重新进入退避
func (s *Socket) attemptFailed(seq uint64, err error) {
	s.mu.Lock()
	if s.closed || seq != s.attemptSeq {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventError, Err: err})

	s.mu.Lock()
	if !s.closed && seq == s.attemptSeq {
		s.scheduleConnectLocked()
	}
	s.mu.Unlock()
}

// uptimeReached minUptime 定时器回调
// 连接仍为同一代且在线时，重试计数清零。
func (s *Socket) uptimeReached(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.conn == nil || gen != s.gen {
		return
	}
	s.retries = 0
	s.uptimeTimer = nil
	s.debugw("连接已稳定，重试计数清零", zap.Uint64("gen", gen))
}

// readLoop 读取循环
// 每条底层连接一个读取协程；连接被替换（分代不符）后立即退出。
// 该连接的全部事件（消息、故障、干净关闭）仅由本协程转发：
// 写路径不直接分发事件，因此错误事件之后不会再出现同一连接的消息。
func (s *Socket) readLoop(conn Conn, gen uint64) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(conn, gen, err)
			return
		}

		atomic.StoreInt64(&s.lastMsgNs, timeutil.NowNano())
		atomic.AddInt64(&s.received, 1)

		s.mu.Lock()
		stale := s.closed || gen != s.gen
		s.mu.Unlock()
		if stale {
			return
		}

		s.emit(Event{Kind: EventMessage, MessageType: messageType, Data: data})
	}
}

// handleReadError 处理读取失败
// 干净关闭（对端正常关闭/离开）转发 close 事件且不重连；
// 其余故障转发 error 事件并重新进入连接周期。
// 这是唯一的自动重连触发路径。
func (s *Socket) handleReadError(conn Conn, gen uint64, err error) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		// 已被取代或用户已关闭：关闭动作自身引发的读错误不再转发
		s.mu.Unlock()
		return
	}

	// 同步拆除：先置空句柄并递增代数，再进行任何事件转发
	s.conn = nil
	s.gen++
	s.openedAtNs = 0
	if s.uptimeTimer != nil {
		s.uptimeTimer.Stop()
		s.uptimeTimer = nil
	}

	// 写路径记录的原始错误优先于它关闭连接所引发的读错误
	if s.writeErrGen == gen && s.writeErr != nil {
		err = s.writeErr
		s.writeErr = nil
	}

	if closeErr, ok := err.(*websocket.CloseError); ok &&
		(closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
		// 对端干净关闭：终止而不重连（error 才触发重连）
		s.state = StateClosed
		s.debugw("对端干净关闭", zap.Int("code", closeErr.Code), zap.String("reason", closeErr.Text))
		s.mu.Unlock()

		_ = conn.Close()
		s.emit(Event{Kind: EventClose, Code: closeErr.Code, Reason: closeErr.Text})
		return
	}

	s.state = StateConnecting
	s.debugw("连接故障，进入重连", zap.Uint64("gen", gen), zap.Error(err))
	s.mu.Unlock()

	_ = conn.Close()
	atomic.AddInt64(&s.reconnects, 1)

	s.emit(Event{Kind: EventError, Err: err})

	s.mu.Lock()
	if !s.closed && s.conn == nil {
		s.scheduleConnectLocked()
	}
	s.mu.Unlock()
}

// Send 发送一条文本消息
// 无在线连接时静默丢弃（不排队、不报错），与连接前的默认行为一致。
// 写失败会同时转发 error 事件并触发重连。
func (s *Socket) Send(data []byte) error {
	return s.SendMessage(websocket.TextMessage, data)
}

// SendMessage 发送一条指定类型的消息
// 参数 messageType: websocket.TextMessage 或 websocket.BinaryMessage
func (s *Socket) SendMessage(messageType int, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	gen := s.gen
	s.mu.Unlock()

	if conn == nil {
		s.debugw("无在线连接，消息被丢弃", zap.Int("bytes", len(data)))
		return nil
	}

	atomic.AddInt64(&s.bufferedAmount, int64(len(data)))
	s.writeMu.Lock()
	err := conn.WriteMessage(messageType, data)
	s.writeMu.Unlock()
	atomic.AddInt64(&s.bufferedAmount, -int64(len(data)))

	if err != nil {
		s.handleWriteError(conn, gen, err)
		return err
	}

	atomic.AddInt64(&s.sent, 1)
	return nil
}

// handleWriteError 处理写入失败
// 不在发送方协程直接分发事件：记录原始错误并关闭连接，
// 让该连接唯一的读取协程走拆除-转发-重连路径。
// 这样已读出的消息与故障事件保持底层传输顺序，
// 被取代连接的消息不会在拆除之后到达监听器。
func (s *Socket) handleWriteError(conn Conn, gen uint64, err error) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.writeErr = err
	s.writeErrGen = gen
	s.debugw("写入失败，关闭连接交由读取循环处理", zap.Uint64("gen", gen), zap.Error(err))
	s.mu.Unlock()

	_ = conn.Close()
}

// Close 用户发起的终止关闭
// 取消在途的退避/在线时长定时器与连接尝试，关闭当前连接，
// 之后不再发起任何重连。
// 参数 code: 关闭码，0 时使用正常关闭码
// 参数 reason: 关闭原因，可为空
func (s *Socket) Close(code int, reason string) error {
	if code == 0 {
		code = websocket.CloseNormalClosure
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateClosing
	s.attemptSeq++ // 使任何在途尝试失效
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	if s.uptimeTimer != nil {
		s.uptimeTimer.Stop()
		s.uptimeTimer = nil
	}
	conn := s.conn
	s.conn = nil
	s.gen++
	s.openedAtNs = 0
	s.debugw("用户关闭", zap.Int("code", code), zap.String("reason", reason))
	s.mu.Unlock()

	var err error
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		err = conn.Close()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.emit(Event{Kind: EventClose, Code: code, Reason: reason})
	return err
}

// Reconnect 强制重建连接
// 关闭当前连接（若有）、清零重试计数并立即重新进入连接周期。
// 可用于干净关闭或重试耗尽后的手动恢复。
func (s *Socket) Reconnect() {
	s.mu.Lock()
	s.closed = false
	s.retries = 0
	s.attemptSeq++
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	if s.uptimeTimer != nil {
		s.uptimeTimer.Stop()
		s.uptimeTimer = nil
	}
	conn := s.conn
	s.conn = nil
	s.gen++
	s.openedAtNs = 0
	s.debugw("手动重连")
	s.scheduleConnectLocked()
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// AddEventListener 注册一条事件回调
// 追加到该事件类型序列末尾；允许重复注册；跨重连保持有效。
func (s *Socket) AddEventListener(kind EventKind, fn Listener) {
	s.registry.add(kind, fn)
}

// RemoveEventListener 删除指定事件类型下与 fn 同引用的回调
func (s *Socket) RemoveEventListener(kind EventKind, fn Listener) {
	s.registry.remove(kind, fn)
}

// SetOnOpen 设置 open 事件的单槽回调（先于注册监听器调用）
func (s *Socket) SetOnOpen(fn Listener) {
	s.cbMu.Lock()
	s.onOpen = fn
	s.cbMu.Unlock()
}

// SetOnClose 设置 close 事件的单槽回调
func (s *Socket) SetOnClose(fn Listener) {
	s.cbMu.Lock()
	s.onClose = fn
	s.cbMu.Unlock()
}

// SetOnError 设置 error 事件的单槽回调
func (s *Socket) SetOnError(fn Listener) {
	s.cbMu.Lock()
	s.onError = fn
	s.cbMu.Unlock()
}

// SetOnMessage 设置 message 事件的单槽回调
func (s *Socket) SetOnMessage(fn Listener) {
	s.cbMu.Lock()
	s.onMessage = fn
	s.cbMu.Unlock()
}

// callback 获取指定事件类型当前的单槽回调
func (s *Socket) callback(kind EventKind) Listener {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()

	switch kind {
	case EventOpen:
		return s.onOpen
	case EventClose:
		return s.onClose
	case EventError:
		return s.onError
	case EventMessage:
		return s.onMessage
	default:
		return nil
	}
}

// emit 事件分发：单槽回调先行，注册监听器按注册顺序随后
// 当前在线连接的事件均产自其唯一的读取协程，顺序天然与底层传输一致。
// 分发期间不持有任何锁，回调内可安全调用 Send/Close 等方法。
func (s *Socket) emit(ev Event) {
	if ev.TsUnixNs == 0 {
		ev.TsUnixNs = timeutil.NowNano()
	}

	if cb := s.callback(ev.Kind); cb != nil {
		cb(ev)
	}
	for _, fn := range s.registry.snapshot(ev.Kind) {
		fn(ev)
	}
}

// ReadyState 当前连接状态（StateConnecting/StateOpen/StateClosing/StateClosed）
func (s *Socket) ReadyState() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URL 最近一次成功连接的地址，从未连接成功时为空串
func (s *Socket) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.url
}

// Subprotocol 协商出的子协议，无在线连接时为空串
func (s *Socket) Subprotocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.protocol
}

// Extensions 协商出的扩展描述，无在线连接时为空串
func (s *Socket) Extensions() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.extensions
}

// BufferedAmount 已受理但尚未写完的字节数
func (s *Socket) BufferedAmount() int64 {
	return atomic.LoadInt64(&s.bufferedAmount)
}

// Metrics 获取连接质量指标快照
func (s *Socket) Metrics() ConnectionMetrics {
	m := ConnectionMetrics{
		ConnectAttempts:  atomic.LoadInt64(&s.attempts),
		ReconnectCount:   atomic.LoadInt64(&s.reconnects),
		MessagesReceived: atomic.LoadInt64(&s.received),
		MessagesSent:     atomic.LoadInt64(&s.sent),
	}

	if lastMsg := atomic.LoadInt64(&s.lastMsgNs); lastMsg > 0 {
		m.LastMessageAgeMs = timeutil.SinceNano(lastMsg).Milliseconds()
	}

	s.mu.Lock()
	if s.openedAtNs > 0 {
		m.SessionUptimeMs = timeutil.SinceNano(s.openedAtNs).Milliseconds()
	}
	s.mu.Unlock()

	return m
}

// debugw Debug 选项开启时输出状态迁移跟踪日志
func (s *Socket) debugw(msg string, fields ...zap.Field) {
	if !s.opts.Debug {
		return
	}
	s.logger.Debug(msg, fields...)
}
