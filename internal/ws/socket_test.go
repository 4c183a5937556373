// Package ws 连接生命周期状态机测试
// 通过注入假拨号器驱动状态迁移，不依赖真实网络。
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// readResult 假连接读取队列中的一项
type readResult struct {
	messageType int
	data        []byte
	err         error
}

// fakeConn 可编程的假底层连接
type fakeConn struct {
	mu sync.Mutex
	// readCh 读取队列：测试通过 push/fail/closeClean 注入
	readCh chan readResult
	// done 连接关闭信号
	done      chan struct{}
	closeOnce sync.Once
	// written 成功写入的消息负载
	written [][]byte
	// writeErr 注入的写入错误
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		readCh: make(chan readResult, 64),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case res := <-c.readCh:
		return res.messageType, res.data, res.err
	case <-c.done:
		return 0, nil, errors.New("连接已被关闭")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Subprotocol() string { return "chat.v1" }

// push 注入一条文本消息
func (c *fakeConn) push(data string) {
	c.readCh <- readResult{messageType: websocket.TextMessage, data: []byte(data)}
}

// fail 注入一次传输故障（触发 error 事件与重连）
func (c *fakeConn) fail() {
	c.readCh <- readResult{err: errors.New("传输故障（测试注入）")}
}

// closeClean 注入一次对端干净关闭（触发 close 事件，不重连）
func (c *fakeConn) closeClean(code int, reason string) {
	c.readCh <- readResult{err: &websocket.CloseError{Code: code, Text: reason}}
}

// setWriteErr 注入写入错误
func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// writtenCount 成功写入的消息条数
func (c *fakeConn) writtenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

// fakeDialer 可编程的假拨号器
type fakeDialer struct {
	mu sync.Mutex
	// urls 每次拨号收到的地址
	urls []string
	// conns 成功建立的假连接
	conns []*fakeConn
	// failFirst 前 N 次拨号失败
	failFirst int
	// failAll 所有拨号失败
	failAll bool
	// gate 非 nil 时每次拨号需要先取得一个令牌（测试控制节奏用）
	gate chan struct{}
	// dialCh 每次成功拨号把新连接投递给测试
	dialCh chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialCh: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string, subprotocols []string) (Conn, string, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}

	d.mu.Lock()
	d.urls = append(d.urls, url)
	n := len(d.urls)
	fail := d.failAll || n <= d.failFirst
	d.mu.Unlock()

	if fail {
		return nil, "", errors.New("拨号失败（测试注入）")
	}

	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	d.dialCh <- c
	return c, "permessage-deflate", nil
}

// dialCount 累计拨号次数（含失败）
func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// lastURL 最近一次拨号收到的地址
func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[len(d.urls)-1]
}

// collect 注册一个把事件转投到通道的监听器
func collect(s *Socket, kind EventKind) <-chan Event {
	ch := make(chan Event, 64)
	s.AddEventListener(kind, func(ev Event) { ch <- ev })
	return ch
}

// waitEvent 等待一条事件，超时则测试失败
func waitEvent(t *testing.T, ch <-chan Event, timeout time.Duration, what string) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(timeout):
		t.Fatalf("等待 %s 超时（%v）", what, timeout)
		return Event{}
	}
}

// waitConn 等待一条新连接建立
func waitConn(t *testing.T, d *fakeDialer, timeout time.Duration) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialCh:
		return c
	case <-time.After(timeout):
		t.Fatalf("等待新连接超时（%v）", timeout)
		return nil
	}
}

// testOptions 测试用快速选项
func testOptions(d *fakeDialer) Options {
	return Options{
		MinReconnectionDelayMs: 5,
		MaxReconnectionDelayMs: 100,
		MinUptimeMs:            10000, // 默认不触发计数清零，相关测试单独收紧
		GrowFactor:             1.1,
		ConnectionTimeoutMs:    2000,
		Dialer:                 d,
	}
}

func TestSocket_OpenAndMessageFlow(t *testing.T) {
	d := newFakeDialer()
	d.gate = make(chan struct{}, 1)

	s := New(StaticURL("ws://example.test/feed"), []string{"chat.v1"}, testOptions(d), nil)
	defer s.Close(0, "")

	openCh := collect(s, EventOpen)
	msgCh := collect(s, EventMessage)

	// 监听器注册完成后才放行拨号
	d.gate <- struct{}{}

	conn := waitConn(t, d, time.Second)
	ev := waitEvent(t, openCh, time.Second, "open 事件")
	if ev.URL != "ws://example.test/feed" {
		t.Errorf("open 事件 URL = %q, want %q", ev.URL, "ws://example.test/feed")
	}
	if got := s.ReadyState(); got != StateOpen {
		t.Errorf("ReadyState = %d, want %d", got, StateOpen)
	}
	if got := s.URL(); got != "ws://example.test/feed" {
		t.Errorf("URL() = %q, want %q", got, "ws://example.test/feed")
	}
	if got := s.Subprotocol(); got != "chat.v1" {
		t.Errorf("Subprotocol() = %q, want %q", got, "chat.v1")
	}
	if got := s.Extensions(); got != "permessage-deflate" {
		t.Errorf("Extensions() = %q, want %q", got, "permessage-deflate")
	}

	// 消息按底层传输顺序逐条转发
	for i := 0; i < 3; i++ {
		conn.push(fmt.Sprintf("msg-%d", i))
	}
	for i := 0; i < 3; i++ {
		ev := waitEvent(t, msgCh, time.Second, "message 事件")
		if want := fmt.Sprintf("msg-%d", i); string(ev.Data) != want {
			t.Errorf("第 %d 条消息 = %q, want %q", i, ev.Data, want)
		}
	}

	m := s.Metrics()
	if m.MessagesReceived != 3 {
		t.Errorf("MessagesReceived = %d, want 3", m.MessagesReceived)
	}
	if m.ConnectAttempts != 1 {
		t.Errorf("ConnectAttempts = %d, want 1", m.ConnectAttempts)
	}
}

func TestSocket_ReconnectAfterError(t *testing.T) {
	d := newFakeDialer()
	s := New(StaticURL("ws://example.test/feed"), nil, testOptions(d), nil)
	defer s.Close(0, "")

	conn1 := waitConn(t, d, time.Second)
	errCh := collect(s, EventError)
	msgCh := collect(s, EventMessage)

	conn1.push("before")
	waitEvent(t, msgCh, time.Second, "重连前的消息")

	// 传输故障：error 事件 + 自动重连
	conn1.fail()
	waitEvent(t, errCh, time.Second, "error 事件")

	conn2 := waitConn(t, d, time.Second)
	if conn2 == conn1 {
		t.Fatal("重连后应为全新的底层连接")
	}

	// 注册的监听器跨重连继续收到消息
	conn2.push("after")
	ev := waitEvent(t, msgCh, time.Second, "重连后的消息")
	if string(ev.Data) != "after" {
		t.Errorf("重连后消息 = %q, want %q", ev.Data, "after")
	}

	if got := s.Metrics().ReconnectCount; got != 1 {
		t.Errorf("ReconnectCount = %d, want 1", got)
	}
}

func TestSocket_CleanCloseDoesNotReconnect(t *testing.T) {
	d := newFakeDialer()
	s := New(StaticURL("ws://example.test/feed"), nil, testOptions(d), nil)

	conn := waitConn(t, d, time.Second)
	closeCh := collect(s, EventClose)

	// 对端干净关闭：转发 close 事件，不进入重连
	conn.closeClean(websocket.CloseNormalClosure, "bye")
	ev := waitEvent(t, closeCh, time.Second, "close 事件")
	if ev.Code != websocket.CloseNormalClosure || ev.Reason != "bye" {
		t.Errorf("close 事件 = {code: %d, reason: %q}, want {1000, bye}", ev.Code, ev.Reason)
	}

	time.Sleep(150 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Errorf("干净关闭后拨号次数 = %d, want 1（不应重连）", got)
	}
	if got := s.ReadyState(); got != StateClosed {
		t.Errorf("ReadyState = %d, want %d", got, StateClosed)
	}
}

func TestSocket_MaxRetriesGiveUp(t *testing.T) {
	d := newFakeDialer()
	d.failAll = true

	opts := testOptions(d)
	opts.MaxRetries = 3
	s := New(StaticURL("ws://example.test/feed"), nil, opts, nil)

	closeCh := collect(s, EventClose)

	// 计数达到上限后发出一次放弃事件
	ev := waitEvent(t, closeCh, 2*time.Second, "放弃事件")
	if ev.Code != CodeGiveUp {
		t.Errorf("放弃事件 code = %d, want %d", ev.Code, CodeGiveUp)
	}

	if got := d.dialCount(); got != 3 {
		t.Errorf("拨号次数 = %d, want 3", got)
	}
	if got := s.ReadyState(); got != StateClosed {
		t.Errorf("ReadyState = %d, want %d", got, StateClosed)
	}

	// 终止后任何刺激都不再引发拨号
	if err := s.Send([]byte("ping")); err != nil {
		t.Errorf("终止后 Send 应静默丢弃, got %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := d.dialCount(); got != 3 {
		t.Errorf("终止后拨号次数 = %d, want 3", got)
	}
}

func TestSocket_SendWithoutConnectionDropped(t *testing.T) {
	d := newFakeDialer()
	d.gate = make(chan struct{}) // 永不放行，保持无连接状态

	s := New(StaticURL("ws://example.test/feed"), nil, testOptions(d), nil)
	defer s.Close(0, "")

	// 无在线连接：不报错、不排队
	if err := s.Send([]byte("hello")); err != nil {
		t.Errorf("Send = %v, want nil（静默丢弃）", err)
	}
	if got := s.BufferedAmount(); got != 0 {
		t.Errorf("BufferedAmount = %d, want 0（不应缓存）", got)
	}
	if got := s.Metrics().MessagesSent; got != 0 {
		t.Errorf("MessagesSent = %d, want 0", got)
	}
	if got := s.URL(); got != "" {
		t.Errorf("URL() = %q, want 空串", got)
	}
}

func TestSocket_UptimeResetsRetryCounter(t *testing.T) {
	d := newFakeDialer()
	opts := testOptions(d)
	opts.MinUptimeMs = 60
	opts.MinReconnectionDelayMs = 150
	opts.MaxReconnectionDelayMs = 1000
	opts.GrowFactor = 2

	s := New(StaticURL("ws://example.test/feed"), nil, opts, nil)
	defer s.Close(0, "")

	// 首次连接：计数 0，立即发起
	conn1 := waitConn(t, d, time.Second)

	// 未满 minUptime 即故障：计数不清零，下一次延迟 = 150 + 1^2 = 151ms
	time.Sleep(10 * time.Millisecond)
	failedAt := time.Now()
	conn1.fail()
	conn2 := waitConn(t, d, 2*time.Second)
	if elapsed := time.Since(failedAt); elapsed < 100*time.Millisecond {
		t.Errorf("未满 minUptime 的重连延迟 = %v, 期望 >= 100ms（退避生效）", elapsed)
	}

	// 保持在线超过 minUptime：计数清零，下一次故障立即重连
	time.Sleep(100 * time.Millisecond)
	failedAt = time.Now()
	conn2.fail()
	waitConn(t, d, time.Second)
	if elapsed := time.Since(failedAt); elapsed > 100*time.Millisecond {
		t.Errorf("计数清零后的重连延迟 = %v, 期望 < 100ms（立即发起）", elapsed)
	}
}

func TestSocket_ProviderInvokedPerAttempt(t *testing.T) {
	d := newFakeDialer()
	d.failFirst = 2

	var mu sync.Mutex
	calls := 0
	provider := func(context.Context) (string, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		return fmt.Sprintf("ws://node-%d.example.test/feed", n), nil
	}

	s := New(provider, nil, testOptions(d), nil)
	defer s.Close(0, "")

	waitConn(t, d, 2*time.Second)

	mu.Lock()
	gotCalls := calls
	mu.Unlock()
	if gotCalls != 3 || d.dialCount() != 3 {
		t.Errorf("提供者调用 %d 次 / 拨号 %d 次, want 各 3 次（每次尝试重新求值）", gotCalls, d.dialCount())
	}
	// 轮换的地址逐次透传给拨号器
	if got := d.lastURL(); got != "ws://node-3.example.test/feed" {
		t.Errorf("第 3 次拨号地址 = %q, want ws://node-3.example.test/feed", got)
	}
}

func TestSocket_StaticURLEveryAttempt(t *testing.T) {
	d := newFakeDialer()
	d.failFirst = 2

	s := New(StaticURL("ws://fixed.example.test/feed"), nil, testOptions(d), nil)
	defer s.Close(0, "")

	waitConn(t, d, 2*time.Second)

	d.mu.Lock()
	urls := append([]string(nil), d.urls...)
	d.mu.Unlock()
	if len(urls) != 3 {
		t.Fatalf("拨号次数 = %d, want 3", len(urls))
	}
	for i, u := range urls {
		if u != "ws://fixed.example.test/feed" {
			t.Errorf("第 %d 次拨号地址 = %q, 固定地址应逐次一致", i, u)
		}
	}
}

func TestSocket_InvalidURLIsRecoverable(t *testing.T) {
	d := newFakeDialer()

	s := New(StaticURL("not-a-ws-url"), nil, testOptions(d), nil)
	defer s.Close(0, "")

	errCh := collect(s, EventError)

	// 无效地址按失败的尝试处理：持续产生 error 事件并退避重试，而非停滞
	for i := 0; i < 2; i++ {
		ev := waitEvent(t, errCh, 2*time.Second, "地址无效 error 事件")
		if !errors.Is(ev.Err, ErrInvalidURL) {
			t.Errorf("事件错误 = %v, want ErrInvalidURL", ev.Err)
		}
	}
	if got := d.dialCount(); got != 0 {
		t.Errorf("拨号次数 = %d, want 0（地址未通过校验）", got)
	}
}

func TestSocket_CloseCancelsPendingReconnect(t *testing.T) {
	d := newFakeDialer()
	d.failAll = true

	opts := testOptions(d)
	opts.MinReconnectionDelayMs = 100
	s := New(StaticURL("ws://example.test/feed"), nil, opts, nil)

	errCh := collect(s, EventError)
	closeCh := collect(s, EventClose)

	// 第一次拨号失败后，退避定时器在途
	waitEvent(t, errCh, time.Second, "首次拨号失败")

	if err := s.Close(0, "shutdown"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ev := waitEvent(t, closeCh, time.Second, "close 事件")
	if ev.Code != websocket.CloseNormalClosure || ev.Reason != "shutdown" {
		t.Errorf("close 事件 = {code: %d, reason: %q}, want {1000, shutdown}", ev.Code, ev.Reason)
	}

	// 在途的退避定时器已取消，不再产生任何拨号
	before := d.dialCount()
	time.Sleep(300 * time.Millisecond)
	if got := d.dialCount(); got != before {
		t.Errorf("关闭后拨号次数 %d -> %d，关闭应取消在途重连", before, got)
	}
	if got := s.ReadyState(); got != StateClosed {
		t.Errorf("ReadyState = %d, want %d", got, StateClosed)
	}
}

func TestSocket_WriteErrorTriggersReconnect(t *testing.T) {
	d := newFakeDialer()
	s := New(StaticURL("ws://example.test/feed"), nil, testOptions(d), nil)
	defer s.Close(0, "")

	conn1 := waitConn(t, d, time.Second)
	errCh := collect(s, EventError)

	conn1.setWriteErr(errors.New("写入故障（测试注入）"))
	if err := s.Send([]byte("hello")); err == nil {
		t.Error("写失败时 Send 应返回错误")
	}

	// 写失败同样转发 error 事件并重建连接
	waitEvent(t, errCh, time.Second, "写失败 error 事件")
	conn2 := waitConn(t, d, 2*time.Second)

	if err := s.Send([]byte("retry")); err != nil {
		t.Fatalf("新连接上 Send: %v", err)
	}
	if got := conn2.writtenCount(); got != 1 {
		t.Errorf("新连接写入条数 = %d, want 1", got)
	}
}

func TestSocket_DialTimeoutReentersBackoff(t *testing.T) {
	d := newFakeDialer()
	d.gate = make(chan struct{}) // 永不放行：拨号悬挂直到超时

	opts := testOptions(d)
	opts.ConnectionTimeoutMs = 100
	start := time.Now()
	s := New(StaticURL("ws://example.test/feed"), nil, opts, nil)
	defer s.Close(0, "")

	errCh := collect(s, EventError)

	// 悬挂的拨号在 ConnectionTimeoutMs 截止时被取消
	ev := waitEvent(t, errCh, 2*time.Second, "超时 error 事件")
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("超时触发过早: %v, 期望约 100ms", elapsed)
	}
	if !errors.Is(ev.Err, context.DeadlineExceeded) {
		t.Errorf("事件错误 = %v, want context.DeadlineExceeded", ev.Err)
	}

	// 超时按失败的尝试处理，退避后再次发起
	waitEvent(t, errCh, 2*time.Second, "第二次超时 error 事件")
	if got := s.Metrics().ConnectAttempts; got < 2 {
		t.Errorf("ConnectAttempts = %d, want >= 2", got)
	}
}

func TestSocket_NoMessageAfterWriteErrorEvent(t *testing.T) {
	d := newFakeDialer()
	s := New(StaticURL("ws://example.test/feed"), nil, testOptions(d), nil)
	defer s.Close(0, "")

	conn1 := waitConn(t, d, time.Second)

	var mu sync.Mutex
	var order []string
	errSeen := make(chan Event, 1)
	s.AddEventListener(EventMessage, func(Event) {
		mu.Lock()
		order = append(order, "msg")
		mu.Unlock()
	})
	s.AddEventListener(EventError, func(ev Event) {
		mu.Lock()
		order = append(order, "err")
		mu.Unlock()
		errSeen <- ev
	})

	// 读取队列里积压消息时写入失败：
	// 故障事件仍由读取协程按顺序转发，之后不得再出现旧连接的消息
	injected := errors.New("写入故障（测试注入）")
	for i := 0; i < 8; i++ {
		conn1.push(fmt.Sprintf("m-%d", i))
	}
	conn1.setWriteErr(injected)
	if err := s.Send([]byte("x")); err == nil {
		t.Fatal("写失败时 Send 应返回错误")
	}

	ev := waitEvent(t, errSeen, 2*time.Second, "写失败 error 事件")
	if !errors.Is(ev.Err, injected) {
		t.Errorf("事件错误 = %v, want 原始写入错误", ev.Err)
	}

	// 等重连完成并留出余量，捕捉任何迟到的消息分发
	waitConn(t, d, 2*time.Second)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	seenErr := false
	for i, tag := range got {
		if tag == "err" {
			seenErr = true
			continue
		}
		if seenErr {
			t.Fatalf("error 事件之后第 %d 项仍是消息事件: %v", i, got)
		}
	}
	if !seenErr {
		t.Fatalf("事件序列中缺少 error 事件: %v", got)
	}
}

func TestSocket_ReconnectAfterCleanClose(t *testing.T) {
	d := newFakeDialer()
	s := New(StaticURL("ws://example.test/feed"), nil, testOptions(d), nil)
	defer s.Close(0, "")

	conn := waitConn(t, d, time.Second)
	closeCh := collect(s, EventClose)
	openCh := collect(s, EventOpen)

	conn.closeClean(websocket.CloseNormalClosure, "bye")
	waitEvent(t, closeCh, time.Second, "close 事件")

	// 干净关闭后可手动恢复
	s.Reconnect()
	waitConn(t, d, time.Second)
	waitEvent(t, openCh, time.Second, "手动重连后的 open 事件")
	if got := s.ReadyState(); got != StateOpen {
		t.Errorf("ReadyState = %d, want %d", got, StateOpen)
	}
}

func TestSocket_CallbackBeforeListeners(t *testing.T) {
	d := newFakeDialer()
	d.gate = make(chan struct{}, 1)

	s := New(StaticURL("ws://example.test/feed"), nil, testOptions(d), nil)
	defer s.Close(0, "")

	var mu sync.Mutex
	var order []string
	record := func(tag string) Listener {
		return func(Event) {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
		}
	}

	done := make(chan struct{}, 1)
	// 单槽回调先行，注册监听器按注册顺序在后；允许重复注册
	s.SetOnMessage(record("slot"))
	first := record("first")
	s.AddEventListener(EventMessage, first)
	s.AddEventListener(EventMessage, record("second"))
	s.AddEventListener(EventMessage, first)
	s.AddEventListener(EventMessage, func(Event) { done <- struct{}{} })

	d.gate <- struct{}{}
	conn := waitConn(t, d, time.Second)

	conn.push("x")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("等待消息分发超时")
	}

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	want := []string{"slot", "first", "second", "first"}
	if len(got) != len(want) {
		t.Fatalf("分发顺序 = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("分发顺序 = %v, want %v", got, want)
		}
	}

	// 按引用删除：同一引用的重复注册一并移除
	s.RemoveEventListener(EventMessage, first)
	mu.Lock()
	order = nil
	mu.Unlock()

	conn.push("y")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("等待第二次分发超时")
	}

	mu.Lock()
	got = append([]string(nil), order...)
	mu.Unlock()
	want = []string{"slot", "second"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("删除后分发顺序 = %v, want %v", got, want)
	}
}
