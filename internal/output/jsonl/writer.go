// Package jsonl 实现异步 JSONL 文件写入。
// 探测工具用它记录连接事件流与指标快照；
// 事件回调侧只投递，JSON 编码与文件 I/O 在后台协程完成。
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// request 后台协程的一次操作请求
type request struct {
	// record 待写入的记录，flush/close 请求时为 nil
	record any
	// done 非 nil 时操作完成后回传结果（flush/close 使用）
	done chan error
	// last 是否为关闭请求
	last bool
}

// Writer 异步 JSONL 写入器
type Writer struct {
	// path 输出文件路径
	path string
	// reqCh 操作请求通道
	reqCh chan request

	// closed 关闭标记
	closed int32
	// sendMu 保护投递与关闭的竞争
	sendMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// NewWriter 创建 JSONL 写入器
// 参数 path: 输出文件路径（父目录不存在时自动创建，追加写入）
// 参数 bufferSize: 请求通道容量，<=0 时使用 1000
func NewWriter(path string, bufferSize int) (*Writer, error) {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开输出文件失败: %w", err)
	}

	w := &Writer{
		path:  path,
		reqCh: make(chan request, bufferSize),
	}

	w.wg.Add(1)
	go w.loop(f)

	return w, nil
}

// Write 异步写入一条 JSONL 记录
// 仅负责投递；编码失败的记录会被后台协程静默跳过。
func (w *Writer) Write(v any) error {
	if w == nil {
		return fmt.Errorf("writer 为空")
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if atomic.LoadInt32(&w.closed) == 1 {
		return fmt.Errorf("writer 已关闭")
	}
	w.reqCh <- request{record: v}
	return nil
}

// Flush 强制刷新文件缓冲区并等待完成
func (w *Writer) Flush() error {
	if w == nil {
		return nil
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if atomic.LoadInt32(&w.closed) == 1 {
		return nil
	}
	done := make(chan error, 1)
	w.reqCh <- request{done: done}
	return <-done
}

// Close 关闭写入器（先刷新再关闭文件）
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.closeOnce.Do(func() {
		w.sendMu.Lock()
		atomic.StoreInt32(&w.closed, 1)
		done := make(chan error, 1)
		w.reqCh <- request{done: done, last: true}
		w.closeErr = <-done
		close(w.reqCh)
		w.sendMu.Unlock()
	})
	w.wg.Wait()
	return w.closeErr
}

// loop 后台写入循环
func (w *Writer) loop(f *os.File) {
	defer w.wg.Done()
	defer f.Close()

	bw := bufio.NewWriterSize(f, 1<<20)

	for req := range w.reqCh {
		if req.record != nil {
			b, err := json.Marshal(req.record)
			if err != nil {
				continue
			}
			if _, err := bw.Write(b); err != nil {
				continue
			}
			_ = bw.WriteByte('\n')
			continue
		}

		err := bw.Flush()
		if req.done != nil {
			req.done <- err
		}
		if req.last {
			return
		}
	}
}
