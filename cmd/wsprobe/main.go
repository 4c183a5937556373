// Package main 是 WebSocket 连接探测工具的入口点。
// 通过自动重连封装连接到目标地址，记录连接事件流与质量指标，
// 可选地按固定间隔发送探测消息，用于验证目标端点与重连策略表现。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"resilient-websocket/internal/config"
	"resilient-websocket/internal/output/jsonl"
	"resilient-websocket/internal/util/timeutil"
	"resilient-websocket/internal/ws"
)

// eventRecord 连接事件的 JSONL 记录
type eventRecord struct {
	// TsUnixNs 事件时间（纳秒）
	TsUnixNs int64 `json:"ts_unix_ns"`
	// Kind 事件类型: open/close/error/message
	Kind string `json:"kind"`
	// URL open 事件的连接地址
	URL string `json:"url,omitempty"`
	// Code close 事件的关闭码
	Code int `json:"code,omitempty"`
	// Reason close 事件的关闭原因
	Reason string `json:"reason,omitempty"`
	// Error error 事件的错误描述
	Error string `json:"error,omitempty"`
	// Bytes message 事件的负载长度
	Bytes int `json:"bytes,omitempty"`
}

// metricsRecord 指标快照的 JSONL 记录
type metricsRecord struct {
	// TsUnixNs 采集时间（纳秒）
	TsUnixNs int64 `json:"ts_unix_ns"`
	// ReadyState 当前连接状态
	ReadyState int `json:"ready_state"`
	// Metrics 连接质量指标
	Metrics ws.ConnectionMetrics `json:"metrics"`
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.App.LogLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 捕获 SIGINT/SIGTERM，触发优雅退出
	sigCh := make(chan os.Signal, 2)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("收到退出信号，开始优雅关闭")
		cancel()
	}()

	var eventsWriter *jsonl.Writer
	var metricsWriter *jsonl.Writer
	if cfg.Output.EventsEnabled {
		eventsWriter, err = jsonl.NewWriter(fmt.Sprintf("%s/events.jsonl", cfg.Output.Dir), cfg.Output.BufferSize)
		if err != nil {
			logger.Error("创建 events writer 失败", zap.Error(err))
			os.Exit(1)
		}
	}
	if cfg.Output.MetricsEnabled {
		metricsWriter, err = jsonl.NewWriter(fmt.Sprintf("%s/metrics.jsonl", cfg.Output.Dir), cfg.Output.BufferSize)
		if err != nil {
			logger.Error("创建 metrics writer 失败", zap.Error(err))
			os.Exit(1)
		}
	}

	socket := ws.New(ws.StaticURL(cfg.Target.URL), cfg.Target.Subprotocols, ws.Options{
		MaxReconnectionDelayMs: cfg.Reconnect.MaxReconnectionDelayMs,
		MinReconnectionDelayMs: cfg.Reconnect.MinReconnectionDelayMs,
		MinUptimeMs:            cfg.Reconnect.MinUptimeMs,
		GrowFactor:             cfg.Reconnect.GrowFactor,
		ConnectionTimeoutMs:    cfg.Reconnect.ConnectionTimeoutMs,
		MaxRetries:             cfg.Reconnect.MaxRetries,
		Debug:                  cfg.Reconnect.Debug,
	}, logger)

	socket.AddEventListener(ws.EventOpen, func(ev ws.Event) {
		logger.Info("连接建立", zap.String("url", ev.URL))
		writeEvent(eventsWriter, ev)
	})
	socket.AddEventListener(ws.EventClose, func(ev ws.Event) {
		logger.Info("连接关闭", zap.Int("code", ev.Code), zap.String("reason", ev.Reason))
		writeEvent(eventsWriter, ev)
		if ev.Code == ws.CodeGiveUp {
			logger.Warn("重连重试次数耗尽，退出")
			cancel()
		}
	})
	socket.AddEventListener(ws.EventError, func(ev ws.Event) {
		logger.Warn("连接故障", zap.Error(ev.Err))
		writeEvent(eventsWriter, ev)
	})
	socket.AddEventListener(ws.EventMessage, func(ev ws.Event) {
		logger.Debug("收到消息", zap.Int("bytes", len(ev.Data)))
		writeEvent(eventsWriter, ev)
	})

	runProbe(ctx, logger, cfg, socket, metricsWriter)

	// 优雅关闭（5s 超时）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = socket.Close(0, "shutdown")
		if eventsWriter != nil {
			_ = eventsWriter.Close()
		}
		if metricsWriter != nil {
			_ = metricsWriter.Close()
		}
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("关闭超时，强制退出")
	case <-done:
		logger.Info("关闭完成")
	}
}

// runProbe 探测主循环：周期性发送探测消息与输出指标快照
func runProbe(ctx context.Context, logger *zap.Logger, cfg *config.Config, socket *ws.Socket, metricsWriter *jsonl.Writer) {
	metricsTicker := time.NewTicker(time.Duration(cfg.Output.MetricsIntervalMs) * time.Millisecond)
	defer metricsTicker.Stop()

	var sendCh <-chan time.Time
	if cfg.Probe.SendIntervalMs > 0 {
		sendTicker := time.NewTicker(time.Duration(cfg.Probe.SendIntervalMs) * time.Millisecond)
		defer sendTicker.Stop()
		sendCh = sendTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-sendCh:
			// 无在线连接时静默丢弃，无需在探测侧检查状态
			if err := socket.Send([]byte(cfg.Probe.Payload)); err != nil {
				logger.Warn("发送探测消息失败", zap.Error(err))
			}

		case <-metricsTicker.C:
			if metricsWriter == nil {
				continue
			}
			_ = metricsWriter.Write(metricsRecord{
				TsUnixNs:   timeutil.NowNano(),
				ReadyState: socket.ReadyState(),
				Metrics:    socket.Metrics(),
			})
			_ = metricsWriter.Flush()
		}
	}
}

// writeEvent 把事件追加到 JSONL 输出
func writeEvent(w *jsonl.Writer, ev ws.Event) {
	if w == nil {
		return
	}

	rec := eventRecord{
		TsUnixNs: ev.TsUnixNs,
		Kind:     ev.Kind.String(),
		URL:      ev.URL,
		Code:     ev.Code,
		Reason:   ev.Reason,
		Bytes:    len(ev.Data),
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	_ = w.Write(rec)
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
