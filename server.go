package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EngineState 伺服器狀態
type EngineState int32

const (
	EngineStateStopped EngineState = iota
	EngineStateStarting
	EngineStateRunning
	EngineStateStopping
)

func (s EngineState) String() string {
	switch s {
	case EngineStateStopped:
		return "stopped"
	case EngineStateStarting:
		return "starting"
	case EngineStateRunning:
		return "running"
	case EngineStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Server Modbus TCP 伺服器引擎
type Server struct {
	mu sync.Mutex

	// 配置
	config  ServerConfig
	devices *DeviceTable
	handler *RequestHandler

	// 狀態
	state      atomic.Int32
	listener   net.Listener
	sessions   map[*Session]struct{}
	wg         sync.WaitGroup
	acceptDone chan struct{}
	stopCh     chan struct{}

	// 統計
	stats ServerStats

	// 日誌與事件
	logger *zap.Logger
	sink   EventSink
}

// ServerStats 伺服器統計資訊
type ServerStats struct {
	StartTime           atomic.Int64 // UnixNano，未啟動時為 0
	ConnectionsTotal    atomic.Uint64
	ConnectionsActive   atomic.Int64
	ConnectionsRejected atomic.Uint64
	RequestCount        atomic.Uint64
	ExceptionCount      atomic.Uint64
	FramingErrors       atomic.Uint64
	LastRequestTime     atomic.Int64
	BytesReceived       atomic.Uint64
	BytesSent           atomic.Uint64
}

// Uptime 取得自最近一次啟動以來的時間；未啟動時為 0
func (st *ServerStats) Uptime() time.Duration {
	start := st.StartTime.Load()
	if start == 0 {
		return 0
	}
	return time.Since(time.Unix(0, start))
}

// ServerOption 伺服器配置選項
type ServerOption func(*Server)

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithEventSink 設定事件接收端 (預設寫入 zap 日誌)
func WithEventSink(sink EventSink) ServerOption {
	return func(s *Server) {
		s.sink = sink
	}
}

// NewServer 建立新的伺服器
func NewServer(devices *DeviceTable, config ServerConfig, opts ...ServerOption) *Server {
	s := &Server{
		config:   config,
		devices:  devices,
		sessions: make(map[*Session]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger, _ = zap.NewProduction()
	}
	if s.sink == nil {
		s.sink = NewZapEventSink(s.logger)
	}
	s.handler = NewRequestHandler(s.logger)

	return s
}

// Start 綁定監聽埠並開始接受連線
//
// ctx 取消時會強制關閉伺服器。綁定失敗是唯一會回傳的啟動錯誤。
func (s *Server) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(EngineStateStopped), int32(EngineStateStarting)) {
		return fmt.Errorf("伺服器已經在運行中")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.ListenAddress)
	if err != nil {
		s.state.Store(int32(EngineStateStopped))
		return fmt.Errorf("監聽 %s 失敗: %w", s.config.ListenAddress, err)
	}

	acceptDone := make(chan struct{})
	stopCh := make(chan struct{})

	s.mu.Lock()
	s.listener = ln
	s.acceptDone = acceptDone
	s.stopCh = stopCh
	s.mu.Unlock()

	s.stats.StartTime.Store(time.Now().UnixNano())
	s.state.Store(int32(EngineStateRunning))

	go s.acceptLoop(ln, acceptDone)
	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info("context 已取消，強制關閉伺服器")
			_ = s.Close()
		case <-stopCh:
		}
	}()

	s.logger.Info("伺服器已啟動",
		zap.String("addr", ln.Addr().String()),
		zap.Uint8s("unit_ids", s.devices.UnitIDs()),
	)

	return nil
}

// Stop 優雅停止: 停止接受新連線，讓進行中的請求完成
//
// ctx 到期時改為強制關閉剩餘連線。
func (s *Server) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(EngineStateRunning), int32(EngineStateStopping)) {
		return nil
	}

	s.logger.Info("正在停止伺服器", zap.Int("sessions", s.ActiveSessions()))

	err := s.closeListener()
	s.drainSessions()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("停止伺服器逾時，強制關閉連線")
		s.closeSessions()
		<-done
	}

	s.finish()
	return err
}

// Close 強制停止: 立即關閉監聽埠與所有連線
func (s *Server) Close() error {
	if !s.state.CompareAndSwap(int32(EngineStateRunning), int32(EngineStateStopping)) {
		if s.State() == EngineStateStopping {
			// 優雅停止進行中，升級為強制關閉
			s.closeSessions()
		}
		return nil
	}

	err := s.closeListener()
	s.closeSessions()
	s.wg.Wait()
	s.finish()
	return err
}

func (s *Server) finish() {
	s.mu.Lock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.listener = nil
	s.mu.Unlock()

	s.logger.Info("伺服器已停止",
		zap.Duration("uptime", s.stats.Uptime()),
		zap.Uint64("requests", s.stats.RequestCount.Load()),
	)
	s.state.Store(int32(EngineStateStopped))
}

// closeListener 關閉監聽埠並等待 accept 迴圈結束
func (s *Server) closeListener() error {
	s.mu.Lock()
	ln := s.listener
	acceptDone := s.acceptDone
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	err := ln.Close()
	<-acceptDone
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) drainSessions() {
	for _, sess := range s.snapshotSessions() {
		sess.drain()
	}
}

func (s *Server) closeSessions() {
	for _, sess := range s.snapshotSessions() {
		sess.close()
	}
}

func (s *Server) snapshotSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.State() != EngineStateRunning {
				return
			}
			s.logger.Error("接受連線失敗", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.config.MaxConnections > 0 && len(s.sessions) >= s.config.MaxConnections {
			s.mu.Unlock()
			s.stats.ConnectionsRejected.Add(1)
			s.sink.Emit(Event{
				Type:   EventConnectionRejected,
				Time:   time.Now(),
				Remote: conn.RemoteAddr().String(),
			})
			conn.Close()
			continue
		}

		sess := newSession(s, conn)
		s.sessions[sess] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		s.stats.ConnectionsTotal.Add(1)
		s.stats.ConnectionsActive.Add(1)

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
		}

		go sess.serve()
	}
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()

	s.stats.ConnectionsActive.Add(-1)
	s.wg.Done()
}

// process 處理一個完整訊框並產生回應訊框
//
// 只有 PDU 格式錯誤會回傳 error (呼叫端應關閉連線)；協定層級的錯誤
// 一律編碼為異常回應。回應沿用請求的交易 ID 與 Unit ID。
func (s *Server) process(remote string, frame Frame) ([]byte, error) {
	start := time.Now()
	header := frame.Header
	fc := FunctionCode(frame.PDU[0])

	s.stats.RequestCount.Add(1)
	s.stats.LastRequestTime.Store(start.UnixNano())

	ev := Event{
		Type:          EventRequest,
		Time:          start,
		Remote:        remote,
		TransactionID: header.TransactionID,
		UnitID:        header.UnitID,
		FunctionCode:  fc,
	}

	var pdu []byte
	store, err := s.devices.Resolve(header.UnitID)
	if err == nil {
		var req Request
		req, err = DecodeRequest(frame.PDU)
		if errors.Is(err, ErrMalformedPDU) {
			return nil, err
		}
		if err == nil {
			ev.Address = req.Address
			ev.Quantity = req.Quantity

			var resp Response
			resp, err = s.handler.Handle(store, req)
			if err == nil {
				pdu, err = EncodeResponse(resp)
				if err != nil {
					s.logger.Error("編碼回應失敗", zap.Error(err))
					err = ErrServerDeviceFailure
				}
			}
		}
	}

	if err != nil {
		code := exceptionCodeOf(err)
		pdu = EncodeException(fc, code)
		s.stats.ExceptionCount.Add(1)
		ev.Type = EventException
		ev.Exception = code
		ev.Err = err
	}

	ev.Duration = time.Since(start)
	s.sink.Emit(ev)

	return EncodeFrame(header.TransactionID, header.UnitID, pdu)
}

// Addr 取得實際監聽位址 (未啟動時為 nil)
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveSessions 取得目前連線數
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// State 取得伺服器狀態
func (s *Server) State() EngineState {
	return EngineState(s.state.Load())
}

// Stats 取得統計資訊
func (s *Server) Stats() *ServerStats {
	return &s.stats
}

// Devices 取得設備對應表
func (s *Server) Devices() *DeviceTable {
	return s.devices
}
