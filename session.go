package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Session 伺服器端的單一 TCP 連線
//
// 每個 Session 由一個 goroutine 服務，依到達順序處理請求並依相同
// 順序寫回回應。
type Session struct {
	mu sync.Mutex

	server    *Server
	conn      net.Conn
	remote    string
	logger    *zap.Logger
	startTime time.Time
	draining  bool
}

func newSession(server *Server, conn net.Conn) *Session {
	remote := conn.RemoteAddr().String()
	return &Session{
		server:    server,
		conn:      conn,
		remote:    remote,
		logger:    server.logger.With(zap.String("remote", remote)),
		startTime: time.Now(),
	}
}

// serve 連線主迴圈: 讀取訊框、處理、寫回
func (ss *Session) serve() {
	var closeErr error

	defer func() {
		if r := recover(); r != nil {
			ss.logger.Error("連線處理發生 panic", zap.Any("panic", r), zap.Stack("stack"))
			closeErr = fmt.Errorf("panic: %v", r)
		}

		ss.conn.Close()
		ss.server.sink.Emit(Event{
			Type:     EventConnectionClosed,
			Time:     time.Now(),
			Remote:   ss.remote,
			Duration: time.Since(ss.startTime),
			Err:      closeErr,
		})
		ss.server.removeSession(ss)
	}()

	ss.server.sink.Emit(Event{
		Type:   EventConnectionOpened,
		Time:   ss.startTime,
		Remote: ss.remote,
	})

	reader := NewFrameReader(ss.conn)
	for {
		// 排空時仍處理已讀入緩衝的請求，只有需要再讀取時才結束
		if reader.Pending() == 0 && !ss.armReadDeadline() {
			return
		}

		frame, err := reader.Next()
		if err != nil {
			closeErr = ss.readError(err)
			return
		}
		ss.server.stats.BytesReceived.Add(uint64(MBAPHeaderLength + len(frame.PDU)))

		out, err := ss.server.process(ss.remote, frame)
		if err != nil {
			ss.server.stats.FramingErrors.Add(1)
			ss.server.sink.Emit(Event{
				Type:          EventFramingError,
				Time:          time.Now(),
				Remote:        ss.remote,
				TransactionID: frame.Header.TransactionID,
				UnitID:        frame.Header.UnitID,
				Err:           err,
			})
			closeErr = err
			return
		}

		if err := ss.write(out); err != nil {
			closeErr = fmt.Errorf("寫入回應失敗: %w", err)
			return
		}
	}
}

// armReadDeadline 設定下一次讀取的期限；排空中回傳 false
func (ss *Session) armReadDeadline() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.draining {
		return false
	}

	var deadline time.Time
	if ss.server.config.IdleTimeout > 0 {
		deadline = time.Now().Add(ss.server.config.IdleTimeout)
	}
	ss.conn.SetReadDeadline(deadline)
	return true
}

func (ss *Session) write(out []byte) error {
	if ss.server.config.WriteTimeout > 0 {
		ss.conn.SetWriteDeadline(time.Now().Add(ss.server.config.WriteTimeout))
	}
	n, err := ss.conn.Write(out)
	ss.server.stats.BytesSent.Add(uint64(n))
	return err
}

// readError 分類讀取錯誤；正常結束回傳 nil
func (ss *Session) readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}

	if errors.Is(err, ErrFraming) {
		ss.server.stats.FramingErrors.Add(1)
		ss.server.sink.Emit(Event{
			Type:   EventFramingError,
			Time:   time.Now(),
			Remote: ss.remote,
			Err:    err,
		})
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if ss.isDraining() {
			return nil
		}
		ss.logger.Debug("連線閒置逾時", zap.Duration("idle_timeout", ss.server.config.IdleTimeout))
		return err
	}

	return err
}

func (ss *Session) isDraining() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.draining
}

// drain 喚醒閒置中的讀取，讓連線在目前請求完成後結束
func (ss *Session) drain() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.draining = true
	ss.conn.SetReadDeadline(time.Now())
}

// close 強制關閉連線
func (ss *Session) close() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.draining = true
	ss.conn.Close()
}
