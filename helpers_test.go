package main

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testServerConfig 綁定隨機埠的伺服器配置
func testServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddress:   "127.0.0.1:0",
		WriteTimeout:    2 * time.Second,
		MaxConnections:  16,
		GracefulTimeout: 2 * time.Second,
	}
}

// defaultTestDevices Unit 0 與 1 共用預設設備
func defaultTestDevices(t *testing.T) *DeviceTable {
	t.Helper()
	cfg := DefaultConfig()
	table, err := cfg.BuildDeviceTable()
	require.NoError(t, err)
	return table
}

// startTestServer 啟動伺服器並在測試結束時強制關閉
func startTestServer(t *testing.T, devices *DeviceTable, config ServerConfig, opts ...ServerOption) *Server {
	t.Helper()

	opts = append([]ServerOption{WithLogger(zaptest.NewLogger(t))}, opts...)
	server := NewServer(devices, config, opts...)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Close() })
	return server
}

// dialRaw 建立原始 TCP 連線
func dialRaw(t *testing.T, server *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// roundTrip 送出一個請求訊框並讀回一個回應訊框
func roundTrip(t *testing.T, conn net.Conn, txID uint16, unitID uint8, pdu []byte) Frame {
	t.Helper()
	adu, err := EncodeFrame(txID, unitID, pdu)
	require.NoError(t, err)

	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Write(adu)
	require.NoError(t, err)

	frame, err := NewFrameReader(conn).Next()
	require.NoError(t, err)
	return frame
}

// expectClosed 確認對端已關閉連線
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	_, err := conn.Read(buf)
	require.Error(t, err)

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatalf("連線未被關閉: %v", err)
	}
}

// eventRecorder 收集伺服器事件
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) byType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
