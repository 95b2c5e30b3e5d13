package main

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestServer_ReadCoils(t *testing.T) {
	server := startTestServer(t, defaultTestDevices(t), testServerConfig())
	conn := dialRaw(t, server)

	frame := roundTrip(t, conn, 0x0001, 0, []byte{0x01, 0x00, 0x00, 0x00, 0x0A})
	assert.Equal(t, uint16(0x0001), frame.Header.TransactionID)
	assert.Equal(t, uint16(0), frame.Header.ProtocolID)
	assert.Equal(t, uint8(0), frame.Header.UnitID)
	assert.Equal(t, []byte{0x01, 0x02, 0x55, 0x01}, frame.PDU)
}

func TestServer_EchoesTransactionAndUnit(t *testing.T) {
	server := startTestServer(t, defaultTestDevices(t), testServerConfig())
	conn := dialRaw(t, server)

	for _, tc := range []struct {
		txID   uint16
		unitID uint8
	}{{0xABCD, 1}, {0x0000, 0}, {0xFFFF, 1}} {
		frame := roundTrip(t, conn, tc.txID, tc.unitID, []byte{0x03, 0x00, 0x00, 0x00, 0x02})
		assert.Equal(t, tc.txID, frame.Header.TransactionID)
		assert.Equal(t, tc.unitID, frame.Header.UnitID)
		assert.Equal(t, uint16(len(frame.PDU)+1), frame.Header.Length)
		assert.Equal(t, []byte{0x03, 0x04, 0x00, 0x0A, 0x00, 0x14}, frame.PDU)
	}
}

func TestServer_Exceptions(t *testing.T) {
	server := startTestServer(t, defaultTestDevices(t), testServerConfig())
	conn := dialRaw(t, server)

	tests := []struct {
		name   string
		unitID uint8
		pdu    []byte
		want   []byte
	}{
		{"unknown unit", 7, []byte{0x03, 0x00, 0x00, 0x00, 0x01}, []byte{0x83, 0x0B}},
		{"discrete inputs unsupported", 0, []byte{0x02, 0x00, 0x00, 0x00, 0x01}, []byte{0x82, 0x01}},
		{"unknown function", 0, []byte{0x2B, 0x0E}, []byte{0xAB, 0x01}},
		{"holding out of range", 0, []byte{0x03, 0x00, 0x64, 0x00, 0x01}, []byte{0x83, 0x02}},
		{"coils past end", 1, []byte{0x01, 0x00, 0x08, 0x00, 0x03}, []byte{0x81, 0x02}},
		{"quantity too large", 0, []byte{0x04, 0x00, 0x00, 0x00, 0x7E}, []byte{0x84, 0x03}},
		{"bad coil value", 0, []byte{0x05, 0x00, 0x00, 0x12, 0x34}, []byte{0x85, 0x03}},
		{"write register out of range", 0, []byte{0x06, 0x00, 0x0A, 0x00, 0x01}, []byte{0x86, 0x02}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := roundTrip(t, conn, uint16(100+i), tt.unitID, tt.pdu)
			assert.Equal(t, uint16(100+i), frame.Header.TransactionID)
			assert.Equal(t, tt.unitID, frame.Header.UnitID)
			assert.Equal(t, tt.want, frame.PDU)
		})
	}

	assert.Equal(t, uint64(len(tests)), server.Stats().ExceptionCount.Load())
}

func TestServer_WriteThenReadThroughAlias(t *testing.T) {
	server := startTestServer(t, defaultTestDevices(t), testServerConfig())
	conn := dialRaw(t, server)

	frame := roundTrip(t, conn, 1, 1, []byte{0x06, 0x00, 0x01, 0x00, 0x03})
	assert.Equal(t, []byte{0x06, 0x00, 0x01, 0x00, 0x03}, frame.PDU)

	frame = roundTrip(t, conn, 2, 0, []byte{0x03, 0x00, 0x00, 0x00, 0x03})
	assert.Equal(t, []byte{0x03, 0x06, 0x00, 0x0A, 0x00, 0x03, 0x00, 0x1E}, frame.PDU)

	frame = roundTrip(t, conn, 3, 0, []byte{0x05, 0x00, 0x00, 0x00, 0x00})
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x00, 0x00}, frame.PDU)
	frame = roundTrip(t, conn, 4, 1, []byte{0x05, 0x00, 0x01, 0xFF, 0x00})
	assert.Equal(t, []byte{0x05, 0x00, 0x01, 0xFF, 0x00}, frame.PDU)

	frame = roundTrip(t, conn, 5, 0, []byte{0x01, 0x00, 0x00, 0x00, 0x0A})
	// 0,1,1,0,1,0,1,0 | 1,0
	assert.Equal(t, []byte{0x01, 0x02, 0x56, 0x01}, frame.PDU)
}

func TestServer_PipelinedRequestsAnsweredInOrder(t *testing.T) {
	server := startTestServer(t, defaultTestDevices(t), testServerConfig())
	conn := dialRaw(t, server)

	var batch []byte
	for i := uint16(1); i <= 20; i++ {
		adu, err := EncodeFrame(i, uint8(i%2), []byte{0x04, 0x00, byte(i % 10), 0x00, 0x01})
		require.NoError(t, err)
		batch = append(batch, adu...)
	}

	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))
	_, err := conn.Write(batch)
	require.NoError(t, err)

	inputs := []uint16{5, 15, 25, 35, 45, 55, 65, 75, 85, 95}
	reader := NewFrameReader(conn)
	for i := uint16(1); i <= 20; i++ {
		frame, err := reader.Next()
		require.NoError(t, err)
		assert.Equal(t, i, frame.Header.TransactionID)
		assert.Equal(t, uint8(i%2), frame.Header.UnitID)
		assert.Equal(t, RegistersToBytes([]uint16{inputs[i%10]}), frame.PDU[2:])
	}
}

func TestServer_FramingErrorClosesOnlyThatConnection(t *testing.T) {
	recorder := &eventRecorder{}
	server := startTestServer(t, defaultTestDevices(t), testServerConfig(), WithEventSink(recorder))

	bad := dialRaw(t, server)
	good := dialRaw(t, server)

	// 確認兩條連線都已建立
	roundTrip(t, good, 1, 0, []byte{0x03, 0x00, 0x00, 0x00, 0x01})

	_, err := bad.Write([]byte{0x00, 0x01, 0x00, 0x05, 0x00, 0x06, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)
	expectClosed(t, bad)

	frame := roundTrip(t, good, 2, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, uint16(2), frame.Header.TransactionID)
	assert.Equal(t, []byte{0x03, 0x02, 0x00, 0x0A}, frame.PDU)

	assert.Eventually(t, func() bool {
		return len(recorder.byType(EventFramingError)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), server.Stats().FramingErrors.Load())
}

func TestServer_MalformedPDUClosesConnection(t *testing.T) {
	server := startTestServer(t, defaultTestDevices(t), testServerConfig())
	conn := dialRaw(t, server)

	// FC 03 只帶 3 個位元組
	adu, err := EncodeFrame(1, 0, []byte{0x03, 0x00, 0x00})
	require.NoError(t, err)
	_, err = conn.Write(adu)
	require.NoError(t, err)

	expectClosed(t, conn)
}

func TestServer_Events(t *testing.T) {
	recorder := &eventRecorder{}
	server := startTestServer(t, defaultTestDevices(t), testServerConfig(), WithEventSink(recorder))
	conn := dialRaw(t, server)

	roundTrip(t, conn, 9, 1, []byte{0x03, 0x00, 0x02, 0x00, 0x02})
	roundTrip(t, conn, 10, 3, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
	conn.Close()

	assert.Eventually(t, func() bool {
		return len(recorder.byType(EventConnectionClosed)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	requests := recorder.byType(EventRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, uint16(9), requests[0].TransactionID)
	assert.Equal(t, uint8(1), requests[0].UnitID)
	assert.Equal(t, FuncCodeReadHoldingRegisters, requests[0].FunctionCode)
	assert.Equal(t, uint16(2), requests[0].Address)
	assert.Equal(t, uint16(2), requests[0].Quantity)

	exceptions := recorder.byType(EventException)
	require.Len(t, exceptions, 1)
	assert.Equal(t, ExceptionCodeGatewayTargetDeviceFailed, exceptions[0].Exception)
	assert.Equal(t, uint8(3), exceptions[0].UnitID)

	assert.Len(t, recorder.byType(EventConnectionOpened), 1)
}

func TestServer_Lifecycle(t *testing.T) {
	server := NewServer(defaultTestDevices(t), testServerConfig(), WithLogger(zaptest.NewLogger(t)))
	assert.Equal(t, EngineStateStopped, server.State())
	assert.Nil(t, server.Addr())

	require.NoError(t, server.Start(context.Background()))
	assert.Equal(t, EngineStateRunning, server.State())
	assert.Error(t, server.Start(context.Background()))

	addr := server.Addr().String()
	require.NoError(t, server.Stop(context.Background()))
	assert.Equal(t, EngineStateStopped, server.State())

	_, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	assert.Error(t, err)

	// 停止後可以重新啟動
	require.NoError(t, server.Start(context.Background()))
	require.NoError(t, server.Close())
	assert.Equal(t, EngineStateStopped, server.State())
}

func TestServer_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	config := testServerConfig()
	config.ListenAddress = ln.Addr().String()
	server := NewServer(defaultTestDevices(t), config, WithLogger(zaptest.NewLogger(t)))

	err = server.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, EngineStateStopped, server.State())
}

func TestServer_GracefulStopClosesIdleConnections(t *testing.T) {
	server := NewServer(defaultTestDevices(t), testServerConfig(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, server.Start(context.Background()))

	conn := dialRaw(t, server)
	roundTrip(t, conn, 1, 0, []byte{0x01, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, 1, server.ActiveSessions())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))

	expectClosed(t, conn)
	assert.Equal(t, 0, server.ActiveSessions())
	assert.Equal(t, int64(0), server.Stats().ConnectionsActive.Load())
}

// gatedSink 在交易 1 的請求事件上暫停，直到 open 被呼叫
type gatedSink struct {
	entered     chan struct{}
	release     chan struct{}
	enterOnce   sync.Once
	releaseOnce sync.Once
}

func newGatedSink() *gatedSink {
	return &gatedSink{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSink) Emit(e Event) {
	if e.Type != EventRequest || e.TransactionID != 1 {
		return
	}
	g.enterOnce.Do(func() { close(g.entered) })
	<-g.release
}

func (g *gatedSink) open() {
	g.releaseOnce.Do(func() { close(g.release) })
}

func TestServer_GracefulStopAnswersBufferedRequests(t *testing.T) {
	sink := newGatedSink()
	t.Cleanup(sink.open)

	server := NewServer(defaultTestDevices(t), testServerConfig(),
		WithLogger(zaptest.NewLogger(t)),
		WithEventSink(sink),
	)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Close() })

	conn := dialRaw(t, server)

	// 兩個請求在同一次寫入送出，伺服器一次讀入緩衝
	var batch []byte
	for txID := uint16(1); txID <= 2; txID++ {
		adu, err := EncodeFrame(txID, 0, []byte{0x03, 0x00, byte(txID), 0x00, 0x01})
		require.NoError(t, err)
		batch = append(batch, adu...)
	}
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Write(batch)
	require.NoError(t, err)

	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("第一個請求未被處理")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopErr := make(chan error, 1)
	go func() { stopErr <- server.Stop(ctx) }()

	require.Eventually(t, func() bool {
		sessions := server.snapshotSessions()
		return len(sessions) == 1 && sessions[0].isDraining()
	}, 2*time.Second, 5*time.Millisecond)
	sink.open()

	reader := NewFrameReader(conn)
	for txID := uint16(1); txID <= 2; txID++ {
		frame, err := reader.Next()
		require.NoError(t, err, "交易 %d 未收到回應", txID)
		assert.Equal(t, txID, frame.Header.TransactionID)
		assert.Equal(t, []byte{0x03, 0x02, 0x00, byte(10 * (txID + 1))}, frame.PDU)
	}

	require.NoError(t, <-stopErr)
	expectClosed(t, conn)
	assert.Equal(t, EngineStateStopped, server.State())
}

func TestServer_ContextCancelForcesClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := NewServer(defaultTestDevices(t), testServerConfig(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, server.Start(ctx))

	conn := dialRaw(t, server)
	roundTrip(t, conn, 1, 0, []byte{0x01, 0x00, 0x00, 0x00, 0x01})

	cancel()
	expectClosed(t, conn)
	assert.Eventually(t, func() bool {
		return server.State() == EngineStateStopped
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_MaxConnections(t *testing.T) {
	config := testServerConfig()
	config.MaxConnections = 1
	server := startTestServer(t, defaultTestDevices(t), config)

	first := dialRaw(t, server)
	roundTrip(t, first, 1, 0, []byte{0x01, 0x00, 0x00, 0x00, 0x01})

	second := dialRaw(t, server)
	expectClosed(t, second)
	assert.Equal(t, uint64(1), server.Stats().ConnectionsRejected.Load())

	// 第一條連線不受影響
	frame := roundTrip(t, first, 2, 0, []byte{0x01, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, []byte{0x01, 0x01, 0x01}, frame.PDU)
}

func TestServer_IdleTimeout(t *testing.T) {
	config := testServerConfig()
	config.IdleTimeout = 100 * time.Millisecond
	server := startTestServer(t, defaultTestDevices(t), config)

	conn := dialRaw(t, server)
	roundTrip(t, conn, 1, 0, []byte{0x01, 0x00, 0x00, 0x00, 0x01})

	expectClosed(t, conn)
	assert.Eventually(t, func() bool {
		return server.ActiveSessions() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServer_ConcurrentClients(t *testing.T) {
	server := startTestServer(t, defaultTestDevices(t), testServerConfig())

	errs := make(chan error, 8)
	for c := 0; c < 8; c++ {
		go func(c int) {
			conn, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(5 * time.Second))

			reader := NewFrameReader(conn)
			for i := 0; i < 50; i++ {
				txID := uint16(c*1000 + i)
				adu, _ := EncodeFrame(txID, uint8(c%2), []byte{0x03, 0x00, 0x00, 0x00, 0x0A})
				if _, err := conn.Write(adu); err != nil {
					errs <- err
					return
				}
				frame, err := reader.Next()
				if err != nil {
					errs <- err
					return
				}
				if frame.Header.TransactionID != txID {
					errs <- assert.AnError
					return
				}
			}
			errs <- nil
		}(c)
	}

	for i := 0; i < 8; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, uint64(400), server.Stats().RequestCount.Load())
}
