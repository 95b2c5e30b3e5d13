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

// DefaultResponseTimeout 預設等待回應時間
const DefaultResponseTimeout = 3 * time.Second

// Client Modbus TCP 客戶端
//
// 同一條連線可以由多個 goroutine 共用，回應依交易 ID 分派給等待者。
type Client struct {
	mu sync.Mutex

	addr    string
	unitID  uint8
	timeout time.Duration
	conn    net.Conn

	writeMu sync.Mutex

	// 交易
	lastTxID uint16
	pending  map[uint16]chan clientResult
	closeErr error
	readDone chan struct{}

	stats  ClientStats
	logger *zap.Logger
}

// ClientStats 客戶端統計資訊
type ClientStats struct {
	RequestCount   atomic.Uint64
	ExceptionCount atomic.Uint64
	TimeoutCount   atomic.Uint64
	DiscardedCount atomic.Uint64
}

type clientResult struct {
	frame Frame
	err   error
}

// ClientOption 客戶端配置選項
type ClientOption func(*Client)

// WithResponseTimeout 設定等待回應時間
func WithResponseTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithDefaultUnitID 設定預設 Unit ID
func WithDefaultUnitID(id uint8) ClientOption {
	return func(c *Client) {
		c.unitID = id
	}
}

// WithClientLogger 設定日誌
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Dial 建立連線
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		addr:     addr,
		timeout:  DefaultResponseTimeout,
		pending:  make(map[uint16]chan clientResult),
		readDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger, _ = zap.NewProduction()
	}

	dialer := &net.Dialer{
		Timeout:   c.timeout,
		KeepAlive: 30 * time.Second,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionRefused, addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	c.conn = conn

	go c.readLoop()

	c.logger.Debug("已連線", zap.String("addr", addr), zap.Uint8("unit_id", c.unitID))
	return c, nil
}

// Close 關閉連線並釋放 socket
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = ErrConnectionClosed
	}
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.readDone
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Address 取得伺服器位址
func (c *Client) Address() string {
	return c.addr
}

// UnitID 取得預設 Unit ID
func (c *Client) UnitID() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unitID
}

// Stats 取得統計資訊
func (c *Client) Stats() *ClientStats {
	return &c.stats
}

// ReadCoils 讀取線圈 (FC 01)
func (c *Client) ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error) {
	resp, err := c.Do(ctx, c.UnitID(), NewReadCoilsRequest(address, quantity))
	if err != nil {
		return nil, err
	}
	return resp.Bits, nil
}

// ReadHoldingRegisters 讀取保持暫存器 (FC 03)
func (c *Client) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	resp, err := c.Do(ctx, c.UnitID(), NewReadHoldingRegistersRequest(address, quantity))
	if err != nil {
		return nil, err
	}
	return resp.Registers, nil
}

// ReadInputRegisters 讀取輸入暫存器 (FC 04)
func (c *Client) ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	resp, err := c.Do(ctx, c.UnitID(), NewReadInputRegistersRequest(address, quantity))
	if err != nil {
		return nil, err
	}
	return resp.Registers, nil
}

// WriteSingleCoil 寫入單一線圈 (FC 05)
func (c *Client) WriteSingleCoil(ctx context.Context, address uint16, on bool) error {
	_, err := c.Do(ctx, c.UnitID(), NewWriteSingleCoilRequest(address, on))
	return err
}

// WriteSingleRegister 寫入單一保持暫存器 (FC 06)
func (c *Client) WriteSingleRegister(ctx context.Context, address, value uint16) error {
	_, err := c.Do(ctx, c.UnitID(), NewWriteSingleRegisterRequest(address, value))
	return err
}

// Do 送出請求並等待對應交易 ID 的回應
//
// 異常回應以 *ModbusError 回傳；逾時回傳 ErrTimeout，該交易 ID 隨即
// 作廢，之後才到達的回應會被丟棄。
func (c *Client) Do(ctx context.Context, unitID uint8, req Request) (Response, error) {
	pdu, err := EncodeRequest(req)
	if err != nil {
		return Response{}, err
	}

	txID, ch, err := c.register()
	if err != nil {
		return Response{}, err
	}

	adu, err := EncodeFrame(txID, unitID, pdu)
	if err != nil {
		c.abandon(txID)
		return Response{}, err
	}

	c.stats.RequestCount.Add(1)
	start := time.Now()

	if err := c.send(adu); err != nil {
		c.abandon(txID)
		c.fail(fmt.Errorf("%w: 寫入失敗: %w", ErrConnectionClosed, err))
		return Response{}, fmt.Errorf("%w: 寫入失敗: %w", ErrConnectionClosed, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var result clientResult
	select {
	case result = <-ch:
	case <-timer.C:
		c.expire(txID, ch)
		c.stats.TimeoutCount.Add(1)
		c.logger.Debug("等待回應逾時",
			zap.Uint16("tx_id", txID),
			zap.String("func", req.FunctionCode.String()),
			zap.Duration("timeout", c.timeout),
		)
		return Response{}, fmt.Errorf("%w: 交易 %d (%s) 超過 %s", ErrTimeout, txID, req.FunctionCode, c.timeout)
	case <-ctx.Done():
		c.expire(txID, ch)
		return Response{}, ctx.Err()
	}

	if result.err != nil {
		return Response{}, result.err
	}

	if result.frame.Header.UnitID != unitID {
		return Response{}, fmt.Errorf("%w: Unit ID 不符 (預期 %d，實際 %d)", ErrInvalidResponse, unitID, result.frame.Header.UnitID)
	}

	resp, err := DecodeResponse(req, result.frame.PDU)
	if err != nil {
		var mbErr *ModbusError
		if errors.As(err, &mbErr) {
			c.stats.ExceptionCount.Add(1)
		}
		return Response{}, err
	}

	c.logger.Debug("收到回應",
		zap.Uint16("tx_id", txID),
		zap.String("func", req.FunctionCode.String()),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

// register 配置新的交易 ID (遞增，65535 之後回到 0，略過仍在等待中的 ID)
func (c *Client) register() (uint16, chan clientResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeErr != nil {
		return 0, nil, c.closeErr
	}
	if len(c.pending) >= 0x10000 {
		return 0, nil, fmt.Errorf("%w: 沒有可用的交易 ID", ErrInvalidRequest)
	}

	txID := c.lastTxID + 1
	for {
		if _, busy := c.pending[txID]; !busy {
			break
		}
		txID++
	}
	c.lastTxID = txID

	ch := make(chan clientResult, 1)
	c.pending[txID] = ch
	return txID, ch, nil
}

// abandon 作廢交易 ID
func (c *Client) abandon(txID uint16) {
	c.mu.Lock()
	delete(c.pending, txID)
	c.mu.Unlock()
}

// expire 作廢逾時的交易；讀取迴圈可能已在作廢前送出回應，此時一併計為丟棄
func (c *Client) expire(txID uint16, ch chan clientResult) {
	c.abandon(txID)

	select {
	case result := <-ch:
		if result.err == nil {
			c.stats.DiscardedCount.Add(1)
			c.logger.Debug("丟棄逾時後才送達的回應", zap.Uint16("tx_id", txID))
		}
	default:
	}
}

func (c *Client) send(adu []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	_, err := c.conn.Write(adu)
	return err
}

// readLoop 讀取回應訊框並分派給等待者
func (c *Client) readLoop() {
	defer close(c.readDone)

	reader := NewFrameReader(c.conn)
	for {
		frame, err := reader.Next()
		if err != nil {
			c.fail(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[frame.Header.TransactionID]
		if ok {
			delete(c.pending, frame.Header.TransactionID)
		}
		c.mu.Unlock()

		if !ok {
			c.stats.DiscardedCount.Add(1)
			c.logger.Debug("丟棄無對應交易的回應",
				zap.Uint16("tx_id", frame.Header.TransactionID),
				zap.Uint8("unit_id", frame.Header.UnitID),
			)
			continue
		}
		ch <- clientResult{frame: frame}
	}
}

// fail 讓所有等待者以錯誤結束，並關閉連線
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
		c.logger.Warn("連線中斷", zap.String("addr", c.addr), zap.Error(err))
	}
	closeErr := c.closeErr
	pending := c.pending
	c.pending = make(map[uint16]chan clientResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- clientResult{err: closeErr}
	}
	c.conn.Close()
}
