package main

import (
	"time"

	"go.uber.org/zap"
)

// EventType 伺服器事件類型
type EventType int

const (
	EventConnectionOpened EventType = iota
	EventConnectionClosed
	EventRequest
	EventException
	EventFramingError
	EventConnectionRejected
)

func (t EventType) String() string {
	switch t {
	case EventConnectionOpened:
		return "connection_opened"
	case EventConnectionClosed:
		return "connection_closed"
	case EventRequest:
		return "request"
	case EventException:
		return "exception"
	case EventFramingError:
		return "framing_error"
	case EventConnectionRejected:
		return "connection_rejected"
	default:
		return "unknown"
	}
}

// Event 核心輸出的結構化事件 (資料，不是格式化文字)
type Event struct {
	Type          EventType
	Time          time.Time
	Remote        string
	TransactionID uint16
	UnitID        uint8
	FunctionCode  FunctionCode
	Address       uint16
	Quantity      uint16
	Exception     ExceptionCode
	Duration      time.Duration
	Err           error
}

// EventSink 事件接收端
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc 以函式實作 EventSink
type EventSinkFunc func(Event)

// Emit 實作 EventSink
func (f EventSinkFunc) Emit(e Event) {
	f(e)
}

// ZapEventSink 將事件寫入 zap 日誌
type ZapEventSink struct {
	logger *zap.Logger
}

// NewZapEventSink 建立 zap 事件接收端
func NewZapEventSink(logger *zap.Logger) *ZapEventSink {
	return &ZapEventSink{logger: logger}
}

// Emit 實作 EventSink
func (s *ZapEventSink) Emit(e Event) {
	fields := []zap.Field{
		zap.String("event", e.Type.String()),
		zap.String("remote", e.Remote),
	}

	switch e.Type {
	case EventConnectionOpened:
		s.logger.Info("連線已建立", fields...)
	case EventConnectionClosed:
		if e.Err != nil {
			fields = append(fields, zap.Error(e.Err))
		}
		s.logger.Info("連線已關閉", append(fields, zap.Duration("duration", e.Duration))...)
	case EventConnectionRejected:
		s.logger.Warn("連線數已達上限，拒絕連線", fields...)
	case EventRequest:
		s.logger.Debug("處理請求", append(fields, requestFields(e)...)...)
	case EventException:
		fields = append(fields, requestFields(e)...)
		fields = append(fields, zap.String("exception", e.Exception.String()))
		s.logger.Info("回應異常", fields...)
	case EventFramingError:
		s.logger.Warn("訊框錯誤，關閉連線", append(fields, zap.Error(e.Err))...)
	}
}

func requestFields(e Event) []zap.Field {
	return []zap.Field{
		zap.Uint16("tx_id", e.TransactionID),
		zap.Uint8("unit_id", e.UnitID),
		zap.String("func", e.FunctionCode.String()),
		zap.Uint16("address", e.Address),
		zap.Uint16("quantity", e.Quantity),
		zap.Duration("duration", e.Duration),
	}
}
