package main

import (
	"errors"
	"fmt"
)

// ModbusError Modbus 異常錯誤 (協定層級，以資料形式回傳給呼叫端)
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

func (e *ModbusError) Error() string {
	var msg string
	switch e.ExceptionCode {
	case ExceptionCodeIllegalFunction:
		msg = "非法功能碼"
	case ExceptionCodeIllegalDataAddress:
		msg = "非法資料位址"
	case ExceptionCodeIllegalDataValue:
		msg = "非法資料值"
	case ExceptionCodeServerDeviceFailure:
		msg = "從站設備故障"
	case ExceptionCodeGatewayTargetDeviceFailed:
		msg = "閘道目標設備無回應"
	default:
		msg = "未知錯誤"
	}
	if e.FunctionCode == 0 {
		return fmt.Sprintf("modbus 異常 0x%02X: %s", uint8(e.ExceptionCode), msg)
	}
	return fmt.Sprintf("modbus 異常 0x%02X: %s (功能碼 0x%02X)", uint8(e.ExceptionCode), msg, uint8(e.FunctionCode))
}

// Is 以異常碼比對，忽略功能碼
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	if !ok {
		return false
	}
	return e.ExceptionCode == t.ExceptionCode
}

// 協定異常 (可搭配 errors.Is 比對)
var (
	ErrIllegalFunction           = &ModbusError{ExceptionCode: ExceptionCodeIllegalFunction}
	ErrIllegalDataAddress        = &ModbusError{ExceptionCode: ExceptionCodeIllegalDataAddress}
	ErrIllegalDataValue          = &ModbusError{ExceptionCode: ExceptionCodeIllegalDataValue}
	ErrServerDeviceFailure       = &ModbusError{ExceptionCode: ExceptionCodeServerDeviceFailure}
	ErrGatewayTargetDeviceFailed = &ModbusError{ExceptionCode: ExceptionCodeGatewayTargetDeviceFailed}
)

// 傳輸層與連線錯誤
var (
	ErrConnectionRefused = errors.New("連線被拒絕")
	ErrConnectionClosed  = errors.New("連線已關閉")
	ErrTimeout           = errors.New("等待回應逾時")
	ErrFraming           = errors.New("MBAP 訊框錯誤")
	ErrMalformedPDU      = errors.New("PDU 格式錯誤")
	ErrInvalidResponse   = errors.New("無效的回應")
	ErrInvalidRequest    = errors.New("無效的請求")
	ErrBankType          = errors.New("暫存器類型不符")
)

// NewModbusError 建立 Modbus 異常錯誤
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{FunctionCode: fc, ExceptionCode: ec}
}

// IsException 判斷錯誤是否為指定的 Modbus 異常
func IsException(err error, code ExceptionCode) bool {
	var me *ModbusError
	if errors.As(err, &me) {
		return me.ExceptionCode == code
	}
	return false
}

// exceptionCodeOf 將錯誤對應為異常碼，非協定錯誤視為設備故障
func exceptionCodeOf(err error) ExceptionCode {
	var me *ModbusError
	if errors.As(err, &me) {
		return me.ExceptionCode
	}
	return ExceptionCodeServerDeviceFailure
}
