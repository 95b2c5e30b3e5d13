package main

import (
	"encoding/binary"
	"fmt"
)

// Request 請求 PDU 的解碼結果
//
// 讀取類功能碼使用 Quantity，單一寫入功能碼使用 Value。
type Request struct {
	FunctionCode FunctionCode
	Address      uint16
	Quantity     uint16
	Value        uint16
}

// Response 成功回應的內容
//
// 異常回應不以 Response 表示，而是以 *ModbusError 回傳。
type Response struct {
	FunctionCode FunctionCode
	Bits         []bool   // FC 01
	Registers    []uint16 // FC 03/04
	Address      uint16   // FC 05/06 回顯
	Value        uint16   // FC 05/06 回顯
}

// CoilValue 將布林值轉為單一線圈寫入值
func CoilValue(on bool) uint16 {
	if on {
		return CoilValueOn
	}
	return CoilValueOff
}

// NewReadCoilsRequest 建立讀取線圈請求
func NewReadCoilsRequest(address, quantity uint16) Request {
	return Request{FunctionCode: FuncCodeReadCoils, Address: address, Quantity: quantity}
}

// NewReadHoldingRegistersRequest 建立讀取保持暫存器請求
func NewReadHoldingRegistersRequest(address, quantity uint16) Request {
	return Request{FunctionCode: FuncCodeReadHoldingRegisters, Address: address, Quantity: quantity}
}

// NewReadInputRegistersRequest 建立讀取輸入暫存器請求
func NewReadInputRegistersRequest(address, quantity uint16) Request {
	return Request{FunctionCode: FuncCodeReadInputRegisters, Address: address, Quantity: quantity}
}

// NewWriteSingleCoilRequest 建立寫入單一線圈請求
func NewWriteSingleCoilRequest(address uint16, on bool) Request {
	return Request{FunctionCode: FuncCodeWriteSingleCoil, Address: address, Value: CoilValue(on)}
}

// NewWriteSingleRegisterRequest 建立寫入單一暫存器請求
func NewWriteSingleRegisterRequest(address, value uint16) Request {
	return Request{FunctionCode: FuncCodeWriteSingleRegister, Address: address, Value: value}
}

// quantityLimit 取得讀取類功能碼的數量上限
func quantityLimit(fc FunctionCode) (uint16, bool) {
	switch fc {
	case FuncCodeReadCoils:
		return MaxCoilsPerRead, true
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		return MaxRegistersPerRead, true
	default:
		return 0, false
	}
}

// EncodeRequest 編碼請求 PDU (客戶端)
func EncodeRequest(req Request) ([]byte, error) {
	pdu := make([]byte, 5)
	pdu[0] = byte(req.FunctionCode)
	binary.BigEndian.PutUint16(pdu[1:], req.Address)

	switch req.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		limit, _ := quantityLimit(req.FunctionCode)
		if req.Quantity < 1 || req.Quantity > limit {
			return nil, fmt.Errorf("%w: %s 數量 %d 超出範圍 1-%d", ErrInvalidRequest, req.FunctionCode, req.Quantity, limit)
		}
		if int(req.Address)+int(req.Quantity) > 0x10000 {
			return nil, fmt.Errorf("%w: 位址 %d 加數量 %d 超出 16-bit 定址空間", ErrInvalidRequest, req.Address, req.Quantity)
		}
		binary.BigEndian.PutUint16(pdu[3:], req.Quantity)

	case FuncCodeWriteSingleCoil:
		if req.Value != CoilValueOn && req.Value != CoilValueOff {
			return nil, fmt.Errorf("%w: 線圈寫入值 0x%04X 必須為 0x0000 或 0xFF00", ErrInvalidRequest, req.Value)
		}
		binary.BigEndian.PutUint16(pdu[3:], req.Value)

	case FuncCodeWriteSingleRegister:
		binary.BigEndian.PutUint16(pdu[3:], req.Value)

	default:
		return nil, fmt.Errorf("%w: 不支援的功能碼 %s", ErrInvalidRequest, req.FunctionCode)
	}

	return pdu, nil
}

// DecodeRequest 解碼請求 PDU (伺服器端)
//
// 長度錯誤回傳 ErrMalformedPDU (傳輸層錯誤，不回應而是中斷連線)；
// 其餘錯誤為 *ModbusError，應編碼為異常回應。
func DecodeRequest(pdu []byte) (Request, error) {
	if len(pdu) == 0 {
		return Request{}, fmt.Errorf("%w: 空的 PDU", ErrMalformedPDU)
	}

	fc := FunctionCode(pdu[0])
	switch fc {
	case FuncCodeReadCoils, FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters,
		FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister:
	default:
		return Request{}, NewModbusError(fc, ExceptionCodeIllegalFunction)
	}

	if len(pdu) != 5 {
		return Request{}, fmt.Errorf("%w: %s 請求長度應為 5，實際 %d", ErrMalformedPDU, fc, len(pdu))
	}

	req := Request{
		FunctionCode: fc,
		Address:      binary.BigEndian.Uint16(pdu[1:]),
	}
	field := binary.BigEndian.Uint16(pdu[3:])

	if limit, ok := quantityLimit(fc); ok {
		if field < 1 || field > limit {
			return Request{}, NewModbusError(fc, ExceptionCodeIllegalDataValue)
		}
		req.Quantity = field
		return req, nil
	}

	if fc == FuncCodeWriteSingleCoil && field != CoilValueOn && field != CoilValueOff {
		return Request{}, NewModbusError(fc, ExceptionCodeIllegalDataValue)
	}
	req.Value = field
	return req, nil
}

// EncodeResponse 編碼成功回應 PDU (伺服器端)
func EncodeResponse(resp Response) ([]byte, error) {
	switch resp.FunctionCode {
	case FuncCodeReadCoils:
		data := CoilsToBytes(resp.Bits)
		if len(data) > 0xFF {
			return nil, fmt.Errorf("%w: 線圈位元組數 %d 超過 255", ErrInvalidResponse, len(data))
		}
		pdu := make([]byte, 2+len(data))
		pdu[0] = byte(resp.FunctionCode)
		pdu[1] = byte(len(data))
		copy(pdu[2:], data)
		return pdu, nil

	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		data := RegistersToBytes(resp.Registers)
		if len(data) > 0xFF {
			return nil, fmt.Errorf("%w: 暫存器位元組數 %d 超過 255", ErrInvalidResponse, len(data))
		}
		pdu := make([]byte, 2+len(data))
		pdu[0] = byte(resp.FunctionCode)
		pdu[1] = byte(len(data))
		copy(pdu[2:], data)
		return pdu, nil

	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister:
		pdu := make([]byte, 5)
		pdu[0] = byte(resp.FunctionCode)
		binary.BigEndian.PutUint16(pdu[1:], resp.Address)
		binary.BigEndian.PutUint16(pdu[3:], resp.Value)
		return pdu, nil

	default:
		return nil, fmt.Errorf("%w: 不支援的功能碼 %s", ErrInvalidResponse, resp.FunctionCode)
	}
}

// EncodeException 編碼異常回應 PDU
func EncodeException(fc FunctionCode, code ExceptionCode) []byte {
	return []byte{byte(fc | FuncCodeExceptionFlag), byte(code)}
}

// DecodeResponse 依原始請求解碼回應 PDU (客戶端)
//
// 異常回應以 *ModbusError 回傳，呼叫端不需要檢查額外的成功旗標。
func DecodeResponse(req Request, pdu []byte) (Response, error) {
	if len(pdu) == 0 {
		return Response{}, fmt.Errorf("%w: 空的 PDU", ErrInvalidResponse)
	}

	fc := FunctionCode(pdu[0])
	if fc == req.FunctionCode|FuncCodeExceptionFlag {
		if len(pdu) != 2 {
			return Response{}, fmt.Errorf("%w: 異常回應長度應為 2，實際 %d", ErrInvalidResponse, len(pdu))
		}
		return Response{}, NewModbusError(req.FunctionCode, ExceptionCode(pdu[1]))
	}
	if fc != req.FunctionCode {
		return Response{}, fmt.Errorf("%w: 功能碼不符 (預期 %s，實際 %s)", ErrInvalidResponse, req.FunctionCode, fc)
	}

	resp := Response{FunctionCode: fc}
	switch fc {
	case FuncCodeReadCoils:
		data, err := byteCountPayload(pdu, (int(req.Quantity)+7)/8)
		if err != nil {
			return Response{}, err
		}
		resp.Bits = BytesToCoils(data, int(req.Quantity))

	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		data, err := byteCountPayload(pdu, int(req.Quantity)*2)
		if err != nil {
			return Response{}, err
		}
		resp.Registers = BytesToRegisters(data)

	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister:
		if len(pdu) != 5 {
			return Response{}, fmt.Errorf("%w: %s 回應長度應為 5，實際 %d", ErrInvalidResponse, fc, len(pdu))
		}
		resp.Address = binary.BigEndian.Uint16(pdu[1:])
		resp.Value = binary.BigEndian.Uint16(pdu[3:])
		if resp.Address != req.Address || resp.Value != req.Value {
			return Response{}, fmt.Errorf("%w: 寫入回顯不符 (位址 %d 值 0x%04X)", ErrInvalidResponse, resp.Address, resp.Value)
		}

	default:
		return Response{}, fmt.Errorf("%w: 不支援的功能碼 %s", ErrInvalidResponse, fc)
	}

	return resp, nil
}

// byteCountPayload 驗證 byteCount 欄位並取出資料
func byteCountPayload(pdu []byte, want int) ([]byte, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: 缺少 byteCount", ErrInvalidResponse)
	}
	count := int(pdu[1])
	if count != want || len(pdu) != 2+count {
		return nil, fmt.Errorf("%w: byteCount %d，資料長度 %d，預期 %d", ErrInvalidResponse, count, len(pdu)-2, want)
	}
	return pdu[2:], nil
}

// RegistersToBytes 將暫存器值轉換為位元組陣列 (Big Endian)
func RegistersToBytes(registers []uint16) []byte {
	bytes := make([]byte, len(registers)*2)
	for i, reg := range registers {
		binary.BigEndian.PutUint16(bytes[i*2:], reg)
	}
	return bytes
}

// BytesToRegisters 將位元組陣列轉換為暫存器值 (Big Endian)
func BytesToRegisters(data []byte) []uint16 {
	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return registers
}

// CoilsToBytes 將線圈值打包為位元組 (每個位元組 LSB 優先)
func CoilsToBytes(coils []bool) []byte {
	byteCount := (len(coils) + 7) / 8
	bytes := make([]byte, byteCount)
	for i, coil := range coils {
		if coil {
			bytes[i/8] |= 1 << (i % 8)
		}
	}
	return bytes
}

// BytesToCoils 將位元組解開為線圈值
func BytesToCoils(data []byte, count int) []bool {
	coils := make([]bool, count)
	for i := 0; i < count && i/8 < len(data); i++ {
		coils[i] = (data[i/8] & (1 << (i % 8))) != 0
	}
	return coils
}
