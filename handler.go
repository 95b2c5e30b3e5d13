package main

import (
	"go.uber.org/zap"
)

// RequestHandler 將已解碼的請求套用到 DataStore
type RequestHandler struct {
	logger *zap.Logger
}

// NewRequestHandler 建立請求處理器
func NewRequestHandler(logger *zap.Logger) *RequestHandler {
	return &RequestHandler{logger: logger}
}

// Handle 依功能碼分派請求；錯誤一律為 *ModbusError
func (h *RequestHandler) Handle(store *DataStore, req Request) (Response, error) {
	var (
		resp Response
		err  error
	)

	switch req.FunctionCode {
	case FuncCodeReadCoils:
		resp, err = h.HandleReadCoils(store, req.Address, req.Quantity)
	case FuncCodeReadHoldingRegisters:
		resp, err = h.HandleReadHoldingRegisters(store, req.Address, req.Quantity)
	case FuncCodeReadInputRegisters:
		resp, err = h.HandleReadInputRegisters(store, req.Address, req.Quantity)
	case FuncCodeWriteSingleCoil:
		resp, err = h.HandleWriteSingleCoil(store, req.Address, req.Value)
	case FuncCodeWriteSingleRegister:
		resp, err = h.HandleWriteSingleRegister(store, req.Address, req.Value)
	default:
		return Response{}, NewModbusError(req.FunctionCode, ExceptionCodeIllegalFunction)
	}

	if err != nil {
		return Response{}, NewModbusError(req.FunctionCode, exceptionCodeOf(err))
	}
	return resp, nil
}

// HandleReadCoils 處理讀取線圈請求 (FC 01)
func (h *RequestHandler) HandleReadCoils(store *DataStore, address, quantity uint16) (Response, error) {
	coils, err := store.ReadCoils(address, quantity)
	if err != nil {
		h.logger.Debug("讀取線圈失敗",
			zap.Uint16("address", address),
			zap.Uint16("quantity", quantity),
			zap.Error(err),
		)
		return Response{}, err
	}
	return Response{FunctionCode: FuncCodeReadCoils, Bits: coils}, nil
}

// HandleReadHoldingRegisters 處理讀取保持暫存器請求 (FC 03)
func (h *RequestHandler) HandleReadHoldingRegisters(store *DataStore, address, quantity uint16) (Response, error) {
	registers, err := store.ReadHoldingRegisters(address, quantity)
	if err != nil {
		h.logger.Debug("讀取保持暫存器失敗",
			zap.Uint16("address", address),
			zap.Uint16("quantity", quantity),
			zap.Error(err),
		)
		return Response{}, err
	}
	return Response{FunctionCode: FuncCodeReadHoldingRegisters, Registers: registers}, nil
}

// HandleReadInputRegisters 處理讀取輸入暫存器請求 (FC 04)
func (h *RequestHandler) HandleReadInputRegisters(store *DataStore, address, quantity uint16) (Response, error) {
	registers, err := store.ReadInputRegisters(address, quantity)
	if err != nil {
		h.logger.Debug("讀取輸入暫存器失敗",
			zap.Uint16("address", address),
			zap.Uint16("quantity", quantity),
			zap.Error(err),
		)
		return Response{}, err
	}
	return Response{FunctionCode: FuncCodeReadInputRegisters, Registers: registers}, nil
}

// HandleWriteSingleCoil 處理寫入單一線圈請求 (FC 05)
func (h *RequestHandler) HandleWriteSingleCoil(store *DataStore, address, value uint16) (Response, error) {
	if err := store.WriteCoil(address, value == CoilValueOn); err != nil {
		h.logger.Debug("寫入線圈失敗",
			zap.Uint16("address", address),
			zap.Uint16("value", value),
			zap.Error(err),
		)
		return Response{}, err
	}
	return Response{FunctionCode: FuncCodeWriteSingleCoil, Address: address, Value: value}, nil
}

// HandleWriteSingleRegister 處理寫入單一暫存器請求 (FC 06)
func (h *RequestHandler) HandleWriteSingleRegister(store *DataStore, address, value uint16) (Response, error) {
	if err := store.WriteHoldingRegister(address, value); err != nil {
		h.logger.Debug("寫入暫存器失敗",
			zap.Uint16("address", address),
			zap.Uint16("value", value),
			zap.Error(err),
		)
		return Response{}, err
	}
	return Response{FunctionCode: FuncCodeWriteSingleRegister, Address: address, Value: value}, nil
}
