package main

import "fmt"

// FunctionCode Modbus 功能碼
type FunctionCode uint8

// Modbus 功能碼
const (
	FuncCodeReadCoils              FunctionCode = 0x01
	FuncCodeReadDiscreteInputs     FunctionCode = 0x02
	FuncCodeReadHoldingRegisters   FunctionCode = 0x03
	FuncCodeReadInputRegisters     FunctionCode = 0x04
	FuncCodeWriteSingleCoil        FunctionCode = 0x05
	FuncCodeWriteSingleRegister    FunctionCode = 0x06
	FuncCodeWriteMultipleCoils     FunctionCode = 0x0F
	FuncCodeWriteMultipleRegisters FunctionCode = 0x10

	// 異常回應旗標
	FuncCodeExceptionFlag FunctionCode = 0x80
)

func (fc FunctionCode) String() string {
	switch fc {
	case FuncCodeReadCoils:
		return "ReadCoils"
	case FuncCodeReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncCodeReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncCodeReadInputRegisters:
		return "ReadInputRegisters"
	case FuncCodeWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncCodeWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncCodeWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncCodeWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	default:
		if fc&FuncCodeExceptionFlag != 0 {
			return fmt.Sprintf("Exception(%s)", (fc &^ FuncCodeExceptionFlag).String())
		}
		return fmt.Sprintf("Unknown(0x%02X)", uint8(fc))
	}
}

// IsException 是否為異常回應功能碼
func (fc FunctionCode) IsException() bool {
	return fc&FuncCodeExceptionFlag != 0
}

// ExceptionCode Modbus 異常碼
type ExceptionCode uint8

// Modbus 異常碼
const (
	ExceptionCodeIllegalFunction           ExceptionCode = 0x01
	ExceptionCodeIllegalDataAddress        ExceptionCode = 0x02
	ExceptionCodeIllegalDataValue          ExceptionCode = 0x03
	ExceptionCodeServerDeviceFailure       ExceptionCode = 0x04
	ExceptionCodeGatewayTargetDeviceFailed ExceptionCode = 0x0B
)

func (ec ExceptionCode) String() string {
	switch ec {
	case ExceptionCodeIllegalFunction:
		return "IllegalFunction"
	case ExceptionCodeIllegalDataAddress:
		return "IllegalDataAddress"
	case ExceptionCodeIllegalDataValue:
		return "IllegalDataValue"
	case ExceptionCodeServerDeviceFailure:
		return "ServerDeviceFailure"
	case ExceptionCodeGatewayTargetDeviceFailed:
		return "GatewayTargetDeviceFailed"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(ec))
	}
}

const (
	// Modbus TCP 常數
	MBAPHeaderLength      = 7 // MBAP Header 長度
	MBAPProtocolID        = 0
	MaxPDULength          = 253
	ModbusTCPMaxADULength = MBAPHeaderLength + MaxPDULength
	ModbusTCPDefaultPort  = 5020
	DefaultListenAddress  = "127.0.0.1:5020"

	// 數量限制
	MaxCoilsPerRead     = 2000
	MaxRegistersPerRead = 125

	// 單一線圈寫入值
	CoilValueOn  uint16 = 0xFF00
	CoilValueOff uint16 = 0x0000
)

// RegisterType 暫存器類型 (資料庫中的四個 bank)
type RegisterType int

const (
	RegisterTypeCoil RegisterType = iota
	RegisterTypeDiscreteInput
	RegisterTypeInputRegister
	RegisterTypeHoldingRegister
)

func (rt RegisterType) String() string {
	switch rt {
	case RegisterTypeCoil:
		return "Coil"
	case RegisterTypeDiscreteInput:
		return "DiscreteInput"
	case RegisterTypeInputRegister:
		return "InputRegister"
	case RegisterTypeHoldingRegister:
		return "HoldingRegister"
	default:
		return "Unknown"
	}
}

// IsBit 是否為 1-bit bank
func (rt RegisterType) IsBit() bool {
	return rt == RegisterTypeCoil || rt == RegisterTypeDiscreteInput
}
