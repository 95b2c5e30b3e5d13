package main

import (
	"fmt"
	"sync"
)

// DataStore 單一邏輯設備的資料庫 (線程安全)
//
// 四個 bank 各自以零為起點定址。鎖的範圍僅限於本實例，
// 不同設備之間的讀寫不會互相阻塞。
type DataStore struct {
	mu sync.RWMutex

	coils            []bool   // 0x - Coils
	discreteInputs   []bool   // 1x - Discrete Inputs
	inputRegisters   []uint16 // 3x - Input Registers
	holdingRegisters []uint16 // 4x - Holding Registers
}

// NewDataStore 建立新的資料庫
func NewDataStore(coilSize, discreteSize, inputSize, holdingSize int) *DataStore {
	return &DataStore{
		coils:            make([]bool, coilSize),
		discreteInputs:   make([]bool, discreteSize),
		inputRegisters:   make([]uint16, inputSize),
		holdingRegisters: make([]uint16, holdingSize),
	}
}

// Len 取得 bank 長度
func (ds *DataStore) Len(bank RegisterType) int {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if bank.IsBit() {
		bits, err := ds.bitBank(bank)
		if err != nil {
			return 0
		}
		return len(bits)
	}
	regs, err := ds.registerBank(bank)
	if err != nil {
		return 0
	}
	return len(regs)
}

// ReadBits 讀取 1-bit bank
func (ds *DataStore) ReadBits(bank RegisterType, address, quantity uint16) ([]bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	bits, err := ds.bitBank(bank)
	if err != nil {
		return nil, err
	}

	end := int(address) + int(quantity)
	if end > len(bits) {
		return nil, outOfRange(bank, address, end, len(bits))
	}

	result := make([]bool, quantity)
	copy(result, bits[address:end])
	return result, nil
}

// WriteBits 寫入 1-bit bank (全有或全無)
func (ds *DataStore) WriteBits(bank RegisterType, address uint16, values []bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	bits, err := ds.bitBank(bank)
	if err != nil {
		return err
	}

	end := int(address) + len(values)
	if end > len(bits) {
		return outOfRange(bank, address, end, len(bits))
	}

	copy(bits[address:end], values)
	return nil
}

// ReadRegisters 讀取 16-bit bank
func (ds *DataStore) ReadRegisters(bank RegisterType, address, quantity uint16) ([]uint16, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	regs, err := ds.registerBank(bank)
	if err != nil {
		return nil, err
	}

	end := int(address) + int(quantity)
	if end > len(regs) {
		return nil, outOfRange(bank, address, end, len(regs))
	}

	result := make([]uint16, quantity)
	copy(result, regs[address:end])
	return result, nil
}

// WriteRegisters 寫入 16-bit bank (全有或全無)
func (ds *DataStore) WriteRegisters(bank RegisterType, address uint16, values []uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	regs, err := ds.registerBank(bank)
	if err != nil {
		return err
	}

	end := int(address) + len(values)
	if end > len(regs) {
		return outOfRange(bank, address, end, len(regs))
	}

	copy(regs[address:end], values)
	return nil
}

// UpdateRegisters 在同一把鎖內對整個 16-bit bank 做讀改寫 (供模擬迴圈使用)
func (ds *DataStore) UpdateRegisters(bank RegisterType, fn func(regs []uint16)) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	regs, err := ds.registerBank(bank)
	if err != nil {
		return err
	}
	fn(regs)
	return nil
}

// UpdateBits 在同一把鎖內對整個 1-bit bank 做讀改寫
func (ds *DataStore) UpdateBits(bank RegisterType, fn func(bits []bool)) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	bits, err := ds.bitBank(bank)
	if err != nil {
		return err
	}
	fn(bits)
	return nil
}

// --- Coils (0x) ---

// ReadCoils 讀取多個線圈
func (ds *DataStore) ReadCoils(address, quantity uint16) ([]bool, error) {
	return ds.ReadBits(RegisterTypeCoil, address, quantity)
}

// WriteCoil 寫入單一線圈
func (ds *DataStore) WriteCoil(address uint16, value bool) error {
	return ds.WriteBits(RegisterTypeCoil, address, []bool{value})
}

// --- Discrete Inputs (1x) ---

// ReadDiscreteInputs 讀取多個離散輸入
func (ds *DataStore) ReadDiscreteInputs(address, quantity uint16) ([]bool, error) {
	return ds.ReadBits(RegisterTypeDiscreteInput, address, quantity)
}

// --- Input Registers (3x) ---

// ReadInputRegisters 讀取多個輸入暫存器
func (ds *DataStore) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	return ds.ReadRegisters(RegisterTypeInputRegister, address, quantity)
}

// --- Holding Registers (4x) ---

// ReadHoldingRegisters 讀取多個保持暫存器
func (ds *DataStore) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	return ds.ReadRegisters(RegisterTypeHoldingRegister, address, quantity)
}

// WriteHoldingRegister 寫入單一保持暫存器
func (ds *DataStore) WriteHoldingRegister(address, value uint16) error {
	return ds.WriteRegisters(RegisterTypeHoldingRegister, address, []uint16{value})
}

// bitBank 呼叫端須持有鎖
func (ds *DataStore) bitBank(bank RegisterType) ([]bool, error) {
	switch bank {
	case RegisterTypeCoil:
		return ds.coils, nil
	case RegisterTypeDiscreteInput:
		return ds.discreteInputs, nil
	default:
		return nil, fmt.Errorf("%w: %s 不是位元 bank", ErrBankType, bank)
	}
}

// registerBank 呼叫端須持有鎖
func (ds *DataStore) registerBank(bank RegisterType) ([]uint16, error) {
	switch bank {
	case RegisterTypeInputRegister:
		return ds.inputRegisters, nil
	case RegisterTypeHoldingRegister:
		return ds.holdingRegisters, nil
	default:
		return nil, fmt.Errorf("%w: %s 不是暫存器 bank", ErrBankType, bank)
	}
}

func outOfRange(bank RegisterType, address uint16, end, length int) error {
	return fmt.Errorf("%w: %s 位址 %d-%d 超出範圍 (長度 %d)", ErrIllegalDataAddress, bank, address, end-1, length)
}
