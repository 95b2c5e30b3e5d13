package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SimulationMode 模擬模式 (僅更新輸入暫存器與離散輸入)
type SimulationMode int

const (
	SimulationStatic SimulationMode = iota
	SimulationRamp
	SimulationNoise
)

func (m SimulationMode) String() string {
	switch m {
	case SimulationStatic:
		return "static"
	case SimulationRamp:
		return "ramp"
	case SimulationNoise:
		return "noise"
	default:
		return "unknown"
	}
}

// ParseSimulationMode 解析模擬模式，空字串視為 static
func ParseSimulationMode(s string) (SimulationMode, error) {
	switch s {
	case "", "static":
		return SimulationStatic, nil
	case "ramp":
		return SimulationRamp, nil
	case "noise":
		return SimulationNoise, nil
	default:
		return SimulationStatic, fmt.Errorf("未知的模擬模式: %s", s)
	}
}

// SimulationParams 模擬參數
type SimulationParams struct {
	Step     uint16
	Variance float64
}

// SimulationHandler 模擬處理介面
type SimulationHandler interface {
	Mode() SimulationMode
	Update(store *DataStore, params SimulationParams, rng *rand.Rand) error
	Reset(store *DataStore) error
}

// 模擬處理器註冊表
var (
	simulationHandlers   = make(map[SimulationMode]func() SimulationHandler)
	simulationHandlersMu sync.RWMutex
)

func init() {
	RegisterSimulationHandler(SimulationStatic, func() SimulationHandler { return &StaticSimulation{} })
	RegisterSimulationHandler(SimulationRamp, func() SimulationHandler { return &RampSimulation{} })
	RegisterSimulationHandler(SimulationNoise, func() SimulationHandler { return NewNoiseSimulation() })
}

// RegisterSimulationHandler 註冊模擬處理器
func RegisterSimulationHandler(mode SimulationMode, factory func() SimulationHandler) {
	simulationHandlersMu.Lock()
	defer simulationHandlersMu.Unlock()
	simulationHandlers[mode] = factory
}

// NewSimulationHandler 建立模擬處理器
func NewSimulationHandler(mode SimulationMode) (SimulationHandler, error) {
	simulationHandlersMu.RLock()
	factory, ok := simulationHandlers[mode]
	simulationHandlersMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("未註冊的模擬模式: %s", mode)
	}
	return factory(), nil
}

// ListSimulationModes 列出所有模擬模式
func ListSimulationModes() []SimulationMode {
	return []SimulationMode{SimulationStatic, SimulationRamp, SimulationNoise}
}

// --- Static ---

// StaticSimulation 不變動任何值
type StaticSimulation struct{}

func (s *StaticSimulation) Mode() SimulationMode { return SimulationStatic }

func (s *StaticSimulation) Update(*DataStore, SimulationParams, *rand.Rand) error { return nil }

func (s *StaticSimulation) Reset(*DataStore) error { return nil }

// --- Ramp ---

// RampSimulation 輸入暫存器每次遞增 Step (溢位回到 0)，離散輸入依暫存器奇偶切換
type RampSimulation struct{}

func (s *RampSimulation) Mode() SimulationMode { return SimulationRamp }

func (s *RampSimulation) Update(store *DataStore, params SimulationParams, _ *rand.Rand) error {
	step := params.Step
	if step == 0 {
		step = 1
	}

	var snapshot []uint16
	err := store.UpdateRegisters(RegisterTypeInputRegister, func(regs []uint16) {
		for i := range regs {
			regs[i] += step
		}
		snapshot = append(snapshot[:0], regs...)
	})
	if err != nil {
		return err
	}

	return store.UpdateBits(RegisterTypeDiscreteInput, func(bits []bool) {
		for i := range bits {
			if i < len(snapshot) {
				bits[i] = snapshot[i]%2 == 1
			}
		}
	})
}

func (s *RampSimulation) Reset(*DataStore) error { return nil }

// --- Noise ---

// NoiseSimulation 輸入暫存器在基準值附近隨機波動，離散輸入以 Variance 機率翻轉
type NoiseSimulation struct {
	mu        sync.Mutex
	baselines map[*DataStore][]uint16
}

// NewNoiseSimulation 建立雜訊模擬
func NewNoiseSimulation() *NoiseSimulation {
	return &NoiseSimulation{baselines: make(map[*DataStore][]uint16)}
}

func (s *NoiseSimulation) Mode() SimulationMode { return SimulationNoise }

func (s *NoiseSimulation) Update(store *DataStore, params SimulationParams, rng *rand.Rand) error {
	variance := params.Variance
	if variance <= 0 {
		variance = 0.05
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := store.UpdateRegisters(RegisterTypeInputRegister, func(regs []uint16) {
		base, ok := s.baselines[store]
		if !ok || len(base) != len(regs) {
			base = append([]uint16(nil), regs...)
			s.baselines[store] = base
		}
		for i := range regs {
			v := float64(base[i]) * (1 + (rng.Float64()*2-1)*variance)
			regs[i] = uint16(math.Max(0, math.Min(math.MaxUint16, math.Round(v))))
		}
	})
	if err != nil {
		return err
	}

	return store.UpdateBits(RegisterTypeDiscreteInput, func(bits []bool) {
		for i := range bits {
			if rng.Float64() < variance {
				bits[i] = !bits[i]
			}
		}
	})
}

// Reset 將輸入暫存器還原為基準值
func (s *NoiseSimulation) Reset(store *DataStore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.baselines[store]
	if !ok {
		return nil
	}
	delete(s.baselines, store)
	if err := store.WriteRegisters(RegisterTypeInputRegister, 0, base); err != nil {
		return fmt.Errorf("還原輸入暫存器失敗: %w", err)
	}
	return nil
}

// Simulator 模擬引擎 (定時更新所有設備的唯讀資料)
type Simulator struct {
	mu sync.RWMutex

	devices  *DeviceTable
	handler  SimulationHandler
	params   SimulationParams
	interval time.Duration
	rng      *rand.Rand
	ticks    uint64

	logger *zap.Logger
}

// NewSimulator 建立模擬引擎
func NewSimulator(devices *DeviceTable, cfg SimulationConfig, logger *zap.Logger) (*Simulator, error) {
	mode, err := ParseSimulationMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	handler, err := NewSimulationHandler(mode)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Simulator{
		devices:  devices,
		handler:  handler,
		params:   SimulationParams{Step: cfg.Step, Variance: cfg.Variance},
		interval: cfg.Interval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   logger,
	}, nil
}

// SetMode 切換模擬模式，先還原目前模式造成的變動
func (sim *Simulator) SetMode(mode SimulationMode, params SimulationParams) error {
	handler, err := NewSimulationHandler(mode)
	if err != nil {
		return err
	}

	sim.mu.Lock()
	defer sim.mu.Unlock()

	for _, store := range sim.devices.Stores() {
		if err := sim.handler.Reset(store); err != nil {
			sim.logger.Warn("模擬還原失敗", zap.String("mode", sim.handler.Mode().String()), zap.Error(err))
		}
	}
	sim.handler = handler
	sim.params = params
	sim.logger.Info("切換模擬模式", zap.String("mode", mode.String()))
	return nil
}

// Mode 取得目前模擬模式
func (sim *Simulator) Mode() SimulationMode {
	sim.mu.RLock()
	defer sim.mu.RUnlock()
	return sim.handler.Mode()
}

// Params 取得目前模擬參數
func (sim *Simulator) Params() SimulationParams {
	sim.mu.RLock()
	defer sim.mu.RUnlock()
	return sim.params
}

// Ticks 取得已執行的更新次數
func (sim *Simulator) Ticks() uint64 {
	sim.mu.RLock()
	defer sim.mu.RUnlock()
	return sim.ticks
}

// Tick 對所有設備執行一次更新
func (sim *Simulator) Tick() {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	for _, store := range sim.devices.Stores() {
		if err := sim.handler.Update(store, sim.params, sim.rng); err != nil {
			sim.logger.Warn("模擬更新失敗", zap.String("mode", sim.handler.Mode().String()), zap.Error(err))
		}
	}
	sim.ticks++
}

// Run 依設定間隔持續更新直到 ctx 取消；間隔不大於 0 時直接返回
//
// static 模式下仍維持計時，執行中切換模式後即開始更新。
func (sim *Simulator) Run(ctx context.Context) {
	if sim.interval <= 0 {
		return
	}

	sim.logger.Info("模擬已啟動",
		zap.String("mode", sim.Mode().String()),
		zap.Duration("interval", sim.interval),
	)

	ticker := time.NewTicker(sim.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sim.logger.Info("模擬已停止", zap.Uint64("ticks", sim.Ticks()))
			return
		case <-ticker.C:
			if sim.Mode() != SimulationStatic {
				sim.Tick()
			}
		}
	}
}
