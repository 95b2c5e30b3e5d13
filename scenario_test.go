package main

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestSimulationMode_String(t *testing.T) {
	tests := []struct {
		mode     SimulationMode
		expected string
	}{
		{SimulationStatic, "static"},
		{SimulationRamp, "ramp"},
		{SimulationNoise, "noise"},
		{SimulationMode(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.mode.String())
		})
	}
}

func TestParseSimulationMode(t *testing.T) {
	tests := []struct {
		input    string
		expected SimulationMode
		wantErr  bool
	}{
		{"", SimulationStatic, false},
		{"static", SimulationStatic, false},
		{"ramp", SimulationRamp, false},
		{"noise", SimulationNoise, false},
		{"voltage_sag", SimulationStatic, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			mode, err := ParseSimulationMode(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, mode)
		})
	}
}

func TestSimulationHandlerRegistry(t *testing.T) {
	for _, mode := range ListSimulationModes() {
		t.Run(mode.String(), func(t *testing.T) {
			handler, err := NewSimulationHandler(mode)
			require.NoError(t, err)
			assert.Equal(t, mode, handler.Mode())
		})
	}

	_, err := NewSimulationHandler(SimulationMode(42))
	assert.Error(t, err)
}

func newSimStore(t *testing.T, inputs []uint16, discretes []bool) *DataStore {
	t.Helper()
	ds := NewDataStore(4, len(discretes), len(inputs), 4)
	require.NoError(t, ds.WriteRegisters(RegisterTypeInputRegister, 0, inputs))
	require.NoError(t, ds.WriteBits(RegisterTypeDiscreteInput, 0, discretes))
	require.NoError(t, ds.WriteRegisters(RegisterTypeHoldingRegister, 0, []uint16{1, 2, 3, 4}))
	return ds
}

func TestStaticSimulation(t *testing.T) {
	ds := newSimStore(t, []uint16{5, 15, 25}, []bool{true, false, true})
	rng := rand.New(rand.NewSource(1))

	sim := &StaticSimulation{}
	for i := 0; i < 5; i++ {
		require.NoError(t, sim.Update(ds, SimulationParams{}, rng))
	}

	regs, err := ds.ReadInputRegisters(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{5, 15, 25}, regs)

	bits, err := ds.ReadDiscreteInputs(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, bits)
}

func TestRampSimulation(t *testing.T) {
	tests := []struct {
		name      string
		inputs    []uint16
		step      uint16
		wantRegs  []uint16
		wantBits  []bool
		discretes []bool
	}{
		{
			name:      "default step",
			inputs:    []uint16{5, 15, 26},
			step:      0,
			wantRegs:  []uint16{6, 16, 27},
			wantBits:  []bool{false, false, true},
			discretes: make([]bool, 3),
		},
		{
			name:      "custom step",
			inputs:    []uint16{0, 1},
			step:      10,
			wantRegs:  []uint16{10, 11},
			wantBits:  []bool{false, true},
			discretes: make([]bool, 2),
		},
		{
			name:      "wraparound",
			inputs:    []uint16{65535, 65534},
			step:      1,
			wantRegs:  []uint16{0, 65535},
			wantBits:  []bool{false, true},
			discretes: make([]bool, 2),
		},
		{
			name:      "more discretes than registers",
			inputs:    []uint16{2},
			step:      1,
			wantRegs:  []uint16{3},
			wantBits:  []bool{true, true, false},
			discretes: []bool{false, true, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := newSimStore(t, tt.inputs, tt.discretes)

			sim := &RampSimulation{}
			require.NoError(t, sim.Update(ds, SimulationParams{Step: tt.step}, nil))

			regs, err := ds.ReadInputRegisters(0, uint16(len(tt.inputs)))
			require.NoError(t, err)
			assert.Equal(t, tt.wantRegs, regs)

			bits, err := ds.ReadDiscreteInputs(0, uint16(len(tt.discretes)))
			require.NoError(t, err)
			assert.Equal(t, tt.wantBits, bits)

			// 保持暫存器不受模擬影響
			holding, err := ds.ReadHoldingRegisters(0, 4)
			require.NoError(t, err)
			assert.Equal(t, []uint16{1, 2, 3, 4}, holding)
		})
	}
}

func TestNoiseSimulation_StaysWithinVariance(t *testing.T) {
	ds := newSimStore(t, []uint16{1000, 2000, 0}, []bool{false, false})
	rng := rand.New(rand.NewSource(42))
	sim := NewNoiseSimulation()
	params := SimulationParams{Variance: 0.1}

	for i := 0; i < 100; i++ {
		require.NoError(t, sim.Update(ds, params, rng))

		regs, err := ds.ReadInputRegisters(0, 3)
		require.NoError(t, err)
		assert.InDelta(t, 1000, regs[0], 100)
		assert.InDelta(t, 2000, regs[1], 200)
		assert.Equal(t, uint16(0), regs[2])
	}

	require.NoError(t, sim.Reset(ds))
	regs, err := ds.ReadInputRegisters(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1000, 2000, 0}, regs)
}

func TestNoiseSimulation_ClampsAtMax(t *testing.T) {
	ds := newSimStore(t, []uint16{65535}, nil)
	rng := rand.New(rand.NewSource(7))
	sim := NewNoiseSimulation()

	for i := 0; i < 50; i++ {
		require.NoError(t, sim.Update(ds, SimulationParams{Variance: 0.5}, rng))
		regs, err := ds.ReadInputRegisters(0, 1)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, regs[0], uint16(65535/2-1))
	}
}

func TestNoiseSimulation_FlipsDiscreteInputs(t *testing.T) {
	ds := newSimStore(t, []uint16{10}, make([]bool, 64))
	rng := rand.New(rand.NewSource(3))
	sim := NewNoiseSimulation()

	// 機率 1 時每個位元都會翻轉
	require.NoError(t, sim.Update(ds, SimulationParams{Variance: 1}, rng))
	bits, err := ds.ReadDiscreteInputs(0, 64)
	require.NoError(t, err)
	for _, b := range bits {
		assert.True(t, b)
	}
}

func newTestSimulator(t *testing.T, cfg SimulationConfig) (*Simulator, *DataStore) {
	t.Helper()
	ds := newSimStore(t, []uint16{100, 200}, []bool{false, false})
	table := NewDeviceTable()
	require.NoError(t, table.Register(ds, 0, 1))

	sim, err := NewSimulator(table, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return sim, ds
}

func TestNewSimulator_InvalidMode(t *testing.T) {
	_, err := NewSimulator(NewDeviceTable(), SimulationConfig{Mode: "chaos"}, nil)
	assert.Error(t, err)
}

func TestSimulator_Tick(t *testing.T) {
	sim, ds := newTestSimulator(t, SimulationConfig{Mode: "ramp", Step: 5})
	assert.Equal(t, SimulationRamp, sim.Mode())

	sim.Tick()
	sim.Tick()
	assert.Equal(t, uint64(2), sim.Ticks())

	// 兩個 Unit ID 共用同一個 store，只更新一次
	regs, err := ds.ReadInputRegisters(0, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{110, 210}, regs)
}

func TestSimulator_SetModeResetsNoise(t *testing.T) {
	sim, ds := newTestSimulator(t, SimulationConfig{Mode: "noise", Variance: 0.5})

	for i := 0; i < 10; i++ {
		sim.Tick()
	}

	require.NoError(t, sim.SetMode(SimulationStatic, SimulationParams{}))
	assert.Equal(t, SimulationStatic, sim.Mode())

	regs, err := ds.ReadInputRegisters(0, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{100, 200}, regs)

	sim.Tick()
	regs, err = ds.ReadInputRegisters(0, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{100, 200}, regs)

	assert.Error(t, sim.SetMode(SimulationMode(42), SimulationParams{}))
	assert.Equal(t, SimulationStatic, sim.Mode())
}

func TestSimulator_Run(t *testing.T) {
	sim, ds := newTestSimulator(t, SimulationConfig{Mode: "ramp", Interval: 10 * time.Millisecond, Step: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sim.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return sim.Ticks() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未在取消後返回")
	}

	regs, err := ds.ReadInputRegisters(0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(100)+uint16(sim.Ticks()), regs[0])
}

func TestNoiseSimulation_ResetError(t *testing.T) {
	ds := newSimStore(t, []uint16{1, 2}, nil)
	sim := NewNoiseSimulation()
	sim.baselines[ds] = []uint16{1, 2, 3}

	err := sim.Reset(ds)
	assert.ErrorIs(t, err, ErrIllegalDataAddress)
	assert.NotContains(t, sim.baselines, ds)

	// 沒有基準值時不做事
	assert.NoError(t, sim.Reset(ds))
}

func TestSimulator_SetModeLogsResetFailure(t *testing.T) {
	ds := newSimStore(t, []uint16{1, 2}, nil)
	table := NewDeviceTable()
	require.NoError(t, table.Register(ds, 0))

	core, logs := observer.New(zap.WarnLevel)
	sim, err := NewSimulator(table, SimulationConfig{Mode: "noise"}, zap.New(core))
	require.NoError(t, err)

	noise := sim.handler.(*NoiseSimulation)
	noise.baselines[ds] = []uint16{1, 2, 3}

	require.NoError(t, sim.SetMode(SimulationRamp, SimulationParams{Step: 1}))
	assert.Equal(t, SimulationRamp, sim.Mode())

	entries := logs.FilterMessage("模擬還原失敗").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "noise", entries[0].ContextMap()["mode"])
}

func TestSimulator_RunWithoutIntervalReturnsImmediately(t *testing.T) {
	sim, _ := newTestSimulator(t, SimulationConfig{Mode: "ramp", Interval: 0})

	done := make(chan struct{})
	go func() {
		sim.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("間隔為 0 時 Run 應立即返回")
	}
	assert.Zero(t, sim.Ticks())
}

func TestSimulator_RunSwitchesFromStatic(t *testing.T) {
	sim, ds := newTestSimulator(t, SimulationConfig{Mode: "static", Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sim.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sim.Ticks())
	regs, err := ds.ReadInputRegisters(0, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{100, 200}, regs)

	require.NoError(t, sim.SetMode(SimulationRamp, SimulationParams{Step: 1}))
	assert.Eventually(t, func() bool { return sim.Ticks() >= 2 }, 2*time.Second, 10*time.Millisecond)
}
