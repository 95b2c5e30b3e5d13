package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全域配置
type Config struct {
	Server     ServerConfig     `json:"server" mapstructure:"server"`
	Client     ClientConfig     `json:"client" mapstructure:"client"`
	Devices    []DeviceConfig   `json:"devices" mapstructure:"devices"`
	Network    NetworkConfig    `json:"network" mapstructure:"network"`
	Simulation SimulationConfig `json:"simulation" mapstructure:"simulation"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Metrics    MetricsConfig    `json:"metrics" mapstructure:"metrics"`
}

// ServerConfig 伺服器配置
type ServerConfig struct {
	ListenAddress   string        `json:"listen_address" mapstructure:"listen_address"`
	IdleTimeout     time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	GracefulTimeout time.Duration `json:"graceful_timeout" mapstructure:"graceful_timeout"`
	PIDFile         string        `json:"pid_file" mapstructure:"pid_file"`
}

// ClientConfig 客戶端配置
type ClientConfig struct {
	Address string        `json:"address" mapstructure:"address"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	UnitID  int           `json:"unit_id" mapstructure:"unit_id"`
}

// DeviceConfig 單一邏輯設備 (一個 DataStore) 的配置
//
// UnitIDs 中的所有 ID 共用同一個 DataStore。
type DeviceConfig struct {
	Name             string             `json:"name" mapstructure:"name"`
	UnitIDs          []int              `json:"unit_ids" mapstructure:"unit_ids"`
	Coils            BitBankConfig      `json:"coils" mapstructure:"coils"`
	DiscreteInputs   BitBankConfig      `json:"discrete_inputs" mapstructure:"discrete_inputs"`
	HoldingRegisters RegisterBankConfig `json:"holding_registers" mapstructure:"holding_registers"`
	InputRegisters   RegisterBankConfig `json:"input_registers" mapstructure:"input_registers"`
}

// BitBankConfig 1-bit bank 配置，Length 為 0 時取 Values 長度
type BitBankConfig struct {
	Length int    `json:"length" mapstructure:"length"`
	Values []bool `json:"values" mapstructure:"values"`
}

// RegisterBankConfig 16-bit bank 配置，Length 為 0 時取 Values 長度
type RegisterBankConfig struct {
	Length int      `json:"length" mapstructure:"length"`
	Values []uint16 `json:"values" mapstructure:"values"`
}

// NetworkConfig 網路配置
type NetworkConfig struct {
	Interface string `json:"interface" mapstructure:"interface"`
	Provision bool   `json:"provision" mapstructure:"provision"`
}

// SimulationConfig 模擬配置
type SimulationConfig struct {
	Mode     string        `json:"mode" mapstructure:"mode"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
	Step     uint16        `json:"step" mapstructure:"step"`
	Variance float64       `json:"variance" mapstructure:"variance"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	OutputPath string `json:"output_path" mapstructure:"output_path"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   DefaultListenAddress,
			IdleTimeout:     0,
			WriteTimeout:    5 * time.Second,
			MaxConnections:  1024,
			GracefulTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			Address: DefaultListenAddress,
			Timeout: DefaultResponseTimeout,
			UnitID:  0,
		},
		Devices: []DeviceConfig{DefaultDeviceConfig()},
		Network: NetworkConfig{
			Interface: "eth0",
			Provision: false,
		},
		Simulation: SimulationConfig{
			Mode:     "static",
			Interval: 1 * time.Second,
			Step:     1,
			Variance: 0.05,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
			Port:     9090,
		},
	}
}

// DefaultDeviceConfig 預設設備: Unit ID 0 與 1 共用，每種資料各 10 筆
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Name:    "default",
		UnitIDs: []int{0, 1},
		Coils: BitBankConfig{
			Values: []bool{true, false, true, false, true, false, true, false, true, false},
		},
		DiscreteInputs: BitBankConfig{
			Values: []bool{false, true, false, true, false, true, false, true, false, true},
		},
		HoldingRegisters: RegisterBankConfig{
			Values: []uint16{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
		InputRegisters: RegisterBankConfig{
			Values: []uint16{5, 15, 25, 35, 45, 55, 65, 75, 85, 95},
		},
	}
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mbtcp/")
		v.AddConfigPath("$HOME/.mbtcp/")
	}

	// 環境變數覆蓋
	v.SetEnvPrefix("MBTCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	// 設備列表整份取代預設值，避免與預設設備的欄位混合
	if v.IsSet("devices") {
		cfg.Devices = nil
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("無效的監聽位址 %q: %w", c.Server.ListenAddress, err)
	}

	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("最大連線數必須大於 0")
	}

	if c.Client.Timeout <= 0 {
		return fmt.Errorf("客戶端逾時必須大於 0")
	}

	if c.Client.UnitID < 0 || c.Client.UnitID > 255 {
		return fmt.Errorf("無效的客戶端 Unit ID: %d", c.Client.UnitID)
	}

	if len(c.Devices) == 0 {
		return fmt.Errorf("至少需要一個設備")
	}

	seen := make(map[int]string)
	for i := range c.Devices {
		dev := &c.Devices[i]
		if err := dev.Validate(); err != nil {
			return fmt.Errorf("設備 %q 驗證失敗: %w", dev.Name, err)
		}
		for _, id := range dev.UnitIDs {
			if other, ok := seen[id]; ok {
				return fmt.Errorf("Unit ID %d 同時被設備 %q 與 %q 使用", id, other, dev.Name)
			}
			seen[id] = dev.Name
		}
	}

	if _, err := ParseSimulationMode(c.Simulation.Mode); err != nil {
		return err
	}
	if c.Simulation.Mode != SimulationStatic.String() && c.Simulation.Interval <= 0 {
		return fmt.Errorf("模擬更新間隔必須大於 0")
	}

	return nil
}

// Validate 驗證設備配置
func (d *DeviceConfig) Validate() error {
	if len(d.UnitIDs) == 0 {
		return fmt.Errorf("至少需要一個 Unit ID")
	}
	for _, id := range d.UnitIDs {
		if id < 0 || id > 255 {
			return fmt.Errorf("無效的 Unit ID: %d", id)
		}
	}

	banks := []struct {
		name   string
		length int
		values int
	}{
		{"coils", d.Coils.Length, len(d.Coils.Values)},
		{"discrete_inputs", d.DiscreteInputs.Length, len(d.DiscreteInputs.Values)},
		{"holding_registers", d.HoldingRegisters.Length, len(d.HoldingRegisters.Values)},
		{"input_registers", d.InputRegisters.Length, len(d.InputRegisters.Values)},
	}
	for _, b := range banks {
		if b.length < 0 || b.length > 0x10000 {
			return fmt.Errorf("%s 長度 %d 超出範圍 0-65536", b.name, b.length)
		}
		if b.length > 0 && b.values > b.length {
			return fmt.Errorf("%s 初始值 %d 筆超過長度 %d", b.name, b.values, b.length)
		}
		if b.values > 0x10000 {
			return fmt.Errorf("%s 初始值 %d 筆超過 65536", b.name, b.values)
		}
	}
	return nil
}

func (b BitBankConfig) size() int {
	if b.Length > 0 {
		return b.Length
	}
	return len(b.Values)
}

func (b RegisterBankConfig) size() int {
	if b.Length > 0 {
		return b.Length
	}
	return len(b.Values)
}

// NewDataStore 依配置建立 DataStore 並填入初始值
func (d *DeviceConfig) NewDataStore() (*DataStore, error) {
	ds := NewDataStore(d.Coils.size(), d.DiscreteInputs.size(), d.InputRegisters.size(), d.HoldingRegisters.size())

	if err := ds.WriteBits(RegisterTypeCoil, 0, d.Coils.Values); err != nil {
		return nil, err
	}
	if err := ds.WriteBits(RegisterTypeDiscreteInput, 0, d.DiscreteInputs.Values); err != nil {
		return nil, err
	}
	if err := ds.WriteRegisters(RegisterTypeHoldingRegister, 0, d.HoldingRegisters.Values); err != nil {
		return nil, err
	}
	if err := ds.WriteRegisters(RegisterTypeInputRegister, 0, d.InputRegisters.Values); err != nil {
		return nil, err
	}
	return ds, nil
}

// BuildDeviceTable 依設備配置建立 DeviceTable
func (c *Config) BuildDeviceTable() (*DeviceTable, error) {
	table := NewDeviceTable()
	for i := range c.Devices {
		dev := &c.Devices[i]
		store, err := dev.NewDataStore()
		if err != nil {
			return nil, fmt.Errorf("建立設備 %q 失敗: %w", dev.Name, err)
		}

		ids := make([]uint8, len(dev.UnitIDs))
		for j, id := range dev.UnitIDs {
			ids[j] = uint8(id)
		}
		if err := table.Register(store, ids...); err != nil {
			return nil, fmt.Errorf("註冊設備 %q 失敗: %w", dev.Name, err)
		}
	}
	return table, nil
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}

// ListenIP 取得監聽位址中的 IP (未指定主機時為 nil)
func (c *Config) ListenIP() (net.IP, error) {
	host, _, err := net.SplitHostPort(c.Server.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("無效的監聽位址 %q: %w", c.Server.ListenAddress, err)
	}
	if host == "" {
		return nil, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("監聽位址必須為 IP: %s", host)
	}
	return ip, nil
}
