package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile   string
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "mbtcp",
	Short: "Modbus TCP 伺服器與客戶端",
	Long: `Modbus TCP 協定堆疊: 多連線伺服器、支援管線化的客戶端，
以及可由多個 Unit ID 共用的設備資料儲存。`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var loadErr error
		switch cmd.Name() {
		case "version", "help", "generate", "validate":
			appConfig = DefaultConfig()
		default:
			appConfig, loadErr = LoadConfig(cfgFile)
			if loadErr != nil {
				if cfgFile != "" {
					return loadErr
				}
				appConfig = DefaultConfig()
			}
		}

		var err error
		logger, err = initLogger(appConfig.Logging)
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}
		if loadErr != nil {
			logger.Warn("載入配置失敗，使用預設配置", zap.Error(loadErr))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd 啟動伺服器
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "啟動伺服器",
	Long: `啟動 Modbus TCP 伺服器。
SIGINT/SIGTERM 觸發優雅停止，超過 graceful_timeout 或收到 SIGQUIT 時強制關閉。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			appConfig.Server.ListenAddress = addr
		}
		if pidFile, _ := cmd.Flags().GetString("pid-file"); pidFile != "" {
			appConfig.Server.PIDFile = pidFile
		}
		if cmd.Flags().Changed("metrics") {
			appConfig.Metrics.Enabled, _ = cmd.Flags().GetBool("metrics")
		}
		if mode, _ := cmd.Flags().GetString("simulation"); mode != "" {
			appConfig.Simulation.Mode = mode
		}
		if err := appConfig.Validate(); err != nil {
			return err
		}

		return runServe(appConfig, logger)
	},
}

func runServe(cfg *Config, logger *zap.Logger) error {
	devices, err := cfg.BuildDeviceTable()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 監聽 IP 配置
	if cfg.Network.Provision {
		ip, err := cfg.ListenIP()
		if err != nil {
			return err
		}
		if needsProvisioning(ip) {
			provisioner := NewNetworkProvisioner(cfg.Network.Interface, logger)
			if err := provisioner.Setup(ctx, []net.IP{ip}); err != nil {
				return fmt.Errorf("配置監聽 IP 失敗: %w", err)
			}
			defer func() {
				if err := provisioner.Teardown(context.Background()); err != nil {
					logger.Warn("移除監聽 IP 失敗", zap.Error(err))
				}
			}()
		}
	}

	server := NewServer(devices, cfg.Server, WithLogger(logger))
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("啟動伺服器失敗: %w", err)
	}

	if cfg.Server.PIDFile != "" {
		if err := writePIDFile(cfg.Server.PIDFile); err != nil {
			logger.Warn("寫入 PID 檔案失敗", zap.Error(err))
		} else {
			defer os.Remove(cfg.Server.PIDFile)
		}
	}

	simulator, err := NewSimulator(devices, cfg.Simulation, logger)
	if err != nil {
		server.Close()
		return err
	}
	go simulator.Run(ctx)

	if cfg.Metrics.Enabled {
		metrics := NewMetricsCollector(server, simulator, logger)
		if err := metrics.Start(ctx, cfg.Metrics.Endpoint, cfg.Metrics.Port); err != nil {
			logger.Warn("啟動指標伺服器失敗", zap.Error(err))
		}
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	logger.Info("收到關閉信號", zap.String("signal", sig.String()))

	if sig == syscall.SIGQUIT {
		return server.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer shutdownCancel()

	// 優雅停止期間再收到信號時改為強制關閉
	go func() {
		select {
		case sig := <-sigChan:
			logger.Warn("再次收到信號，強制關閉", zap.String("signal", sig.String()))
			shutdownCancel()
		case <-shutdownCtx.Done():
		}
	}()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("停止伺服器失敗", zap.Error(err))
		return err
	}
	return nil
}

func writePIDFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("讀取 PID 檔案失敗: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("解析 PID 失敗: %w", err)
	}
	return pid, nil
}

// stopCmd 停止命令
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "停止伺服器",
	Long:  "透過 PID 檔案通知運行中的伺服器停止；--force 立即關閉所有連線。",
	RunE: func(cmd *cobra.Command, args []string) error {
		pidFile := appConfig.Server.PIDFile
		if p, _ := cmd.Flags().GetString("pid-file"); p != "" {
			pidFile = p
		}
		if pidFile == "" {
			return fmt.Errorf("未指定 PID 檔案")
		}

		pid, err := readPIDFile(pidFile)
		if err != nil {
			return err
		}

		process, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("找不到程序: %w", err)
		}

		sig := syscall.SIGTERM
		if force, _ := cmd.Flags().GetBool("force"); force {
			sig = syscall.SIGQUIT
		}
		if err := process.Signal(sig); err != nil {
			return fmt.Errorf("發送信號失敗: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "已發送 %s 到 PID %d\n", sig, pid)
		return nil
	},
}

// demoCmd 示範流程
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "執行示範流程",
	Long:  "在同一個程序中啟動伺服器並執行客戶端讀寫流程，結束後停止伺服器。",
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			appConfig.Server.ListenAddress = addr
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		now := time.Now()
		out := cmd.OutOrStdout()

		var logFile *os.File
		logRoot, _ := cmd.Flags().GetString("log-dir")
		dir := ""
		if logRoot != "" {
			var err error
			if dir, err = demoLogDir(logRoot, now); err != nil {
				return err
			}
			logFile, err = os.Create(filepath.Join(dir, "client_output.txt"))
			if err != nil {
				return fmt.Errorf("建立輸出檔失敗: %w", err)
			}
			defer logFile.Close()
			out = io.MultiWriter(out, logFile)
		}

		report, err := RunDemo(ctx, appConfig, logger, out)
		if err != nil {
			return err
		}

		if dir != "" {
			if err := writeDemoSummary(dir, report, now); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "輸出已寫入 %s\n", dir)
		}
		return nil
	},
}

// clientCmd 客戶端命令組
var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "客戶端命令",
	Long:  "對 Modbus TCP 伺服器執行單次讀寫。",
}

func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *Client) error) error {
	addr := appConfig.Client.Address
	if a, _ := cmd.Flags().GetString("address"); a != "" {
		addr = a
	}
	timeout := appConfig.Client.Timeout
	if t, _ := cmd.Flags().GetDuration("timeout"); t > 0 {
		timeout = t
	}
	unitID := appConfig.Client.UnitID
	if cmd.Flags().Changed("unit") {
		unitID, _ = cmd.Flags().GetInt("unit")
	}
	if unitID < 0 || unitID > 255 {
		return fmt.Errorf("無效的 Unit ID: %d", unitID)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := Dial(ctx, addr,
		WithResponseTimeout(timeout),
		WithDefaultUnitID(uint8(unitID)),
		WithClientLogger(logger),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(ctx, c)
}

func parseUint16Args(args []string) ([]uint16, error) {
	values := make([]uint16, len(args))
	for i, arg := range args {
		v, err := strconv.ParseUint(arg, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("無效的數值 %q: %w", arg, err)
		}
		values[i] = uint16(v)
	}
	return values, nil
}

func readRegistersCmd(use, short string, read func(c *Client, ctx context.Context, addr, qty uint16) ([]uint16, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <address> <quantity>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vals, err := parseUint16Args(args)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *Client) error {
				regs, err := read(c, ctx, vals[0], vals[1])
				if err != nil {
					return err
				}
				for i, v := range regs {
					fmt.Fprintf(cmd.OutOrStdout(), "[%d] = %d\n", int(vals[0])+i, v)
				}
				return nil
			})
		},
	}
}

var clientReadCoilsCmd = &cobra.Command{
	Use:   "read-coils <address> <quantity>",
	Short: "讀取線圈 (FC 01)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vals, err := parseUint16Args(args)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *Client) error {
			coils, err := c.ReadCoils(ctx, vals[0], vals[1])
			if err != nil {
				return err
			}
			for i, on := range coils {
				state := "OFF"
				if on {
					state = "ON"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Coil[%d] = %s\n", int(vals[0])+i, state)
			}
			return nil
		})
	},
}

var clientReadHoldingCmd = readRegistersCmd("read-holding", "讀取保持暫存器 (FC 03)", (*Client).ReadHoldingRegisters)

var clientReadInputCmd = readRegistersCmd("read-input", "讀取輸入暫存器 (FC 04)", (*Client).ReadInputRegisters)

var clientWriteCoilCmd = &cobra.Command{
	Use:   "write-coil <address> <on|off>",
	Short: "寫入單一線圈 (FC 05)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vals, err := parseUint16Args(args[:1])
		if err != nil {
			return err
		}
		var on bool
		switch strings.ToLower(args[1]) {
		case "on", "true", "1":
			on = true
		case "off", "false", "0":
		default:
			return fmt.Errorf("線圈值必須為 on 或 off: %s", args[1])
		}
		return withClient(cmd, func(ctx context.Context, c *Client) error {
			if err := c.WriteSingleCoil(ctx, vals[0], on); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已寫入 Coil[%d] = %s\n", vals[0], strings.ToUpper(args[1]))
			return nil
		})
	},
}

var clientWriteRegisterCmd = &cobra.Command{
	Use:   "write-register <address> <value>",
	Short: "寫入單一保持暫存器 (FC 06)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vals, err := parseUint16Args(args)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *Client) error {
			if err := c.WriteSingleRegister(ctx, vals[0], vals[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已寫入 [%d] = %d\n", vals[0], vals[1])
			return nil
		})
	},
}

// networkCmd 網路命令組
var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "網路管理命令",
	Long:  "管理監聽 IP 的配置。",
}

func networkTarget(cmd *cobra.Command) (NetworkProvisioner, []net.IP, error) {
	if iface, _ := cmd.Flags().GetString("interface"); iface != "" {
		appConfig.Network.Interface = iface
	}
	provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)

	raw, _ := cmd.Flags().GetStringSlice("ip")
	if len(raw) == 0 {
		ip, err := appConfig.ListenIP()
		if err != nil {
			return nil, nil, err
		}
		if ip != nil {
			return provisioner, []net.IP{ip}, nil
		}
		return provisioner, nil, nil
	}

	ips := make([]net.IP, 0, len(raw))
	for _, s := range raw {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, nil, fmt.Errorf("無效的 IP: %s", s)
		}
		ips = append(ips, ip)
	}
	return provisioner, ips, nil
}

var networkSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "配置監聽 IP",
	Long:  "在網路介面上加入 IP (預設為配置中的監聽位址)。",
	RunE: func(cmd *cobra.Command, args []string) error {
		provisioner, ips, err := networkTarget(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := provisioner.Setup(ctx, ips); err != nil {
			return fmt.Errorf("設置網路失敗: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "監聽 IP 設置完成")
		return nil
	},
}

var networkTeardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "移除監聽 IP",
	Long:  "從網路介面移除 IP (預設為配置中的監聽位址)。",
	RunE: func(cmd *cobra.Command, args []string) error {
		provisioner, ips, err := networkTarget(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := provisioner.Remove(ctx, ips); err != nil {
			return fmt.Errorf("移除網路失敗: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "監聽 IP 已移除")
		return nil
	},
}

var networkListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出介面 IP",
	RunE: func(cmd *cobra.Command, args []string) error {
		provisioner, _, err := networkTarget(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ips, err := provisioner.List(ctx)
		if err != nil {
			return fmt.Errorf("列出 IP 失敗: %w", err)
		}

		if len(ips) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s 上沒有 IPv4 位址\n", appConfig.Network.Interface)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s 上的 IP (%d 個):\n", appConfig.Network.Interface, len(ips))
		for _, ip := range ips {
			fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", ip)
		}
		return nil
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "配置驗證通過")
		fmt.Fprintf(out, "  Listen: %s\n", cfg.Server.ListenAddress)
		fmt.Fprintf(out, "  Devices: %d\n", len(cfg.Devices))
		for _, dev := range cfg.Devices {
			fmt.Fprintf(out, "    %s: unit ids %v\n", dev.Name, dev.UnitIDs)
		}
		fmt.Fprintf(out, "  Simulation: %s\n", cfg.Simulation.Mode)
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.json"
		}

		if err := DefaultConfig().SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mbtcp version %s\n", Version)
		fmt.Fprintf(cmd.OutOrStdout(), "  Build: %s\n", BuildTime)
		fmt.Fprintf(cmd.OutOrStdout(), "  Commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")

	serveCmd.Flags().StringP("listen", "l", "", "監聽位址 (host:port)")
	serveCmd.Flags().String("pid-file", "", "PID 檔案路徑")
	serveCmd.Flags().Bool("metrics", false, "啟用指標伺服器")
	serveCmd.Flags().String("simulation", "", "模擬模式 (static, ramp, noise)")

	stopCmd.Flags().String("pid-file", "", "PID 檔案路徑")
	stopCmd.Flags().BoolP("force", "f", false, "強制關閉")

	demoCmd.Flags().StringP("listen", "l", "", "監聽位址 (host:port)")
	demoCmd.Flags().String("log-dir", "logs", "輸出目錄，空字串表示不寫檔")

	clientCmd.PersistentFlags().StringP("address", "a", "", "伺服器位址 (host:port)")
	clientCmd.PersistentFlags().IntP("unit", "u", 0, "Unit ID")
	clientCmd.PersistentFlags().DurationP("timeout", "t", 0, "回應逾時")

	for _, c := range []*cobra.Command{networkSetupCmd, networkTeardownCmd, networkListCmd} {
		c.Flags().StringP("interface", "i", "", "網路介面")
	}
	networkSetupCmd.Flags().StringSlice("ip", nil, "IP 位址 (可重複)")
	networkTeardownCmd.Flags().StringSlice("ip", nil, "IP 位址 (可重複)")

	configGenerateCmd.Flags().StringP("output", "o", "config.json", "輸出檔案路徑")

	clientCmd.AddCommand(
		clientReadCoilsCmd,
		clientReadHoldingCmd,
		clientReadInputCmd,
		clientWriteCoilCmd,
		clientWriteRegisterCmd,
	)
	networkCmd.AddCommand(networkSetupCmd, networkTeardownCmd, networkListCmd)
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		serveCmd,
		stopCmd,
		demoCmd,
		clientCmd,
		networkCmd,
		configCmd,
		versionCmd,
	)
}

// initLogger 依日誌配置建立 logger
func initLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("無效的日誌等級 %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = "json"
	if cfg.Format == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	output := cfg.OutputPath
	if output == "" {
		output = "stdout"
	}
	zc.OutputPaths = []string{output}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
