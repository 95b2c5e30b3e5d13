package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// DemoReport 示範流程讀到的資料
type DemoReport struct {
	Address          string
	UnitID           uint8
	CoilsBefore      []bool
	CoilsAfter       []bool
	HoldingRegisters []uint16
	InputRegisters   []uint16
}

// demoQuantity 每種資料讀取的筆數
const demoQuantity = 10

// RunDemo 在同一個程序內啟動伺服器、執行客戶端流程後優雅停止
//
// 流程: 讀線圈 0-9、寫線圈 0 為 OFF 與線圈 1 為 ON、再讀線圈、
// 讀保持暫存器與輸入暫存器。進度寫到 out。
func RunDemo(ctx context.Context, cfg *Config, logger *zap.Logger, out io.Writer) (*DemoReport, error) {
	if out == nil {
		out = io.Discard
	}

	devices, err := cfg.BuildDeviceTable()
	if err != nil {
		return nil, err
	}

	server := NewServer(devices, cfg.Server, WithLogger(logger))
	if err := server.Start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()
		fmt.Fprintln(out, "正在關閉伺服器...")
		if err := server.Stop(stopCtx); err != nil {
			logger.Warn("停止伺服器失敗", zap.Error(err))
		}
	}()

	addr := server.Addr().String()
	fmt.Fprintf(out, "伺服器已啟動: %s\n", addr)

	unitID := uint8(cfg.Client.UnitID)
	client, err := dialWithRetry(ctx, addr, 2*time.Second,
		WithResponseTimeout(cfg.Client.Timeout),
		WithDefaultUnitID(unitID),
		WithClientLogger(logger),
	)
	if err != nil {
		fmt.Fprintln(out, "無法連線到伺服器")
		return nil, err
	}
	defer client.Close()
	fmt.Fprintf(out, "已連線到 %s (Unit ID: %d)\n", addr, unitID)

	report := &DemoReport{Address: addr, UnitID: unitID}

	if report.CoilsBefore, err = client.ReadCoils(ctx, 0, demoQuantity); err != nil {
		return nil, fmt.Errorf("讀取線圈失敗: %w", err)
	}
	fmt.Fprintf(out, "線圈: %v\n", report.CoilsBefore)

	fmt.Fprintln(out, "寫入線圈 0 -> OFF，線圈 1 -> ON")
	if err := client.WriteSingleCoil(ctx, 0, false); err != nil {
		return nil, fmt.Errorf("寫入線圈 0 失敗: %w", err)
	}
	if err := client.WriteSingleCoil(ctx, 1, true); err != nil {
		return nil, fmt.Errorf("寫入線圈 1 失敗: %w", err)
	}

	if report.CoilsAfter, err = client.ReadCoils(ctx, 0, demoQuantity); err != nil {
		return nil, fmt.Errorf("讀取線圈失敗: %w", err)
	}
	fmt.Fprintf(out, "更新後線圈: %v\n", report.CoilsAfter)

	if report.HoldingRegisters, err = client.ReadHoldingRegisters(ctx, 0, demoQuantity); err != nil {
		return nil, fmt.Errorf("讀取保持暫存器失敗: %w", err)
	}
	fmt.Fprintf(out, "保持暫存器: %v\n", report.HoldingRegisters)

	if report.InputRegisters, err = client.ReadInputRegisters(ctx, 0, demoQuantity); err != nil {
		return nil, fmt.Errorf("讀取輸入暫存器失敗: %w", err)
	}
	fmt.Fprintf(out, "輸入暫存器: %v\n", report.InputRegisters)

	fmt.Fprintln(out, "客戶端已中斷連線")
	return report, nil
}

// dialWithRetry 在伺服器就緒前重試連線
func dialWithRetry(ctx context.Context, addr string, wait time.Duration, opts ...ClientOption) (*Client, error) {
	deadline := time.Now().Add(wait)
	for {
		client, err := Dial(ctx, addr, opts...)
		if err == nil {
			return client, nil
		}
		if !errors.Is(err, ErrConnectionRefused) || time.Now().After(deadline) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// demoLogDir 建立以時間命名的輸出目錄 (logs/2006-01-02_15-04)
func demoLogDir(root string, now time.Time) (string, error) {
	dir := filepath.Join(root, now.Format("2006-01-02_15-04"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("建立日誌目錄失敗: %w", err)
	}
	return dir, nil
}

// writeDemoSummary 寫入執行摘要
func writeDemoSummary(dir string, report *DemoReport, now time.Time) error {
	content := fmt.Sprintf("Modbus 示範流程完成\n位址: %s\nUnit ID: %d\n時間: %s\n",
		report.Address, report.UnitID, now.Format(time.RFC1123))
	if err := os.WriteFile(filepath.Join(dir, "run_summary.txt"), []byte(content), 0644); err != nil {
		return fmt.Errorf("寫入摘要失敗: %w", err)
	}
	return nil
}
