package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRunDemo(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Server.GracefulTimeout = 2 * time.Second
	cfg.Client.UnitID = 1

	var out bytes.Buffer
	report, err := RunDemo(context.Background(), cfg, zaptest.NewLogger(t), &out)
	require.NoError(t, err)

	assert.Equal(t, uint8(1), report.UnitID)
	assert.NotEmpty(t, report.Address)
	assert.Equal(t, []bool{true, false, true, false, true, false, true, false, true, false}, report.CoilsBefore)
	assert.Equal(t, []bool{false, true, true, false, true, false, true, false, true, false}, report.CoilsAfter)
	assert.Equal(t, []uint16{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, report.HoldingRegisters)
	assert.Equal(t, []uint16{5, 15, 25, 35, 45, 55, 65, 75, 85, 95}, report.InputRegisters)

	text := out.String()
	assert.Contains(t, text, "伺服器已啟動")
	assert.Contains(t, text, "客戶端已中斷連線")
	assert.Contains(t, text, "正在關閉伺服器")
}

func TestRunDemo_BindFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.ListenAddress = "127.0.0.1:0"

	blocker := startTestServer(t, defaultTestDevices(t), testServerConfig())
	cfg.Server.ListenAddress = blocker.Addr().String()

	_, err := RunDemo(context.Background(), cfg, zaptest.NewLogger(t), nil)
	assert.Error(t, err)
}

func TestDemoLogDir(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2024, 3, 5, 14, 7, 0, 0, time.UTC)

	dir, err := demoLogDir(root, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "2024-03-05_14-07"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// 重複建立不應失敗
	_, err = demoLogDir(root, now)
	assert.NoError(t, err)
}

func TestWriteDemoSummary(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 3, 5, 14, 7, 0, 0, time.UTC)
	report := &DemoReport{Address: "127.0.0.1:5020", UnitID: 1}

	require.NoError(t, writeDemoSummary(dir, report, now))

	data, err := os.ReadFile(filepath.Join(dir, "run_summary.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "127.0.0.1:5020")
	assert.Contains(t, string(data), "Unit ID: 1")
	assert.Contains(t, string(data), now.Format(time.RFC1123))

	assert.Error(t, writeDemoSummary(filepath.Join(dir, "missing"), report, now))
}
