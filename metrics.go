package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector 指標收集器
type MetricsCollector struct {
	mu sync.RWMutex

	// 請求速率取樣
	history    []requestSample
	maxHistory int

	// 參照
	server    *Server
	simulator *Simulator
	http      *http.Server
	logger    *zap.Logger
}

type requestSample struct {
	timestamp time.Time
	requests  uint64
}

// MetricsSnapshot 指標快照
type MetricsSnapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	Uptime         string    `json:"uptime"`
	ServerState    string    `json:"server_state"`
	SimulationMode string    `json:"simulation_mode,omitempty"`
	UnitIDs        []uint8   `json:"unit_ids"`

	// 連線指標
	ConnectionsActive   int64  `json:"connections_active"`
	ConnectionsTotal    uint64 `json:"connections_total"`
	ConnectionsRejected uint64 `json:"connections_rejected"`

	// 請求指標
	Requests       uint64  `json:"requests"`
	Exceptions     uint64  `json:"exceptions"`
	FramingErrors  uint64  `json:"framing_errors"`
	ExceptionRate  float64 `json:"exception_rate"`
	RequestsPerSec float64 `json:"requests_per_sec"`
	BytesReceived  uint64  `json:"bytes_received"`
	BytesSent      uint64  `json:"bytes_sent"`
}

// NewMetricsCollector 建立指標收集器 (simulator 可為 nil)
func NewMetricsCollector(server *Server, simulator *Simulator, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		server:     server,
		simulator:  simulator,
		logger:     logger,
		maxHistory: 60,
	}
}

// Handler 取得指標 HTTP handler
func (m *MetricsCollector) Handler(endpoint string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, m.handleMetrics)
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)
	mux.HandleFunc("/simulation", m.handleSimulation)
	return mux
}

// Start 啟動指標 HTTP 伺服器與取樣迴圈，ctx 取消時關閉
func (m *MetricsCollector) Start(ctx context.Context, endpoint string, port int) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("指標伺服器監聽 %s 失敗: %w", addr, err)
	}

	m.mu.Lock()
	m.http = &http.Server{
		Handler:           m.Handler(endpoint),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := m.http
	m.mu.Unlock()

	m.logger.Info("啟動指標伺服器", zap.String("addr", ln.Addr().String()), zap.String("endpoint", endpoint))

	go m.collectLoop(ctx)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	return nil
}

// collectLoop 每秒取樣一次請求數
func (m *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *MetricsCollector) collect() {
	sample := requestSample{
		timestamp: time.Now(),
		requests:  m.server.Stats().RequestCount.Load(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, sample)
	if len(m.history) > m.maxHistory {
		m.history = m.history[1:]
	}
}

// Snapshot 取得指標快照
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	stats := m.server.Stats()

	snapshot := MetricsSnapshot{
		Timestamp:           time.Now(),
		ServerState:         m.server.State().String(),
		UnitIDs:             m.server.Devices().UnitIDs(),
		ConnectionsActive:   stats.ConnectionsActive.Load(),
		ConnectionsTotal:    stats.ConnectionsTotal.Load(),
		ConnectionsRejected: stats.ConnectionsRejected.Load(),
		Requests:            stats.RequestCount.Load(),
		Exceptions:          stats.ExceptionCount.Load(),
		FramingErrors:       stats.FramingErrors.Load(),
		BytesReceived:       stats.BytesReceived.Load(),
		BytesSent:           stats.BytesSent.Load(),
	}
	if stats.StartTime.Load() != 0 {
		snapshot.Uptime = stats.Uptime().Round(time.Second).String()
	}
	if m.simulator != nil {
		snapshot.SimulationMode = m.simulator.Mode().String()
	}

	if snapshot.Requests > 0 {
		snapshot.ExceptionRate = float64(snapshot.Exceptions) / float64(snapshot.Requests) * 100
	}

	m.mu.RLock()
	if len(m.history) >= 2 {
		first := m.history[0]
		last := m.history[len(m.history)-1]
		if d := last.timestamp.Sub(first.timestamp).Seconds(); d > 0 {
			snapshot.RequestsPerSec = float64(last.requests-first.requests) / d
		}
	}
	m.mu.RUnlock()

	return snapshot
}

// handleMetrics 處理 /metrics 請求
func (m *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	if r.Header.Get("Accept") == "application/json" || r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	running := 0
	if m.server.State() == EngineStateRunning {
		running = 1
	}

	writeMetric(w, "mbtcp_up", "gauge", "Whether the server is accepting connections", running)
	writeMetric(w, "mbtcp_unit_ids", "gauge", "Number of configured unit ids", len(snapshot.UnitIDs))
	writeMetric(w, "mbtcp_connections_active", "gauge", "Open client connections", snapshot.ConnectionsActive)
	writeMetric(w, "mbtcp_connections_total", "counter", "Accepted client connections", snapshot.ConnectionsTotal)
	writeMetric(w, "mbtcp_connections_rejected_total", "counter", "Connections rejected by the connection limit", snapshot.ConnectionsRejected)
	writeMetric(w, "mbtcp_requests_total", "counter", "Processed requests", snapshot.Requests)
	writeMetric(w, "mbtcp_exceptions_total", "counter", "Requests answered with an exception", snapshot.Exceptions)
	writeMetric(w, "mbtcp_framing_errors_total", "counter", "Connections closed due to framing errors", snapshot.FramingErrors)
	writeMetric(w, "mbtcp_requests_per_second", "gauge", "Request rate over the last minute", snapshot.RequestsPerSec)
	writeMetric(w, "mbtcp_bytes_received_total", "counter", "Bytes received", snapshot.BytesReceived)
	writeMetric(w, "mbtcp_bytes_sent_total", "counter", "Bytes sent", snapshot.BytesSent)
}

func writeMetric(w io.Writer, name, kind, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	switch v := value.(type) {
	case float64:
		fmt.Fprintf(w, "%s %f\n", name, v)
	default:
		fmt.Fprintf(w, "%s %d\n", name, v)
	}
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReady 處理 /ready 請求
func (m *MetricsCollector) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if m.server.State() != EngineStateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// simulationStatus /simulation 的回應內容
type simulationStatus struct {
	Mode     string   `json:"mode"`
	Modes    []string `json:"modes"`
	Step     uint16   `json:"step"`
	Variance float64  `json:"variance"`
	Ticks    uint64   `json:"ticks"`
}

// handleSimulation 查詢或切換模擬模式
//
// GET 回傳目前狀態；POST 以 mode (必要)、step、variance 參數切換模式，
// 未指定的參數沿用目前值。
func (m *MetricsCollector) handleSimulation(w http.ResponseWriter, r *http.Request) {
	if m.simulator == nil {
		http.Error(w, "simulation disabled", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if err := m.applySimulation(r); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	params := m.simulator.Params()
	status := simulationStatus{
		Mode:     m.simulator.Mode().String(),
		Step:     params.Step,
		Variance: params.Variance,
		Ticks:    m.simulator.Ticks(),
	}
	for _, mode := range ListSimulationModes() {
		status.Modes = append(status.Modes, mode.String())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (m *MetricsCollector) applySimulation(r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("解析參數失敗: %w", err)
	}

	raw := r.Form.Get("mode")
	if raw == "" {
		return fmt.Errorf("缺少 mode 參數")
	}
	mode, err := ParseSimulationMode(raw)
	if err != nil {
		return err
	}

	params := m.simulator.Params()
	if v := r.Form.Get("step"); v != "" {
		step, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("無效的 step %q: %w", v, err)
		}
		params.Step = uint16(step)
	}
	if v := r.Form.Get("variance"); v != "" {
		variance, err := strconv.ParseFloat(v, 64)
		if err != nil || variance < 0 || variance > 1 {
			return fmt.Errorf("無效的 variance %q", v)
		}
		params.Variance = variance
	}

	if err := m.simulator.SetMode(mode, params); err != nil {
		return err
	}
	m.logger.Info("透過 HTTP 切換模擬模式",
		zap.String("mode", mode.String()),
		zap.String("remote", r.RemoteAddr),
	)
	return nil
}
