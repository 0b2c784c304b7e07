package cli

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/webui-bridge/internal/server"
)

// useConfig 寫入臨時配置並設為當前 configFile
func useConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644), "Failed to write config")

	prev := configFile
	configFile = path
	t.Cleanup(func() { configFile = prev })
	return path
}

// startBackend 啟動帶有內建 RPC 的參考後端
func startBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := server.New(server.DefaultConfig())
	srv.RegisterBuiltins()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "webui-bridge", cmd.Use, "Root command should be 'webui-bridge'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	// 檢查子命令
	commands := cmd.Commands()
	assert.Len(t, commands, 4, "Should have 4 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Name()] = true
	}

	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["invoke"], "Should have 'invoke' command")
	assert.True(t, commandNames["serve"], "Should have 'serve' command")
	assert.True(t, commandNames["status"], "Should have 'status' command")

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand, "Should have -c shorthand")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.NotNil(t, cmd, "buildRunCommand should return a non-nil command")
	assert.Equal(t, "run", cmd.Use, "Command should be 'run'")
	assert.Contains(t, cmd.Short, "Start", "Short description should mention 'Start'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")

	closeFlag := cmd.Flags().Lookup("close-on-exit")
	require.NotNil(t, closeFlag, "Should have --close-on-exit flag")
	assert.Equal(t, "false", closeFlag.DefValue, "Unload is the default exit path")
	assert.NotNil(t, cmd.Flags().Lookup("hidden"), "Should have --hidden flag")
}

func TestBuildInvokeCommand(t *testing.T) {
	cmd := buildInvokeCommand()

	assert.Equal(t, "invoke", cmd.Name(), "Command should be 'invoke'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")

	// 參數數量檢查：NAME 必填，ARGS_JSON 可選
	assert.Error(t, cmd.Args(cmd, []string{}), "NAME is required")
	assert.NoError(t, cmd.Args(cmd, []string{"ping"}))
	assert.NoError(t, cmd.Args(cmd, []string{"sleep", "[10]"}))
	assert.Error(t, cmd.Args(cmd, []string{"a", "b", "c"}), "At most two arguments")

	timeoutFlag := cmd.Flags().Lookup("timeout")
	require.NotNil(t, timeoutFlag, "Should have --timeout flag")
	assert.Equal(t, "30s", timeoutFlag.DefValue)
	assert.NotNil(t, cmd.Flags().Lookup("normalize"), "Should have --normalize flag")
}

func TestBuildServeAndStatusCommands(t *testing.T) {
	serve := buildServeCommand()
	assert.Equal(t, "serve", serve.Use)
	assert.NotNil(t, serve.Flags().Lookup("http"), "Should have --http flag")
	assert.NotNil(t, serve.Flags().Lookup("grpc"), "Should have --grpc flag")

	status := buildStatusCommand()
	assert.Equal(t, "status", status.Use)
	assert.NotNil(t, status.Flags().Lookup("probe"), "Should have --probe flag")
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := useConfig(t, `
backend:
  url: "http://backend.local:9000"
  transport: grpc
  grpc_addr: "backend.local:9001"
  request_timeout: 3s
channel:
  reconnect_floor: 200ms
  reconnect_ceiling: 4s
  max_failed_attempts: 5
  queue_capacity: 64
heartbeat:
  enabled: true
  fetch_from_backend: false
  interval: 2s
  hidden_interval: 20s
  timeout: 800ms
  failures_before_close: 4
worker:
  worker_count: 6
  script_timeout: 2s
metrics:
  enabled: true
  port: 8080
log:
  level: debug
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err, "loadConfig should succeed with valid YAML")

	// 驗證 Backend 配置
	assert.Equal(t, "http://backend.local:9000", cfg.Backend.URL)
	assert.Equal(t, "grpc", cfg.Backend.Transport)
	assert.Equal(t, "backend.local:9001", cfg.Backend.GRPCAddr)
	assert.Equal(t, 3*time.Second, cfg.Backend.RequestTimeout)

	// 驗證 Channel 配置，未設定的欄位保留預設值
	assert.Equal(t, 200*time.Millisecond, cfg.Channel.ReconnectFloor)
	assert.Equal(t, 4*time.Second, cfg.Channel.ReconnectCeiling)
	assert.Equal(t, 1500*time.Millisecond, cfg.Channel.ReconnectWaitCap, "Unset wait cap keeps its default")
	assert.Equal(t, 5, cfg.Channel.MaxFailedAttempts)
	assert.Equal(t, 64, cfg.Channel.QueueCapacity)

	// 驗證 Heartbeat 配置
	assert.False(t, cfg.Heartbeat.FetchFromBackend)
	assert.Equal(t, 2*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 4, cfg.Heartbeat.FailuresBeforeClose)
	assert.Equal(t, time.Second, cfg.Heartbeat.InitialDelay, "Unset initial delay keeps its default")

	// 驗證 Worker 與 Metrics 配置
	assert.Equal(t, 6, cfg.Worker.WorkerCount)
	assert.Equal(t, 2*time.Second, cfg.Worker.ScriptTimeout)
	assert.True(t, cfg.Metrics.Enabled, "Metrics should be enabled")
	assert.Equal(t, 8080, cfg.Metrics.Port, "Metrics port should be 8080")
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err, "loadConfig should return an error for nonexistent file")
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file", "Error should mention file reading failure")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	// 包含無效 YAML 的臨時文件
	path := useConfig(t, `
worker:
  worker_count: "not a number"
  invalid yaml structure
    broken indentation
`)

	cfg, err := loadConfig(path)

	assert.Error(t, err, "loadConfig should return an error for invalid YAML")
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML", "Error should mention YAML parsing failure")
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown transport", "backend:\n  transport: carrier-pigeon\n", "backend.transport"},
		{"grpc without address", "backend:\n  transport: grpc\n  grpc_addr: \"\"\n", "grpc_addr"},
		{"empty url", "backend:\n  url: \"\"\n", "backend.url"},
		{"negative workers", "worker:\n  worker_count: -1\n", "worker_count"},
		{"bad log level", "log:\n  level: chatty\n", "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := useConfig(t, tt.content)
			cfg, err := loadConfig(path)
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	path := useConfig(t, "")

	// 空文件應該能解析，所有欄位使用預設值
	cfg, err := loadConfig(path)
	require.NoError(t, err, "Empty YAML file should parse without error")
	assert.Equal(t, defaultConfig(), cfg, "Empty config should equal the defaults")
}

func TestLoadConfig_PartialConfig(t *testing.T) {
	// 只包含部分配置
	path := useConfig(t, `
worker:
  worker_count: 2
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err, "Partial config should parse successfully")
	assert.Equal(t, 2, cfg.Worker.WorkerCount, "Worker count should be set")
	assert.Equal(t, "http", cfg.Backend.Transport, "Unset fields should keep defaults")
	assert.Equal(t, 6*time.Second, cfg.Heartbeat.Interval, "Unset fields should keep defaults")
}

func TestSessionConfigMapping(t *testing.T) {
	cfg := defaultConfig()
	cfg.Channel.QueueCapacity = 10
	cfg.Channel.WriteTimeout = 2 * time.Second
	cfg.Heartbeat.Interval = 100 * time.Millisecond // 會被 Normalize 拉到下限
	cfg.Heartbeat.FailuresBeforeClose = 7
	cfg.Worker.WorkerCount = 0 // 0 表示使用 session 預設

	sc := cfg.sessionConfig()
	assert.Equal(t, 10, sc.Channel.QueueCapacity)
	assert.Equal(t, 2*time.Second, sc.WriteTimeout)
	assert.Equal(t, time.Second, sc.Heartbeat.IntervalVisible, "Heartbeat interval is clamped")
	assert.Equal(t, 7, sc.Heartbeat.MaxConsecutiveFailures)
	assert.Equal(t, 2, sc.Workers, "Zero workers falls back to the session default")
	assert.True(t, sc.FetchLifecycleConfig)

	srv := cfg.serverConfig()
	assert.Equal(t, 7, srv.Lifecycle.MaxConsecutiveFailures, "Backend serves the same lifecycle config")
	assert.True(t, srv.PushUpdates)
}

func TestShowStatus(t *testing.T) {
	useConfig(t, "metrics:\n  enabled: true\n  port: 9191\n")

	var out bytes.Buffer
	err := showStatus(&out, false)
	require.NoError(t, err, "showStatus should not return an error")

	text := out.String()
	assert.Contains(t, text, "http://127.0.0.1:8765")
	assert.Contains(t, text, "http://localhost:9191/metrics")
	assert.NotContains(t, text, "Backend Probe", "Probe output only with --probe")
}

func TestShowStatus_Probe(t *testing.T) {
	ts := startBackend(t)
	useConfig(t, fmt.Sprintf("backend:\n  url: %q\n", ts.URL))

	var out bytes.Buffer
	require.NoError(t, showStatus(&out, true))

	text := out.String()
	assert.Contains(t, text, "Backend Probe")
	assert.Contains(t, text, "Lifecycle Config: ✅")
	assert.Contains(t, text, "Window Control:   ✅")
}

func TestShowStatus_ProbeUnreachable(t *testing.T) {
	useConfig(t, "backend:\n  url: \"http://127.0.0.1:1\"\n  request_timeout: 500ms\n")

	var out bytes.Buffer
	require.NoError(t, showStatus(&out, true), "An unreachable backend is reported, not returned")
	assert.Contains(t, out.String(), "Lifecycle Config: ❌")
}

func TestInvokeRPC(t *testing.T) {
	ts := startBackend(t)
	useConfig(t, fmt.Sprintf("backend:\n  url: %q\nlog:\n  level: error\n", ts.URL))

	// 同步 RPC
	var out bytes.Buffer
	require.NoError(t, invokeRPC(&out, "ping", nil, 5*time.Second, false))
	assert.JSONEq(t, `"pong"`, out.String())

	// 非同步 RPC 透過 job 解析
	out.Reset()
	require.NoError(t, invokeRPC(&out, "sleep", []byte(`[30]`), 5*time.Second, false))
	assert.JSONEq(t, `{"slept_ms":30}`, out.String())

	// normalize 展開 {"value": v}
	out.Reset()
	require.NoError(t, invokeRPC(&out, "echo", []byte(`{"value":[1,2]}`), 5*time.Second, true))
	assert.JSONEq(t, `[1,2]`, out.String())
}

func TestInvokeRPC_Errors(t *testing.T) {
	ts := startBackend(t)
	useConfig(t, fmt.Sprintf("backend:\n  url: %q\nlog:\n  level: error\n", ts.URL))

	var out bytes.Buffer
	err := invokeRPC(&out, "echo", []byte(`{broken`), time.Second, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")

	err = invokeRPC(&out, "fail", []byte(`["disk on fire"]`), 5*time.Second, false)
	require.Error(t, err)
	assert.Equal(t, "fail failed: disk on fire", err.Error(), "Job errors print the backend message")

	err = invokeRPC(&out, "missing", nil, 5*time.Second, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing failed")
	assert.Empty(t, out.String())
}
