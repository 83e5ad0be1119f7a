package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	platformerrors "voicecall-server-go/internal/platform/errors"
	platformlogging "voicecall-server-go/internal/platform/logging"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`server:
  ip: 127.0.0.1
  port: 18000
  auth:
    secret: smoke-secret
    issuer: smoke
log:
  log_level: info
  log_dir: %q
history:
  type: sqlite
  sqlite:
    dsn: %q
`, filepath.Join(dir, "logs"), filepath.Join(dir, "data", "history.db"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func initState(t *testing.T) *appState {
	t.Helper()
	state := &appState{opts: Options{ConfigPath: writeConfig(t), DisableDotEnv: true}}
	require.NoError(t, executeInitSteps(context.Background(), InitGraph(), state))
	t.Cleanup(state.close)
	return state
}

func TestInitGraphOrder(t *testing.T) {
	steps := InitGraph()
	want := []string{
		"config:load",
		"logging:init-provider",
		"observability:setup-hooks",
		"storage:init-database",
		"history:init-store",
		"llm:init-client",
		"auth:init-tokens",
	}
	require.Len(t, steps, len(want))
	seen := map[string]bool{}
	for i, step := range steps {
		assert.Equal(t, want[i], step.ID)
		for _, dep := range step.DependsOn {
			assert.True(t, seen[dep], "%s depends on later step %s", step.ID, dep)
		}
		seen[step.ID] = true
	}
}

func TestExecuteInitGraph(t *testing.T) {
	state := initState(t)

	assert.Equal(t, "127.0.0.1", state.config.Server.IP)
	assert.NotNil(t, state.logger)
	assert.NotNil(t, state.metrics)
	assert.NotNil(t, state.observabilityShutdown)
	assert.NotNil(t, state.db)
	assert.NotNil(t, state.recorder)
	assert.NotNil(t, state.history)
	assert.NotNil(t, state.inferencer)
	assert.NotNil(t, state.auth)
}

func TestExecuteInitSteps_UnsatisfiedDependency(t *testing.T) {
	steps := []initStep{{
		ID:        "b",
		DependsOn: []string{"a"},
		Execute:   func(context.Context, *appState) error { return nil },
	}}
	err := executeInitSteps(context.Background(), steps, &appState{})
	require.Error(t, err)
	assert.True(t, platformerrors.IsKind(err, platformerrors.KindBootstrap))
}

func TestExecuteInitSteps_WrapsUntypedErrors(t *testing.T) {
	steps := []initStep{{
		ID:      "storage:x",
		Kind:    platformerrors.KindStorage,
		Execute: func(context.Context, *appState) error { return fmt.Errorf("disk full") },
	}}
	err := executeInitSteps(context.Background(), steps, &appState{})
	require.Error(t, err)
	assert.True(t, platformerrors.IsKind(err, platformerrors.KindStorage))
}

func TestServerServesAPIAndCallEndpoint(t *testing.T) {
	state := initState(t)

	ctx, cancel := context.WithCancel(context.Background())
	server, err := newServer(ctx, state)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, ln) }()
	base := "http://" + ln.Addr().String()

	get := func(path, token string) int {
		req, err := http.NewRequest(http.MethodGet, base+path, nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	token, err := state.auth.Issue("smoke-device")
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, get("/api/health", ""))
	assert.Equal(t, http.StatusOK, get("/api/health", token))
	assert.Equal(t, http.StatusOK, get("/metrics", ""))
	assert.Equal(t, http.StatusNotFound, get("/nope", ""))

	wsURL := "ws://" + ln.Addr().String() + "/ws/call"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return server.ActiveCalls() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	_ = conn.Close()
	assert.Equal(t, 0, server.ActiveCalls())
}

func TestLogBootstrapGraphOutput(t *testing.T) {
	var buf bytes.Buffer
	logBootstrapGraph(InitGraph(), platformlogging.NewWriter(&buf, "info"))

	content := buf.String()
	assert.Contains(t, content, "初始化依赖关系概览")
	for _, step := range InitGraph() {
		assert.Contains(t, content, step.ID)
	}
}
