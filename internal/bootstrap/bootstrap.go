package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"voicecall-server-go/internal/app/call"
	"voicecall-server-go/internal/domain/asr"
	"voicecall-server-go/internal/domain/audio"
	"voicecall-server-go/internal/domain/history"
	"voicecall-server-go/internal/domain/llm"
	"voicecall-server-go/internal/domain/tts"
	"voicecall-server-go/internal/domain/vad"
	platformconfig "voicecall-server-go/internal/platform/config"
	platformerrors "voicecall-server-go/internal/platform/errors"
	platformlogging "voicecall-server-go/internal/platform/logging"
	platformobservability "voicecall-server-go/internal/platform/observability"
	platformstorage "voicecall-server-go/internal/platform/storage"
	httptransport "voicecall-server-go/internal/transport/http"
	"voicecall-server-go/internal/transport/ws"
)

// Options 控制启动行为
type Options struct {
	// ConfigPath overrides .config.yaml.
	ConfigPath string
	// DisableDotEnv skips loading .env.
	DisableDotEnv bool
}

type stepFn func(context.Context, *appState) error

type initStep struct {
	ID        string
	Title     string
	DependsOn []string
	Kind      platformerrors.Kind
	Execute   stepFn
}

type appState struct {
	opts                  Options
	config                *platformconfig.Config
	configPath            string
	logger                *platformlogging.Logger
	slogger               *slog.Logger
	metrics               *platformobservability.Metrics
	observabilityShutdown platformobservability.ShutdownFunc
	db                    *gorm.DB
	history               history.Store
	recorder              *platformstorage.AsyncRecorder
	inferencer            llm.Inferencer
	auth                  *httptransport.TokenAuth
}

// Run 启动整个服务生命周期，负责加载配置、初始化依赖和优雅关停。
func Run(ctx context.Context, opts Options) error {
	state := &appState{opts: opts}

	steps := InitGraph()
	if err := executeInitSteps(ctx, steps, state); err != nil {
		state.close()
		return err
	}
	defer state.close()

	logger := state.logger
	logBootstrapGraph(steps, logger)

	rootCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalCtx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(rootCtx)

	if err := startServices(state, group, groupCtx); err != nil {
		cancel()
		return err
	}

	logger.InfoTag("引导", "服务已成功启动")
	return waitForShutdown(signalCtx, groupCtx, cancel, logger, group)
}

func logBootstrapGraph(steps []initStep, logger *platformlogging.Logger) {
	if logger == nil {
		return
	}
	logger.InfoTag("引导", "初始化依赖关系概览")
	for _, step := range steps {
		if len(step.DependsOn) == 0 {
			logger.InfoTag("引导", "%s (%s)", step.ID, step.Title)
			continue
		}
		logger.InfoTag("引导", "%s (%s) <- %s", step.ID, step.Title, strings.Join(step.DependsOn, ", "))
	}
	logger.InfoTag("引导", "启动服务")
}

func executeInitSteps(ctx context.Context, steps []initStep, state *appState) error {
	if state == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"execute init steps",
			"nil bootstrap state",
		)
	}

	completed := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := completed[dep]; !ok {
				return platformerrors.New(
					platformerrors.KindBootstrap,
					step.ID,
					fmt.Sprintf("dependency %s not satisfied", dep),
				)
			}
		}
		if step.Execute == nil {
			return platformerrors.New(
				platformerrors.KindBootstrap,
				step.ID,
				"missing execute function",
			)
		}
		if err := step.Execute(ctx, state); err != nil {
			var typed *platformerrors.Error
			if errors.As(err, &typed) {
				return err
			}

			kind := step.Kind
			if kind == "" {
				kind = platformerrors.KindBootstrap
			}
			return platformerrors.Wrap(kind, step.ID, "bootstrap step failed", err)
		}
		completed[step.ID] = struct{}{}
	}
	return nil
}

func InitGraph() []initStep {
	return []initStep{
		{
			ID:      "config:load",
			Title:   "Load configuration",
			Kind:    platformerrors.KindConfig,
			Execute: loadConfigStep,
		},
		{
			ID:        "logging:init-provider",
			Title:     "Initialise logging provider",
			DependsOn: []string{"config:load"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initLoggingStep,
		},
		{
			ID:        "observability:setup-hooks",
			Title:     "Setup observability hooks",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   setupObservabilityStep,
		},
		{
			ID:        "storage:init-database",
			Title:     "Initialise database",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindStorage,
			Execute:   initDatabaseStep,
		},
		{
			ID:        "history:init-store",
			Title:     "Initialise conversation history",
			DependsOn: []string{"storage:init-database"},
			Kind:      platformerrors.KindStorage,
			Execute:   initHistoryStep,
		},
		{
			ID:        "llm:init-client",
			Title:     "Initialise language model client",
			DependsOn: []string{"observability:setup-hooks"},
			Kind:      platformerrors.KindConfig,
			Execute:   initInferencerStep,
		},
		{
			ID:        "auth:init-tokens",
			Title:     "Initialise token auth",
			DependsOn: []string{"config:load"},
			Kind:      platformerrors.KindConfig,
			Execute:   initAuthStep,
		},
	}
}

func loadConfigStep(_ context.Context, state *appState) error {
	loader := platformconfig.NewLoader().
		WithDotEnv(!state.opts.DisableDotEnv).
		WithPath(state.opts.ConfigPath)
	result, err := loader.Load()
	if err != nil {
		return err
	}
	state.config = result.Config
	state.configPath = result.Path
	if state.configPath == "" {
		state.configPath = "defaults"
	}
	return nil
}

func initLoggingStep(_ context.Context, state *appState) error {
	if state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"logging:init-provider",
			"config not loaded",
		)
	}

	logger, err := platformlogging.New(platformlogging.Config{
		Level:    state.config.Log.Level,
		Dir:      state.config.Log.Dir,
		Filename: state.config.Log.File,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "logging:init-provider", "failed to initialize logging provider", err)
	}

	state.logger = logger
	state.slogger = logger.Slog()
	logger.InfoTag("引导", "日志模块就绪 [%s] %s", state.config.Log.Level, state.configPath)
	return nil
}

func setupObservabilityStep(ctx context.Context, state *appState) error {
	if state.logger == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"observability:setup-hooks",
			"config/logger not initialised",
		)
	}

	cfg := platformobservability.Config{
		Tracing: strings.EqualFold(state.config.Log.Level, "debug"),
	}
	metrics, shutdown, err := platformobservability.Setup(ctx, cfg, state.slogger)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "observability:setup-hooks", "failed to setup observability hooks", err)
	}
	state.metrics = metrics
	state.observabilityShutdown = shutdown
	return nil
}

func initDatabaseStep(_ context.Context, state *appState) error {
	dsn := state.config.History.SQLite.DSN
	if dsn == "" {
		state.logger.InfoTag("存储", "未配置数据库，通话记录不会被保存")
		return nil
	}
	db, err := platformstorage.Open(dsn)
	if err != nil {
		return err
	}
	state.db = db
	state.recorder = platformstorage.NewAsyncRecorder(platformstorage.NewCallRepository(db), state.logger)
	state.logger.InfoTag("存储", "数据库就绪 %s", dsn)
	return nil
}

func initHistoryStep(_ context.Context, state *appState) error {
	hc := state.config.History
	cfg := history.Config{
		Driver: hc.Type,
		MaxLen: hc.MaxLen,
		TTL:    hc.TTL,
	}
	if hc.Type == history.DriverRedis {
		cfg.Redis = &history.RedisConfig{
			Addr:     hc.Redis.Addr,
			Username: hc.Redis.Username,
			Password: hc.Redis.Password,
			DB:       hc.Redis.DB,
			Prefix:   hc.Redis.Prefix,
		}
	}
	store, err := history.New(cfg, history.Dependencies{SQLiteDB: state.db})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "history:init-store", "failed to create history store", err)
	}
	state.history = store
	state.logger.InfoTag("存储", "对话历史存储: %s", hc.Type)
	return nil
}

func initInferencerStep(_ context.Context, state *appState) error {
	lc := state.config.LLM
	cfg := llm.Config{
		BaseURL:     lc.BaseURL,
		APIKey:      lc.APIKey,
		Model:       lc.ModelName,
		Temperature: lc.Temperature,
		MaxTokens:   lc.MaxTokens,
	}

	var inner llm.Inferencer
	switch lc.Type {
	case "openai":
		inner = llm.NewOpenAIClient(cfg, state.logger)
	default:
		inner = llm.NewStreamClient(cfg, nil, state.logger)
	}
	if lc.APIKey == "" {
		state.logger.WarnTag("LLM", "未配置 API Key，请求可能会被拒绝")
	}

	metrics := state.metrics
	state.inferencer = llm.WithRetry(inner, lc.Attempts, lc.Timeout, state.logger,
		llm.OnRetry(func(int, error) { metrics.Retry() }))
	state.logger.InfoTag("LLM", "模型 %s (%s)", lc.ModelName, lc.Type)
	return nil
}

func initAuthStep(_ context.Context, state *appState) error {
	ac := state.config.Server.Auth
	state.auth = httptransport.NewTokenAuth(ac.Secret, ac.Issuer)
	if state.auth == nil {
		state.logger.WarnTag("引导", "未配置 auth.secret，接口不做鉴权")
	}
	return nil
}

func (s *appState) close() {
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.WarnTag("存储", "对话历史未正常关闭: %v", err)
		}
	}
	if s.recorder != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.recorder.Close(flushCtx); err != nil {
			s.logger.WarnTag("存储", "通话记录未全部写入: %v", err)
		}
		cancel()
	}
	if s.db != nil {
		if err := platformstorage.Close(s.db); err != nil {
			s.logger.WarnTag("存储", "数据库未正常关闭: %v", err)
		}
	}
	if s.observabilityShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.observabilityShutdown(shutdownCtx); err != nil {
			s.logger.WarnTag("引导", "可观测性未正常关闭: %v", err)
		}
		cancel()
	}
	if s.logger != nil {
		_ = s.logger.Close()
	}
}

// newServer wires the call endpoint and the HTTP API onto one listener.
func newServer(ctx context.Context, state *appState) (*ws.Server, error) {
	cfg := state.config
	logger := state.logger
	hub := ws.NewHub(logger)

	routerOpts := ws.RouterOptions{
		HandshakeTimeout: cfg.Call.HandshakeTimeout,
		IdleTimeout:      cfg.Call.IdleTimeout,
		Metrics:          state.metrics,
	}
	if state.auth != nil {
		auth := state.auth
		routerOpts.Authorize = func(r *http.Request) error {
			_, err := auth.VerifyRequest(r)
			return err
		}
	}
	wsRouter := ws.NewRouter(hub, logger, routerOpts)
	wsRouter.SetHandlerBuilder(ws.NewCallBuilder(callDeps(state)))

	httpRouter := httptransport.Build(httptransport.Options{
		Logger:      logger,
		Debug:       strings.EqualFold(cfg.Log.Level, "debug"),
		Metrics:     state.metrics,
		CORSOrigins: cfg.Server.CORSOrigins,
		Auth:        state.auth,
	})
	httpRouter.Engine.NoRoute(func(c *gin.Context) {
		httptransport.RespondError(c, http.StatusNotFound, "not found", nil)
	})

	server := ws.NewServer(ws.ServerConfig{
		Addr: net.JoinHostPort(cfg.Server.IP, strconv.Itoa(cfg.Server.Port)),
	}, wsRouter, hub, httpRouter.Engine, logger)

	chat := httptransport.NewChatService(httptransport.ChatOptions{
		Inferencer:    state.inferencer,
		History:       state.history,
		SystemPrompt:  cfg.LLM.SystemPrompt,
		HistoryWindow: cfg.Call.HistoryWindow,
		Logger:        logger,
	})
	health := httptransport.NewHealthService(server.ActiveCalls, logger)
	for _, svc := range []interface {
		Register(context.Context, *gin.RouterGroup) error
	}{chat, health} {
		if err := svc.Register(ctx, httpRouter.Secured); err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindBootstrap, "http:register", "failed to register service", err)
		}
	}
	return server, nil
}

func callDeps(state *appState) ws.CallDeps {
	cfg := state.config
	logger := state.logger
	format := audio.Format{
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
		BitsPerSample: cfg.Audio.BitsPerSample,
	}
	asrCfg := asr.Config{
		URL:           cfg.ASR.URL,
		AppID:         cfg.ASR.AppID,
		AccessToken:   cfg.ASR.AccessToken,
		ResourceID:    cfg.ASR.ResourceID,
		Model:         cfg.ASR.Model,
		Language:      cfg.ASR.Language,
		EndWindowSize: cfg.ASR.EndWindowSize,
		EnablePunc:    cfg.ASR.EnablePunc,
		EnableITN:     cfg.ASR.EnableITN,
		Format:        format,
		DialTimeout:   cfg.ASR.DialTimeout,
		DialAttempts:  cfg.ASR.DialAttempts,
	}
	window := cfg.Audio.Window
	voice := cfg.TTS.Voice

	return ws.CallDeps{
		Call: call.Config{
			SystemPrompt:  cfg.LLM.SystemPrompt,
			ThinkingDelay: cfg.Call.ThinkingDelay,
			HistoryWindow: cfg.Call.HistoryWindow,
			ApologyText:   cfg.Call.ApologyText,
			Silence: vad.Options{
				Window:        cfg.Silence.Window,
				CheckInterval: cfg.Silence.CheckInterval,
				Countdown:     cfg.Silence.Countdown,
			},
			MaxSilenceRenewals: cfg.Silence.MaxRenewals,
			CaptureAttempts:    cfg.Call.CaptureAttempts,
			CaptureBackoff:     cfg.Call.CaptureBackoff,
		},
		Transcriber: func(h asr.Handlers) call.TranscriptionStream {
			return asr.NewStream(asrCfg, window, h, logger)
		},
		Inferencer: state.inferencer,
		History:    state.history,
		Recorder:   recorder(state),
		Metrics:    state.metrics,
		NewSpeaker: func(p tts.Player) tts.Speaker {
			return tts.NewEdgeSpeaker(voice, p, logger)
		},
		Logger: logger,
	}
}

// recorder avoids handing a typed nil to the call session.
func recorder(state *appState) call.Recorder {
	if state.recorder == nil {
		return nil
	}
	return state.recorder
}

func startServices(state *appState, g *errgroup.Group, groupCtx context.Context) error {
	server, err := newServer(groupCtx, state)
	if err != nil {
		return fmt.Errorf("启动服务失败: %w", err)
	}

	cfg := state.config
	logger := state.logger
	g.Go(func() error {
		logger.InfoTag("HTTP", "接口地址 http://%s:%d/api/", cfg.Server.IP, cfg.Server.Port)
		if err := server.Start(groupCtx); err != nil {
			logger.ErrorTag("WebSocket", "服务运行失败: %v", err)
			return platformerrors.Wrap(platformerrors.KindTransport, "transport:serve", "server stopped", err)
		}
		logger.InfoTag("WebSocket", "服务已优雅关闭")
		return nil
	})
	return nil
}

func waitForShutdown(
	signalCtx context.Context,
	groupCtx context.Context,
	cancel context.CancelFunc,
	logger *platformlogging.Logger,
	g *errgroup.Group,
) error {
	select {
	case <-signalCtx.Done():
		logger.InfoTag("引导", "收到系统信号 %v，正在进行资源清理", context.Cause(signalCtx))
	case <-groupCtx.Done():
		logger.WarnTag("引导", "服务异常退出，正在进行资源清理")
	}

	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.ErrorTag("引导", "服务关闭过程中出现错误: %v", err)
			return err
		}
		logger.InfoTag("引导", "所有服务已成功关闭")
	case <-time.After(15 * time.Second):
		logger.ErrorTag("引导", "服务关闭超时，已强制退出")
		return errors.New("服务关闭超时")
	}
	return nil
}
