// Package call runs one voice conversation as a single-goroutine actor. Every
// callback from capture, transcription, inference and synthesis is turned
// into an Event and handled by Run in order, so state is never shared.
package call

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voicecall-server-go/internal/domain/asr"
	"voicecall-server-go/internal/domain/eventbus"
	"voicecall-server-go/internal/domain/history"
	"voicecall-server-go/internal/domain/llm"
	"voicecall-server-go/internal/domain/tts"
	"voicecall-server-go/internal/domain/vad"
	"voicecall-server-go/internal/platform/errors"
	"voicecall-server-go/internal/platform/logging"
	"voicecall-server-go/internal/platform/observability"
)

const tag = "通话"

// Capture 麦克风采集
type Capture interface {
	Start(ctx context.Context, sink func(pcm []byte, at time.Time)) error
	Stop() error
}

// TranscriptionStream is one listening phase worth of streaming recognition.
// *asr.Stream satisfies it.
type TranscriptionStream interface {
	Start(ctx context.Context) error
	Write(pcm []byte, at time.Time)
	Finish()
	Close() error
}

// TranscriberFunc opens a new stream delivering results to handlers.
type TranscriberFunc func(handlers asr.Handlers) TranscriptionStream

// Recorder persists the call summary. *storage.CallRepository and
// *storage.AsyncRecorder satisfy it.
type Recorder interface {
	Start(ctx context.Context, sessionID string, at time.Time) error
	Finish(ctx context.Context, sessionID string, at time.Time, turns, failures int, reason string) error
}

// Config 会话配置
type Config struct {
	SessionID     string
	SystemPrompt  string
	ThinkingDelay time.Duration
	// HistoryWindow is the number of recent turns sent with each request.
	HistoryWindow int
	ApologyText   string
	Silence       vad.Options
	// MaxSilenceRenewals ends the listening phase after that many empty
	// countdowns in a row. 0 means unbounded.
	MaxSilenceRenewals int
	CaptureAttempts    int
	CaptureBackoff     time.Duration
	Now                func() time.Time
}

// Dependencies 会话依赖
type Dependencies struct {
	Capture     Capture
	Transcriber TranscriberFunc
	Inferencer  llm.Inferencer
	Speaker     tts.Speaker
	History     history.Store
	Bus         *eventbus.Bus
	Recorder    Recorder
	Metrics     *observability.Metrics
	Logger      *logging.Logger
}

// Session 通话会话
type Session struct {
	cfg  Config
	deps Dependencies

	logger   *logging.Logger
	detector *vad.SilenceDetector
	events   chan Event
	done     chan struct{}
	state    atomic.Int32

	// owned by the Run goroutine
	ctx         context.Context
	cancel      context.CancelFunc
	phase       uint64
	phaseCancel context.CancelFunc
	phaseCtx    context.Context
	inFlight    bool
	thinking    *time.Timer
	dispatchAt  time.Time
	turns       int
	failures    int
	ended       bool

	streamMu sync.Mutex
	stream   TranscriptionStream

	// capture Start/Stop run in order on one goroutine so a slow Start can
	// never leave the microphone on after the phase that asked for it
	captureCmds chan captureCmd
	captureDone chan struct{}

	running atomic.Bool
	runOnce sync.Once
}

type captureCmd struct {
	start   bool
	ctx     context.Context
	phase   uint64
	attempt int
}

// New 创建会话。Run 必须被调用后事件才会被处理；在此之前 Start、End 和
// SubmitText 不会阻塞，缓冲区满时事件被丢弃。
func New(cfg Config, deps Dependencies) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ThinkingDelay <= 0 {
		cfg.ThinkingDelay = 4 * time.Second
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	if cfg.ApologyText == "" {
		cfg.ApologyText = "抱歉，我刚才没有听清楚，请再说一遍。"
	}
	if cfg.CaptureAttempts <= 0 {
		cfg.CaptureAttempts = 3
	}
	if cfg.CaptureBackoff <= 0 {
		cfg.CaptureBackoff = 500 * time.Millisecond
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.History == nil {
		deps.History = history.NewMemory(history.Config{})
	}

	return &Session{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		detector: vad.NewSilenceDetector(cfg.Silence),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),

		captureCmds: make(chan captureCmd, 16),
		captureDone: make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.cfg.SessionID }

// State returns the current state. Safe from any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start begins listening.
func (s *Session) Start() { s.post(Event{Type: EventStart}) }

// End stops the call. Calling it more than once is harmless.
func (s *Session) End() { s.post(Event{Type: EventEnd, Text: "end"}) }

// SubmitText dispatches typed text as an utterance. It is the fallback path
// when capture is unavailable.
func (s *Session) SubmitText(text string) {
	s.post(Event{Type: EventTextInput, Text: text})
}

func (s *Session) post(ev Event) {
	if ev.At.IsZero() {
		ev.At = s.cfg.Now()
	}
	if !s.running.Load() {
		select {
		case s.events <- ev:
		default:
			s.logger.WarnTag(tag, "会话未运行，丢弃事件 %s", ev.Type)
		}
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Run processes events until End is handled or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	var err error
	ran := false
	s.runOnce.Do(func() {
		ran = true
		err = s.run(ctx)
	})
	if !ran {
		return errors.New(errors.KindDomain, "call.run", "session already running")
	}
	return err
}

func (s *Session) run(ctx context.Context) error {
	defer close(s.done)

	s.ctx, s.cancel = context.WithCancel(observability.WithSession(ctx, s.cfg.SessionID))
	defer s.cancel()

	go s.captureLoop()
	defer func() {
		close(s.captureCmds)
		<-s.captureDone
	}()
	s.running.Store(true)

	s.deps.Metrics.CallStarted()
	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.Start(s.ctx, s.cfg.SessionID, s.cfg.Now()); err != nil {
			s.logger.WarnTag(tag, "记录通话开始失败: %v", err)
		}
	}
	s.logger.InfoTag(tag, "会话 %s 已创建", s.cfg.SessionID)

	for {
		select {
		case <-ctx.Done():
			s.shutdown("context")
			return nil
		case ev := <-s.events:
			s.dispatch(ev)
			if s.ended {
				return nil
			}
		}
	}
}

func (s *Session) dispatch(ev Event) {
	if !ev.Type.external() && ev.Phase != s.phase {
		s.logger.DebugTag(tag, "丢弃过期事件 %s (phase %d, 当前 %d)", ev.Type, ev.Phase, s.phase)
		return
	}
	state := s.State()
	r, ok := lookup(state, ev.Type)
	if !ok {
		s.logger.ErrorTag(tag, "状态 %s 未定义事件 %s", state, ev.Type)
		return
	}
	if r.handle == nil {
		s.logger.DebugTag(tag, "状态 %s 忽略事件 %s: %s", state, ev.Type, r.note)
		return
	}
	r.handle(s, ev)
}

func (s *Session) setState(next State, reason string) {
	prev := s.State()
	s.phase++
	s.state.Store(int32(next))
	if prev == next {
		return
	}
	s.logger.InfoTag(tag, "状态切换 %s -> %s %s", prev, next, reason)
	s.deps.Metrics.Transition(prev.String(), next.String())
	s.deps.Bus.Publish(eventbus.EventCallState, eventbus.StateEventData{
		SessionID: s.cfg.SessionID,
		From:      prev.String(),
		To:        next.String(),
		Reason:    reason,
	})
}

func (s *Session) onStart(Event) { s.beginListening() }

func (s *Session) onEnd(ev Event) { s.shutdown(ev.Text) }

func (s *Session) onTextInput(ev Event) { s.beginProcessing(ev.Text, ev.At) }

func (s *Session) onTranscript(ev Event) {
	s.detector.Observe(ev.Text, ev.At)
	s.deps.Bus.Publish(eventbus.EventTranscript, eventbus.TranscriptEventData{
		SessionID: s.cfg.SessionID,
		Text:      ev.Text,
		Remaining: s.detector.Remaining(ev.At),
	})
}

func (s *Session) onTranscriptFinal(ev Event) {
	if strings.TrimSpace(ev.Text) == "" {
		// the server has closed this utterance, so listen on a fresh stream
		s.logger.DebugTag(tag, "识别结束但文本为空，重新聆听")
		s.stopListening()
		s.beginListening()
		return
	}
	s.beginProcessing(ev.Text, ev.At)
}

func (s *Session) onSilenceTick(ev Event) {
	res := s.detector.Poll(ev.At)
	switch res.Event {
	case vad.EventComplete:
		s.logger.DebugTag(tag, "静音检测完成 (%s)", res.Trigger)
		s.dispatch(Event{Type: EventUtteranceComplete, Text: res.Text, Phase: ev.Phase, At: ev.At})
	case vad.EventRenewed:
		renewals := s.detector.Renewals()
		s.deps.Bus.Publish(eventbus.EventCallListen, eventbus.ListenEventData{
			SessionID: s.cfg.SessionID,
			Remaining: s.detector.Remaining(ev.At),
			Renewals:  renewals,
		})
		if s.cfg.MaxSilenceRenewals > 0 && renewals >= s.cfg.MaxSilenceRenewals {
			s.logger.WarnTag(tag, "连续 %d 次未检测到语音，停止聆听", renewals)
			s.abort("silence_timeout")
		}
	}
}

func (s *Session) onUtteranceComplete(ev Event) { s.beginProcessing(ev.Text, ev.At) }

func (s *Session) onTransportFailed(ev Event) {
	s.fail(ev.Err)
	s.logger.ErrorTag(tag, "识别连接失败，放弃当前语句: %v", ev.Err)
	s.abort("transport")
}

func (s *Session) onCaptureFailed(ev Event) {
	s.fail(ev.Err)
	if ev.Attempt < s.cfg.CaptureAttempts {
		delay := s.cfg.CaptureBackoff * time.Duration(ev.Attempt)
		s.logger.WarnTag(tag, "麦克风启动失败 (第 %d 次)，%v 后重试: %v", ev.Attempt, delay, ev.Err)
		phase, next := s.phase, ev.Attempt+1
		time.AfterFunc(delay, func() {
			s.post(Event{Type: EventCaptureRetry, Phase: phase, Attempt: next})
		})
		return
	}
	s.logger.ErrorTag(tag, "麦克风启动失败 %d 次，切换到文字输入", ev.Attempt)
	s.deps.Bus.Publish(eventbus.EventFallback, eventbus.FallbackEventData{
		SessionID: s.cfg.SessionID,
		Reason:    "capture_failed",
	})
	s.abort("capture_failed")
}

func (s *Session) onCaptureRetry(ev Event) { s.startCapture(ev.Attempt) }

func (s *Session) onThinking(ev Event) {
	s.deps.Bus.Publish(eventbus.EventCallThinking, eventbus.ThinkingEventData{
		SessionID: s.cfg.SessionID,
		Elapsed:   ev.At.Sub(s.dispatchAt),
	})
}

func (s *Session) onInferenceDone(ev Event) {
	s.inFlight = false
	s.stopThinking()

	elapsed := ev.At.Sub(s.dispatchAt)
	reply := history.Turn{Role: llm.RoleAssistant, Content: ev.Text, At: ev.At}
	if err := s.deps.History.Append(s.ctx, s.cfg.SessionID, reply); err != nil {
		s.logger.WarnTag(tag, "保存回复失败: %v", err)
	}
	s.turns++
	s.deps.Metrics.TurnCompleted(elapsed)

	s.deps.Bus.Publish(eventbus.EventResponse, eventbus.ResponseEventData{
		SessionID: s.cfg.SessionID,
		Round:     s.turns,
		Content:   ev.Text,
		IsFinal:   true,
	})
	s.speak(StateSpeaking, ev.Text, false)
}

func (s *Session) onInferenceFailed(ev Event) {
	s.inFlight = false
	s.stopThinking()
	s.fail(ev.Err)
	s.logger.ErrorTag(tag, "推理失败: %v", ev.Err)
	s.speak(StateErrorSpeaking, s.cfg.ApologyText, true)
}

func (s *Session) onSpeechDone(ev Event) {
	s.deps.Bus.Publish(eventbus.EventSpeechFinished, eventbus.SpeechEventData{
		SessionID: s.cfg.SessionID,
		Round:     s.turns,
		Text:      ev.Text,
		Apology:   s.State() == StateErrorSpeaking,
	})
	s.beginListening()
}

// beginListening opens a fresh transcription stream, arms the silence
// detector and starts capture.
func (s *Session) beginListening() {
	if s.ended || s.inFlight {
		return
	}
	s.setState(StateListening, "")
	phase := s.phase
	ctx, cancel := context.WithCancel(s.ctx)
	s.phaseCtx, s.phaseCancel = ctx, cancel

	now := s.cfg.Now()
	s.detector.Restart(now)

	if s.deps.Transcriber != nil {
		stream := s.deps.Transcriber(s.transcriptHandlers(phase))
		s.streamMu.Lock()
		s.stream = stream
		s.streamMu.Unlock()
		go func() {
			_, end := observability.StartSpan(ctx, "asr", "connect")
			err := stream.Start(ctx)
			end(err)
			if err != nil && ctx.Err() == nil {
				s.post(Event{Type: EventTransportFailed, Err: err, Phase: phase})
			}
		}()
	}

	s.startCapture(1)
	go s.silenceLoop(ctx, phase)

	s.deps.Bus.Publish(eventbus.EventCallListen, eventbus.ListenEventData{
		SessionID: s.cfg.SessionID,
		Remaining: s.detector.Remaining(now),
	})
}

func (s *Session) transcriptHandlers(phase uint64) asr.Handlers {
	return asr.Handlers{
		OnTranscript: func(tr asr.Transcript) {
			typ := EventTranscript
			if tr.Final {
				typ = EventTranscriptFinal
			}
			s.post(Event{Type: typ, Text: tr.Text, Phase: phase})
		},
		OnWindowSent: func(int) { s.deps.Metrics.WindowSent() },
		OnError: func(err error) {
			s.logger.WarnTag(tag, "识别服务返回错误: %v", err)
			s.deps.Bus.Publish(eventbus.EventError, errorData(s.cfg.SessionID, err))
		},
		OnClosed: func(err error) {
			if err != nil {
				s.post(Event{Type: EventTransportFailed, Err: err, Phase: phase})
			}
		},
	}
}

func (s *Session) startCapture(attempt int) {
	if s.deps.Capture == nil || s.phaseCtx == nil {
		return
	}
	s.captureCmds <- captureCmd{start: true, ctx: s.phaseCtx, phase: s.phase, attempt: attempt}
}

// captureLoop applies capture commands in order until the session exits.
func (s *Session) captureLoop() {
	defer close(s.captureDone)
	on := false
	for cmd := range s.captureCmds {
		if !cmd.start {
			if on {
				on = false
				if err := s.deps.Capture.Stop(); err != nil {
					s.logger.WarnTag(tag, "停止麦克风失败: %v", err)
				}
			}
			continue
		}
		if on || cmd.ctx.Err() != nil {
			continue
		}
		if err := s.deps.Capture.Start(cmd.ctx, s.writeAudio); err != nil {
			if cmd.ctx.Err() != nil {
				continue
			}
			err = errors.Wrap(errors.KindCapture, "call.capture", "audio capture failed to start", err)
			ev := Event{Type: EventCaptureFailed, Err: err, Phase: cmd.phase, Attempt: cmd.attempt, At: s.cfg.Now()}
			select {
			case s.events <- ev:
			case <-cmd.ctx.Done():
			}
			continue
		}
		// a Stop queued behind this Start turns it off again
		on = true
	}
	if on {
		if err := s.deps.Capture.Stop(); err != nil {
			s.logger.WarnTag(tag, "停止麦克风失败: %v", err)
		}
	}
}

func (s *Session) writeAudio(pcm []byte, at time.Time) {
	s.streamMu.Lock()
	stream := s.stream
	s.streamMu.Unlock()
	if stream != nil {
		stream.Write(pcm, at)
	}
}

func (s *Session) silenceLoop(ctx context.Context, phase uint64) {
	ticker := time.NewTicker(s.detector.Options().CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.post(Event{Type: EventSilenceTick, Phase: phase})
		}
	}
}

// stopListening tears down everything beginListening started. Safe to call
// when nothing is running.
func (s *Session) stopListening() {
	if s.phaseCancel != nil {
		s.phaseCancel()
		s.phaseCancel = nil
	}
	s.phaseCtx = nil
	s.detector.Stop()

	s.streamMu.Lock()
	stream := s.stream
	s.stream = nil
	s.streamMu.Unlock()

	if s.deps.Capture != nil {
		s.captureCmds <- captureCmd{}
	}
	if stream != nil {
		stream.Finish()
		if err := stream.Close(); err != nil {
			s.logger.DebugTag(tag, "关闭识别连接: %v", err)
		}
	}
}

// beginProcessing dispatches one utterance. inFlight is set before the
// inference goroutine starts, so every later trigger for the same utterance
// is a no-op.
func (s *Session) beginProcessing(text string, at time.Time) {
	text = strings.TrimSpace(text)
	if text == "" || s.inFlight || s.ended {
		return
	}
	s.inFlight = true
	s.stopListening()
	s.setState(StateProcessing, "")
	phase := s.phase
	s.dispatchAt = at

	s.deps.Bus.Publish(eventbus.EventTranscript, eventbus.TranscriptEventData{
		SessionID: s.cfg.SessionID,
		Text:      text,
		IsFinal:   true,
	})

	user := history.Turn{Role: llm.RoleUser, Content: text, At: at}
	if err := s.deps.History.Append(s.ctx, s.cfg.SessionID, user); err != nil {
		s.logger.WarnTag(tag, "保存用户发言失败: %v", err)
	}
	messages := s.buildMessages(user)

	s.thinking = time.AfterFunc(s.cfg.ThinkingDelay, func() {
		s.post(Event{Type: EventThinkingTimeout, Phase: phase})
	})

	if s.deps.Inferencer == nil {
		err := errors.New(errors.KindInference, "call.infer", "no inferencer configured")
		s.post(Event{Type: EventInferenceFailed, Err: err, Phase: phase})
		return
	}

	ctx := s.ctx
	round := s.turns + 1
	go func() {
		ctx, end := observability.StartSpan(ctx, "llm", "infer")
		reply, err := s.deps.Inferencer.Infer(ctx, messages, func(delta string) {
			s.deps.Bus.Publish(eventbus.EventResponseDelta, eventbus.ResponseEventData{
				SessionID: s.cfg.SessionID,
				Round:     round,
				Content:   delta,
			})
		})
		if err == nil && strings.TrimSpace(reply) == "" {
			err = errors.New(errors.KindInference, "call.infer", "empty reply")
		}
		end(err)
		if err != nil {
			s.post(Event{Type: EventInferenceFailed, Err: err, Phase: phase})
			return
		}
		s.post(Event{Type: EventInferenceDone, Text: strings.TrimSpace(reply), Phase: phase})
	}()
}

// buildMessages returns the system prompt followed by the recent turns. The
// user turn is already stored unless the store failed, in which case it is
// added here.
func (s *Session) buildMessages(user history.Turn) []llm.Message {
	window := history.NewWindow(s.cfg.HistoryWindow)
	recent, err := s.deps.History.Recent(s.ctx, s.cfg.SessionID, s.cfg.HistoryWindow)
	if err != nil {
		s.logger.WarnTag(tag, "读取历史失败: %v", err)
	}
	window.Append(recent...)
	if n := window.Len(); n == 0 || window.Turns()[n-1].Content != user.Content || window.Turns()[n-1].Role != llm.RoleUser {
		window.Append(user)
	}
	return window.Messages(s.cfg.SystemPrompt)
}

func (s *Session) speak(state State, text string, apology bool) {
	s.setState(state, "")
	phase := s.phase
	s.deps.Bus.Publish(eventbus.EventSpeechStarted, eventbus.SpeechEventData{
		SessionID: s.cfg.SessionID,
		Round:     s.turns,
		Text:      text,
		Apology:   apology,
	})
	if s.deps.Speaker == nil {
		s.post(Event{Type: EventSpeechDone, Text: text, Phase: phase})
		return
	}
	ctx := s.ctx
	go func() {
		ctx, end := observability.StartSpan(ctx, "tts", "speak")
		err := s.deps.Speaker.Speak(ctx, text)
		end(err)
		if err != nil {
			s.logger.WarnTag(tag, "语音播放失败: %v", err)
		}
		// posted even when playback failed
		s.post(Event{Type: EventSpeechDone, Text: text, Phase: phase})
	}()
}

func (s *Session) stopThinking() {
	if s.thinking != nil {
		s.thinking.Stop()
		s.thinking = nil
	}
}

// abort drops the current utterance and returns to Idle. The session stays
// usable; Start or SubmitText begins a new turn.
func (s *Session) abort(reason string) {
	s.stopListening()
	s.setState(StateIdle, reason)
}

func (s *Session) fail(err error) {
	s.failures++
	kind := errors.KindOf(err)
	s.deps.Metrics.Failure(string(kind))
	s.deps.Bus.Publish(eventbus.EventError, errorData(s.cfg.SessionID, err))
}

func (s *Session) shutdown(reason string) {
	if s.ended {
		return
	}
	s.ended = true
	if reason == "" {
		reason = "end"
	}

	s.stopThinking()
	s.stopListening()
	if s.deps.Speaker != nil {
		s.deps.Speaker.Stop()
	}
	s.inFlight = false
	s.setState(StateIdle, reason)

	// the session context is cancelled after this returns, so persist on a
	// fresh one
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.Finish(ctx, s.cfg.SessionID, s.cfg.Now(), s.turns, s.failures, reason); err != nil {
			s.logger.WarnTag(tag, "记录通话结束失败: %v", err)
		}
	}
	s.deps.Metrics.CallEnded()
	s.deps.Bus.Publish(eventbus.EventCallEnded, eventbus.EndedEventData{
		SessionID: s.cfg.SessionID,
		Reason:    reason,
		Turns:     s.turns,
		Failures:  s.failures,
	})
	s.logger.InfoTag(tag, "会话 %s 结束 (%s)，共 %d 轮，失败 %d 次", s.cfg.SessionID, reason, s.turns, s.failures)
}

func errorData(sessionID string, err error) eventbus.ErrorEventData {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return eventbus.ErrorEventData{
		SessionID: sessionID,
		Kind:      string(errors.KindOf(err)),
		Code:      errors.CodeOf(err),
		Message:   msg,
	}
}
