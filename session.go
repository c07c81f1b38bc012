package relay

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/realtime-relay/agents"
	"github.com/bt-bridge/realtime-relay/drift"
	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bt-bridge/realtime-relay/tools"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateSwitching
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateSwitching:
		return "switching"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

const defaultDrainGrace = 3 * time.Second

var errSessionClosing = errors.New("session closing")

// SessionConfig is what a session needs besides its connections. Personas,
// dispatcher and monitor are shared by all sessions.
type SessionConfig struct {
	Primary    *agents.Persona
	Backup     *agents.Persona
	Profile    agents.Profile
	Dispatcher *tools.Dispatcher
	// Monitor may be nil, which disables persona switching.
	Monitor    *drift.Monitor
	DrainGrace time.Duration
}

// responseCalls tracks the tool calls issued by one model response.
type responseCalls struct {
	pending   int
	toServer  int
	responded bool
}

// Session relays one client connection to the model. It owns the transcript
// and the persona state of that connection and nothing else.
type Session struct {
	id     string
	logger shared.LoggerAdapter
	cfg    SessionConfig
	dialer Dialer
	client Conn
	model  Conn
	board  *agents.Switchboard
	state  atomic.Int32

	mu            sync.Mutex
	transcript    []drift.Turn
	issuing       *agents.Persona // persona the model is configured with
	pending       *agents.Persona // persona whose configuration is in flight
	clientSession map[string]any
	responses     map[string]*responseCalls

	// emitMu gates writes issued outside the pumps. Once closing is set no
	// tool result or reconfiguration reaches either peer.
	emitMu  sync.RWMutex
	closing bool

	work        sync.WaitGroup
	workCtx     context.Context
	cancelWork  context.CancelFunc
	driftActive atomic.Bool
	running     atomic.Bool
}

func NewSession(logger shared.LoggerAdapter, client Conn, dialer Dialer, cfg SessionConfig) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if client == nil || dialer == nil {
		return nil, shared.ErrNoEndpoint
	}
	if cfg.Primary == nil || cfg.Backup == nil {
		return nil, shared.ErrNoPersona
	}
	if cfg.Dispatcher == nil {
		return nil, shared.ErrNoConfig
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = defaultDrainGrace
	}

	s := &Session{
		id:        "sess_" + ulid.Make().String(),
		cfg:       cfg,
		dialer:    dialer,
		client:    client,
		issuing:   cfg.Primary,
		responses: make(map[string]*responseCalls),
	}
	s.logger = logger.With(zap.String("session_id", s.id))
	board, err := agents.NewSwitchboard(cfg.Primary, cfg.Backup, s.reconfigure)
	if err != nil {
		return nil, err
	}
	s.board = board
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// ActivePersona returns the name of the persona new configuration uses.
func (s *Session) ActivePersona() string {
	_, p := s.board.Active()
	return p.Name
}

// Transcript returns a copy of the conversation so far.
func (s *Session) Transcript() []drift.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]drift.Turn, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Warn sends an error frame to the client without ending the session.
func (s *Session) Warn(code, message string) error {
	return s.emit(context.Background(), s.client, errorEvent(code, message))
}

// Run connects to the model and relays frames until either peer closes or
// ctx is cancelled. A peer closing cleanly is not an error.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return shared.ErrSessionAlreadyRunning
	}
	s.state.Store(int32(StateConnecting))
	s.workCtx, s.cancelWork = context.WithCancel(ctx)
	defer s.cancelWork()

	if err := s.connect(ctx); err != nil {
		s.logger.Error("connecting session", err)
		_ = s.emit(ctx, s.client, errorEvent("upstream_unavailable", "could not connect to the model"))
		s.beginClosing()
		_ = s.client.Close()
		s.state.Store(int32(StateClosed))
		return err
	}
	s.state.Store(int32(StateActive))
	s.logger.Info("session active", zap.String("persona", s.cfg.Primary.Name))

	pumpCtx, stopPumps := context.WithCancel(ctx)
	defer stopPumps()
	g, gctx := errgroup.WithContext(pumpCtx)
	g.Go(func() error {
		defer stopPumps()
		return s.pumpModel(gctx)
	})
	g.Go(func() error {
		defer stopPumps()
		return s.pumpClient(gctx)
	})
	err := g.Wait()

	s.beginClosing()
	s.drain()
	_ = s.model.Close()
	_ = s.client.Close()
	s.state.Store(int32(StateClosed))

	if err != nil && !isClosed(err) {
		s.logger.Error("session ended", err)
		return err
	}
	s.logger.Info("session closed", zap.Int("turns", len(s.Transcript())))
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	model, err := s.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	s.model = model

	data, err := sessionUpdateEvent(s.sessionSettings(s.cfg.Primary)).Encode()
	if err != nil {
		_ = model.Close()
		return err
	}
	if err := model.WriteFrame(ctx, data); err != nil {
		_ = model.Close()
		return err
	}
	return nil
}

// sessionSettings overlays the persona onto the client's own settings.
func (s *Session) sessionSettings(p *agents.Persona) map[string]any {
	s.mu.Lock()
	settings := maps.Clone(s.clientSession)
	s.mu.Unlock()
	if settings == nil {
		settings = map[string]any{}
	}
	settings["instructions"] = p.SystemMessage(s.cfg.Profile)
	settings["tools"] = p.Registry.Schemas()
	settings["tool_choice"] = "auto"
	return settings
}

func (s *Session) pumpModel(ctx context.Context) error {
	for {
		data, err := s.model.ReadFrame(ctx)
		if err != nil {
			return err
		}
		e, err := DecodeEvent(data)
		if err != nil {
			return err
		}
		forward, err := s.handleModelEvent(ctx, e)
		if err != nil {
			return err
		}
		if forward {
			if err := s.client.WriteFrame(ctx, e.Raw); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleModelEvent(ctx context.Context, e *Event) (forward bool, err error) {
	switch p := e.Param.(type) {
	case *EventParamItem:
		if e.Type == EventTypeResponseOutputItemDone {
			if call, ok := p.FunctionCall(); ok {
				s.startDispatch(p.ResponseId, call)
				return false, nil
			}
		}
		return !p.IsToolTraffic(), nil
	case *EventParamResponseDone:
		s.responseDone(ctx, p.ResponseId())
		return true, nil
	case *EventParamSession:
		if e.Type == EventTypeSessionUpdated {
			s.configAcked()
		}
		return true, nil
	case *EventParamTranscript:
		role := drift.RoleAssistant
		if e.Type == EventTypeInputAudioTranscriptionCompleted {
			role = drift.RoleUser
		}
		s.addTurn(drift.Turn{Role: role, Text: p.Text})
		return true, nil
	case *EventParamError:
		s.logger.Warn("model reported an error", zap.String("code", p.Code), zap.String("message", p.Message))
		return true, nil
	}
	switch e.Type {
	case EventTypeFunctionCallArgumentsDelta, EventTypeFunctionCallArgumentsDone:
		return false, nil
	}
	return true, nil
}

func (s *Session) pumpClient(ctx context.Context) error {
	for {
		data, err := s.client.ReadFrame(ctx)
		if err != nil {
			return err
		}
		e, err := DecodeEvent(data)
		if err != nil {
			return err
		}
		switch p := e.Param.(type) {
		case *EventParamSession:
			if e.Type == EventTypeSessionUpdate {
				if err := s.clientSessionUpdate(ctx, e, p); err != nil {
					return err
				}
				continue
			}
		case *EventParamResponseCreate:
			if p.stripPersona() {
				s.logger.Warn("dropped persona overrides from client response.create")
				data, err := e.Encode()
				if err != nil {
					return err
				}
				if err := s.model.WriteFrame(ctx, data); err != nil {
					return err
				}
				continue
			}
		case *EventParamItem:
			if text, ok := p.UserText(); ok {
				s.addTurn(drift.Turn{Role: drift.RoleUser, Text: text})
			}
		}
		if err := s.model.WriteFrame(ctx, e.Raw); err != nil {
			return err
		}
	}
}

// clientSessionUpdate keeps the client's settings but never lets the client
// override the persona's instructions or tools.
func (s *Session) clientSessionUpdate(ctx context.Context, e *Event, p *EventParamSession) error {
	s.mu.Lock()
	s.clientSession = maps.Clone(p.Session)
	s.mu.Unlock()

	_, persona := s.board.Active()
	out := sessionUpdateEvent(s.sessionSettings(persona))
	out.EventId = e.EventId
	data, err := out.Encode()
	if err != nil {
		return err
	}
	return s.model.WriteFrame(ctx, data)
}

func (s *Session) startDispatch(responseID string, call tools.Call) {
	s.mu.Lock()
	persona := s.issuing
	rc := s.responses[responseID]
	if rc == nil {
		rc = &responseCalls{}
		s.responses[responseID] = rc
	}
	rc.pending++
	s.mu.Unlock()

	s.work.Add(1)
	go func() {
		defer s.work.Done()
		res, err := s.cfg.Dispatcher.Dispatch(s.workCtx, persona.Registry, call)
		if s.workCtx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("tool call failed", zap.String("call_id", call.ID), zap.String("tool", call.Name), zap.Error(err))
		}
		s.deliver(responseID, call, res)
	}()
}

func (s *Session) deliver(responseID string, call tools.Call, res tools.Result) {
	var (
		err      error
		toServer bool
	)
	switch r := res.(type) {
	case tools.ToServer:
		toServer = true
		err = s.emit(s.workCtx, s.model, functionCallOutputEvent(call.ID, r.Output))
	case tools.ToClient:
		err = s.emit(s.workCtx, s.client, toolResultEvent(call.ID, call.Name, r.Output))
	default:
		err = fmt.Errorf("unexpected tool result %T", res)
	}
	if err != nil {
		if !errors.Is(err, errSessionClosing) {
			s.logger.Error("delivering tool result", err, zap.String("call_id", call.ID))
		}
		return
	}

	s.mu.Lock()
	rc := s.responses[responseID]
	rc.pending--
	if toServer {
		rc.toServer++
	}
	ready := rc.responded && rc.pending == 0
	if ready {
		delete(s.responses, responseID)
	}
	s.mu.Unlock()

	if ready && rc.toServer > 0 {
		s.continueResponse()
	}
}

// responseDone marks the end of a model turn. Once every server-bound result
// of the turn is in, the model is asked to continue.
func (s *Session) responseDone(ctx context.Context, responseID string) {
	s.mu.Lock()
	rc := s.responses[responseID]
	if rc == nil {
		s.mu.Unlock()
		return
	}
	rc.responded = true
	ready := rc.pending == 0
	if ready {
		delete(s.responses, responseID)
	}
	s.mu.Unlock()

	if ready && rc.toServer > 0 {
		s.continueResponse()
	}
}

func (s *Session) continueResponse() {
	if err := s.emit(s.workCtx, s.model, responseCreateEvent()); err != nil && !errors.Is(err, errSessionClosing) {
		s.logger.Error("requesting response", err)
	}
}

func (s *Session) addTurn(t drift.Turn) {
	if t.Text == "" {
		return
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, t)
	n := len(s.transcript)
	s.mu.Unlock()

	m := s.cfg.Monitor
	if m == nil || !m.Due(n) {
		return
	}
	if slot, _ := s.board.Active(); slot == agents.Backup {
		return
	}
	if !s.driftActive.CompareAndSwap(false, true) {
		return
	}
	turns := s.Transcript()
	s.work.Add(1)
	go func() {
		defer s.work.Done()
		defer s.driftActive.Store(false)
		s.evaluateDrift(turns)
	}()
}

func (s *Session) evaluateDrift(turns []drift.Turn) {
	_, persona := s.board.Active()
	verdict := s.cfg.Monitor.Evaluate(s.workCtx, drift.Request{
		PersonaID:  persona.Name,
		Competence: persona.Competence,
		Target:     s.cfg.Backup.Name,
		Window:     turns,
	})
	switched, err := s.board.SwitchIfNeeded(s.workCtx, verdict)
	if err != nil {
		if !errors.Is(err, errSessionClosing) {
			s.logger.Error("switching persona", err)
		}
		return
	}
	if switched {
		s.logger.Info("persona switched", zap.String("from", persona.Name), zap.String("to", s.ActivePersona()))
	}
}

// reconfigure sends the new persona to the model. Calls already issued keep
// resolving against the previous persona until the model acknowledges.
func (s *Session) reconfigure(ctx context.Context, p *agents.Persona) error {
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()
	s.state.CompareAndSwap(int32(StateActive), int32(StateSwitching))
	if err := s.emit(ctx, s.model, sessionUpdateEvent(s.sessionSettings(p))); err != nil {
		s.mu.Lock()
		if s.pending == p {
			s.pending = nil
		}
		s.mu.Unlock()
		s.state.CompareAndSwap(int32(StateSwitching), int32(StateActive))
		return err
	}
	return nil
}

func (s *Session) configAcked() {
	s.mu.Lock()
	if s.pending != nil {
		s.issuing = s.pending
		s.pending = nil
	}
	s.mu.Unlock()
	s.state.CompareAndSwap(int32(StateSwitching), int32(StateActive))
}

func (s *Session) emit(ctx context.Context, conn Conn, e *Event) error {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.closing {
		return errSessionClosing
	}
	data, err := e.Encode()
	if err != nil {
		return err
	}
	return conn.WriteFrame(ctx, data)
}

func (s *Session) beginClosing() {
	s.emitMu.Lock()
	s.closing = true
	s.emitMu.Unlock()
	s.state.Store(int32(StateClosing))
}

// drain waits for in-flight dispatches and drift checks, cancelling them
// once the grace period is over.
func (s *Session) drain() {
	done := make(chan struct{})
	go func() {
		s.work.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.DrainGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("grace period over, cancelling in-flight work")
		s.cancelWork()
		<-done
	}
}
