package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/dapper-dbg/dapper/util/ioset"
)

// defaultLaunchDeadline bounds how long the Lifecycle component waits
// for a spawned engine process to connect back over C2.
const defaultLaunchDeadline = 30 * time.Second

// selfTestMode reports whether DEBUG_SELFTEST_MODE is set:
// in that mode the Lifecycle component wires the external backend
// through an in-memory net.Pipe() instead of a real OS transport, so
// the module's own tests never touch a filesystem socket or a real
// subprocess.
func selfTestMode() bool {
	return os.Getenv("DEBUG_SELFTEST_MODE") != ""
}

// LaunchConfig is the concrete shape dapper expects in a "launch"
// request's arguments object. Unlike docker-buildx's generic
// Adapter[C] (_examples/docker-buildx/dap/adapter.go), dapper fixes
// this shape rather than leaving it type-parameterized, since the
// session's Configuration already names every field it needs.
type LaunchConfig struct {
	Program                     string            `json:"program"`
	Module                      string            `json:"module"`
	Args                        []string          `json:"args"`
	Cwd                         string            `json:"cwd"`
	Env                         map[string]string `json:"env"`
	StopOnEntry                 bool              `json:"stopOnEntry"`
	JustMyCode                  bool              `json:"justMyCode"`
	SubprocessAutoAttach        bool              `json:"subprocessAutoAttach"`
	StrictExpressionWatchPolicy bool              `json:"strictExpressionWatchPolicy"`
	SessionID                   string            `json:"sessionId"`
}

// AttachConfig is the "attach" request's argument shape: there is no
// program/module to spawn, only a session to join.
type AttachConfig struct {
	SessionID string `json:"sessionId"`
}

// lifecycleManager implements C9: launch/attach/restart/
// disconnect/terminate and the transport/process cleanup that goes
// with them. It is owned by, and only ever called from, the Session
// it is constructed with.
type lifecycleManager struct {
	s *Session

	mu          sync.Mutex
	mux         *Multiplexer
	cmd         *exec.Cmd
	outFwd      *ioset.SingleForwarder
	errFwd      *ioset.SingleForwarder
	isAttach    bool
	hasLaunched bool
}

func newLifecycleManager(s *Session) *lifecycleManager {
	return &lifecycleManager{s: s}
}

// applyLaunchConfig merges a parsed LaunchConfig into the session's
// Configuration, recording it for restart replay.
func (s *Session) applyLaunchConfig(lc LaunchConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Program = lc.Program
	s.cfg.Module = lc.Module
	s.cfg.Args = lc.Args
	s.cfg.Cwd = lc.Cwd
	s.cfg.Env = lc.Env
	s.cfg.StopOnEntry = lc.StopOnEntry
	s.cfg.JustMyCode = lc.JustMyCode
	s.cfg.SubprocessAutoAttach = lc.SubprocessAutoAttach
	s.cfg.StrictExpressionWatchPolicy = lc.StrictExpressionWatchPolicy
	if lc.SessionID != "" {
		s.cfg.SessionID = lc.SessionID
	}
}

func (s *Session) config() Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// emitProcess schedules a "process" event; unlike the other Emit
// cases in session.go, the Lifecycle component raises this itself
// once the engine is reachable, rather than relaying an Engine event.
func (s *Session) emitProcess(name string, pid int, startMethod string) {
	s.server.Go(func(c Context) {
		c.C() <- &dap.ProcessEvent{
			Event: dap.Event{Event: "process"},
			Body: dap.ProcessEventBody{
				Name:            name,
				SystemProcessId: pid,
				StartMethod:     startMethod,
				IsLocalProcess:  true,
			},
		}
	})
}

func (l *lifecycleManager) handleLaunch(c Context, req *dap.LaunchRequest, resp *dap.LaunchResponse) error {
	s := l.s
	if err := s.transition(StateInitialized, StateConfiguring); err != nil {
		return err
	}

	var lc LaunchConfig
	if len(req.Arguments) > 0 {
		if err := json.Unmarshal(req.Arguments, &lc); err != nil {
			s.setState(StateInitialized)
			return newError(KindConfiguration, "malformed launch arguments", err)
		}
	}
	s.applyLaunchConfig(lc)
	if lc.Program == "" && lc.Module == "" && !s.cfg.InProcess {
		s.setState(StateInitialized)
		return newError(KindConfiguration, "launch requires program or module", nil)
	}

	l.isAttach = false
	if err := l.start(c); err != nil {
		s.setState(StateInitialized)
		return err
	}
	l.hasLaunched = true
	return nil
}

func (l *lifecycleManager) handleAttach(c Context, req *dap.AttachRequest, resp *dap.AttachResponse) error {
	s := l.s
	if err := s.transition(StateInitialized, StateConfiguring); err != nil {
		return err
	}

	var ac AttachConfig
	if len(req.Arguments) > 0 {
		if err := json.Unmarshal(req.Arguments, &ac); err != nil {
			s.setState(StateInitialized)
			return newError(KindConfiguration, "malformed attach arguments", err)
		}
	}
	if ac.SessionID != "" {
		s.mu.Lock()
		s.cfg.SessionID = ac.SessionID
		s.mu.Unlock()
	}

	if s.config().InProcess {
		s.setState(StateInitialized)
		return newError(KindConfiguration, "attach is not supported in in-process mode", nil)
	}

	l.isAttach = true
	if err := l.start(c); err != nil {
		s.setState(StateInitialized)
		return err
	}
	l.hasLaunched = true
	return nil
}

// start opens the bound Engine, either by constructing the in-process
// backend directly or by opening a C2 listener and (for launch) a
// child engine process that dials back into it.
func (l *lifecycleManager) start(c Context) error {
	s := l.s
	cfg := s.config()

	if cfg.InProcess {
		if cfg.InProcessFactory == nil {
			return newError(KindConfiguration, "in-process mode requires Configuration.InProcessFactory", nil)
		}
		inner := cfg.InProcessFactory()
		if binder, ok := inner.(interface{ BindTraceDelegate(TraceDelegate) }); ok {
			binder.BindTraceDelegate(s)
		}
		s.engine = NewInProcessEngine(inner, s, s)
		s.emitProcess(effectiveTarget(cfg), os.Getpid(), startMethod(l.isAttach))
		return nil
	}

	transport := cfg.Transport
	if transport == "" {
		transport = ChooseTransport(cfg.SessionID)
	}

	if selfTestMode() {
		return l.startSelfTest(c, cfg, transport)
	}
	return l.startSubprocess(c, cfg, transport)
}

func effectiveTarget(cfg Configuration) string {
	if cfg.Program != "" {
		return cfg.Program
	}
	return cfg.Module
}

func startMethod(attach bool) string {
	if attach {
		return "attach"
	}
	return "launch"
}

// startSubprocess implements the real-transport path: open a listener,
// spawn the engine (for launch) or simply wait for it to connect (for
// attach), relay its stdio into "output" events, and hand the accepted
// connection to the external backend.
func (l *lifecycleManager) startSubprocess(c Context, cfg Configuration, transport TransportKind) error {
	s := l.s

	mux, endpoint, err := Listen(transport)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.mux = mux
	l.mu.Unlock()

	var cmd *exec.Cmd
	if !l.isAttach {
		cmd, err = l.spawnEngine(cfg, endpoint)
		if err != nil {
			mux.Close()
			return err
		}
	} else {
		logrus.WithField("endpoint", endpoint.Address).Info("dapper: waiting for engine to attach")
	}

	acceptCtx, cancel := context.WithTimeout(context.Background(), defaultLaunchDeadline)
	defer cancel()
	if err := mux.Accept(acceptCtx); err != nil {
		l.killChild()
		mux.Close()
		return err
	}

	r, err := mux.Reader()
	if err != nil {
		l.killChild()
		mux.Close()
		return err
	}

	ext := NewExternalEngine(mux, s, s)
	s.engine = ext
	go func() {
		if err := ext.Run(context.Background(), r); err != nil {
			logrus.WithError(err).Debug("dapper: engine reader loop exited")
		}
	}()

	pid := 0
	if cmd != nil && cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	s.emitProcess(effectiveTarget(cfg), pid, startMethod(l.isAttach))
	return nil
}

// startSelfTest wires the external backend through a net.Pipe() pair
// instead of a real listener/subprocess:
// one end is handed to the external backend exactly as Accept would,
// the other is passed to cfg.SelfTestEngine (when set), which serves
// the engine side of the connection.
func (l *lifecycleManager) startSelfTest(c Context, cfg Configuration, transport TransportKind) error {
	s := l.s

	coreConn, engineConn := net.Pipe()

	mux := &Multiplexer{kind: transport}
	mux.conn = coreConn

	l.mu.Lock()
	l.mux = mux
	l.mu.Unlock()

	r, err := mux.Reader()
	if err != nil {
		return err
	}

	ext := NewExternalEngine(mux, s, s)
	s.engine = ext
	go func() {
		if err := ext.Run(context.Background(), r); err != nil {
			logrus.WithError(err).Debug("dapper: self-test engine reader loop exited")
		}
	}()

	if cfg.SelfTestEngine != nil {
		go cfg.SelfTestEngine(engineConn)
	}

	s.emitProcess(effectiveTarget(cfg), 0, startMethod(l.isAttach))
	return nil
}

// spawnEngine re-execs the current binary with the "engine" subcommand
// (cmd/dapper), the same self-reexec pattern docker-buildx uses to
// spawn its attach helper (_examples/docker-buildx/dap/eval.go's
// t.Exec, which re-invokes `docker buildx dap attach <socket>`).
func (l *lifecycleManager) spawnEngine(cfg Configuration, endpoint Endpoint) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	args := []string{"engine", "--transport", string(endpoint.Kind), "--endpoint", endpoint.Address}
	if cfg.Program != "" {
		args = append(args, "--program", cfg.Program)
	}
	if cfg.Module != "" {
		args = append(args, "--module", cfg.Module)
	}
	if cfg.StopOnEntry {
		args = append(args, "--stop-on-entry")
	}
	if cfg.JustMyCode {
		args = append(args, "--just-my-code")
	}
	if cfg.SubprocessAutoAttach {
		args = append(args, "--subprocess-auto-attach")
	}
	if cfg.StrictExpressionWatchPolicy {
		args = append(args, "--strict-expression-watch-policy")
	}
	if cfg.SessionID != "" {
		args = append(args, "--session-id", cfg.SessionID)
	}
	args = append(args, cfg.Args...)

	cmd := exec.Command(self, args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, newFatalError(KindConfiguration, "open engine stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, newFatalError(KindConfiguration, "open engine stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, newFatalError(KindConfiguration, "spawn engine process", err)
	}

	outFwd := ioset.NewSingleForwarder()
	outFwd.SetWriter(&sessionOutputWriter{s: l.s, category: "stdout"}, func() io.WriteCloser { return nil })
	outFwd.SetReader(stdout)

	errFwd := ioset.NewSingleForwarder()
	errFwd.SetWriter(&sessionOutputWriter{s: l.s, category: "stderr"}, func() io.WriteCloser { return nil })
	errFwd.SetReader(stderr)

	l.mu.Lock()
	l.cmd = cmd
	l.outFwd = outFwd
	l.errFwd = errFwd
	l.mu.Unlock()

	return cmd, nil
}

// sessionOutputWriter adapts Session.emitOutput to io.WriteCloser so
// it can be used as an ioset.SingleForwarder destination.
type sessionOutputWriter struct {
	s        *Session
	category string
}

func (w *sessionOutputWriter) Write(p []byte) (int, error) {
	w.s.emitOutput(w.category, string(p))
	return len(p), nil
}

func (w *sessionOutputWriter) Close() error { return nil }

func (l *lifecycleManager) killChild() {
	l.mu.Lock()
	cmd := l.cmd
	l.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// teardown releases the transport, forwarders, and (if
// terminateDebuggee) the spawned child process. It never touches
// Session state; callers decide the resulting state transition.
func (l *lifecycleManager) teardown(terminateDebuggee bool) {
	l.mu.Lock()
	mux, outFwd, errFwd, cmd := l.mux, l.outFwd, l.errFwd, l.cmd
	l.mux, l.outFwd, l.errFwd = nil, nil, nil
	if terminateDebuggee {
		l.cmd = nil
	}
	l.mu.Unlock()

	if outFwd != nil {
		outFwd.Close()
	}
	if errFwd != nil {
		errFwd.Close()
	}
	if mux != nil {
		mux.Close()
	}
	if terminateDebuggee && cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (l *lifecycleManager) handleDisconnect(c Context, req *dap.DisconnectRequest, resp *dap.DisconnectResponse) error {
	s := l.s
	s.setState(StateTerminating)

	terminateDebuggee := req.Arguments.TerminateDebuggee
	if s.engine != nil {
		_ = s.engine.Disconnect(c, terminateDebuggee)
	}
	// In-process mode must never exit the hosting process on disconnect
	//: teardown only releases the external-mode transport
	// and child, which are nil in that mode, so this call is a no-op
	// for in-process sessions regardless of terminateDebuggee.
	l.teardown(terminateDebuggee)

	s.breakpoints = NewBreakpointStore()
	s.vars.Reset()
	s.setState(StateTerminated)
	return nil
}

func (l *lifecycleManager) handleTerminate(c Context, req *dap.TerminateRequest, resp *dap.TerminateResponse) error {
	s := l.s
	s.setState(StateTerminating)

	cfg := s.config()
	if s.engine != nil {
		_ = s.engine.Disconnect(c, !cfg.InProcess)
	}
	l.teardown(!cfg.InProcess)

	s.setState(StateTerminated)
	s.server.Go(func(c Context) {
		c.C() <- &dap.TerminatedEvent{Event: dap.Event{Event: "terminated"}}
	})
	return nil
}

// handleRestart replays the stored Configuration: tear down the
// current engine/transport/child without resetting breakpoints (spec
// §4.9 — restart is "terminate the debuggee, then relaunch", not a
// fresh session), then start again.
func (l *lifecycleManager) handleRestart(c Context, req *dap.RestartRequest, resp *dap.RestartResponse) error {
	s := l.s
	if err := s.requireAny(StateConfiguring, StateRunning, StateStopped, StateTerminating, StateTerminated); err != nil {
		return err
	}
	if !l.hasLaunched {
		return newError(KindProtocol, "restart requires a prior launch or attach", nil)
	}

	cfg := s.config()
	if s.engine != nil {
		_ = s.engine.Disconnect(c, !cfg.InProcess)
	}
	l.teardown(!cfg.InProcess)

	s.setState(StateConfiguring)
	if err := l.start(c); err != nil {
		s.setState(StateTerminated)
		return err
	}
	return nil
}
