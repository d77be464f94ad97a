package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/duraloop/duraloop/pkg/models"
)

// completionLogTail is the max bytes of log output folded into a
// completion callback message, matching the Rust original's
// COMPLETION_LOG_TAIL constant.
const completionLogTail = 2000

// defaultCleanupAge is how long a terminal process's files remain on
// disk before periodic cleanup removes them, matching the Rust
// original's DEFAULT_CLEANUP_AGE_SECS.
const defaultCleanupAge = 30 * time.Minute

// SpawnRequest is the Spawn API input from the design
type SpawnRequest struct {
	Command string
	WorkDir string
	Wait bool
	Interactive bool
	Label string
	TimeoutSecs int
	SessionID string
	AgentName string
	GatewayID string
	ChatID string
}

// SpawnResult is either a Spawned (async) or Waited (sync) outcome.
type SpawnResult struct {
	Handle string
	TTYSession string
	PID int
	Status models.ProcessStatus

	Waited bool
	ExitCode int
	CapturedOutput string
	DurationSecs float64
}

type entry struct {
	mu sync.Mutex
	meta *models.ProcessMeta
	cancel context.CancelFunc
	stdin io.WriteCloser // subprocess path only
	stdinMu sync.Mutex // serializes WriteInput calls on stdin
}

// Registry is the concurrency-safe, durable state machine over process
// handles described in the design, supporting both plain subprocesses
// and tmux-backed interactive sessions.
type Registry struct {
	logDir string
	meta *MetaStore
	tmux Tmux
	useTmux bool

	dispatcher CompletionDispatcher
	gateway GatewaySender
	metrics MetricsSink

	mu sync.Mutex
	entries map[string]*entry
}

// MetricsSink receives process lifecycle counters. The registry core
// depends only on this narrow shape, matching the CompletionDispatcher/
// GatewaySender pattern, so it never imports the observability package
// directly.
type MetricsSink interface {
	RecordSpawn(interactive bool)
	RecordCompletion(status models.ProcessStatus)
}

type noopMetricsSink struct{}

func (noopMetricsSink) RecordSpawn(bool) {}
func (noopMetricsSink) RecordCompletion(models.ProcessStatus) {}

func NewRegistry(logDir string, meta *MetaStore, dispatcher CompletionDispatcher, gateway GatewaySender) *Registry {
	if gateway == nil {
		gateway = NoopGatewaySender{}
	}
	return &Registry{
		logDir: logDir,
		meta: meta,
		dispatcher: dispatcher,
		gateway: gateway,
		metrics: noopMetricsSink{},
		entries: make(map[string]*entry),
	}
}

// SetMetrics attaches a MetricsSink; call once at startup before Spawn
// is first used. Safe to skip — the registry otherwise records nothing.
func (r *Registry) SetMetrics(m MetricsSink) {
	if m != nil {
		r.metrics = m
	}
}

// DetectTmux probes for tmux availability and enables the interactive
// path if found; call once at startup.
func (r *Registry) DetectTmux(ctx context.Context) {
	r.useTmux = DetectTmux(ctx)
}

func (r *Registry) logPath(handle string) string {
	return filepath.Join(r.logDir, handle+".log")
}

// Spawn implements Spawn API.
func (r *Registry) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	handle := ulid.Make().String()
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("process: create log dir: %w", err)
	}
	logPath := r.logPath(handle)

	meta := &models.ProcessMeta{
		Handle: handle,
		Command: req.Command,
		Label: req.Label,
		WorkDir: req.WorkDir,
		SessionID: req.SessionID,
		AgentName: req.AgentName,
		Status: models.ProcessRunning,
		LogPath: logPath,
		SpawnedAt: time.Now().UTC(),
		TimeoutSecs: req.TimeoutSecs,
		GatewayID: req.GatewayID,
		ChatID: req.ChatID,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e := &entry{meta: meta, cancel: cancel}

	var stdin io.WriteCloser
	var cmd *exec.Cmd

	if req.Interactive && r.useTmux {
		tmuxName := "duraloop-" + handle
		meta.TmuxSession = tmuxName
		if err := r.tmux.CreateSession(ctx, tmuxName, req.Command, logPath, req.WorkDir, true); err != nil {
			cancel()
			return nil, err
		}
	} else {
		var err error
		cmd, stdin, err = r.startSubprocess(runCtx, req, logPath)
		if err != nil {
			cancel()
			return nil, err
		}
		meta.PID = cmd.Process.Pid
		e.stdin = stdin
	}

	if err := r.meta.Save(meta); err != nil {
		cancel()
		return nil, err
	}

	r.mu.Lock()
	r.entries[handle] = e
	r.mu.Unlock()

	r.metrics.RecordSpawn(req.Interactive && r.useTmux)

	if req.Wait {
		return r.waitSync(runCtx, e, cmd, req)
	}

	go r.monitor(runCtx, e, cmd, req)

	return &SpawnResult{Handle: handle, TTYSession: meta.TmuxSession, PID: meta.PID, Status: models.ProcessRunning}, nil
}

func (r *Registry) startSubprocess(ctx context.Context, req SpawnRequest, logPath string) (*exec.Cmd, io.WriteCloser, error) {
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, nil, fmt.Errorf("process: create log file: %w", err)
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", req.Command)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setPlatformProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		logFile.Close()
		return nil, nil, fmt.Errorf("process: stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, nil, fmt.Errorf("process: start: %w", err)
	}

	go func() {
		<-ctx.Done()
		logFile.Close()
	}()

	return cmd, stdin, nil
}

// waitSync drives a spawn to completion synchronously, 
// step 5's `wait` branch.
func (r *Registry) waitSync(ctx context.Context, e *entry, cmd *exec.Cmd, req SpawnRequest) (*SpawnResult, error) {
	start := time.Now()
	status, exitCode := r.runToCompletion(ctx, e, cmd, req)
	duration := time.Since(start).Seconds()

	output, _ := os.ReadFile(e.meta.LogPath)
	return &SpawnResult{
		Handle: e.meta.Handle,
		Waited: true,
		Status: status,
		ExitCode: exitCode,
		CapturedOutput: string(output),
		DurationSecs: duration,
	}, nil
}

// monitor drives a spawned process to completion in the background and
// fires the completion callback. Interactive tmux handles also get a
// ScreenWatcher alongside the completion wait, so a session that is
// still running but has gone quiet gets a screen-halted callback
// instead of waiting silently for Recover to find it on the next
// restart.
func (r *Registry) monitor(ctx context.Context, e *entry, cmd *exec.Cmd, req SpawnRequest) {
	if e.meta.TmuxSession != "" {
		watcher := DefaultScreenWatcher()
		go watcher.Watch(ctx, e.meta.LogPath, func() bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			return !e.meta.Status.Terminal()
		}, func() {
			r.fireScreenHaltedCallback(context.Background(), e.meta)
		})
	}

	r.runToCompletion(ctx, e, cmd, req)
	r.fireCompletionCallback(context.Background(), e.meta)
}

// runToCompletion waits for a subprocess or tmux session to finish (or
// time out), marks the terminal status, and persists it, returning the
// final status and exit code.
func (r *Registry) runToCompletion(ctx context.Context, e *entry, cmd *exec.Cmd, req SpawnRequest) (models.ProcessStatus, int) {
	var timeout <-chan time.Time
	if req.TimeoutSecs > 0 {
		timer := time.NewTimer(time.Duration(req.TimeoutSecs) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}

	if cmd != nil {
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		select {
		case err := <-done:
			if err == nil {
				return r.markTerminal(e, models.ProcessCompleted, intPtr(0)), 0
			}
			if exitErr, ok := err.(*exec.ExitError); ok {
				code := exitErr.ExitCode()
				return r.markTerminal(e, models.ProcessFailed, intPtr(code)), code
			}
			return r.markTerminal(e, models.ProcessFailed, intPtr(-1)), -1
		case <-timeout:
			gracefulKill(cmd)
			<-done
			return r.markTerminal(e, models.ProcessTimedOut, nil), -1
		case <-ctx.Done():
			<-done
			return e.meta.Status, -1
		}
	}

	// Tmux path: poll has-session.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !r.tmux.HasSession(context.Background(), e.meta.TmuxSession) {
				content, _ := os.ReadFile(e.meta.LogPath)
				code, ok := ParseExitCodeFromLog(string(content))
				if !ok {
					return r.markTerminal(e, models.ProcessFailed, intPtr(-1)), -1
				}
				status := models.ProcessCompleted
				if code != 0 {
					status = models.ProcessFailed
				}
				return r.markTerminal(e, status, intPtr(code)), code
			}
		case <-timeout:
			r.tmux.KillSession(context.Background(), e.meta.TmuxSession)
			return r.markTerminal(e, models.ProcessTimedOut, nil), -1
		case <-ctx.Done():
			return e.meta.Status, -1
		}
	}
}

func gracefulKill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
	}
}

// markTerminal updates status only if it is currently non-terminal, so
// a preemptive Kill() always wins over a monitor's own completion
// observation, mark_* rule.
func (r *Registry) markTerminal(e *entry, status models.ProcessStatus, exitCode *int) models.ProcessStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.meta.Status.Terminal() {
		return e.meta.Status
	}
	now := time.Now().UTC()
	e.meta.Status = status
	e.meta.ExitCode = exitCode
	e.meta.CompletedAt = &now
	_ = r.meta.Save(e.meta)
	r.metrics.RecordCompletion(status)
	return status
}

func intPtr(n int) *int { return &n }

// Kill atomically marks Killed and cancels the handle's run context.
// Killing a handle that is already terminal (completed, failed, timed
// out, or previously killed) returns ErrNotRunning instead of
// repeating the transition.
func (r *Registry) Kill(handle string) error {
	r.mu.Lock()
	e, ok := r.entries[handle]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("process: unknown handle %q", handle)
	}

	e.mu.Lock()
	alreadyTerminal := e.meta.Status.Terminal()
	e.mu.Unlock()

	r.markTerminal(e, models.ProcessKilled, nil)

	e.mu.Lock()
	cancel := e.cancel
	tmuxSession := e.meta.TmuxSession
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tmuxSession != "" {
		r.tmux.KillSession(context.Background(), tmuxSession)
	}

	if alreadyTerminal {
		return ErrNotRunning
	}
	return nil
}

// Capture snapshots a tmux handle's pane.
func (r *Registry) Capture(ctx context.Context, handle string) (string, error) {
	e, err := r.get(handle)
	if err != nil {
		return "", err
	}
	if e.meta.TmuxSession == "" {
		return "", fmt.Errorf("process: handle %q is not interactive", handle)
	}
	return r.tmux.CapturePane(ctx, e.meta.TmuxSession)
}

func (r *Registry) SendKeys(ctx context.Context, handle, keys string, pressEnter bool) error {
	e, err := r.get(handle)
	if err != nil {
		return err
	}
	return r.tmux.SendKeys(ctx, e.meta.TmuxSession, keys, pressEnter)
}

func (r *Registry) SendLiteral(ctx context.Context, handle, text string, pressEnter bool) error {
	e, err := r.get(handle)
	if err != nil {
		return err
	}
	return r.tmux.SendLiteral(ctx, e.meta.TmuxSession, text, pressEnter)
}

// WriteInput implements write_input: tmux handles route
// through send_literal (Enter iff text ends with "\n"); subprocess
// handles serialize writes via a per-handle lock directly to stdin.
func (r *Registry) WriteInput(ctx context.Context, handle, text string) error {
	e, err := r.get(handle)
	if err != nil {
		return err
	}

	if e.meta.TmuxSession != "" {
		pressEnter := len(text) > 0 && text[len(text)-1] == '\n'
		if pressEnter {
			text = text[:len(text)-1]
		}
		return r.tmux.SendLiteral(ctx, e.meta.TmuxSession, text, pressEnter)
	}

	e.mu.Lock()
	stdin := e.stdin
	e.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("process: handle %q has no stdin", handle)
	}
	e.stdinMu.Lock()
	defer e.stdinMu.Unlock()
	if _, err := stdin.Write([]byte(text)); err != nil {
		return fmt.Errorf("process: write stdin: %w", err)
	}
	if f, ok := stdin.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
	return nil
}

func (r *Registry) get(handle string) (*entry, error) {
	r.mu.Lock()
	e, ok := r.entries[handle]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("process: unknown handle %q", handle)
	}
	return e, nil
}

// fireCompletionCallback builds the user-visible completion message and
// routes it : steer a running loop, or fall through to a
// fresh loop via the dispatcher.
func (r *Registry) fireCompletionCallback(ctx context.Context, meta *models.ProcessMeta) {
	if meta.SessionID == "" || r.dispatcher == nil {
		return
	}
	text := r.buildCompletionMessage(meta)
	_ = r.dispatcher.Deliver(ctx, meta.SessionID, text)
	if meta.GatewayID != "" && meta.ChatID != "" {
		_ = r.gateway.SendMessage(ctx, meta.GatewayID, meta.ChatID, text)
	}
}

// fireScreenHaltedCallback notifies a session that its interactive
// process has gone quiet while still running, routed the same way as
// a completion: steer a running loop, or fall through to a fresh one
// via the dispatcher, plus an optional gateway notification.
func (r *Registry) fireScreenHaltedCallback(ctx context.Context, meta *models.ProcessMeta) {
	if meta.SessionID == "" || r.dispatcher == nil {
		return
	}
	text := r.buildScreenHaltedMessage(meta)
	_ = r.dispatcher.Deliver(ctx, meta.SessionID, text)
	if meta.GatewayID != "" && meta.ChatID != "" {
		_ = r.gateway.SendMessage(ctx, meta.GatewayID, meta.ChatID, text)
	}
}

func (r *Registry) buildScreenHaltedMessage(meta *models.ProcessMeta) string {
	tail := tailUTF8Safe(readFileBestEffort(meta.LogPath), completionLogTail)
	return fmt.Sprintf("Process %s (%s) is still running but has produced no output for a while; it may be waiting on input.\n\n%s",
		meta.Handle, meta.Label, tail)
}

func (r *Registry) buildCompletionMessage(meta *models.ProcessMeta) string {
	tail := tailUTF8Safe(readFileBestEffort(meta.LogPath), completionLogTail)
	duration := ""
	if meta.CompletedAt != nil {
		duration = meta.CompletedAt.Sub(meta.SpawnedAt).String()
	}
	exitCode := "unknown"
	if meta.ExitCode != nil {
		exitCode = fmt.Sprintf("%d", *meta.ExitCode)
	}
	return fmt.Sprintf("Process %s (%s) finished: status=%s exit_code=%s duration=%s\n\n%s",
		meta.Handle, meta.Label, meta.Status, exitCode, duration, tail)
}

func readFileBestEffort(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// tailUTF8Safe returns at most the last n bytes of s, adjusting the cut
// point forward until it lands on a valid rune boundary.
func tailUTF8Safe(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

// Recover scans the meta directory on startup: non-terminal handles
// whose tmux session still exists are re-adopted with a fresh monitor;
// everything else is marked Lost and its completion callback fires,
// Recovery section.
func (r *Registry) Recover(ctx context.Context) error {
	metas, err := r.meta.LoadAll()
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if meta.Status.Terminal() {
			continue
		}

		if meta.TmuxSession != "" && r.tmux.HasSession(ctx, meta.TmuxSession) {
			runCtx, cancel := context.WithCancel(context.Background())
			e := &entry{meta: meta, cancel: cancel}
			r.mu.Lock()
			r.entries[meta.Handle] = e
			r.mu.Unlock()
			req := SpawnRequest{TimeoutSecs: meta.TimeoutSecs, SessionID: meta.SessionID, AgentName: meta.AgentName, GatewayID: meta.GatewayID, ChatID: meta.ChatID}
			go r.monitor(runCtx, e, nil, req)
			continue
		}

		now := time.Now().UTC()
		meta.Status = models.ProcessLost
		meta.CompletedAt = &now
		_ = r.meta.Save(meta)
		r.fireCompletionCallback(ctx, meta)
	}
	return nil
}

// Cleanup removes entries, logs, and meta files for terminal processes
// whose CompletedAt is older than maxAge, Cleanup task.
// Pass 0 to use the default 30-minute threshold.
func (r *Registry) Cleanup(maxAge time.Duration) error {
	if maxAge == 0 {
		maxAge = defaultCleanupAge
	}
	metas, err := r.meta.LoadAll()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, meta := range metas {
		if !meta.Status.Terminal() || meta.CompletedAt == nil || meta.CompletedAt.After(cutoff) {
			continue
		}
		_ = os.Remove(r.logPath(meta.Handle))
		_ = r.meta.Remove(meta.Handle)
		r.mu.Lock()
		delete(r.entries, meta.Handle)
		r.mu.Unlock()
	}
	return nil
}
