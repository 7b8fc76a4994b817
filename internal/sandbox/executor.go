package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clocksmith/reploid/internal/errdefs"
)

// DefaultTimeout is the wall-clock budget for one execute call.
const DefaultTimeout = 5 * time.Second

// Transport is a bidirectional line-JSON channel to a worker. ProcTransport
// backs it with an OS process; tests may use in-memory pipes.
type Transport interface {
	io.Reader
	io.Writer
	// Terminate forcibly stops the worker. Must be safe to call twice.
	Terminate() error
}

// Executor drives one sandbox worker. Concurrent calls are correlated by
// request id and only frame writes serialize; a timeout terminates the worker
// and fails the pending call with ErrTimeout.
type Executor struct {
	transport Transport
	shim      *Shim
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]chan Response
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout overrides the per-call wall-clock budget.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewExecutor wraps a transport. The reader loop starts immediately.
func NewExecutor(t Transport, shim *Shim, opts ...Option) *Executor {
	e := &Executor{
		transport: t,
		shim:      shim,
		timeout:   DefaultTimeout,
		pending:   make(map[string]chan Response),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	go e.readLoop()
	return e
}

// readLoop demultiplexes worker frames: responses resolve pending calls,
// requests go to the shim.
func (e *Executor) readLoop() {
	scanner := bufio.NewScanner(e.transport)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err == nil && resp.OK != nil {
			e.resolve(resp)
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil || msg.Type == "" {
			slog.Debug("sandbox.bad_frame", "len", len(line))
			continue
		}
		e.handleShim(msg)
	}
	e.Close()
}

func (e *Executor) handleShim(msg Message) {
	var resp Response
	if e.shim == nil {
		resp = Response{ID: msg.ID, OK: boolPtr(false), Error: "no shim configured"}
	} else {
		resp = e.shim.Handle(msg)
	}
	e.send(resp)
}

func (e *Executor) resolve(resp Response) {
	e.mu.Lock()
	ch, ok := e.pending[resp.ID]
	if ok {
		delete(e.pending, resp.ID)
	}
	e.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (e *Executor) send(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.transport.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("sandbox: write: %w", err)
	}
	return nil
}

// call sends one request and waits for its response within the budget. On
// timeout the worker is terminated and the pending call (plus any in-flight
// shim correlation) rejects.
func (e *Executor) call(ctx context.Context, msgType string, data interface{}) (json.RawMessage, error) {
	select {
	case <-e.done:
		return nil, errdefs.Wrap(errdefs.ErrSandbox, "sandbox: worker terminated")
	default:
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrSandbox, "sandbox: marshal %s: %v", msgType, err)
	}
	msg := Message{ID: uuid.NewString(), Type: msgType, Data: raw}

	ch := make(chan Response, 1)
	e.mu.Lock()
	e.pending[msg.ID] = ch
	e.mu.Unlock()

	if err := e.send(msg); err != nil {
		e.mu.Lock()
		delete(e.pending, msg.ID)
		e.mu.Unlock()
		return nil, errdefs.Wrap(errdefs.ErrSandbox, "sandbox: %v", err)
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.OK == nil || !*resp.OK {
			detail := resp.Error
			if resp.Trace != "" {
				detail += "\n" + resp.Trace
			}
			return nil, errdefs.Wrap(errdefs.ErrSandbox, "sandbox: %s: %s", msgType, detail)
		}
		return resp.Result, nil
	case <-timer.C:
		e.Close()
		return nil, errdefs.Wrap(errdefs.ErrTimeout, "sandbox: %s exceeded %s", msgType, e.timeout)
	case <-ctx.Done():
		e.Close()
		return nil, errdefs.Wrap(errdefs.ErrCancelled, "sandbox: %s", msgType)
	case <-e.done:
		return nil, errdefs.Wrap(errdefs.ErrSandbox, "sandbox: worker terminated")
	}
}

// Init performs the worker handshake.
func (e *Executor) Init(ctx context.Context) error {
	_, err := e.call(ctx, TypeInit, map[string]interface{}{})
	return err
}

// Execute runs code with args and returns the raw result.
func (e *Executor) Execute(ctx context.Context, payload ExecutePayload) (json.RawMessage, error) {
	return e.call(ctx, TypeExecute, payload)
}

// Install loads a dependency or module into the worker context.
func (e *Executor) Install(ctx context.Context, name, source string) error {
	_, err := e.call(ctx, TypeInstall, map[string]string{"name": name, "source": source})
	return err
}

// SyncFile pushes one artifact into the worker's virtual view.
func (e *Executor) SyncFile(ctx context.Context, path, content string) error {
	_, err := e.call(ctx, TypeSyncFile, map[string]string{"path": path, "content": content})
	return err
}

// Close terminates the worker. All in-flight calls reject.
func (e *Executor) Close() {
	e.once.Do(func() {
		close(e.done)
		e.transport.Terminate()
		e.mu.Lock()
		for id, ch := range e.pending {
			delete(e.pending, id)
			f := false
			ch <- Response{ID: id, OK: &f, Error: "cancelled"}
		}
		e.mu.Unlock()
	})
}

// ProcTransport runs the worker as an OS subprocess.
type ProcTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	once   sync.Once
}

// StartProc launches argv as a sandbox worker process.
func StartProc(argv []string) (*ProcTransport, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox: empty worker command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start %s: %w", argv[0], err)
	}
	return &ProcTransport{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *ProcTransport) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *ProcTransport) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Terminate closes stdin, kills the worker process (not a process group), and
// reaps it in the background.
func (p *ProcTransport) Terminate() error {
	var err error
	p.once.Do(func() {
		p.stdin.Close()
		if p.cmd.Process != nil {
			err = p.cmd.Process.Kill()
		}
		go p.cmd.Wait()
	})
	return err
}
