package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/internal/vfs"
)

// pipeTransport is an in-memory Transport backed by two pipes. The fake
// worker reads from workerIn and writes to workerOut.
type pipeTransport struct {
	hostRead   *io.PipeReader
	hostWrite  *io.PipeWriter
	workerRead *io.PipeReader
	workerOut  *io.PipeWriter
	terminated atomic.Bool
}

func newPipeTransport() *pipeTransport {
	wr, hw := io.Pipe() // host writes → worker reads
	hr, wo := io.Pipe() // worker writes → host reads
	return &pipeTransport{hostRead: hr, hostWrite: hw, workerRead: wr, workerOut: wo}
}

func (p *pipeTransport) Read(b []byte) (int, error)  { return p.hostRead.Read(b) }
func (p *pipeTransport) Write(b []byte) (int, error) { return p.hostWrite.Write(b) }
func (p *pipeTransport) Terminate() error {
	p.terminated.Store(true)
	p.hostWrite.Close()
	p.workerOut.Close()
	return nil
}

// runFakeWorker processes frames with fn until the pipe closes. fn returning
// false swallows the request (no response).
func runFakeWorker(p *pipeTransport, fn func(Message) (interface{}, error, bool)) {
	go func() {
		scanner := bufio.NewScanner(p.workerRead)
		for scanner.Scan() {
			var msg Message
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil || msg.Type == "" {
				continue
			}
			result, err, respond := fn(msg)
			if !respond {
				continue
			}
			var resp Response
			if err != nil {
				resp = Response{ID: msg.ID, OK: boolPtr(false), Error: err.Error()}
			} else {
				raw, _ := json.Marshal(result)
				resp = Response{ID: msg.ID, OK: boolPtr(true), Result: raw}
			}
			raw, _ := json.Marshal(resp)
			p.workerOut.Write(append(raw, '\n'))
		}
	}()
}

func TestExecute_RoundTrip(t *testing.T) {
	p := newPipeTransport()
	runFakeWorker(p, func(msg Message) (interface{}, error, bool) {
		if msg.Type != TypeExecute {
			return map[string]bool{"ready": true}, nil, true
		}
		var payload ExecutePayload
		json.Unmarshal(msg.Data, &payload)
		return map[string]interface{}{"echo": payload.Args["x"]}, nil, true
	})
	e := NewExecutor(p, nil)
	defer e.Close()

	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	raw, err := e.Execute(context.Background(), ExecutePayload{
		Code: "return args.x",
		Args: map[string]interface{}{"x": "42"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil || out["echo"] != "42" {
		t.Fatalf("result = %s (%v)", raw, err)
	}
}

func TestExecute_TimeoutTerminatesWorker(t *testing.T) {
	p := newPipeTransport()
	runFakeWorker(p, func(msg Message) (interface{}, error, bool) {
		return nil, nil, false // never respond
	})
	budget := 500 * time.Millisecond
	e := NewExecutor(p, nil, WithTimeout(budget))

	start := time.Now()
	_, err := e.Execute(context.Background(), ExecutePayload{Code: "while(true){}"})
	elapsed := time.Since(start)

	if !errors.Is(err, errdefs.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed > budget+250*time.Millisecond {
		t.Fatalf("rejection took %v, want <= %v", elapsed, budget+250*time.Millisecond)
	}
	if !p.terminated.Load() {
		t.Fatal("worker not terminated on timeout")
	}
	// The executor is dead after a timeout; subsequent calls fail fast.
	if _, err := e.Execute(context.Background(), ExecutePayload{Code: "1"}); !errors.Is(err, errdefs.ErrSandbox) {
		t.Fatalf("post-timeout err = %v, want ErrSandbox", err)
	}
}

func TestExecute_Cancellation(t *testing.T) {
	p := newPipeTransport()
	runFakeWorker(p, func(Message) (interface{}, error, bool) { return nil, nil, false })
	e := NewExecutor(p, nil, WithTimeout(10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := e.Execute(ctx, ExecutePayload{Code: "1"})
	if !errors.Is(err, errdefs.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestExecute_ErrorResponseIsSandboxError(t *testing.T) {
	p := newPipeTransport()
	runFakeWorker(p, func(msg Message) (interface{}, error, bool) {
		return nil, errors.New("ReferenceError: nope is not defined"), true
	})
	e := NewExecutor(p, nil)
	defer e.Close()

	_, err := e.Execute(context.Background(), ExecutePayload{Code: "nope()"})
	if !errors.Is(err, errdefs.ErrSandbox) {
		t.Fatalf("err = %v, want ErrSandbox", err)
	}
}

func TestShim_WhitelistedRoundTrip(t *testing.T) {
	store, err := vfs.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("vfs: %v", err)
	}
	defer store.Close()
	store.Write("/data/config.json", []byte(`{"a":1}`), vfs.WriteOptions{Type: vfs.TypeConfig})
	shim := &Shim{VFS: store}

	p := newPipeTransport()
	got := make(chan string, 1)
	// Worker: on execute, issue a vfs.read shim call, await its response,
	// then answer the execute.
	go func() {
		scanner := bufio.NewScanner(p.workerRead)
		var execID string
		for scanner.Scan() {
			line := scanner.Bytes()
			var resp Response
			if json.Unmarshal(line, &resp) == nil && resp.OK != nil {
				// Shim response arrived; finish the execute call.
				var content map[string]string
				json.Unmarshal(resp.Result, &content)
				got <- content["content"]
				out, _ := json.Marshal(Response{ID: execID, OK: boolPtr(true)})
				p.workerOut.Write(append(out, '\n'))
				continue
			}
			var msg Message
			if json.Unmarshal(line, &msg) != nil {
				continue
			}
			execID = msg.ID
			req, _ := json.Marshal(Message{ID: "shim-1", Type: TypeVFSRead, Data: json.RawMessage(`{"path":"/data/config.json"}`)})
			p.workerOut.Write(append(req, '\n'))
		}
	}()

	e := NewExecutor(p, shim)
	defer e.Close()

	if _, err := e.Execute(context.Background(), ExecutePayload{Code: "reploid.vfsRead(...)"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	select {
	case content := <-got:
		if content != `{"a":1}` {
			t.Fatalf("shim content = %q", content)
		}
	case <-time.After(time.Second):
		t.Fatal("shim round trip did not complete")
	}
}

func TestShim_RejectsNonWhitelistedMethod(t *testing.T) {
	shim := &Shim{}
	resp := shim.Handle(Message{ID: "1", Type: "vfs.write", Data: json.RawMessage(`{}`)})
	if resp.OK == nil || *resp.OK {
		t.Fatal("non-whitelisted method accepted")
	}
}
