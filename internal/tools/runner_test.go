package tools

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/internal/knowledge"
	"github.com/clocksmith/reploid/internal/state"
	"github.com/clocksmith/reploid/internal/vfs"
	"github.com/clocksmith/reploid/pkg/protocol"
)

func newTestEnv(t *testing.T) (*Registry, *Runner, *vfs.VFS, *bus.Bus) {
	t.Helper()
	store, err := vfs.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open vfs: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	st, err := state.NewManager(store, nil)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, BuiltinDeps{
		VFS:       store,
		State:     st,
		Knowledge: knowledge.NewEngine(nil),
	}); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	b := bus.New()
	return reg, NewRunner(reg, b), store, b
}

func TestValidateArgs_KnownValidAndInvalid(t *testing.T) {
	reg, _, _, _ := newTestEnv(t)

	if err := reg.ValidateArgs("read_file", map[string]interface{}{"path": "/x"}); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}
	if err := reg.ValidateArgs("read_file", map[string]interface{}{}); err == nil {
		t.Fatal("missing required path accepted")
	}
	if err := reg.ValidateArgs("head", map[string]interface{}{"path": "/x", "lines": -1}); err == nil {
		t.Fatal("minimum violation accepted")
	}
	if err := reg.ValidateArgs("git", map[string]interface{}{"command": "push"}); err == nil {
		t.Fatal("enum violation accepted")
	}
	if err := reg.ValidateArgs("create_tool", map[string]interface{}{"name": "Bad-Name", "source": "x"}); err == nil {
		t.Fatal("pattern violation accepted")
	}
}

func TestExecute_WriteThenReadRoundTrip(t *testing.T) {
	_, runner, _, _ := newTestEnv(t)
	ctx := context.Background()

	res := runner.Execute(ctx, Call{Name: "write_file", Args: map[string]interface{}{
		"path": "/x", "content": "V",
	}})
	if res.IsError {
		t.Fatalf("write failed: %s", res.ForLLM)
	}
	res = runner.Execute(ctx, Call{Name: "read_file", Args: map[string]interface{}{"path": "/x"}})
	if res.IsError || res.ForLLM != "V" {
		t.Fatalf("read = %+v", res)
	}
}

func TestExecute_EmitsStartAndCompleteEvents(t *testing.T) {
	_, runner, _, b := newTestEnv(t)

	var topics []string
	for _, topic := range []string{protocol.TopicToolStart, protocol.TopicToolComplete, protocol.TopicToolError} {
		topic := topic
		b.On(topic, func(bus.Event) { topics = append(topics, topic) }, "test")
	}

	runner.Execute(context.Background(), Call{Name: "pwd", Args: map[string]interface{}{}})
	if len(topics) != 2 || topics[0] != protocol.TopicToolStart || topics[1] != protocol.TopicToolComplete {
		t.Fatalf("topics = %v", topics)
	}

	topics = nil
	runner.Execute(context.Background(), Call{Name: "read_file", Args: map[string]interface{}{"path": "/missing"}})
	if len(topics) != 2 || topics[1] != protocol.TopicToolError {
		t.Fatalf("error topics = %v", topics)
	}
}

// slowTool lets tests observe concurrency.
type slowTool struct {
	name     string
	readOnly bool
	running  *atomic.Int32
	peak     *atomic.Int32
	delay    time.Duration
}

func (s *slowTool) Name() string                       { return s.name }
func (s *slowTool) Description() string                { return "test" }
func (s *slowTool) ReadOnly() bool                     { return s.readOnly }
func (s *slowTool) Parameters() map[string]interface{} { return objectSchema(nil) }
func (s *slowTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	n := s.running.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(s.delay)
	s.running.Add(-1)
	return NewResult(s.name)
}

func TestExecuteBatch_ReadOnlyFanOutPreservesOrder(t *testing.T) {
	reg := NewRegistry()
	var running, peak atomic.Int32
	for _, name := range []string{"ro_a", "ro_b", "ro_c"} {
		if err := reg.Register(&slowTool{name: name, readOnly: true, running: &running, peak: &peak, delay: 20 * time.Millisecond}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	runner := NewRunner(reg, nil)

	results := runner.ExecuteBatch(context.Background(), []Call{
		{Name: "ro_a"}, {Name: "ro_b"}, {Name: "ro_c"},
	})
	if results[0].ForLLM != "ro_a" || results[1].ForLLM != "ro_b" || results[2].ForLLM != "ro_c" {
		t.Fatalf("results out of order: %v", results)
	}
	if peak.Load() < 2 {
		t.Fatalf("read-only tools did not overlap (peak=%d)", peak.Load())
	}
}

func TestExecute_MutatingSerializedPerSession(t *testing.T) {
	reg := NewRegistry()
	var running, peak atomic.Int32
	if err := reg.Register(&slowTool{name: "mut", readOnly: false, running: &running, peak: &peak, delay: 15 * time.Millisecond}); err != nil {
		t.Fatalf("register: %v", err)
	}
	runner := NewRunner(reg, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Execute(context.Background(), Call{Name: "mut", SessionKey: "s1"})
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("mutating tools overlapped within one session (peak=%d)", peak.Load())
	}
}

func TestBuiltins_EditAndGrep(t *testing.T) {
	_, runner, store, _ := newTestEnv(t)
	ctx := context.Background()

	store.Write("/src/main.go", []byte("package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n"), vfs.WriteOptions{Type: vfs.TypeCode})

	res := runner.Execute(ctx, Call{Name: "grep", Args: map[string]interface{}{"pattern": "func main"}})
	if res.IsError || !strings.Contains(res.ForLLM, "/src/main.go:3") {
		t.Fatalf("grep = %+v", res)
	}

	res = runner.Execute(ctx, Call{Name: "edit", Args: map[string]interface{}{
		"path": "/src/main.go", "old_string": `println("hi")`, "new_string": `println("bye")`,
	}})
	if res.IsError {
		t.Fatalf("edit failed: %s", res.ForLLM)
	}
	a, _ := store.Read("/src/main.go")
	if !strings.Contains(string(a.Content), "bye") {
		t.Fatal("edit not applied")
	}

	res = runner.Execute(ctx, Call{Name: "edit", Args: map[string]interface{}{
		"path": "/src/main.go", "old_string": "nope", "new_string": "x",
	}})
	if !res.IsError {
		t.Fatal("edit of missing string succeeded")
	}
}

func TestBuiltins_LsVirtualDirectories(t *testing.T) {
	_, runner, store, _ := newTestEnv(t)
	store.Write("/a/one.txt", []byte("1"), vfs.WriteOptions{})
	store.Write("/a/sub/two.txt", []byte("2"), vfs.WriteOptions{})

	res := runner.Execute(context.Background(), Call{Name: "ls", Args: map[string]interface{}{"path": "/a"}})
	if res.IsError {
		t.Fatalf("ls: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "one.txt") || !strings.Contains(res.ForLLM, "sub/") {
		t.Fatalf("ls output = %q", res.ForLLM)
	}
}
