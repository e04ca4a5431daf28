package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Hartree/internal/domain"
	"github.com/shaiso/Hartree/internal/mq"
	"github.com/shaiso/Hartree/internal/objstore"
)

// --- HTTPExecutor Tests ---

func TestHTTPExecutor_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected JSON content type, got %s", r.Header.Get("Content-Type"))
		}

		var item domain.WorkItem
		if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if item.Token != "tok-1" || item.Stage != domain.StageInfo {
			t.Errorf("unexpected work item: %+v", item)
		}

		json.NewEncoder(w).Encode(map[string]any{"success": true, "basis_set_instance_size": 7})
	}))
	defer server.Close()

	executor := &HTTPExecutor{URL: server.URL}
	result, err := executor.Execute(context.Background(), &domain.WorkItem{Token: "tok-1", Stage: domain.StageInfo})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := result.Int("basis_set_instance_size"); n != 7 {
		t.Errorf("expected n=7, got %v", result["basis_set_instance_size"])
	}
}

func TestHTTPExecutor_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	executor := &HTTPExecutor{URL: server.URL}
	_, err := executor.Execute(context.Background(), &domain.WorkItem{Stage: domain.StageOverlap})
	if !errors.Is(err, domain.ErrExecution) {
		t.Fatalf("expected ErrExecution, got %v", err)
	}
}

func TestHTTPExecutor_SuccessFalse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false}`))
	}))
	defer server.Close()

	executor := &HTTPExecutor{URL: server.URL}
	if _, err := executor.Execute(context.Background(), &domain.WorkItem{Stage: domain.StageInfo}); !errors.Is(err, domain.ErrExecution) {
		t.Errorf("expected ErrExecution for success=false, got %v", err)
	}
}

func TestHTTPExecutor_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	executor := &HTTPExecutor{URL: server.URL, Timeout: 20 * time.Millisecond}
	if _, err := executor.Execute(context.Background(), &domain.WorkItem{}); !errors.Is(err, ErrHTTPRequest) {
		t.Errorf("expected ErrHTTPRequest on timeout, got %v", err)
	}
}

func TestHTTPExecutor_MissingURL(t *testing.T) {
	executor := &HTTPExecutor{}
	if _, err := executor.Execute(context.Background(), &domain.WorkItem{}); !errors.Is(err, ErrHTTPRequest) {
		t.Errorf("expected ErrHTTPRequest, got %v", err)
	}
}

// --- CommandExecutor Tests ---

// shellExecutor запускает sh -c script; аргументы стадии попадают в $0 и $@.
func shellExecutor(t *testing.T, store objstore.Store, script string) (*CommandExecutor, []string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return &CommandExecutor{Binary: "sh", Store: store}, []string{"-c", script, "stage"}
}

const writeResult = `printf '{"success":%s,"args":"%s","slice":"%s"}' "$RESULT" "$*" "$SLICE_INDEX" > "${JSON_OUTPUT_PATH#file://}"`

func TestCommandExecutor_Success(t *testing.T) {
	dir := t.TempDir()
	store := objstore.NewFSStore(dir)
	executor, cmds := shellExecutor(t, store, writeResult)
	executor.Env = []string{"RESULT=true"}

	item := &domain.WorkItem{
		Stage:      domain.StageOverlap,
		Commands:   cmds,
		OutputPath: "file://" + filepath.Join(dir, "out", "overlap.json"),
	}

	result, err := executor.Execute(context.Background(), item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := result.Bool("success"); !ok {
		t.Errorf("expected success=true, got %v", result)
	}
}

func TestCommandExecutor_SliceArgs(t *testing.T) {
	dir := t.TempDir()
	store := objstore.NewFSStore(dir)
	executor, cmds := shellExecutor(t, store, writeResult)
	executor.Env = []string{"RESULT=true"}

	argsPath := "file://" + filepath.Join(dir, "tei_args", "j")
	lines := "--begin 0,0,0,0 --end 0,1,0,0 --output_object j_a.bin\n--begin 0,1,0,0 --end 1,0,0,0 --output_object j_b.bin"
	if err := store.Put(context.Background(), argsPath+"/batch_args.txt", []byte(lines)); err != nil {
		t.Fatalf("put args: %v", err)
	}

	idx := 1
	item := &domain.WorkItem{
		Stage:      domain.StageTwoElectronIntegrals,
		Commands:   cmds,
		OutputPath: "file://" + filepath.Join(dir, "out", "tei_1.json"),
		ArgsPath:   argsPath,
		SliceIndex: &idx,
	}

	result, err := executor.Execute(context.Background(), item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["args"] != "--begin 0,1,0,0 --end 1,0,0,0 --output_object j_b.bin" {
		t.Errorf("slice args not appended, got %q", result["args"])
	}
	if result["slice"] != "1" {
		t.Errorf("expected SLICE_INDEX=1, got %q", result["slice"])
	}

	idx = 5
	if _, err := executor.Execute(context.Background(), item); !errors.Is(err, domain.ErrExecution) {
		t.Errorf("expected ErrExecution for out-of-range slice, got %v", err)
	}
}

func TestCommandExecutor_Failures(t *testing.T) {
	dir := t.TempDir()
	store := objstore.NewFSStore(dir)
	out := "file://" + filepath.Join(dir, "out.json")

	tests := []struct {
		name   string
		script string
		env    []string
		target error
	}{
		{"non-zero exit", "echo broken >&2; exit 3", nil, domain.ErrExecution},
		{"success false", writeResult, []string{"RESULT=false"}, domain.ErrExecution},
		{"no result", "exit 0", nil, ErrNoResult},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor, cmds := shellExecutor(t, store, tt.script)
			executor.Env = tt.env

			item := &domain.WorkItem{Stage: domain.StageSCFStep, Commands: cmds, OutputPath: out + "." + strings.ReplaceAll(tt.name, " ", "_")}
			if _, err := executor.Execute(context.Background(), item); !errors.Is(err, tt.target) {
				t.Errorf("expected %v, got %v", tt.target, err)
			}
		})
	}
}

// --- LoopUpdateExecutor Tests ---

func putSCF(t *testing.T, store objstore.Store, locator string, energy float64) {
	t.Helper()
	data, _ := json.Marshal(map[string]any{"success": true, "hartree_fock_energy": energy})
	if err := store.Put(context.Background(), locator, data); err != nil {
		t.Fatalf("put scf output: %v", err)
	}
}

func TestLoopUpdateExecutor_FirstIterationKeepsDiff(t *testing.T) {
	store := objstore.NewFSStore(t.TempDir())
	putSCF(t, store, "s3://b/scf_0.json", -74.96)

	executor := &LoopUpdateExecutor{Store: store}
	result, err := executor.Execute(context.Background(), &domain.WorkItem{
		Stage:      domain.StageUpdateLoopVariables,
		OutputPath: "s3://b/loop_0.json",
		Params: map[string]any{
			"loop_count":      float64(1),
			"hartree_diff":    domain.InfiniteDiff,
			"scf_output_path": "s3://b/scf_0.json",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if lc, _ := result.Int("loop_count"); lc != 2 {
		t.Errorf("expected loop_count 2, got %v", result["loop_count"])
	}
	if d, _ := result.Float("hartree_diff"); d != domain.InfiniteDiff {
		t.Errorf("first iteration must keep the sentinel diff, got %v", d)
	}
	if ok, _ := store.Exists(context.Background(), "s3://b/loop_0.json"); !ok {
		t.Error("loop state must be written to output path")
	}
}

func TestLoopUpdateExecutor_ComputesDiff(t *testing.T) {
	store := objstore.NewFSStore(t.TempDir())
	putSCF(t, store, "s3://b/scf_1.json", -74.95)

	executor := &LoopUpdateExecutor{Store: store}
	result, err := executor.Execute(context.Background(), &domain.WorkItem{
		Params: map[string]any{
			"loop_count":          2,
			"hartree_diff":        domain.InfiniteDiff,
			"hartree_fock_energy": -74.96,
			"scf_output_path":     "s3://b/scf_1.json",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, _ := result.Float("hartree_diff")
	if math.Abs(d-0.01) > 1e-9 {
		t.Errorf("expected diff 0.01, got %v", d)
	}
	if e, _ := result.Float("hartree_fock_energy"); e != -74.95 {
		t.Errorf("expected energy -74.95, got %v", e)
	}
}

func TestLoopUpdateExecutor_MissingParams(t *testing.T) {
	executor := &LoopUpdateExecutor{Store: objstore.NewFSStore(t.TempDir())}

	_, err := executor.Execute(context.Background(), &domain.WorkItem{Params: map[string]any{"hartree_diff": 1.0}})
	if !errors.Is(err, ErrMissingParam) {
		t.Errorf("expected ErrMissingParam, got %v", err)
	}
}

// --- Registry Tests ---

func TestNewRegistry(t *testing.T) {
	compute := &HTTPExecutor{URL: "http://compute"}
	r := NewRegistry(compute, &LoopUpdateExecutor{})

	for _, stage := range ComputeStages {
		e, err := r.Get(stage)
		if err != nil {
			t.Errorf("stage %s: unexpected error: %v", stage, err)
		}
		if e != compute {
			t.Errorf("stage %s: expected compute executor", stage)
		}
	}

	e, err := r.Get(domain.StageUpdateLoopVariables)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := e.(*LoopUpdateExecutor); !ok {
		t.Errorf("expected LoopUpdateExecutor, got %T", e)
	}

	if _, err := r.Get("bogus"); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("expected ErrUnknownStage, got %v", err)
	}
}

// --- Pool Tests ---

// fakeConsumer блокируется до Stop или отмены контекста.
type fakeConsumer struct {
	stopOnce sync.Once
	stop     chan struct{}
}

func (c *fakeConsumer) Start(ctx context.Context) error {
	select {
	case <-c.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConsumer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

type fakePublisher struct {
	mu          sync.Mutex
	completions []domain.Completion
	err         error
}

func (p *fakePublisher) PublishCompletion(_ context.Context, c domain.Completion) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completions = append(p.completions, c)
	return nil
}

type fakeLedger struct {
	deleted map[string]bool
}

func (l *fakeLedger) IsDeleted(_ context.Context, id string) (bool, error) {
	return l.deleted[id], nil
}

// stubExecutor возвращает заданный результат.
type stubExecutor struct {
	result domain.Result
	err    error
}

func (e *stubExecutor) Execute(context.Context, *domain.WorkItem) (domain.Result, error) {
	return e.result, e.err
}

func newTestPool(pub *fakePublisher, ledger *fakeLedger, compute Executor) *Pool {
	return New(Config{
		Publisher: pub,
		Ledger:    ledger,
		Registry:  NewRegistry(compute, &LoopUpdateExecutor{}),
		MinSlots:  1,
		MaxSlots:  4,
		ConsumerFactory: func(mq.Handler) Consumer {
			return &fakeConsumer{stop: make(chan struct{})}
		},
	})
}

func TestPool_ResizeClamps(t *testing.T) {
	p := newTestPool(&fakePublisher{}, &fakeLedger{}, &stubExecutor{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Stop()

	if p.Size() != 1 {
		t.Fatalf("expected min slots after start, got %d", p.Size())
	}

	if got := p.Resize(3); got != 3 || p.Size() != 3 {
		t.Errorf("expected 3 slots, got %d/%d", got, p.Size())
	}
	if got := p.Resize(100); got != 4 {
		t.Errorf("expected clamp to max 4, got %d", got)
	}
	if got := p.Resize(0); got != 1 {
		t.Errorf("expected clamp to min 1, got %d", got)
	}
}

func TestPool_StopWaitsForSlots(t *testing.T) {
	p := newTestPool(&fakePublisher{}, &fakeLedger{}, &stubExecutor{})
	p.Start(context.Background())
	p.Resize(4)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	if !p.IsStopped() || p.Size() != 0 {
		t.Errorf("expected stopped pool without slots, got size %d", p.Size())
	}
	if got := p.Resize(2); got != 0 {
		t.Errorf("stopped pool must not grow, got %d", got)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("expected ErrWorkerStopped on restart, got %v", err)
	}
}

func TestPool_ProcessPublishesCompletion(t *testing.T) {
	pub := &fakePublisher{}
	p := newTestPool(pub, &fakeLedger{}, &stubExecutor{result: domain.Result{"success": true}})

	item := &domain.WorkItem{Token: "tok", JobID: "job-1", Stage: domain.StageOverlap}
	if err := p.process(context.Background(), item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pub.completions) != 1 {
		t.Fatalf("expected exactly 1 completion, got %d", len(pub.completions))
	}
	c := pub.completions[0]
	if c.Token != "tok" || c.Status != domain.CompletionSucceeded {
		t.Errorf("unexpected completion: %+v", c)
	}
}

func TestPool_ProcessFailure(t *testing.T) {
	pub := &fakePublisher{}
	p := newTestPool(pub, &fakeLedger{}, &stubExecutor{err: domain.ErrExecution})

	if err := p.process(context.Background(), &domain.WorkItem{Token: "tok", Stage: domain.StageSCFStep}); err != nil {
		t.Fatalf("failed execution must still be acked, got %v", err)
	}
	if len(pub.completions) != 1 || pub.completions[0].Status != domain.CompletionFailed {
		t.Fatalf("expected one failed completion, got %+v", pub.completions)
	}
	if pub.completions[0].Error == "" {
		t.Error("failed completion must carry the error text")
	}

	// Неизвестная стадия — тоже failed completion
	if err := p.process(context.Background(), &domain.WorkItem{Token: "tok-2", Stage: "bogus"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last := pub.completions[len(pub.completions)-1]; last.Status != domain.CompletionFailed {
		t.Errorf("expected failed completion for unknown stage, got %s", last.Status)
	}
}

func TestPool_ProcessDeletedJob(t *testing.T) {
	pub := &fakePublisher{}
	p := newTestPool(pub, &fakeLedger{deleted: map[string]bool{"job-1": true}}, &stubExecutor{})

	if err := p.process(context.Background(), &domain.WorkItem{Token: "tok", JobID: "job-1", Stage: domain.StageInfo}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.completions) != 0 {
		t.Errorf("deleted job must not produce a completion, got %d", len(pub.completions))
	}
}

func TestPool_ProcessPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	p := newTestPool(pub, &fakeLedger{}, &stubExecutor{})

	if err := p.process(context.Background(), &domain.WorkItem{Token: "tok", Stage: domain.StageInfo}); err == nil {
		t.Error("publish failure must be returned for redelivery")
	}
}
