package orchestrator

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Hartree/internal/dispatch"
	"github.com/shaiso/Hartree/internal/domain"
	"github.com/shaiso/Hartree/internal/objstore"
)

// scriptedDispatcher отвечает на стадии без очереди и воркеров.
// diffs[i] — hartree_diff, который вернёт update_loop_variables на итерации i+1.
type scriptedDispatcher struct {
	mu       sync.Mutex
	requests []dispatch.Request

	n     int
	diffs []float64
	info  domain.Result
	fail  map[domain.Stage]error

	// loopCountSkew искажает loop_count в ответе update_loop_variables.
	loopCountSkew int

	// results — ответы веток precompute вместо {"success": true}.
	results map[domain.Stage]domain.Result

	// failSlice — slices, которые завершаются ошибкой.
	failSlice map[int]error

	// sliceHold — сколько slice удерживается "в работе".
	sliceHold time.Duration

	inFlight  int
	peakSlice int
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, req dispatch.Request) (domain.Result, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()

	if req.SliceIndex != nil {
		return d.slice(*req.SliceIndex)
	}

	if err := d.fail[req.Stage]; err != nil {
		return nil, &domain.StageError{Stage: req.Stage, Err: err}
	}
	if res, ok := d.results[req.Stage]; ok {
		return res, nil
	}

	switch req.Stage {
	case domain.StageInfo:
		if d.info != nil {
			return d.info, nil
		}
		return domain.Result{"success": true, "basis_set_instance_size": float64(d.n)}, nil

	case domain.StageUpdateLoopVariables:
		loopCount := req.Params["loop_count"].(int)
		diff := d.diffs[loopCount-1]
		return domain.Result{
			"loop_count":          float64(loopCount + 1 + d.loopCountSkew),
			"hartree_diff":        diff,
			"hartree_fock_energy": -1.1 - diff,
		}, nil

	default:
		return domain.Result{"success": true}, nil
	}
}

// slice имитирует выполнение slice и считает одновременные slices.
func (d *scriptedDispatcher) slice(idx int) (domain.Result, error) {
	d.mu.Lock()
	d.inFlight++
	d.peakSlice = max(d.peakSlice, d.inFlight)
	d.mu.Unlock()

	time.Sleep(d.sliceHold)

	d.mu.Lock()
	d.inFlight--
	d.mu.Unlock()

	if err := d.failSlice[idx]; err != nil {
		return nil, &domain.StageError{Stage: domain.StageTwoElectronIntegrals, Err: err}
	}
	if err := d.fail[domain.StageTwoElectronIntegrals]; err != nil {
		return nil, &domain.StageError{Stage: domain.StageTwoElectronIntegrals, Err: err}
	}
	return domain.Result{"success": true}, nil
}

func (d *scriptedDispatcher) byStage(stage domain.Stage) []dispatch.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []dispatch.Request
	for _, req := range d.requests {
		if req.Stage == stage {
			out = append(out, req)
		}
	}
	return out
}

func testJob(maxIter int, epsilon float64) *domain.Job {
	return domain.NewJob("job-1", domain.JobInput{
		Commands:   []string{"info", "--xyz", "h2o.xyz", "--basis_set", "sto-3g"},
		OutputPath: "s3://integrals-bucket",
		MaxIter:    maxIter,
		Epsilon:    epsilon,
	})
}

func runWorkflow(t *testing.T, job *domain.Job, d *scriptedDispatcher) (*Workflow, domain.LoopState, error) {
	t.Helper()
	return runWorkflowWithStore(job, d, objstore.NewFSStore(t.TempDir()))
}

func runWorkflowWithStore(job *domain.Job, d *scriptedDispatcher, store objstore.Store) (*Workflow, domain.LoopState, error) {
	wf := NewWorkflow(job, d, store, nil)
	loop, err := wf.Run(context.Background())
	return wf, loop, err
}

// --- Workflow Tests ---

func TestWorkflow_Converges(t *testing.T) {
	d := &scriptedDispatcher{n: 2, diffs: []float64{0.5, 0.01, 0.0005}}
	job := testJob(3, 0.001)

	wf, loop, err := runWorkflow(t, job, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wf.State() != StateConverged {
		t.Fatalf("expected converged state, got %s", wf.State())
	}
	if loop.Outcome(wf.Epsilon()) != domain.OutcomeConverged {
		t.Errorf("expected converged outcome, got %s", loop.Outcome(wf.Epsilon()))
	}
	if loop.LoopCount != 4 {
		t.Errorf("expected loopCount 4 after 3 iterations, got %d", loop.LoopCount)
	}
	if loop.HartreeDiff != 0.0005 {
		t.Errorf("expected final diff 0.0005, got %v", loop.HartreeDiff)
	}
	if got := len(d.byStage(domain.StageFockMatrix)); got != 3 {
		t.Errorf("expected 3 fock_matrix dispatches, got %d", got)
	}

	job.MarkSucceeded(loop)
	if job.Iterations() != 3 {
		t.Errorf("expected 3 iterations, got %d", job.Iterations())
	}
}

func TestWorkflow_NonConvergenceIsNotFailure(t *testing.T) {
	d := &scriptedDispatcher{n: 2, diffs: []float64{0.5, 0.3, 0.2}}
	job := testJob(3, 0.001)

	wf, loop, err := runWorkflow(t, job, d)
	if err != nil {
		t.Fatalf("non-convergence must not be an error, got %v", err)
	}
	if wf.State() != StateConverged {
		t.Fatalf("expected terminal success state, got %s", wf.State())
	}
	if loop.Outcome(job.Epsilon) != domain.OutcomeNonConvergence {
		t.Errorf("expected non_convergence, got %s", loop.Outcome(job.Epsilon))
	}

	job.MarkSucceeded(loop)
	if job.Status != domain.JobStatusSucceeded {
		t.Errorf("expected succeeded status, got %s", job.Status)
	}
}

func TestWorkflow_GuardUsesPreviousDiff(t *testing.T) {
	// Вторая итерация опускает diff ниже epsilon — третьей быть не должно
	d := &scriptedDispatcher{n: 2, diffs: []float64{0.5, 0.0001, 0.3, 0.3}}
	job := testJob(10, 0.001)

	_, loop, err := runWorkflow(t, job, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(d.byStage(domain.StageSCFStep)); got != 2 {
		t.Errorf("expected 2 iterations, got %d", got)
	}
	if loop.LoopCount != 3 {
		t.Errorf("expected loopCount 3, got %d", loop.LoopCount)
	}
}

func TestWorkflow_BranchFailurePreventsLoopInit(t *testing.T) {
	for _, stage := range domain.PrecomputeStages {
		t.Run(string(stage), func(t *testing.T) {
			d := &scriptedDispatcher{
				n:     2,
				diffs: []float64{0.5},
				fail:  map[domain.Stage]error{stage: domain.ErrExecution},
			}

			wf, _, err := runWorkflow(t, testJob(3, 0.001), d)
			if !errors.Is(err, domain.ErrExecution) {
				t.Fatalf("expected ErrExecution, got %v", err)
			}
			if wf.State() != StateFailed {
				t.Errorf("expected failed state, got %s", wf.State())
			}
			if slices.Contains(wf.Visited(), StateLoopInit) {
				t.Errorf("LoopInit must not run after a branch failure, visited %v", wf.Visited())
			}
			if got := len(d.byStage(domain.StageFockMatrix)); got != 0 {
				t.Errorf("expected no loop dispatches, got %d", got)
			}
		})
	}
}

func TestWorkflow_InfoFailure(t *testing.T) {
	d := &scriptedDispatcher{info: domain.Result{"success": false}}

	wf, _, err := runWorkflow(t, testJob(3, 0.001), d)
	if !errors.Is(err, ErrInfoFailed) {
		t.Fatalf("expected ErrInfoFailed, got %v", err)
	}
	if len(d.requests) != 1 {
		t.Errorf("expected only the info dispatch, got %d", len(d.requests))
	}
	if wf.Visited()[0] != StateInfoGathering {
		t.Errorf("unexpected visited states: %v", wf.Visited())
	}
}

func TestWorkflow_InfoOverridesLoopParams(t *testing.T) {
	d := &scriptedDispatcher{
		diffs: []float64{0.5, 0.3, 0.2, 0.1},
		info: domain.Result{
			"success":                 true,
			"basis_set_instance_size": float64(2),
			"max_iter":                float64(2),
			"epsilon":                 0.01,
		},
	}

	wf, loop, err := runWorkflow(t, testJob(10, 0.001), d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wf.MaxIter() != 2 || wf.Epsilon() != 0.01 {
		t.Errorf("expected overrides max_iter=2 epsilon=0.01, got %d %v", wf.MaxIter(), wf.Epsilon())
	}
	if loop.LoopCount != 3 {
		t.Errorf("expected 2 iterations, got loopCount %d", loop.LoopCount)
	}
}

func TestWorkflow_LoopCountMismatch(t *testing.T) {
	d := &scriptedDispatcher{n: 2, diffs: []float64{0.5}, loopCountSkew: 1}

	wf, _, err := runWorkflow(t, testJob(3, 0.001), d)
	if !errors.Is(err, ErrLoopUpdate) {
		t.Fatalf("expected ErrLoopUpdate, got %v", err)
	}
	if wf.State() != StateFailed {
		t.Errorf("expected failed state, got %s", wf.State())
	}
}

func TestWorkflow_SingleShotForOneSlice(t *testing.T) {
	d := &scriptedDispatcher{n: 3, diffs: []float64{0.0001}}
	job := testJob(3, 0.001)
	job.Input.BatchExecution = true
	job.Input.NumSlices = 1

	_, _, err := runWorkflow(t, job, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tei := d.byStage(domain.StageTwoElectronIntegrals)
	if len(tei) != 1 {
		t.Fatalf("expected 1 single-shot dispatch, got %d", len(tei))
	}
	if tei[0].SliceIndex != nil {
		t.Error("single-shot dispatch must not carry a slice index")
	}
	cmd := strings.Join(tei[0].Commands, " ")
	if !strings.Contains(cmd, "--begin 0,0,0,0 --end 3,0,0,0") {
		t.Errorf("single-shot must cover the full range, got %q", cmd)
	}
}

func TestWorkflow_SlicedDispatch(t *testing.T) {
	for _, maxBatch := range []int{0, 2} {
		d := &scriptedDispatcher{n: 2, diffs: []float64{0.0001}}
		job := testJob(3, 0.001)
		job.Input.BatchExecution = true
		job.Input.NumSlices = 5
		job.Input.MaxBatchJobs = maxBatch

		store := objstore.NewFSStore(t.TempDir())
		_, _, err := runWorkflowWithStore(job, d, store)
		if err != nil {
			t.Fatalf("max_batch_jobs=%d: unexpected error: %v", maxBatch, err)
		}

		tei := d.byStage(domain.StageTwoElectronIntegrals)
		if len(tei) != 5 {
			t.Fatalf("max_batch_jobs=%d: expected 5 slice dispatches, got %d", maxBatch, len(tei))
		}

		seen := make(map[int]bool)
		for _, req := range tei {
			if req.SliceIndex == nil {
				t.Fatal("slice dispatch without index")
			}
			if req.ArgsPath != "s3://integrals-bucket/tei_args/job-1" {
				t.Errorf("unexpected args path %q", req.ArgsPath)
			}
			seen[*req.SliceIndex] = true
		}
		for i := 0; i < 5; i++ {
			if !seen[i] {
				t.Errorf("max_batch_jobs=%d: slice %d not dispatched", maxBatch, i)
			}
		}

		data, err := store.Get(context.Background(), "s3://integrals-bucket/tei_args/job-1/"+BatchArgsFile)
		if err != nil {
			t.Fatalf("batch args not written: %v", err)
		}
		if lines := strings.Split(string(data), "\n"); len(lines) != 5 {
			t.Errorf("expected 5 batch arg lines, got %d", len(lines))
		}
	}
}

func slicedJob(numSlices, maxBatch int) *domain.Job {
	job := testJob(3, 0.001)
	job.Input.BatchExecution = true
	job.Input.NumSlices = numSlices
	job.Input.MaxBatchJobs = maxBatch
	return job
}

func TestWorkflow_SlicesRespectMaxBatchJobs(t *testing.T) {
	tests := []struct {
		maxBatch int
		wantPeak int
	}{
		{maxBatch: 2, wantPeak: 2},
		{maxBatch: 1, wantPeak: 1},
		{maxBatch: 0, wantPeak: 5},
	}

	for _, tt := range tests {
		d := &scriptedDispatcher{n: 2, diffs: []float64{0.0001}, sliceHold: 20 * time.Millisecond}

		if _, _, err := runWorkflow(t, slicedJob(5, tt.maxBatch), d); err != nil {
			t.Fatalf("max_batch_jobs=%d: unexpected error: %v", tt.maxBatch, err)
		}
		if d.peakSlice > tt.wantPeak {
			t.Errorf("max_batch_jobs=%d: %d slices in flight, limit %d", tt.maxBatch, d.peakSlice, tt.wantPeak)
		}
		if got := len(d.byStage(domain.StageTwoElectronIntegrals)); got != 5 {
			t.Errorf("max_batch_jobs=%d: expected 5 slices, got %d", tt.maxBatch, got)
		}
	}
}

func TestWorkflow_SliceFailureFailsBranch(t *testing.T) {
	d := &scriptedDispatcher{
		n:         2,
		diffs:     []float64{0.0001},
		failSlice: map[int]error{1: domain.ErrExecution},
	}

	wf, _, err := runWorkflow(t, slicedJob(5, 2), d)
	if !errors.Is(err, domain.ErrExecution) {
		t.Fatalf("expected ErrExecution, got %v", err)
	}
	if wf.State() != StateFailed {
		t.Errorf("expected failed state, got %s", wf.State())
	}
	if slices.Contains(wf.Visited(), StateLoopInit) {
		t.Errorf("LoopInit must not run after a slice failure, visited %v", wf.Visited())
	}

	// Первая волна — slices 0 и 1; следующие волны не запускаются
	for _, req := range d.byStage(domain.StageTwoElectronIntegrals) {
		if *req.SliceIndex >= 2 {
			t.Errorf("slice %d dispatched after the first wave failed", *req.SliceIndex)
		}
	}
	if got := len(d.byStage(domain.StageFockMatrix)); got != 0 {
		t.Errorf("expected no loop dispatches, got %d", got)
	}
}

func TestWorkflow_BranchDisagreementFails(t *testing.T) {
	d := &scriptedDispatcher{
		n:     2,
		diffs: []float64{0.0001},
		results: map[domain.Stage]domain.Result{
			domain.StageOverlap: {"success": true, "epsilon": 0.5},
		},
	}

	wf, _, err := runWorkflow(t, testJob(3, 0.001), d)
	if !errors.Is(err, ErrBranchDisagreement) {
		t.Fatalf("expected ErrBranchDisagreement, got %v", err)
	}
	if slices.Contains(wf.Visited(), StateLoopInit) {
		t.Errorf("LoopInit must not run after disagreement, visited %v", wf.Visited())
	}

	// Совпадающие значения от исполнителя не мешают merge
	d = &scriptedDispatcher{
		n:     2,
		diffs: []float64{0.0001},
		results: map[domain.Stage]domain.Result{
			domain.StageOverlap: {"success": true, "jobid": "job-1", "max_iter": float64(3), "epsilon": 0.001},
		},
	}
	if _, _, err := runWorkflow(t, testJob(3, 0.001), d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWorkflow_FockDensityChain(t *testing.T) {
	d := &scriptedDispatcher{n: 2, diffs: []float64{0.5, 0.4, 0.0001}}

	if _, _, err := runWorkflow(t, testJob(5, 0.001), d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fock := d.byStage(domain.StageFockMatrix)
	if len(fock) != 3 {
		t.Fatalf("expected 3 fock dispatches, got %d", len(fock))
	}

	want := []string{
		"s3://integrals-bucket/job_files/job-1/bin_files/job-1_initial_guess.bin",
		"s3://integrals-bucket/job_files/job-1/bin_files/job-1_scf_step_0.bin",
		"s3://integrals-bucket/job_files/job-1/bin_files/job-1_scf_step_1.bin",
	}
	for i, req := range fock {
		if got := domain.ArgValue(req.Commands, "--density_url"); got != want[i] {
			t.Errorf("iteration %d: density_url = %q, want %q", i+1, got, want[i])
		}
	}

	updates := d.byStage(domain.StageUpdateLoopVariables)
	if _, ok := updates[0].Params["hartree_fock_energy"]; ok {
		t.Error("first update must not carry a previous energy")
	}
	if _, ok := updates[1].Params["hartree_fock_energy"]; !ok {
		t.Error("second update must carry the previous energy")
	}
}

// --- Merge Tests ---

func branchResults() []domain.BranchResult {
	out := make([]domain.BranchResult, 0, len(domain.PrecomputeStages))
	for _, stage := range domain.PrecomputeStages {
		out = append(out, domain.BranchResult{
			Stage:    stage,
			Commands: []string{string(stage)},
			JobID:    "job-1",
			MaxIter:  10,
			Epsilon:  0.001,
		})
	}
	return out
}

func TestMerge_TakesBranchZero(t *testing.T) {
	merged, err := Merge(branchResults())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged.Stage != domain.StageCoreHamiltonian {
		t.Errorf("expected branch 0 fields, got %s", merged.Stage)
	}
}

func TestMerge_Disagreement(t *testing.T) {
	results := branchResults()
	results[2].Epsilon = 0.01

	if _, err := Merge(results); !errors.Is(err, ErrBranchDisagreement) {
		t.Fatalf("expected ErrBranchDisagreement, got %v", err)
	}

	if _, err := Merge(results[:3]); !errors.Is(err, ErrBranchDisagreement) {
		t.Errorf("expected ErrBranchDisagreement for missing branch, got %v", err)
	}
}

// --- Stage Layout Tests ---

// addToPositionStepwise — пошаговый перенос, эталон для addToPosition.
func addToPositionStepwise(pos Position, toAdd, n int) Position {
	for ; toAdd > 0; toAdd-- {
		pos[3]++
		if pos[3] == n {
			pos[3] = 0
			pos[2]++
			if pos[2] == n {
				pos[2] = 0
				pos[1]++
				if pos[1] == n {
					pos[1] = 0
					pos[0]++
				}
			}
		}
	}
	return pos
}

func TestAddToPosition(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7} {
		for _, start := range []Position{{0, 0, 0, 0}, {0, n - 1, n - 1, n - 1}} {
			for _, add := range []int{0, 1, n, n*n + 1, n * n * n} {
				want := addToPositionStepwise(start, add, n)
				if got := addToPosition(start, add, n); got != want {
					t.Errorf("n=%d start=%v add=%d: got %v, want %v", n, start, add, got, want)
				}
			}
		}
	}
}

func TestSliceRanges(t *testing.T) {
	ranges := SliceRanges(2, 5)
	if len(ranges) != 5 {
		t.Fatalf("expected 5 ranges, got %d", len(ranges))
	}

	want := []SliceRange{
		{Begin: Position{0, 0, 0, 0}, End: Position{0, 0, 1, 1}},
		{Begin: Position{0, 0, 1, 1}, End: Position{0, 1, 1, 0}},
		{Begin: Position{0, 1, 1, 0}, End: Position{1, 0, 0, 1}},
		{Begin: Position{1, 0, 0, 1}, End: Position{1, 1, 0, 0}},
		{Begin: Position{1, 1, 0, 0}, End: Position{2, 0, 0, 0}},
	}
	for i := range want {
		if ranges[i] != want[i] {
			t.Errorf("range %d: got %+v, want %+v", i, ranges[i], want[i])
		}
	}

	if got := ranges[0].Args("j"); got != "--begin 0,0,0,0 --end 0,0,1,1 --output_object j_0_0_0_0_0_0_1_1.bin" {
		t.Errorf("unexpected args line: %q", got)
	}

	single := SliceRanges(4, 1)
	if len(single) != 1 || single[0] != FullRange(4) {
		t.Errorf("one slice must cover the full range, got %+v", single)
	}
}

func TestLayout_Commands(t *testing.T) {
	l, err := NewLayout("j", "s3://integrals-bucket", []string{"info", "--xyz", "h2.xyz", "--basis_set", "sto-3g"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := strings.Join(l.PrecomputeCommands(domain.StageOverlap), " ")
	want := "overlap --jobid j --xyz h2.xyz --basis_set sto-3g --bucket integrals-bucket --output_object job_files/j/bin_files/j_overlap.bin"
	if got != want {
		t.Errorf("precompute commands:\n got %q\nwant %q", got, want)
	}

	scf := l.SCFCommands(2)
	if v := domain.ArgValue(scf, "--output_object"); v != "job_files/j/bin_files/j_scf_step_1.bin" {
		t.Errorf("unexpected scf output object %q", v)
	}
	if v := domain.ArgValue(scf, "--fock_matrix_url"); v != "s3://integrals-bucket/job_files/j/bin_files/j_fock_matrix_1.bin" {
		t.Errorf("unexpected fock_matrix_url %q", v)
	}

	if v := domain.ArgValue(l.FockCommands(1), "--eri_prefix"); v != "job_files/j/bin_files/j_" {
		t.Errorf("unexpected eri_prefix %q", v)
	}

	if got := l.JSONOutput(domain.StageFockMatrix, 0); got != "s3://integrals-bucket/job_files/j/json_files/j_fock_matrix_0.json" {
		t.Errorf("unexpected json output %q", got)
	}
	if got := l.JSONOutput(domain.StageInfo, noIteration); got != "s3://integrals-bucket/job_files/j/json_files/j_info.json" {
		t.Errorf("unexpected info output %q", got)
	}
}

func TestState_String(t *testing.T) {
	if StateLoopBody.String() != "loop_body" {
		t.Errorf("unexpected state name %q", StateLoopBody.String())
	}
	if !StateFailed.IsTerminal() || !StateConverged.IsTerminal() || StateLoopInit.IsTerminal() {
		t.Error("only converged and failed are terminal")
	}
}
