package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Hartree/internal/dispatch"
	"github.com/shaiso/Hartree/internal/domain"
	"github.com/shaiso/Hartree/internal/objstore"
	"github.com/shaiso/Hartree/internal/telemetry"
)

// State — состояние workflow.
type State int

const (
	StateInfoGathering State = iota
	StateParallelPrecompute
	StateLoopInit
	StateLoopBody
	StateConverged
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInfoGathering:
		return "info_gathering"
	case StateParallelPrecompute:
		return "parallel_precompute"
	case StateLoopInit:
		return "loop_init"
	case StateLoopBody:
		return "loop_body"
	case StateConverged:
		return "converged"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsTerminal возвращает true для Converged и Failed.
func (s State) IsTerminal() bool {
	return s == StateConverged || s == StateFailed
}

// Dispatcher — то, чем workflow отправляет стадии.
// Реализуется *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (domain.Result, error)
}

// Workflow — выполнение pipeline одного job.
//
// Workflow не потокобезопасен: Run вызывается один раз из горутины job.
// Конкурентно выполняются только ветки внутри ParallelPrecompute.
type Workflow struct {
	job        *domain.Job
	dispatcher Dispatcher
	store      objstore.Store
	logger     *slog.Logger

	state   State
	visited []State

	layout  Layout
	n       int
	maxIter int
	epsilon float64

	merged domain.BranchResult
	loop   domain.LoopState
	err    error
}

// NewWorkflow создаёт workflow в состоянии InfoGathering.
func NewWorkflow(job *domain.Job, dispatcher Dispatcher, store objstore.Store, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		job:        job,
		dispatcher: dispatcher,
		store:      store,
		logger:     telemetry.WithJobID(logger, job.ID),
		state:      StateInfoGathering,
		maxIter:    job.MaxIter,
		epsilon:    job.Epsilon,
	}
}

// Run выполняет workflow до терминального состояния.
//
// Возвращает финальный LoopState при Converged; при Failed — ошибку
// перехода, который провалился. Ошибка, оборачивающая domain.ErrJobDeleted,
// означает, что job удалён и итог записывать не нужно.
func (w *Workflow) Run(ctx context.Context) (domain.LoopState, error) {
	for !w.state.IsTerminal() {
		w.visited = append(w.visited, w.state)

		next, err := w.transition(ctx)
		if err != nil {
			w.err = fmt.Errorf("%s: %w", w.state, err)
			w.logger.Warn("workflow failed", "state", w.state.String(), "error", err)
			w.state = StateFailed
			break
		}

		w.logger.Debug("workflow transition", "from", w.state.String(), "to", next.String())
		w.state = next
	}

	w.visited = append(w.visited, w.state)
	return w.loop, w.err
}

// State возвращает текущее состояние.
func (w *Workflow) State() State {
	return w.state
}

// Visited возвращает пройденные состояния по порядку (LoopBody — по разу на итерацию).
func (w *Workflow) Visited() []State {
	return append([]State(nil), w.visited...)
}

// MaxIter — эффективный потолок итераций (info может его переопределить).
func (w *Workflow) MaxIter() int {
	return w.maxIter
}

// Epsilon — эффективный tolerance.
func (w *Workflow) Epsilon() float64 {
	return w.epsilon
}

// Merged возвращает результат merge веток ParallelPrecompute.
func (w *Workflow) Merged() domain.BranchResult {
	return w.merged
}

func (w *Workflow) transition(ctx context.Context) (next State, err error) {
	ctx, span := telemetry.StartSpan(ctx, "workflow."+w.state.String(), w.job.ID, "")
	defer func() { telemetry.EndSpan(span, err) }()

	switch w.state {
	case StateInfoGathering:
		return w.infoGathering(ctx)
	case StateParallelPrecompute:
		return w.parallelPrecompute(ctx)
	case StateLoopInit:
		return w.loopInit()
	case StateLoopBody:
		return w.loopBody(ctx)
	default:
		return StateFailed, fmt.Errorf("no transition from %s", w.state)
	}
}

// --- InfoGathering ---

func (w *Workflow) infoGathering(ctx context.Context) (State, error) {
	layout, err := NewLayout(w.job.ID, w.job.Input.OutputPath, w.job.Input.Commands)
	if err != nil {
		return StateFailed, &domain.ValidationError{Field: "output_path", Reason: err.Error()}
	}
	w.layout = layout

	result, err := w.dispatcher.Dispatch(ctx, dispatch.Request{
		JobID:      w.job.ID,
		Stage:      domain.StageInfo,
		Commands:   w.job.Input.Commands,
		OutputPath: layout.JSONOutput(domain.StageInfo, noIteration),
	})
	if err != nil {
		return StateFailed, err
	}

	if ok, _ := result.Bool("success"); !ok {
		return StateFailed, fmt.Errorf("%w: success is not true", ErrInfoFailed)
	}

	n, ok := result.Int("basis_set_instance_size")
	if !ok || n <= 0 {
		return StateFailed, fmt.Errorf("%w: missing basis_set_instance_size", ErrInfoFailed)
	}
	w.n = n

	if maxIter, ok := result.Int("max_iter"); ok && maxIter > 0 {
		w.maxIter = maxIter
	}
	if eps, ok := result.Float("epsilon"); ok && eps > 0 {
		w.epsilon = eps
	}

	w.logger.Info("info gathered",
		"basis_set_instance_size", n,
		"max_iter", w.maxIter,
		"epsilon", w.epsilon,
	)
	return StateParallelPrecompute, nil
}

// --- ParallelPrecompute ---

func (w *Workflow) parallelPrecompute(ctx context.Context) (State, error) {
	results := make([]domain.BranchResult, len(domain.PrecomputeStages))

	g, gctx := errgroup.WithContext(ctx)
	for i, stage := range domain.PrecomputeStages {
		g.Go(func() error {
			res, err := w.runBranch(gctx, stage)
			if err != nil {
				return fmt.Errorf("branch %s: %w", stage, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return StateFailed, err
	}

	merged, err := Merge(results)
	if err != nil {
		return StateFailed, err
	}
	w.merged = merged

	return StateLoopInit, nil
}

// runBranch выполняет setup и dispatch одной ветки.
func (w *Workflow) runBranch(ctx context.Context, stage domain.Stage) (domain.BranchResult, error) {
	var (
		cmds   []string
		result domain.Result
		err    error
	)

	if stage == domain.StageTwoElectronIntegrals {
		cmds, result, err = w.twoElectronIntegrals(ctx)
	} else {
		cmds = w.layout.PrecomputeCommands(stage)
		result, err = w.dispatcher.Dispatch(ctx, dispatch.Request{
			JobID:      w.job.ID,
			Stage:      stage,
			Commands:   cmds,
			OutputPath: w.layout.JSONOutput(stage, noIteration),
		})
	}
	if err != nil {
		return domain.BranchResult{}, err
	}

	return w.branchResult(stage, cmds, result), nil
}

// branchResult собирает выход ветки. jobid, max_iter и epsilon,
// которые вернул исполнитель, перекрывают значения workflow:
// по ним Merge проверяет согласованность веток.
func (w *Workflow) branchResult(stage domain.Stage, cmds []string, result domain.Result) domain.BranchResult {
	br := domain.BranchResult{
		Stage:      stage,
		Commands:   cmds,
		OutputPath: w.layout.JSONOutput(stage, noIteration),
		JobID:      w.job.ID,
		MaxIter:    w.maxIter,
		Epsilon:    w.epsilon,
	}
	if id, ok := result["jobid"].(string); ok && id != "" {
		br.JobID = id
	}
	if maxIter, ok := result.Int("max_iter"); ok {
		br.MaxIter = maxIter
	}
	if eps, ok := result.Float("epsilon"); ok {
		br.Epsilon = eps
	}
	return br
}

// twoElectronIntegrals — setup аргументов, затем single-shot или slices.
// Для slices результат ветки не возвращается (nil).
func (w *Workflow) twoElectronIntegrals(ctx context.Context) ([]string, domain.Result, error) {
	in := w.job.Input
	numSlices := in.NumSlices
	if numSlices < 1 {
		numSlices = 1
	}

	if err := writeArgsFiles(ctx, w.store, w.layout, w.n, numSlices); err != nil {
		return nil, nil, fmt.Errorf("tei setup: %w", err)
	}

	sliced := in.UseSlices()
	cmds := w.layout.TEICommands(w.n, sliced)

	if !sliced {
		result, err := w.dispatcher.Dispatch(ctx, dispatch.Request{
			JobID:      w.job.ID,
			Stage:      domain.StageTwoElectronIntegrals,
			Commands:   cmds,
			OutputPath: w.layout.JSONOutput(domain.StageTwoElectronIntegrals, noIteration),
			ArgsPath:   w.layout.ArgsPath(),
		})
		return cmds, result, err
	}

	return cmds, nil, w.runSlices(ctx, cmds, in.NumSlices, in.MaxBatchJobs)
}

// runSlices выполняет slices волнами по maxBatchJobs (0 — одна волна).
// Ветка разрешается только после завершения всех slices.
func (w *Workflow) runSlices(ctx context.Context, cmds []string, numSlices, maxBatchJobs int) error {
	wave := maxBatchJobs
	if wave <= 0 || wave > numSlices {
		wave = numSlices
	}

	w.logger.Info("dispatching tei slices", "num_slices", numSlices, "wave_size", wave)

	for start := 0; start < numSlices; start += wave {
		end := min(start+wave, numSlices)

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				idx := i
				_, err := w.dispatcher.Dispatch(gctx, dispatch.Request{
					JobID:      w.job.ID,
					Stage:      domain.StageTwoElectronIntegrals,
					Commands:   cmds,
					OutputPath: w.layout.JSONOutput(domain.StageTwoElectronIntegrals, idx),
					ArgsPath:   w.layout.ArgsPath(),
					SliceIndex: &idx,
				})
				if err != nil {
					return fmt.Errorf("slice %s: %w", sliceLabel(idx, numSlices), err)
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// Merge объединяет результаты веток.
//
// Общие поля берутся из ветки 0; JobID, MaxIter и Epsilon
// должны совпадать во всех ветках. Расхождение возникает, когда
// исполнитель ветки вернул другие jobid, max_iter или epsilon.
func Merge(results []domain.BranchResult) (domain.BranchResult, error) {
	if len(results) != len(domain.PrecomputeStages) {
		return domain.BranchResult{}, fmt.Errorf("%w: expected %d branches, got %d",
			ErrBranchDisagreement, len(domain.PrecomputeStages), len(results))
	}

	base := results[0]
	for _, r := range results[1:] {
		if r.JobID != base.JobID || r.MaxIter != base.MaxIter || r.Epsilon != base.Epsilon {
			return domain.BranchResult{}, fmt.Errorf("%w: %s differs from %s",
				ErrBranchDisagreement, r.Stage, base.Stage)
		}
	}
	return base, nil
}

// --- Loop ---

func (w *Workflow) loopInit() (State, error) {
	w.loop = domain.NewLoopState()
	return w.guard(), nil
}

// guard — условие входа в очередную итерацию.
func (w *Workflow) guard() State {
	if w.loop.Continue(w.maxIter, w.epsilon) {
		return StateLoopBody
	}
	return StateConverged
}

// loopBody — одна итерация: fock_matrix → scf_step → update_loop_variables.
func (w *Workflow) loopBody(ctx context.Context) (State, error) {
	loopCount := w.loop.LoopCount
	iteration := w.loop.Iteration()

	layout := w.layout
	if w.merged.Commands != nil {
		layout.XYZ = domain.ArgValue(w.merged.Commands, "--xyz")
		layout.BasisSet = domain.ArgValue(w.merged.Commands, "--basis_set")
	}

	if _, err := w.dispatcher.Dispatch(ctx, dispatch.Request{
		JobID:      w.job.ID,
		Stage:      domain.StageFockMatrix,
		Commands:   layout.FockCommands(loopCount),
		OutputPath: layout.JSONOutput(domain.StageFockMatrix, iteration),
	}); err != nil {
		return StateFailed, err
	}

	scfOutput := layout.JSONOutput(domain.StageSCFStep, iteration)
	if _, err := w.dispatcher.Dispatch(ctx, dispatch.Request{
		JobID:      w.job.ID,
		Stage:      domain.StageSCFStep,
		Commands:   layout.SCFCommands(loopCount),
		OutputPath: scfOutput,
	}); err != nil {
		return StateFailed, err
	}

	params := map[string]any{
		"loop_count":      loopCount,
		"hartree_diff":    w.loop.HartreeDiff,
		"scf_output_path": scfOutput,
	}
	if w.loop.Energy != nil {
		params["hartree_fock_energy"] = *w.loop.Energy
	}

	result, err := w.dispatcher.Dispatch(ctx, dispatch.Request{
		JobID:      w.job.ID,
		Stage:      domain.StageUpdateLoopVariables,
		OutputPath: layout.JSONOutput(domain.StageUpdateLoopVariables, iteration),
		Params:     params,
	})
	if err != nil {
		return StateFailed, err
	}

	next, err := nextLoopState(w.loop, result)
	if err != nil {
		return StateFailed, err
	}
	w.loop = next

	w.logger.Info("scf iteration finished",
		"iteration", iteration,
		"hartree_diff", next.HartreeDiff,
		"hartree_fock_energy", next.Energy,
	)
	return w.guard(), nil
}

// nextLoopState разбирает результат update_loop_variables.
// loop_count должен вырасти ровно на 1.
func nextLoopState(prev domain.LoopState, result domain.Result) (domain.LoopState, error) {
	loopCount, ok := result.Int("loop_count")
	if !ok {
		return prev, fmt.Errorf("%w: missing loop_count", ErrLoopUpdate)
	}
	if loopCount != prev.LoopCount+1 {
		return prev, fmt.Errorf("%w: loop_count %d after %d", ErrLoopUpdate, loopCount, prev.LoopCount)
	}

	diff, ok := result.Float("hartree_diff")
	if !ok {
		return prev, fmt.Errorf("%w: missing hartree_diff", ErrLoopUpdate)
	}

	next := domain.LoopState{LoopCount: loopCount, HartreeDiff: diff, Energy: prev.Energy}
	if energy, ok := result.Float("hartree_fock_energy"); ok {
		next.Energy = &energy
	}
	return next, nil
}
