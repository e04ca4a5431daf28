package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/shaiso/Hartree/internal/domain"
	"github.com/shaiso/Hartree/internal/objstore"
)

// LoopUpdateExecutor — стадия update_loop_variables.
//
// Params:
//   - loop_count (int): номер завершённой итерации
//   - hartree_diff (float): diff предыдущей итерации
//   - hartree_fock_energy (float, опционально): энергия предыдущей итерации
//   - scf_output_path (string): JSON scf_step текущей итерации
//
// Результат: loop_count+1, новый hartree_diff и hartree_fock_energy.
// Без предыдущей энергии diff не меняется (на первой итерации остаётся sentinel).
type LoopUpdateExecutor struct {
	Store objstore.Store
}

// Execute вычисляет новое состояние цикла.
func (e *LoopUpdateExecutor) Execute(ctx context.Context, item *domain.WorkItem) (domain.Result, error) {
	params := domain.Result(item.Params)

	loopCount, ok := params.Int("loop_count")
	if !ok {
		return nil, fmt.Errorf("%w: loop_count", ErrMissingParam)
	}
	diff, ok := params.Float("hartree_diff")
	if !ok {
		return nil, fmt.Errorf("%w: hartree_diff", ErrMissingParam)
	}
	scfPath, _ := params["scf_output_path"].(string)
	if scfPath == "" {
		return nil, fmt.Errorf("%w: scf_output_path", ErrMissingParam)
	}

	scf, err := readResult(ctx, e.Store, &domain.WorkItem{Stage: domain.StageSCFStep, OutputPath: scfPath})
	if err != nil {
		return nil, err
	}

	energy, ok := scf.Float("hartree_fock_energy")
	if !ok {
		return nil, fmt.Errorf("%w: scf output has no hartree_fock_energy", domain.ErrExecution)
	}

	if prev, ok := params.Float("hartree_fock_energy"); ok {
		diff = math.Abs(energy - prev)
	}

	result := domain.Result{
		"loop_count":          loopCount + 1,
		"hartree_diff":        diff,
		"hartree_fock_energy": energy,
	}

	if item.OutputPath != "" {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal loop state: %w", err)
		}
		if err := e.Store.Put(ctx, item.OutputPath, data); err != nil {
			return nil, fmt.Errorf("write loop state: %w", err)
		}
	}

	return result, nil
}
