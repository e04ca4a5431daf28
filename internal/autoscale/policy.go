package autoscale

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shaiso/Hartree/internal/config"
)

// ErrInvalidPolicy — некорректная таблица масштабирования.
var ErrInvalidPolicy = errors.New("invalid scaling policy")

// Step — строка таблицы: при depth >= Threshold размер меняется на Delta.
type Step struct {
	Threshold int
	Delta     int
}

// Policy — границы пула и таблица шагов.
type Policy struct {
	Min   int
	Max   int
	Steps []Step
}

// DefaultSteps — шаги по умолчанию из config.DefaultSteps.
func DefaultSteps() []Step {
	return stepsFromConfig(config.DefaultSteps())
}

// PolicyFromConfig собирает Policy из конфигурации воркера.
func PolicyFromConfig(cfg *config.Config) (Policy, error) {
	p := Policy{Min: cfg.WorkerMin, Max: cfg.WorkerMax, Steps: stepsFromConfig(cfg.AutoscaleSteps)}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func stepsFromConfig(in []config.ScaleStep) []Step {
	steps := make([]Step, 0, len(in))
	for _, s := range in {
		steps = append(steps, Step{Threshold: s.Threshold, Delta: s.Delta})
	}
	return steps
}

// Validate проверяет границы и монотонность таблицы.
// Min не меньше 1: пул воркеров всегда держит хотя бы один слот.
// Шаги сортируются по threshold; delta не должна убывать с ростом глубины.
func (p *Policy) Validate() error {
	if p.Min < 1 || p.Max < 1 || p.Min > p.Max {
		return fmt.Errorf("%w: bounds [%d, %d]", ErrInvalidPolicy, p.Min, p.Max)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPolicy)
	}

	sort.SliceStable(p.Steps, func(i, j int) bool {
		return p.Steps[i].Threshold < p.Steps[j].Threshold
	})

	for i := 1; i < len(p.Steps); i++ {
		prev, cur := p.Steps[i-1], p.Steps[i]
		if cur.Threshold == prev.Threshold {
			return fmt.Errorf("%w: duplicate threshold %d", ErrInvalidPolicy, cur.Threshold)
		}
		if cur.Delta < prev.Delta {
			return fmt.Errorf("%w: delta decreases at threshold %d", ErrInvalidPolicy, cur.Threshold)
		}
	}
	return nil
}

// Delta возвращает изменение размера для глубины очереди.
// Глубина ниже первого threshold использует первый шаг.
func (p *Policy) Delta(depth int) int {
	if len(p.Steps) == 0 {
		return 0
	}

	delta := p.Steps[0].Delta
	for _, s := range p.Steps {
		if depth < s.Threshold {
			break
		}
		delta = s.Delta
	}
	return delta
}

// Desired возвращает целевой размер пула в пределах [Min, Max].
func (p *Policy) Desired(current, depth int) int {
	return max(p.Min, min(current+p.Delta(depth), p.Max))
}
