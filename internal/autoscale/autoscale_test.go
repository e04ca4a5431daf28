package autoscale

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shaiso/Hartree/internal/config"
	"github.com/shaiso/Hartree/internal/mq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Policy Tests ---

func TestPolicy_Desired(t *testing.T) {
	p := Policy{Min: 1, Max: 10, Steps: DefaultSteps()}
	require.NoError(t, p.Validate())

	tests := []struct {
		name    string
		current int
		depth   int
		want    int
	}{
		{"empty queue shrinks", 4, 0, 3},
		{"low depth shrinks", 4, 9, 3},
		{"steady band", 4, 10, 4},
		{"steady below grow", 4, 29, 4},
		{"grows by one", 4, 30, 5},
		{"grows fast", 4, 100, 7},
		{"clamped to max", 9, 500, 10},
		{"clamped to min", 1, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Desired(tt.current, tt.depth))
		})
	}
}

func TestPolicy_ValidateSortsSteps(t *testing.T) {
	p := Policy{Min: 1, Max: 4, Steps: []Step{
		{Threshold: 50, Delta: 2},
		{Threshold: 0, Delta: -1},
	}}
	require.NoError(t, p.Validate())

	assert.Equal(t, 0, p.Steps[0].Threshold)
	assert.Equal(t, -1, p.Delta(10))
	assert.Equal(t, 2, p.Delta(50))
}

func TestPolicy_ValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
	}{
		{"min above max", Policy{Min: 5, Max: 2, Steps: DefaultSteps()}},
		{"zero max", Policy{Min: 1, Max: 0, Steps: DefaultSteps()}},
		{"zero min", Policy{Min: 0, Max: 4, Steps: DefaultSteps()}},
		{"no steps", Policy{Min: 1, Max: 2}},
		{"decreasing delta", Policy{Min: 1, Max: 2, Steps: []Step{{0, 1}, {10, -1}}}},
		{"duplicate threshold", Policy{Min: 1, Max: 2, Steps: []Step{{0, 0}, {0, 1}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := &config.Config{
		WorkerMin:      2,
		WorkerMax:      8,
		AutoscaleSteps: config.DefaultSteps(),
	}

	p, err := PolicyFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Min)
	assert.Equal(t, 8, p.Max)
	assert.Equal(t, DefaultSteps(), p.Steps)

	// Таблица по умолчанию — та же, что в config
	require.Len(t, p.Steps, len(config.DefaultSteps()))
	for i, s := range config.DefaultSteps() {
		assert.Equal(t, Step{Threshold: s.Threshold, Delta: s.Delta}, p.Steps[i])
	}

	cfg.WorkerMin = 0
	_, err = PolicyFromConfig(cfg)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

// --- Controller Tests ---

type fakeInspector struct {
	depth int
	err   error
	queue mq.Queue
}

func (i *fakeInspector) QueueDepth(_ context.Context, queue mq.Queue) (int, error) {
	i.queue = queue
	return i.depth, i.err
}

type fakeScaler struct {
	mu      sync.Mutex
	size    int
	resizes []int
}

func (s *fakeScaler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *fakeScaler) Resize(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = n
	s.resizes = append(s.resizes, n)
	return n
}

func newTestController(t *testing.T, inspector *fakeInspector, scaler *fakeScaler) *Controller {
	t.Helper()
	c, err := NewController(ControllerConfig{
		Policy:    Policy{Min: 1, Max: 6, Steps: DefaultSteps()},
		Inspector: inspector,
		Scaler:    scaler,
	})
	require.NoError(t, err)
	return c
}

func TestController_EvaluateGrows(t *testing.T) {
	inspector := &fakeInspector{depth: 120}
	scaler := &fakeScaler{size: 2}
	c := newTestController(t, inspector, scaler)

	size, err := c.Evaluate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, size)
	assert.Equal(t, []int{5}, scaler.resizes)
	assert.Equal(t, mq.QueueWorkReady, inspector.queue)
}

func TestController_EvaluateNoChange(t *testing.T) {
	scaler := &fakeScaler{size: 3}
	c := newTestController(t, &fakeInspector{depth: 15}, scaler)

	size, err := c.Evaluate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, size)
	assert.Empty(t, scaler.resizes, "steady band must not resize")
}

func TestController_EvaluateInspectorError(t *testing.T) {
	scaler := &fakeScaler{size: 3}
	c := newTestController(t, &fakeInspector{err: errors.New("channel closed")}, scaler)

	size, err := c.Evaluate(context.Background())
	require.Error(t, err)

	assert.Equal(t, 3, size)
	assert.Empty(t, scaler.resizes)
}

func TestNewController_Errors(t *testing.T) {
	_, err := NewController(ControllerConfig{
		Policy: Policy{Min: 1, Max: 2, Steps: DefaultSteps()},
	})
	assert.Error(t, err, "missing inspector and scaler")

	_, err = NewController(ControllerConfig{
		Schedule:  "not a schedule",
		Policy:    Policy{Min: 1, Max: 2, Steps: DefaultSteps()},
		Inspector: &fakeInspector{},
		Scaler:    &fakeScaler{},
	})
	assert.Error(t, err)
}

func TestController_StartStop(t *testing.T) {
	c := newTestController(t, &fakeInspector{}, &fakeScaler{size: 1})
	c.Start()
	c.Stop()
}
