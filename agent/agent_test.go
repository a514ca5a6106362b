package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/logger"
	"github.com/bucky3/bucky3/pipeline"
	"github.com/bucky3/bucky3/plugins/inputs"
	"github.com/bucky3/bucky3/plugins/outputs"
)

type crashingWorker struct {
	name string
}

func (w *crashingWorker) Name() string { return w.name }
func (w *crashingWorker) Run(ctx context.Context) error {
	return errors.New("boom")
}

type idleWorker struct {
	name string
}

func (w *idleWorker) Name() string { return w.name }
func (w *idleWorker) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func newSupervised(name string, w pipeline.Worker) *supervised {
	return &supervised{
		module:  &config.Module{Name: name, Type: "test"},
		creator: func() (pipeline.Worker, error) { return w, nil },
	}
}

// exitedRun fabricates a finished worker run holding the given error.
func exitedRun(err error) *running {
	done := make(chan error, 1)
	done <- err
	_, cancel := context.WithCancel(context.Background())
	return &running{cancel: cancel, done: done}
}

func ring(n int, spacing time.Duration) []time.Time {
	start := time.Now().Add(-time.Duration(n) * spacing)
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.Add(time.Duration(i) * spacing)
	}
	return out
}

func TestCrashLoopDetectedWithFullRing(t *testing.T) {
	a := &Agent{log: logger.New("test")}
	s := newSupervised("w", &crashingWorker{name: "w"})
	s.starts = ring(10, time.Second)
	s.run = exitedRun(errors.New("boom"))
	a.workers = []*supervised{s}

	err := a.healthcheck()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keeps failing")
}

func TestNoCrashLoopWithPartialHistory(t *testing.T) {
	a := &Agent{log: logger.New("test")}
	s := newSupervised("w", &idleWorker{name: "w"})
	s.starts = ring(5, time.Second)
	// Push the most recent start far enough back that the restart damper
	// does not defer.
	for i := range s.starts {
		s.starts[i] = s.starts[i].Add(-2 * time.Second)
	}
	s.run = exitedRun(nil)
	a.workers = []*supervised{s}

	require.NoError(t, a.healthcheck())
	// The worker was restarted.
	require.NotNil(t, s.run)
	assert.Len(t, s.starts, 6)
	a.shutdown()
}

func TestNoCrashLoopWithSlowRestarts(t *testing.T) {
	a := &Agent{log: logger.New("test")}
	s := newSupervised("w", &idleWorker{name: "w"})
	s.starts = ring(10, 2*time.Minute)
	s.starts[len(s.starts)-1] = time.Now().Add(-2 * time.Second)
	s.run = exitedRun(nil)
	a.workers = []*supervised{s}

	require.NoError(t, a.healthcheck())
	require.NotNil(t, s.run)
	a.shutdown()
}

func TestRestartDamper(t *testing.T) {
	a := &Agent{log: logger.New("test")}
	s := newSupervised("w", &idleWorker{name: "w"})
	s.starts = []time.Time{time.Now()}
	s.run = exitedRun(nil)
	a.workers = []*supervised{s}

	require.NoError(t, a.healthcheck())
	// Too early for a restart, the worker stays down for now.
	assert.Nil(t, s.run)
	assert.Len(t, s.starts, 1)
}

func TestHealthcheckStartsStoppedWorkers(t *testing.T) {
	a := &Agent{log: logger.New("test")}
	s := newSupervised("w", &idleWorker{name: "w"})
	a.workers = []*supervised{s}

	require.NoError(t, a.healthcheck())
	require.NotNil(t, s.run)
	assert.Len(t, s.starts, 1)
	forced := a.shutdown()
	assert.Zero(t, forced)
}

func TestShutdownCountsStuckWorkers(t *testing.T) {
	a := &Agent{log: logger.New("test")}
	stuck := make(chan error) // never written
	_, cancel := context.WithCancel(context.Background())
	s := newSupervised("w", &idleWorker{name: "w"})
	s.run = &running{cancel: cancel, done: stuck}
	a.workers = []*supervised{s}

	start := time.Now()
	forced := a.shutdown()
	assert.Equal(t, 1, forced)
	assert.GreaterOrEqual(t, time.Since(start), joinTimeout-time.Second)
}

type testInput struct {
	config.Common
	dsts []*pipeline.Pipe
}

func (i *testInput) Run(ctx context.Context) error      { <-ctx.Done(); return nil }
func (i *testInput) SetDestinations(p []*pipeline.Pipe) { i.dsts = p }

type testOutput struct {
	config.Common
	srcs []*pipeline.Pipe
}

func (o *testOutput) Run(ctx context.Context) error { <-ctx.Done(); return nil }
func (o *testOutput) SetSources(p []*pipeline.Pipe) { o.srcs = p }

func TestNewWiresOnePipePerPair(t *testing.T) {
	inputs.Add("test_input", func() pipeline.Input { return &testInput{} })
	outputs.Add("test_output", func() pipeline.Output { return &testOutput{} })

	cfg, err := config.Parse(`
[src_a]
module_type = "test_input"

[src_b]
module_type = "test_input"
destinations = ["dst_a"]

[dst_a]
module_type = "test_output"

[dst_b]
module_type = "test_output"
`)
	require.NoError(t, err)
	a, err := New(cfg)
	require.NoError(t, err)
	// dst_a, dst_b, src_a, src_b in start order: destinations first.
	require.Len(t, a.workers, 4)
	assert.Equal(t, "dst_a", a.workers[0].module.Name)
	assert.Equal(t, "src_a", a.workers[2].module.Name)

	srcA, err := a.workers[2].creator()
	require.NoError(t, err)
	assert.Len(t, srcA.(*testInput).dsts, 2)
	srcB, err := a.workers[3].creator()
	require.NoError(t, err)
	assert.Len(t, srcB.(*testInput).dsts, 1)
}

func TestNewRejectsDanglingDestination(t *testing.T) {
	inputs.Add("test_input", func() pipeline.Input { return &testInput{} })
	outputs.Add("test_output", func() pipeline.Output { return &testOutput{} })

	cfg, err := config.Parse(`
[src]
module_type = "test_input"
destinations = ["nope"]

[dst]
module_type = "test_output"
`)
	require.NoError(t, err)
	_, err = New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown destination")
}

func TestNewRejectsUnknownModuleType(t *testing.T) {
	cfg, err := config.Parse(`
[thing]
module_type = "no_such_module"
`)
	require.NoError(t, err)
	_, err = New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid module type")
}
