package worker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"forgescan/tool-runner/internal/model"
	"forgescan/tool-runner/internal/queue"
	"forgescan/tool-runner/internal/report"
	"forgescan/tool-runner/internal/sandbox"
	"forgescan/tool-runner/internal/sandbox/sandboxtest"
)

type runningGauge struct {
	current atomic.Int64
	peak    atomic.Int64
}

func (g *runningGauge) observe(_ string, from, to sandbox.State) {
	switch {
	case to == sandbox.StateRunning:
		n := g.current.Add(1)
		for {
			p := g.peak.Load()
			if n <= p || g.peak.CompareAndSwap(p, n) {
				break
			}
		}
	case from == sandbox.StateRunning && to.Terminal():
		g.current.Add(-1)
	}
}

func startRuntime(t *testing.T, q queue.Queue, p *Pipeline, sink *report.Memory, cfg Config) (context.CancelFunc, <-chan error) {
	t.Helper()
	reporter := report.NewReporter(sink, report.ReporterConfig{Attempts: 2, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, zerolog.Nop(), nil)
	rt := NewRuntime(q, p, reporter, cfg, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(ctx) }()
	return cancel, errCh
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestRuntimeConcurrencyCeiling ensures K > N jobs never have more than N running at once.
func TestRuntimeConcurrencyCeiling(t *testing.T) {
	const n, k = 3, 12
	spy := &sandboxtest.Backend{
		ExecuteFn: func(ctx context.Context, spec sandbox.Spec) (*sandbox.Outcome, error) {
			spec.OnStart()
			time.Sleep(20 * time.Millisecond)
			return &sandbox.Outcome{}, nil
		},
	}
	p, engine := testPipeline(t, spy)
	gauge := &runningGauge{}
	engine.OnTransition(gauge.observe)

	q := queue.NewMemory()
	ids := make(map[string]bool)
	for i := 0; i < k; i++ {
		job := scopedJob("10.0.0.5")
		ids[job.RunID] = true
		q.Enqueue(context.Background(), job)
	}

	sink := report.NewMemory(100)
	cancel, errCh := startRuntime(t, q, p, sink, Config{Concurrency: n, RateLimit: 1000, RateWindow: time.Second, ShutdownGrace: time.Second})
	waitFor(t, 5*time.Second, func() bool { return sink.Count() == k })
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("runtime error: %v", err)
	}

	if peak := gauge.peak.Load(); peak > n || peak == 0 {
		t.Fatalf("expected between 1 and %d concurrent jobs, peak was %d", n, peak)
	}
	if spy.ExecuteCalls() != k {
		t.Fatalf("expected %d executions, got %d", k, spy.ExecuteCalls())
	}
	for id := range ids {
		if _, err := sink.Get(context.Background(), id); err != nil {
			t.Fatalf("missing result for %s", id)
		}
	}
	waitFor(t, time.Second, func() bool { return q.InFlight() == 0 })
}

// TestRuntimeReportsRejections ensures rejected jobs are still reported and acked.
func TestRuntimeReportsRejections(t *testing.T) {
	spy := &sandboxtest.Backend{}
	p, _ := testPipeline(t, spy)
	q := queue.NewMemory()
	job := scopedJob("192.168.1.1")
	q.Enqueue(context.Background(), job)

	sink := report.NewMemory(10)
	cancel, errCh := startRuntime(t, q, p, sink, Config{Concurrency: 1, RateLimit: 10, RateWindow: time.Second})
	waitFor(t, 2*time.Second, func() bool { return sink.Count() == 1 })
	cancel()
	<-errCh

	res, err := sink.Get(context.Background(), job.RunID)
	if err != nil || res.Error != "target outside approved scope" {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if spy.ExecuteInvoked() {
		t.Fatalf("sandbox invoked for out-of-scope job")
	}
	if q.InFlight() != 0 {
		t.Fatalf("rejected job must be acked")
	}
}

// TestRuntimeMalformedPayload ensures undecodable jobs are acked and reported when possible.
func TestRuntimeMalformedPayload(t *testing.T) {
	p, _ := testPipeline(t, &sandboxtest.Backend{})
	q := queue.NewMemory()
	q.Push([]byte(`{"runId":"7d9f1b0e-8f0c-4a57-9f3e-3c0c4bb1f0aa","params":"oops"}`))
	q.Push([]byte(`garbage`))

	sink := report.NewMemory(10)
	cancel, errCh := startRuntime(t, q, p, sink, Config{Concurrency: 1, RateLimit: 10, RateWindow: time.Second})
	waitFor(t, 2*time.Second, func() bool { return sink.Count() == 1 && q.InFlight() == 0 })
	cancel()
	<-errCh

	res, err := sink.Get(context.Background(), "7d9f1b0e-8f0c-4a57-9f3e-3c0c4bb1f0aa")
	if err != nil || res.Status != model.StatusFailed {
		t.Fatalf("expected failed result, got %+v %v", res, err)
	}
	if depth, _ := q.Depth(context.Background()); depth != 0 {
		t.Fatalf("malformed payloads must not be requeued")
	}
}

// TestRuntimeShutdownLeavesInterruptedJobs ensures jobs cut off by the grace period are redelivered.
func TestRuntimeShutdownLeavesInterruptedJobs(t *testing.T) {
	var once sync.Once
	started := make(chan struct{})
	spy := &sandboxtest.Backend{
		ExecuteFn: func(ctx context.Context, spec sandbox.Spec) (*sandbox.Outcome, error) {
			spec.OnStart()
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	p, _ := testPipeline(t, spy)
	q := queue.NewMemory()
	q.Enqueue(context.Background(), scopedJob("10.0.0.5"))

	sink := report.NewMemory(10)
	cancel, errCh := startRuntime(t, q, p, sink, Config{Concurrency: 1, RateLimit: 10, RateWindow: time.Second, ShutdownGrace: 20 * time.Millisecond})
	<-started
	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatalf("runtime did not stop")
	}

	if sink.Count() != 0 {
		t.Fatalf("interrupted job must not be reported")
	}
	if q.InFlight() != 1 {
		t.Fatalf("interrupted job must stay unacknowledged, in flight %d", q.InFlight())
	}
	if n, _ := q.Recover(context.Background()); n != 1 {
		t.Fatalf("expected the interrupted job to be recoverable")
	}
}

// TestRuntimeRateLimit ensures no window of RateWindow sees more than the
// burst plus one window's refill of job starts.
func TestRuntimeRateLimit(t *testing.T) {
	const (
		k      = 6
		limit  = 2
		window = 400 * time.Millisecond
	)
	var (
		mu     sync.Mutex
		starts []time.Time
	)
	spy := &sandboxtest.Backend{
		ExecuteFn: func(ctx context.Context, spec sandbox.Spec) (*sandbox.Outcome, error) {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			spec.OnStart()
			return &sandbox.Outcome{}, nil
		},
	}
	p, _ := testPipeline(t, spy)
	q := queue.NewMemory()
	for i := 0; i < k; i++ {
		q.Enqueue(context.Background(), scopedJob("10.0.0.5"))
	}

	sink := report.NewMemory(10)
	cancel, errCh := startRuntime(t, q, p, sink, Config{Concurrency: k, RateLimit: limit, RateWindow: window, ShutdownGrace: time.Second})
	waitFor(t, 5*time.Second, func() bool { return sink.Count() == k })
	cancel()
	<-errCh

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != k {
		t.Fatalf("expected %d starts, got %d", k, len(starts))
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for i, from := range starts {
		n := 0
		for _, s := range starts[i:] {
			if s.Sub(from) < window {
				n++
			}
		}
		if n > 2*limit {
			t.Fatalf("%d starts within one window from start %d, allowed %d", n, i, 2*limit)
		}
	}
	// Each start beyond the burst waits one refill interval.
	if spread := starts[k-1].Sub(starts[0]); spread < 3*window/limit {
		t.Fatalf("starts not throttled, spread %s", spread)
	}
}

type leasingQueue struct {
	*queue.Memory
	heartbeats atomic.Int64
	sweeps     atomic.Int64
}

func (l *leasingQueue) Heartbeat(context.Context) error {
	l.heartbeats.Add(1)
	return nil
}

func (l *leasingQueue) Sweep(context.Context) (int, error) {
	l.sweeps.Add(1)
	return 0, nil
}

// TestRuntimeKeepsLease ensures a leasing queue is heartbeated and swept while
// the runtime runs, and no longer once it has stopped.
func TestRuntimeKeepsLease(t *testing.T) {
	p, _ := testPipeline(t, &sandboxtest.Backend{})
	q := &leasingQueue{Memory: queue.NewMemory()}

	sink := report.NewMemory(10)
	cancel, errCh := startRuntime(t, q, p, sink, Config{Concurrency: 1, RateLimit: 10, RateWindow: time.Second, LeaseRefresh: 10 * time.Millisecond})
	waitFor(t, 2*time.Second, func() bool { return q.heartbeats.Load() >= 3 && q.sweeps.Load() >= 3 })
	cancel()
	<-errCh

	after := q.heartbeats.Load()
	time.Sleep(50 * time.Millisecond)
	if q.heartbeats.Load() != after {
		t.Fatalf("heartbeats continued after the runtime stopped")
	}
}
