package sandbox_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"forgescan/tool-runner/internal/model"
	"forgescan/tool-runner/internal/sandbox"
	"forgescan/tool-runner/internal/sandbox/sandboxtest"
)

func newEngine(b sandbox.Backend, cfg sandbox.EngineConfig) *sandbox.Engine {
	if cfg.SetupBackoff == 0 {
		cfg.SetupBackoff = time.Millisecond
	}
	return sandbox.NewEngine(b, cfg, zerolog.Nop())
}

func request(m *model.ToolManifest, timeout time.Duration) sandbox.Request {
	return sandbox.Request{
		RunID:    "run-1",
		ToolName: "echo",
		Argv:     []string{"echo", "hi"},
		Manifest: m,
		Limits:   model.Limits{Timeout: timeout, MemoryMB: 64, CPUs: 1},
	}
}

type recorder struct {
	mu     sync.Mutex
	states []sandbox.State
}

func (r *recorder) observe(_ string, _, to sandbox.State) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
}

func (r *recorder) path() []sandbox.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sandbox.State(nil), r.states...)
}

func equalStates(a, b []sandbox.State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestEngineCompleted ensures exit code 0 maps to completed with a populated exit code.
func TestEngineCompleted(t *testing.T) {
	spy := &sandboxtest.Backend{
		ExecuteFn: func(ctx context.Context, spec sandbox.Spec) (*sandbox.Outcome, error) {
			spec.OnStart()
			return &sandbox.Outcome{Stdout: "ok\n"}, nil
		},
	}
	rec := &recorder{}
	e := newEngine(spy, sandbox.EngineConfig{})
	e.OnTransition(rec.observe)

	res := e.Run(context.Background(), request(&model.ToolManifest{Name: "echo"}, time.Second))
	if res.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", res.Status, res.Error)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", res.ExitCode)
	}
	if res.Stdout != "ok\n" {
		t.Fatalf("unexpected stdout %q", res.Stdout)
	}
	want := []sandbox.State{sandbox.StateStarting, sandbox.StateRunning, sandbox.StateCompleted}
	if got := rec.path(); !equalStates(got, want) {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
}

// TestEngineNonZeroExit ensures a nonzero exit is a failed result that keeps its exit code.
func TestEngineNonZeroExit(t *testing.T) {
	spy := &sandboxtest.Backend{
		ExecuteFn: func(ctx context.Context, spec sandbox.Spec) (*sandbox.Outcome, error) {
			spec.OnStart()
			return &sandbox.Outcome{Stderr: "boom", ExitCode: 2}, nil
		},
	}
	res := newEngine(spy, sandbox.EngineConfig{}).Run(context.Background(), request(nil, time.Second))
	if res.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if res.ExitCode == nil || *res.ExitCode != 2 {
		t.Fatalf("expected exit code 2, got %v", res.ExitCode)
	}
	if res.Stderr != "boom" {
		t.Fatalf("unexpected stderr %q", res.Stderr)
	}
}

// TestEngineTimeoutRedacts ensures the timeout path reports a null exit code and still redacts.
func TestEngineTimeoutRedacts(t *testing.T) {
	spy := &sandboxtest.Backend{
		ExecuteFn: func(ctx context.Context, spec sandbox.Spec) (*sandbox.Outcome, error) {
			spec.OnStart()
			<-ctx.Done()
			return &sandbox.Outcome{Stdout: "api_key=s3cr3t", TimedOut: true}, nil
		},
	}
	m := &model.ToolManifest{Name: "echo", RedactionRules: []string{`api_key=\S+`}}
	rec := &recorder{}
	e := newEngine(spy, sandbox.EngineConfig{})
	e.OnTransition(rec.observe)

	start := time.Now()
	res := e.Run(context.Background(), request(m, 50*time.Millisecond))
	if res.Status != model.StatusTimeout {
		t.Fatalf("expected timeout, got %s", res.Status)
	}
	if res.ExitCode != nil {
		t.Fatalf("expected nil exit code, got %d", *res.ExitCode)
	}
	if res.Stdout != sandbox.RedactedPlaceholder {
		t.Fatalf("expected redacted stdout, got %q", res.Stdout)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout took too long: %s", time.Since(start))
	}
	want := []sandbox.State{sandbox.StateStarting, sandbox.StateRunning, sandbox.StateTimedOut}
	if got := rec.path(); !equalStates(got, want) {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
}

// TestEngineRetriesSetup ensures setup failures are retried and a later success counts.
func TestEngineRetriesSetup(t *testing.T) {
	var calls int
	spy := &sandboxtest.Backend{
		ExecuteFn: func(ctx context.Context, spec sandbox.Spec) (*sandbox.Outcome, error) {
			calls++
			if calls < 3 {
				return nil, errors.Wrap(sandbox.ErrBackendUnavailable, "daemon busy")
			}
			spec.OnStart()
			return &sandbox.Outcome{}, nil
		},
	}
	res := newEngine(spy, sandbox.EngineConfig{SetupAttempts: 3}).Run(context.Background(), request(nil, time.Second))
	if res.Status != model.StatusCompleted {
		t.Fatalf("expected completed after retries, got %s (%s)", res.Status, res.Error)
	}
	if spy.ExecuteCalls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", spy.ExecuteCalls())
	}
}

// TestEngineBackendUnavailable ensures exhausted setup retries fail the job without an exit code.
func TestEngineBackendUnavailable(t *testing.T) {
	spy := &sandboxtest.Backend{
		ExecuteFn: func(ctx context.Context, spec sandbox.Spec) (*sandbox.Outcome, error) {
			return nil, errors.Wrap(sandbox.ErrBackendUnavailable, "no daemon")
		},
	}
	rec := &recorder{}
	e := newEngine(spy, sandbox.EngineConfig{SetupAttempts: 2})
	e.OnTransition(rec.observe)

	res := e.Run(context.Background(), request(nil, time.Second))
	if res.Status != model.StatusFailed || res.Error != "sandbox unavailable" {
		t.Fatalf("expected sandbox unavailable failure, got %s %q", res.Status, res.Error)
	}
	if res.ExitCode != nil {
		t.Fatalf("expected nil exit code")
	}
	if spy.ExecuteCalls() != 2 {
		t.Fatalf("expected 2 attempts, got %d", spy.ExecuteCalls())
	}
	want := []sandbox.State{sandbox.StateStarting, sandbox.StateFailed}
	if got := rec.path(); !equalStates(got, want) {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
}

// TestEngineOtherErrorsNotRetried ensures execution errors fail immediately.
func TestEngineOtherErrorsNotRetried(t *testing.T) {
	spy := &sandboxtest.Backend{
		ExecuteFn: func(ctx context.Context, spec sandbox.Spec) (*sandbox.Outcome, error) {
			return nil, errors.New("exec format error")
		},
	}
	res := newEngine(spy, sandbox.EngineConfig{SetupAttempts: 5}).Run(context.Background(), request(nil, time.Second))
	if res.Status != model.StatusFailed || !strings.Contains(res.Error, "exec format error") {
		t.Fatalf("unexpected result %s %q", res.Status, res.Error)
	}
	if spy.ExecuteCalls() != 1 {
		t.Fatalf("expected a single attempt, got %d", spy.ExecuteCalls())
	}
}

// TestEngineTruncationMarker ensures truncated streams are marked.
func TestEngineTruncationMarker(t *testing.T) {
	spy := &sandboxtest.Backend{
		ExecuteFn: func(ctx context.Context, spec sandbox.Spec) (*sandbox.Outcome, error) {
			spec.OnStart()
			return &sandbox.Outcome{Stdout: "0000", StdoutTruncated: true}, nil
		},
	}
	res := newEngine(spy, sandbox.EngineConfig{}).Run(context.Background(), request(nil, time.Second))
	if !res.Truncated {
		t.Fatalf("expected truncated flag")
	}
	if !strings.HasPrefix(res.Stdout, "0000") || !strings.Contains(res.Stdout, "truncated") {
		t.Fatalf("expected truncation marker, got %q", res.Stdout)
	}
}

// TestEngineRedactsError ensures the error text goes through redaction too.
func TestEngineRedactsError(t *testing.T) {
	spy := &sandboxtest.Backend{
		ExecuteFn: func(ctx context.Context, spec sandbox.Spec) (*sandbox.Outcome, error) {
			return nil, errors.New("dial password=hunter2 refused")
		},
	}
	m := &model.ToolManifest{RedactionRules: []string{`password=\S+`}}
	res := newEngine(spy, sandbox.EngineConfig{}).Run(context.Background(), request(m, time.Second))
	if strings.Contains(res.Error, "hunter2") {
		t.Fatalf("error not redacted: %q", res.Error)
	}
}
